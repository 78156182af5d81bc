package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// ReconnectMinInterval and ReconnectMaxInterval are the default
// exponential-backoff bounds for re-establishing a dropped tunnel
// connection.
const (
	ReconnectMinInterval = 1 * time.Second
	ReconnectMaxInterval = 10 * time.Minute
)

// DefaultLivenessInterval and DefaultMaxLivenessMisses control the
// keepalive echo TunnelConnectionMgr uses to detect a silently-dead
// connection.
const (
	DefaultLivenessInterval  = 30 * time.Second
	DefaultMaxLivenessMisses = 4
)

// Dialer opens the transport connection to a tunnel endpoint. A real
// implementation dials the service's tunnel listener over TCP; tests
// supply a fake.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// ConnMgrConfig configures a ConnMgr.
type ConnMgrConfig struct {
	Type   Type
	Dialer Dialer

	// LivenessInterval is how often a liveness echo is sent on an open
	// tunnel. Zero uses DefaultLivenessInterval; negative disables
	// liveness checking entirely.
	LivenessInterval time.Duration

	// MaxLivenessMisses is the number of consecutive un-replied echoes
	// tolerated before the tunnel is declared down. Zero uses
	// DefaultMaxLivenessMisses.
	MaxLivenessMisses int

	// SendLiveness transmits a liveness echo carrying id over conn. The
	// caller is expected to route id back through NoteLivenessReply when
	// the peer responds. This is tied to a WRMP Echo exchange in the
	// original implementation; ConnMgr itself stays exchange-agnostic.
	SendLiveness func(conn net.Conn, id uuid.UUID) error

	// OnStateChange, OnOpen, and OnClose are optional observer hooks.
	OnStateChange func(old, new State)
	OnOpen        func(conn net.Conn)
	OnClose       func(cause error)

	LoggerFactory logging.LoggerFactory
}

// ConnMgr is the TunnelConnectionMgr: it owns one tunnel connection's
// lifecycle, reconnecting with exponential backoff and jitter and
// monitoring liveness with a periodic echo.
type ConnMgr struct {
	cfg ConnMgrConfig
	log logging.LeveledLogger
	boff *backoff.ExponentialBackOff

	mu             sync.Mutex
	state          State
	conn           net.Conn
	livenessMisses int
	lastEchoID     uuid.UUID
	online         bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	Stats Stats
}

// NewConnMgr creates a ConnMgr in StateNoConnection. Call Start to begin
// connecting.
func NewConnMgr(cfg ConnMgrConfig) (*ConnMgr, error) {
	if cfg.Dialer == nil {
		return nil, ErrNotDialable
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.MaxLivenessMisses == 0 {
		cfg.MaxLivenessMisses = DefaultMaxLivenessMisses
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = ReconnectMinInterval
	boff.MaxInterval = ReconnectMaxInterval
	boff.MaxElapsedTime = 0 // retry forever
	boff.Reset()

	m := &ConnMgr{cfg: cfg, boff: boff, online: true}
	if cfg.LoggerFactory != nil {
		m.log = cfg.LoggerFactory.NewLogger("tunnel")
	}
	return m, nil
}

// State returns the current connection state.
func (m *ConnMgr) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conn returns the live tunnel connection and true, or (nil, false) if
// the tunnel is not currently open.
func (m *ConnMgr) Conn() (net.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTunnelOpen || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

// Start begins connecting. It is an error to Start a ConnMgr that is
// already running.
func (m *ConnMgr) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.connectLoop(runCtx)
	return nil
}

// Stop tears down the current connection, if any, and halts reconnect
// attempts.
func (m *ConnMgr) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	m.setState(StateClosing)
	cancel()
	m.wg.Wait()
	m.setState(StateNoConnection)
	return nil
}

// ResetReconnectBackoff clears accumulated backoff, so the next reconnect
// delay starts from ReconnectMinInterval again. Used after a platform signal indicates
// connectivity has returned.
func (m *ConnMgr) ResetReconnectBackoff() {
	m.boff.Reset()
}

// SetOnline forwards a platform online/offline signal for this tunnel,
// mirroring WeaveTunnelAgent::NetworkOnlineCheckResult in the original
// implementation. While offline, reconnect dialing is suppressed instead of
// burning through the backoff schedule against a link known to be down; the
// backoff is reset so the first dial attempt after coming back online is
// immediate.
func (m *ConnMgr) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()
	if online && !wasOnline {
		m.ResetReconnectBackoff()
	}
}

// NoteLivenessReply records a liveness echo reply for id, resetting the
// miss counter if it matches the most recently sent echo.
func (m *ConnMgr) NoteLivenessReply(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.lastEchoID {
		m.livenessMisses = 0
	}
}

func (m *ConnMgr) setState(s State) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old == s {
		return
	}
	if m.log != nil {
		m.log.Debugf("tunnel %s: %s -> %s", m.cfg.Type, old, s)
	}
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(old, s)
	}
}

func (m *ConnMgr) connectLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		if !m.waitOnline(ctx) {
			return
		}
		m.setState(StateConnecting)
		conn, err := m.cfg.Dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateNoConnection)
				return
			}
			m.Stats.LastDownErr = err
			m.waitBackoff(ctx)
			continue
		}

		m.setState(StateTunnelOpening)
		m.mu.Lock()
		m.conn = conn
		m.livenessMisses = 0
		m.mu.Unlock()

		m.boff.Reset()
		m.setState(StateTunnelOpen)
		m.Stats.LastUpTimeMs = time.Now().UnixMilli()
		if m.cfg.OnOpen != nil {
			m.cfg.OnOpen(conn)
		}

		runErr := m.runLiveness(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.Stats.LastDownErr = runErr
		m.Stats.FailoverCount++
		if m.cfg.OnClose != nil {
			m.cfg.OnClose(runErr)
		}

		if ctx.Err() != nil {
			m.setState(StateNoConnection)
			return
		}
		m.waitBackoff(ctx)
	}
}

// waitOnline blocks dialing while the platform has reported the link
// offline via SetOnline, returning false only once ctx is done.
func (m *ConnMgr) waitOnline(ctx context.Context) bool {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	if online {
		return true
	}
	m.setState(StateNoConnection)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			m.mu.Lock()
			online := m.online
			m.mu.Unlock()
			if online {
				return true
			}
		}
	}
}

func (m *ConnMgr) waitBackoff(ctx context.Context) {
	m.setState(StateReconnecting)
	d := m.boff.NextBackOff()
	if d == backoff.Stop {
		d = m.boff.MaxInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (m *ConnMgr) runLiveness(ctx context.Context, conn net.Conn) error {
	if m.cfg.LivenessInterval < 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			m.livenessMisses++
			misses := m.livenessMisses
			id := uuid.New()
			m.lastEchoID = id
			m.mu.Unlock()

			if misses > m.cfg.MaxLivenessMisses {
				return ErrNoActiveTunnel
			}
			if m.cfg.SendLiveness != nil {
				if err := m.cfg.SendLiveness(conn, id); err != nil {
					return err
				}
			}
		}
	}
}
