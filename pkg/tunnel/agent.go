package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/shortcut"
	"github.com/openweave-go/weave/pkg/transport"
	"github.com/openweave-go/weave/pkg/weaveerr"
)

// DefaultMaxQueued is the default bound on packets queued for the service
// tunnel while no tunnel connection is open (MAX_QUEUED in the original
// implementation).
const DefaultMaxQueued = 64

// flushInterval is how often the agent retries flushing its queue against
// whichever tunnel connection becomes available.
const flushInterval = 200 * time.Millisecond

// LocalSender transmits an encapsulated tunnel packet directly to a peer
// reachable on the local network, bypassing the service tunnel (the
// shortcut path).
type LocalSender interface {
	SendLocal(addr transport.PeerAddress, pkt []byte) error
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Role selects which subnet categories this agent forwards locally
	// generated traffic for.
	Role Role

	// FabricID is used, mirroring the original implementation, as the
	// shortcut-cache lookup key when a mobile device forwards traffic
	// destined for its fabric's border gateway.
	FabricID fabric.FabricID

	Endpoint Endpoint
	Shortcut *shortcut.Control
	Local    LocalSender

	Primary *ConnMgr
	Backup  *ConnMgr

	// MaxQueued bounds the egress queue. Zero uses DefaultMaxQueued.
	MaxQueued int

	// OnDrop, if set, is called every time a packet is dropped with the
	// reason: a weaveerr sentinel for queue-full and routing-restricted
	// drops, this package's error for a malformed packet, or the tunnel
	// connection's write error, so a caller can report drop reasons (e.g. as
	// metrics) beyond the aggregate Stats.DroppedMsgs counter.
	OnDrop func(err error)

	LoggerFactory logging.LoggerFactory
}

// Agent is the TunnelAgent: it moves IPv6 packets between a local TUN
// endpoint and the tunnel connections a ConnMgr maintains, choosing between
// the service tunnel and a local shortcut by destination subnet.
type Agent struct {
	cfg AgentConfig
	log logging.LeveledLogger

	queueMu sync.Mutex
	queue   [][]byte

	Stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAgent creates an Agent. Endpoint is required.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Endpoint == nil {
		return nil, ErrNotStarted
	}
	a := &Agent{cfg: cfg}
	if cfg.LoggerFactory != nil {
		a.log = cfg.LoggerFactory.NewLogger("tunnel-agent")
	}
	return a, nil
}

// Start begins the egress loop reading from Endpoint and the background
// queue flusher.
func (a *Agent) Start() error {
	if a.stopCh != nil {
		return ErrAlreadyStarted
	}
	a.stopCh = make(chan struct{})
	a.wg.Add(2)
	go a.egressLoop()
	go a.flushLoop()
	return nil
}

// Stop halts the egress loop and flusher. The Endpoint itself is closed
// by its owner, not by Stop.
func (a *Agent) Stop() error {
	if a.stopCh == nil {
		return ErrNotStarted
	}
	close(a.stopCh)
	a.wg.Wait()
	a.stopCh = nil
	return nil
}

func (a *Agent) egressLoop() {
	defer a.wg.Done()
	for {
		pkt, err := a.cfg.Endpoint.Recv()
		if err != nil {
			return
		}
		a.handleEgress(pkt)
	}
}

func (a *Agent) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.tryFlush()
		}
	}
}

// handleEgress implements RecvdFromTunnelEndPoint's routing decision.
func (a *Agent) handleEgress(pkt []byte) {
	dest := destinationAddr(pkt)
	if dest == nil {
		a.dropWithErr(ErrInvalidPacket)
		return
	}

	framed := a.encapsulate(pkt)
	subnet := ClassifySubnet(dest)

	switch {
	case subnet == SubnetService:
		a.sendToService(framed)

	case subnet == SubnetMobileDevice && a.cfg.Role == RoleBorderGateway:
		peer := fabric.NodeID(InterfaceNodeID(dest))
		a.sendShortcutOrRemote(peer, framed)

	case (subnet == SubnetPrimaryWiFi || subnet == SubnetThreadMesh) && a.cfg.Role == RoleMobileDevice:
		// Mirrors the original implementation, which passes the local
		// fabric id (not a peer node id) as the shortcut lookup key: a
		// mobile device has exactly one border gateway per fabric.
		peer := fabric.NodeID(uint64(a.cfg.FabricID))
		a.sendShortcutOrRemote(peer, framed)

	default:
		a.dropWithErr(weaveerr.ErrTunnelRoutingRestricted)
	}
}

func (a *Agent) encapsulate(pkt []byte) []byte {
	hdr := Header{Version: HeaderVersionV1}
	out := make([]byte, 0, HeaderSize+len(pkt))
	out = append(out, hdr.Encode()...)
	out = append(out, pkt...)
	return out
}

func (a *Agent) sendShortcutOrRemote(peer fabric.NodeID, framed []byte) {
	if a.cfg.Shortcut != nil && a.cfg.Local != nil {
		if addr, ok := a.cfg.Shortcut.Lookup(peer); ok {
			if err := a.cfg.Local.SendLocal(addr, framed); err == nil {
				a.Stats.TxBytes += uint64(len(framed))
				a.Stats.TxMessages++
				return
			}
		}
	}
	a.sendToService(framed)
}

func (a *Agent) sendToService(framed []byte) {
	if conn, ok := a.activeConn(); ok {
		a.writeToConn(conn, framed)
		return
	}
	a.enqueue(framed)
}

// NetworkOnlineCheckResult forwards a platform online/offline signal to
// both the primary and backup connection managers, mirroring
// WeaveTunnelAgent::NetworkOnlineCheckResult in the original implementation.
func (a *Agent) NetworkOnlineCheckResult(online bool) {
	if a.cfg.Primary != nil {
		a.cfg.Primary.SetOnline(online)
	}
	if a.cfg.Backup != nil {
		a.cfg.Backup.SetOnline(online)
	}
}

func (a *Agent) activeConn() (net.Conn, bool) {
	if a.cfg.Primary != nil {
		if c, ok := a.cfg.Primary.Conn(); ok {
			return c, true
		}
	}
	if a.cfg.Backup != nil {
		if c, ok := a.cfg.Backup.Conn(); ok {
			return c, true
		}
	}
	return nil, false
}

func (a *Agent) enqueue(framed []byte) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()

	max := a.cfg.MaxQueued
	if max <= 0 {
		max = DefaultMaxQueued
	}
	if len(a.queue) >= max {
		a.dropWithErr(weaveerr.ErrTunnelServiceQueueFull)
		return
	}
	a.queue = append(a.queue, framed)
}

func (a *Agent) tryFlush() {
	conn, ok := a.activeConn()
	if !ok {
		return
	}

	a.queueMu.Lock()
	pending := a.queue
	a.queue = nil
	a.queueMu.Unlock()

	for _, pkt := range pending {
		a.writeToConn(conn, pkt)
	}
}

func (a *Agent) writeToConn(conn net.Conn, framed []byte) {
	n, err := conn.Write(framed)
	if err != nil {
		a.Stats.LastDownErr = err
		a.dropWithErr(err)
		return
	}
	a.Stats.TxBytes += uint64(n)
	a.Stats.TxMessages++
}

// dropWithErr records a dropped packet and, if OnDrop is configured,
// reports the reason.
func (a *Agent) dropWithErr(err error) {
	a.Stats.DroppedMsgs++
	if a.log != nil {
		a.log.Warnf("tunnel agent dropping packet: %v", err)
	}
	if a.cfg.OnDrop != nil {
		a.cfg.OnDrop(err)
	}
}

// HandleInbound decapsulates a packet received over the tunnel of type
// tunType and, if its destination is a subnet reachable locally, writes
// it to the TUN endpoint (HandleTunneledReceive in the original
// implementation).
func (a *Agent) HandleInbound(tunType Type, framed []byte) error {
	hdr, pkt, err := DecodeHeader(framed)
	if err != nil {
		a.dropWithErr(err)
		return err
	}
	if hdr.Version != HeaderVersionV1 {
		a.dropWithErr(ErrUnsupportedVersion)
		return ErrUnsupportedVersion
	}

	a.Stats.RxBytes += uint64(len(framed))
	a.Stats.RxMessages++

	dest := destinationAddr(pkt)
	if dest == nil {
		a.dropWithErr(ErrInvalidPacket)
		return ErrInvalidPacket
	}

	switch ClassifySubnet(dest) {
	case SubnetMobileDevice, SubnetPrimaryWiFi, SubnetThreadMesh:
		return a.cfg.Endpoint.Send(pkt)
	default:
		a.dropWithErr(weaveerr.ErrTunnelRoutingRestricted)
		return nil
	}
}
