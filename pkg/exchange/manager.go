package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/message"
	"github.com/openweave-go/weave/pkg/reliable"
	"github.com/openweave-go/weave/pkg/transport"
)

// ProfileHandler handles unsolicited messages for a registered profile ID:
// the first message of a new exchange, which has no Context yet.
type ProfileHandler interface {
	// OnUnsolicited is invoked with a freshly created responder Context
	// for the first message of a new exchange. A non-nil return value is
	// sent back on the same exchange.
	OnUnsolicited(ctx *Context, eh message.ExchangeHeader, payload []byte) ([]byte, error)
}

// MsgTypeAny is the wildcard message type for an unsolicited-handler
// registration: it matches any message type under its profile id that no
// more specific registration claims, mirroring UnsolicitedMessageHandler's
// MessageType == -1 convention in the original implementation.
const MsgTypeAny int16 = -1

// umHandler is one entry of the unsolicited-handler pool: the
// (profileId, messageType, connection, allowDups, handler) tuple of
// UnsolicitedMessageHandler in WeaveExchangeMgr. conn is an opaque identity
// compared by ==, exactly as the original compares WeaveConnection
// pointers; nil means the entry matches traffic on any connection.
type umHandler struct {
	profileID uint32
	msgType   int16
	conn      any
	allowDups bool
	handler   ProfileHandler
}

// matches reports whether entry e should be considered for an inbound
// message with the given profile/connection/duplicate status, per
// RegisterUMH's matching rule: the profile must match, the connection
// restriction (if any) must match, and a duplicate message is only
// eligible if the entry allows duplicates.
func (e *umHandler) matches(profileID uint32, conn any, isDuplicate bool) bool {
	if e.handler == nil || e.profileID != profileID {
		return false
	}
	if e.conn != nil && e.conn != conn {
		return false
	}
	if isDuplicate && !e.allowDups {
		return false
	}
	return true
}

// EncryptionFunc resolves the key material to use when sending to peer. ok
// is false to send the message unencrypted; this is the collaborator
// boundary where key negotiation is expected to plug in.
type EncryptionFunc func(peer fabric.NodeID) (key []byte, keyID uint16, encType message.EncryptionType, ok bool)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Fabric *fabric.State
	Codec  *message.Codec

	// Send transmits an already-encoded wire message to peer.
	Send func(buf []byte, peer transport.PeerAddress) error

	// EncryptFor and DecryptKey/NonceFor are the crypto-suite
	// collaborator; leave nil to run the exchange layer in the clear.
	EncryptFor EncryptionFunc
	DecryptKey message.KeyLookup
	NonceFor   func(h message.Header) []byte

	Params   reliable.Params
	PoolSize int // 0 => DefaultContextPoolSize

	// CaptureSentMessage, if non-nil, is handed every encoded wire
	// message sent on an exchange with capture enabled via
	// Context.SetCaptureSentMessage, mirroring
	// WEAVE_CONFIG_ENABLE_MESSAGE_CAPTURE in the original implementation.
	CaptureSentMessage func(ctx *Context, wire []byte)
}

// Manager is the ExchangeManager: it owns the context pool, the
// unsolicited-handler pool, the binding pool, and the cross-exchange WRMP
// retransmit table, and implements the inbound message dispatch algorithm.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	contexts map[Key]*Context
	handlers []*umHandler
	windows  map[fabric.NodeID]*fabric.ReceiveWindow

	Bindings *BindingPool
	Stats    Stats

	retrans *reliable.Table
	clock   *reliable.Clock
	backoff *reliable.BackoffCalculator

	nextExchangeID uint16
}

// NewManager creates a Manager ready to originate and accept exchanges.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Params.TickInterval == 0 {
		cfg.Params = reliable.DefaultParams()
	}
	if cfg.NonceFor == nil {
		cfg.NonceFor = message.DefaultNonceFor
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = DefaultContextPoolSize
	}

	m := &Manager{
		cfg:      cfg,
		contexts: make(map[Key]*Context),
		windows:  make(map[fabric.NodeID]*fabric.ReceiveWindow),
		retrans:  reliable.NewTable(poolSize),
		clock:    reliable.NewClock(cfg.Params.TickInterval, time.Now()),
		backoff:  reliable.NewBackoffCalculator(nil),
	}
	m.Bindings = NewBindingPool(poolSize, &m.Stats)

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextExchangeID = binary.LittleEndian.Uint16(buf[:])
	}
	return m
}

// RegisterProfileHandler registers h as the handler for unsolicited
// messages matching (profileID, msgType, conn). msgType may be MsgTypeAny
// to match every message type under profileID that no more specific
// registration claims; conn may be nil to match traffic on any connection.
// allowDups is stored with the entry, but OnMessageReceived drops every
// message the receive window reports as a duplicate (answering it with a
// solitary Null ack when it asks for one) before any handler lookup, so h
// is never invoked for a duplicate whatever allowDups says. Registering again for a tuple that
// already has an entry updates its handler and allowDups in place rather
// than adding a second entry, mirroring WeaveExchangeMgr::RegisterUMH.
func (m *Manager) RegisterProfileHandler(profileID uint32, msgType int16, conn any, allowDups bool, h ProfileHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.handlers {
		if e.profileID == profileID && e.msgType == msgType && e.conn == conn {
			e.allowDups = allowDups
			e.handler = h
			return
		}
	}
	m.handlers = append(m.handlers, &umHandler{
		profileID: profileID,
		msgType:   msgType,
		conn:      conn,
		allowDups: allowDups,
		handler:   h,
	})
	m.Stats.UMHandlersInUse.Add(1)
}

// UnregisterProfileHandler removes the handler registered for
// (profileID, msgType, conn), mirroring WeaveExchangeMgr::UnregisterUMH. It
// reports ErrNoHandler if no such entry exists.
func (m *Manager) UnregisterProfileHandler(profileID uint32, msgType int16, conn any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.handlers {
		if e.handler != nil && e.profileID == profileID && e.msgType == msgType && e.conn == conn {
			e.handler = nil
			m.Stats.UMHandlersInUse.Add(^uint64(0))
			return nil
		}
	}
	return ErrNoHandler
}

// NewExchange allocates a new exchange as its initiator.
func (m *Manager) NewExchange(peer fabric.NodeID, peerAddr transport.PeerAddress, profile uint32, delegate Delegate) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.contexts) >= m.poolCapacity() {
		return nil, ErrContextPoolFull
	}

	id := m.nextExchangeID
	m.nextExchangeID++

	key := Key{PeerNodeID: peer, ExchangeID: id, Role: ExchangeRoleInitiator}
	if _, exists := m.contexts[key]; exists {
		return nil, ErrExchangeExists
	}

	ctx := NewContext(Config{
		ID:          id,
		Role:        ExchangeRoleInitiator,
		Profile:     profile,
		PeerNodeID:  peer,
		PeerAddress: peerAddr,
		Delegate:    delegate,
		Manager:     m,
	})
	m.contexts[key] = ctx
	return ctx, nil
}

func (m *Manager) poolCapacity() int {
	if m.cfg.PoolSize == 0 {
		return DefaultContextPoolSize
	}
	return m.cfg.PoolSize
}

// ExchangeCount returns the number of live exchanges.
func (m *Manager) ExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// Tick advances the manager's virtual clock to now, expiring any due
// standalone acks and retransmissions. It is the single timer callback a
// host registers at Params.TickInterval.
func (m *Manager) Tick(now time.Time) {
	delta := m.clock.ExpireTicks(now)
	if delta == 0 {
		return
	}

	m.mu.RLock()
	ctxs := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		ctxs = append(ctxs, c)
	}
	m.mu.RUnlock()

	for _, c := range ctxs {
		if peerMsgID, due := c.tickAck(delta); due {
			m.sendStandaloneAck(c, peerMsgID)
		}
	}

	due := m.retrans.Tick(delta)
	for _, entry := range due {
		m.handleRetransDue(entry)
	}
}

func (m *Manager) handleRetransDue(entry *reliable.Entry) {
	ctx, _ := entry.Owner.(*Context)
	if ctx == nil {
		m.retrans.Remove(entry)
		return
	}

	maxRetrans := int(m.cfg.Params.MaxRetrans)
	if maxRetrans == 0 {
		maxRetrans = MaxRetrans
	}
	if entry.SendCount > maxRetrans {
		m.retrans.Remove(entry)
		m.Stats.MessagesNotAcked.Add(1)
		ctx.onRetransmitResolved()
		return
	}

	if m.cfg.Send != nil {
		_ = m.cfg.Send(entry.Buffer, entry.Peer)
	}
	m.Stats.Retransmits.Add(1)

	backoff := m.backoff.Calculate(m.baseInterval(ctx.retransInterval()), entry.SendCount)
	m.retrans.Rearm(entry, m.cfg.Params.Ticks(backoff))
}

func (m *Manager) baseInterval(msgRcvdFromPeer bool) time.Duration {
	if msgRcvdFromPeer {
		return m.cfg.Params.ActiveRetransTimeout
	}
	return m.cfg.Params.InitialRetransTimeout
}

// dispatchSend encodes and transmits msgType/payload on ctx, piggybacking
// any pending ack, and tracks it for retransmission when reliable is true.
func (m *Manager) dispatchSend(ctx *Context, msgType uint8, payload []byte, reliableSend bool) error {
	eh := message.ExchangeHeader{
		Initiator:   ctx.IsInitiator(),
		NeedsAck:    reliableSend,
		MessageType: msgType,
		ExchangeID:  ctx.ID,
		ProfileID:   ctx.Profile,
	}
	if msgType == message.MsgTypeNull && payload == nil {
		// A content-free Null is the common profile's Null message.
		eh.ProfileID = message.ProfileCommon
	}
	if ackID, ok := ctx.consumePendingAck(); ok {
		eh.AckID = true
		eh.AckMessageID = ackID
		m.Stats.AcksSent.Add(1)
	}
	eh.Version = message.SelectVersion(reliableSend, false, eh.AckID && msgType == message.MsgTypeNull && payload == nil)

	wire, msgID, err := m.encode(ctx.PeerNodeID(), ctx.PeerAddress(), eh, payload)
	if err != nil {
		return err
	}

	var entry *reliable.Entry
	if reliableSend {
		entry, err = m.retrans.Add(ctx, msgID, wire, ctx.PeerAddress(), m.cfg.Params.RetransTicks(ctx.retransInterval()))
		if err != nil {
			m.Stats.RetransTableFull.Add(1)
			return err
		}
		ctx.setRetransEntry(entry)
	}

	if m.cfg.Send != nil {
		if err := m.cfg.Send(wire, ctx.PeerAddress()); err != nil {
			if entry != nil {
				m.retrans.Remove(entry)
				ctx.setRetransEntry(nil)
			}
			return err
		}
	}
	m.Stats.MessagesSent.Add(1)
	if m.cfg.CaptureSentMessage != nil && ctx.ShouldCaptureSentMessage() {
		m.cfg.CaptureSentMessage(ctx, wire)
	}
	return nil
}

// encode builds the full wire message: exchange header prepended to
// payload, then the outer message header and optional encryption.
func (m *Manager) encode(peer fabric.NodeID, peerAddr transport.PeerAddress, eh message.ExchangeHeader, payload []byte) ([]byte, uint32, error) {
	reserve := message.ExchangeHeaderReserve
	if eh.AckID {
		reserve = message.ExchangeHeaderReserveWithAck
	}
	buf := make([]byte, reserve+len(payload))
	copy(buf[reserve:], payload)
	withEH, err := message.PrependExchangeHeader(buf, reserve, &eh)
	if err != nil {
		return nil, 0, err
	}

	keyID := uint16(fabric.KeyIDNone)
	var key []byte
	encType := message.EncryptionNone
	encrypted := false
	if m.cfg.EncryptFor != nil {
		if k, id, et, ok := m.cfg.EncryptFor(peer); ok {
			key, keyID, encType, encrypted = k, id, et, true
		}
	}

	msgID := m.cfg.Fabric.NextMessageID(fabric.KeyID(keyID))
	header := message.Header{
		MessageID:     msgID,
		SourcePresent: true,
		SourceNodeID:  uint64(m.cfg.Fabric.LocalNodeID()),
		DestPresent:   true,
		DestNodeID:    uint64(peer),
		Encrypted:     encrypted,
		KeyID:         keyID,
		EncType:       encType,
	}

	var nonce []byte
	if encrypted && m.cfg.NonceFor != nil {
		nonce = m.cfg.NonceFor(header)
	}

	wire, err := m.cfg.Codec.Encode(header, withEH, key, nonce)
	if err != nil {
		return nil, 0, err
	}
	return wire, msgID, nil
}

// flushPendingAck sends a standalone ack now if ctx has one pending.
func (m *Manager) flushPendingAck(ctx *Context) {
	if id, ok := ctx.consumePendingAck(); ok {
		m.sendStandaloneAck(ctx, id)
	}
}

func (m *Manager) sendStandaloneAck(ctx *Context, peerMsgID uint32) {
	m.sendAckOnly(ctx.PeerNodeID(), ctx.PeerAddress(), ctx.IsInitiator(), ctx.ID, ctx.Profile, peerMsgID)
}

// sendAckOnly synthesizes and sends a solitary Null message carrying
// ackMsgID, without requiring a live Context. This is used both by
// sendStandaloneAck and, for any duplicate message that needs acking,
// directly out of OnMessageReceived, which answers such a duplicate without
// consulting exchanges or unsolicited handlers - mirroring the short-lived "ack-only" exchange the
// original implementation allocates for that case.
func (m *Manager) sendAckOnly(peer fabric.NodeID, peerAddr transport.PeerAddress, weAreInitiator bool, exchangeID uint16, profileID uint32, peerMsgID uint32) {
	eh := message.ExchangeHeader{
		Initiator:    weAreInitiator,
		AckID:        true,
		MessageType:  message.MsgTypeNull,
		ExchangeID:   exchangeID,
		ProfileID:    profileID,
		AckMessageID: peerMsgID,
	}
	eh.Version = message.SelectVersion(false, false, true)

	wire, _, err := m.encode(peer, peerAddr, eh, nil)
	if err != nil {
		return
	}
	if m.cfg.Send != nil {
		_ = m.cfg.Send(wire, peerAddr)
	}
	m.Stats.AcksSent.Add(1)
}

// OnMessageReceived is the Manager's entry point for every inbound wire
// message: decode and authenticate, decode the exchange header, check the
// receive window for a duplicate (synthesizing a standalone ack for one
// that still needs it), process an embedded ack, match or create an
// exchange, schedule our own ack if requested, dispatch to the
// delegate/handler, and send any response.
func (m *Manager) OnMessageReceived(buf []byte, peerAddr transport.PeerAddress) error {
	header, rest, err := m.cfg.Codec.Decode(buf, m.cfg.DecryptKey, m.cfg.NonceFor)
	if err != nil {
		return err
	}
	if !header.SourcePresent {
		return message.ErrInvalidMessageLength
	}
	sourceNode := fabric.NodeID(header.SourceNodeID)

	eh, payload, err := message.DecodeExchangeHeader(rest)
	if err != nil {
		return err
	}

	if !m.windowFor(sourceNode).IsAuthenticMessageFromPeer(sourceNode, fabric.KeyID(header.KeyID), header.MessageID) {
		m.Stats.DuplicatesDropped.Add(1)
		if eh.NeedsAck {
			// No exchange or unsolicited handler is consulted for a
			// duplicate: a solitary Null ack carrying the duplicate's
			// message id goes straight back so the peer stops
			// retransmitting.
			m.sendAckOnly(sourceNode, peerAddr, !eh.Initiator, eh.ExchangeID, eh.ProfileID, header.MessageID)
		}
		return ErrDuplicateMessage
	}

	m.Stats.MessagesReceived.Add(1)

	m.cfg.Fabric.NoteObservedAddress(sourceNode, addrIP(peerAddr), addrPort(peerAddr))

	ourRole := ExchangeRoleInitiator
	if eh.Initiator {
		ourRole = ExchangeRoleResponder
	}
	key := Key{PeerNodeID: sourceNode, ExchangeID: eh.ExchangeID, Role: ourRole}

	m.mu.RLock()
	ctx, exists := m.contexts[key]
	m.mu.RUnlock()

	if eh.AckID && exists {
		if entry, ok := m.retrans.RemoveByAck(ctx, eh.AckMessageID); ok {
			_ = entry
			m.Stats.AcksReceived.Add(1)
			ctx.onRetransmitResolved()
		}
	}

	if !exists {
		return m.handleUnsolicited(eh, payload, peerAddr, sourceNode, key, header.MessageID)
	}

	ctx.markMsgRcvdFromPeer()
	if eh.NeedsAck {
		ctx.schedulePendingAck(header.MessageID, m.cfg.Params.Ticks(m.cfg.Params.AckPiggybackTimeout))
	}

	if eh.MessageType == message.MsgTypeNull && len(payload) == 0 {
		return nil
	}

	response, err := ctx.handleMessage(eh, payload)
	if err != nil {
		return err
	}
	if response != nil {
		return ctx.SendMessage(eh.MessageType, response, peerAddr.TransportType == transport.TransportTypeUDP)
	}
	return nil
}

func (m *Manager) handleUnsolicited(eh message.ExchangeHeader, payload []byte, peerAddr transport.PeerAddress, peer fabric.NodeID, key Key, msgID uint32) error {
	if !eh.Initiator {
		return ErrUnsolicitedNotInitiator
	}

	// This entry point has no persistent connection handle for the packet
	// that arrived (pkg/exchange is transport-agnostic), so only entries
	// registered with conn == nil (the overwhelmingly common case) are
	// ever eligible here.
	handler := m.matchUMH(eh.ProfileID, int16(eh.MessageType), nil, false)
	if handler == nil {
		m.Stats.UnsolicitedDropped.Add(1)
		return ErrNoHandler
	}

	ctx := NewContext(Config{
		ID:          eh.ExchangeID,
		Role:        ExchangeRoleResponder,
		Profile:     eh.ProfileID,
		PeerNodeID:  peer,
		PeerAddress: peerAddr,
		Manager:     m,
	})

	m.mu.Lock()
	if len(m.contexts) >= m.poolCapacity() {
		m.mu.Unlock()
		m.Stats.UnsolicitedDropped.Add(1)
		return ErrContextPoolFull
	}
	m.contexts[key] = ctx
	m.mu.Unlock()

	ctx.markMsgRcvdFromPeer()
	if eh.NeedsAck {
		ctx.schedulePendingAck(msgID, m.cfg.Params.Ticks(m.cfg.Params.AckPiggybackTimeout))
	}

	m.Stats.UnsolicitedHandled.Add(1)
	response, err := handler.OnUnsolicited(ctx, eh, payload)
	if err != nil {
		m.removeContext(ctx)
		return err
	}
	// A delegate the handler installed sees this first message too; its
	// reply is sent when the handler returned none.
	delegateResponse, err := ctx.handleMessage(eh, payload)
	if err != nil {
		return err
	}
	if response == nil {
		response = delegateResponse
	}
	if response != nil {
		return ctx.SendMessage(eh.MessageType, response, peerAddr.TransportType == transport.TransportTypeUDP)
	}
	return nil
}

// matchUMH scans the unsolicited-handler pool for the best match for
// (profileID, msgType, conn, isDuplicate), mirroring WeaveExchangeMgr's
// dispatch loop: an entry whose MessageType exactly equals msgType wins
// immediately, while a MsgTypeAny entry is remembered but scanning
// continues in case a later entry matches exactly.
func (m *Manager) matchUMH(profileID uint32, msgType int16, conn any, isDuplicate bool) ProfileHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wildcard ProfileHandler
	for _, e := range m.handlers {
		if !e.matches(profileID, conn, isDuplicate) {
			continue
		}
		if e.msgType == msgType {
			return e.handler
		}
		if e.msgType == MsgTypeAny && wildcard == nil {
			wildcard = e.handler
		}
	}
	return wildcard
}

func (m *Manager) windowFor(peer fabric.NodeID) *fabric.ReceiveWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[peer]
	if !ok {
		w = fabric.NewReceiveWindow(32)
		m.windows[peer] = w
	}
	return w
}

func (m *Manager) removeContext(ctx *Context) {
	key := ctx.Key()

	m.mu.Lock()
	delete(m.contexts, key)
	m.mu.Unlock()

	m.retrans.RemoveByOwner(ctx)

	ctx.mu.Lock()
	delegate := ctx.delegate
	ctx.mu.Unlock()
	if delegate != nil {
		delegate.OnClose(ctx)
	}
}

// Close tears down every live exchange.
func (m *Manager) Close() {
	m.mu.Lock()
	ctxs := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		ctxs = append(ctxs, c)
	}
	m.mu.Unlock()

	for _, c := range ctxs {
		c.Abort()
	}
}

func addrIP(p transport.PeerAddress) net.IP {
	if udp, ok := p.Addr.(*net.UDPAddr); ok {
		return udp.IP
	}
	if tcp, ok := p.Addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

func addrPort(p transport.PeerAddress) int {
	if udp, ok := p.Addr.(*net.UDPAddr); ok {
		return udp.Port
	}
	if tcp, ok := p.Addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
