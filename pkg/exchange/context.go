package exchange

import (
	"sync"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/message"
	"github.com/openweave-go/weave/pkg/reliable"
	"github.com/openweave-go/weave/pkg/transport"
)

// Delegate receives messages delivered on an exchange.
type Delegate interface {
	// OnMessage is called for every payload-carrying message received on
	// the exchange (the first unsolicited one included, once the profile
	// handler has installed the delegate); a content-free Null message is
	// consumed by the exchange layer and not passed on. The returned
	// payload, if non-nil, is sent back on the same exchange.
	OnMessage(ctx *Context, eh message.ExchangeHeader, payload []byte) ([]byte, error)

	// OnClose is called once the exchange has fully closed and been
	// removed from its Manager.
	OnClose(ctx *Context)
}

// Context is a single conversation between this node and a peer. It tracks
// WRMP ack/retransmit state directly on the struct rather than in a side
// table.
type Context struct {
	ID      uint16
	Role    ExchangeRole
	State   ExchangeState
	Profile uint32

	peerNodeID  fabric.NodeID
	peerAddress transport.PeerAddress

	delegate Delegate
	manager  *Manager

	// msgRcvdFromPeer gates the WRMP initial-vs-active retransmit
	// interval: slow until the peer has been heard from at least once,
	// fast afterward.
	msgRcvdFromPeer bool

	// ackPending/pendingPeerAckID/nextAckTicks track a received reliable
	// message awaiting our acknowledgement: nextAckTicks counts down to
	// the deadline for a standalone ack if none can be piggybacked.
	ackPending      bool
	pendingPeerAckID uint32
	nextAckTicks    uint32

	// retransEntry is this exchange's single outstanding reliable send,
	// if any; at most one reliable message may be pending per exchange
	// at a time.
	retransEntry *reliable.Entry

	// captureSent marks this exchange for wire-capture of every message
	// it sends, mirroring ExchangeContext::SetCaptureSentMessage in the
	// original implementation.
	captureSent bool

	mu sync.Mutex
}

// Config creates a new Context.
type Config struct {
	ID          uint16
	Role        ExchangeRole
	Profile     uint32
	PeerNodeID  fabric.NodeID
	PeerAddress transport.PeerAddress
	Delegate    Delegate
	Manager     *Manager
}

// NewContext creates a new exchange Context in the Active state.
func NewContext(cfg Config) *Context {
	return &Context{
		ID:          cfg.ID,
		Role:        cfg.Role,
		State:       ExchangeStateActive,
		Profile:     cfg.Profile,
		peerNodeID:  cfg.PeerNodeID,
		peerAddress: cfg.PeerAddress,
		delegate:    cfg.Delegate,
		manager:     cfg.Manager,
	}
}

// Key returns the identity under which the Manager tracks this exchange.
func (c *Context) Key() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Key{PeerNodeID: c.peerNodeID, ExchangeID: c.ID, Role: c.Role}
}

// PeerNodeID returns the peer's node ID.
func (c *Context) PeerNodeID() fabric.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNodeID
}

// PeerAddress returns the peer's transport address.
func (c *Context) PeerAddress() transport.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddress
}

// IsInitiator reports whether we allocated this exchange's ID.
func (c *Context) IsInitiator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Role == ExchangeRoleInitiator
}

// IsClosed reports whether the exchange has fully closed.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State == ExchangeStateClosed
}

// SetDelegate replaces the message delegate.
func (c *Context) SetDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

// SetCaptureSentMessage marks (or unmarks) this exchange so every message
// it sends is also handed to the Manager's CaptureSentMessage hook, if one
// is configured. Intended for diagnostics: recording exactly what went out
// on the wire for one exchange without instrumenting every caller.
func (c *Context) SetCaptureSentMessage(capture bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureSent = capture
}

// ShouldCaptureSentMessage reports whether this exchange is marked for
// sent-message capture.
func (c *Context) ShouldCaptureSentMessage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureSent
}

// hasPendingRetransmit reports whether a reliable send is outstanding.
func (c *Context) hasPendingRetransmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retransEntry != nil
}

// CanSend reports whether a new application message may be sent: the
// exchange must be active and have no reliable send outstanding. The
// exchange layer does not accept a message from the upper layer while an
// outbound reliable message is still pending.
func (c *Context) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State.CanSend() && c.retransEntry == nil
}

// SendMessage sends msgType/payload on this exchange. When needsAck is true
// and the peer is reachable over UDP, the message is tracked for WRMP
// retransmission until acknowledged.
func (c *Context) SendMessage(msgType uint8, payload []byte, needsAck bool) error {
	c.mu.Lock()
	if !c.State.CanSend() {
		state := c.State
		c.mu.Unlock()
		if state == ExchangeStateClosed {
			return ErrExchangeClosed
		}
		return ErrExchangeClosing
	}
	if c.retransEntry != nil {
		c.mu.Unlock()
		return ErrPendingRetransmit
	}
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		return ErrExchangeClosed
	}

	reliableSend := needsAck && c.peerAddress.TransportType == transport.TransportTypeUDP
	return manager.dispatchSend(c, msgType, payload, reliableSend)
}

// SendCommonNullMessage sends a content-free message under the common
// profile, typically to piggyback a pending ack with no application data of
// its own.
func (c *Context) SendCommonNullMessage() error {
	return c.SendMessage(message.MsgTypeNull, nil, false)
}

// Abort immediately tears down the exchange without flushing a pending ack
// or waiting for an outstanding retransmission. Used on unrecoverable
// errors, as opposed to the graceful Close.
func (c *Context) Abort() {
	c.mu.Lock()
	c.State = ExchangeStateClosed
	manager := c.manager
	c.mu.Unlock()

	if manager != nil {
		manager.removeContext(c)
	}
}

// Close initiates graceful exchange teardown: flush any pending ack, then
// either close immediately (no retransmit outstanding) or wait for the
// outstanding retransmission to resolve.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.State == ExchangeStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.State = ExchangeStateClosing
	manager := c.manager
	hasPending := c.retransEntry != nil
	c.mu.Unlock()

	if manager == nil {
		return nil
	}

	manager.flushPendingAck(c)

	if !hasPending {
		c.mu.Lock()
		c.State = ExchangeStateClosed
		c.mu.Unlock()
		manager.removeContext(c)
	}
	return nil
}

// onRetransmitResolved is called by the Manager once this exchange's
// outstanding reliable send is acked or exhausts MaxRetrans. If the
// exchange was waiting on this to finish closing, it finalizes the close.
func (c *Context) onRetransmitResolved() {
	c.mu.Lock()
	c.retransEntry = nil
	closing := c.State == ExchangeStateClosing
	if closing {
		c.State = ExchangeStateClosed
	}
	manager := c.manager
	c.mu.Unlock()

	if closing && manager != nil {
		manager.removeContext(c)
	}
}

// schedulePendingAck records that peerMsgID needs acknowledging within
// ticks virtual ticks if it isn't piggybacked sooner.
func (c *Context) schedulePendingAck(peerMsgID uint32, ticks uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackPending = true
	c.pendingPeerAckID = peerMsgID
	c.nextAckTicks = ticks
}

// consumePendingAck clears and returns the pending ack id, if any, so it
// can be piggybacked onto an outbound message.
func (c *Context) consumePendingAck() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ackPending {
		return 0, false
	}
	id := c.pendingPeerAckID
	c.ackPending = false
	return id, true
}

// tickAck decrements the standalone-ack deadline by delta ticks, returning
// the peer message id to ack if the deadline is reached. Uses the same
// virtual tick wheel as retransmit scheduling.
func (c *Context) tickAck(delta uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ackPending {
		return 0, false
	}
	c.nextAckTicks = reliable.DecSaturating(c.nextAckTicks, delta)
	if c.nextAckTicks == 0 {
		id := c.pendingPeerAckID
		c.ackPending = false
		return id, true
	}
	return 0, false
}

// markMsgRcvdFromPeer flips on the first inbound message from the peer on
// this exchange, switching WRMP to the faster steady-state retransmit
// interval.
func (c *Context) markMsgRcvdFromPeer() {
	c.mu.Lock()
	c.msgRcvdFromPeer = true
	c.mu.Unlock()
}

func (c *Context) retransInterval() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgRcvdFromPeer
}

// setRetransEntry records ctx's single outstanding reliable send.
func (c *Context) setRetransEntry(e *reliable.Entry) {
	c.mu.Lock()
	c.retransEntry = e
	c.mu.Unlock()
}

// handleMessage dispatches an inbound application payload to the delegate.
func (c *Context) handleMessage(eh message.ExchangeHeader, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if !c.State.CanReceive() {
		c.mu.Unlock()
		return nil, ErrExchangeClosed
	}
	delegate := c.delegate
	c.mu.Unlock()

	if delegate == nil {
		return nil, nil
	}
	return delegate.OnMessage(c, eh, payload)
}
