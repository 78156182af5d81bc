package exchange

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/message"
	"github.com/openweave-go/weave/pkg/reliable"
	"github.com/openweave-go/weave/pkg/transport"
)

// recordingDelegate captures every message/close it sees, for assertions.
type recordingDelegate struct {
	messages [][]byte
	closed   bool
	reply    []byte
}

func (d *recordingDelegate) OnMessage(ctx *Context, eh message.ExchangeHeader, payload []byte) ([]byte, error) {
	d.messages = append(d.messages, payload)
	return d.reply, nil
}

func (d *recordingDelegate) OnClose(ctx *Context) { d.closed = true }

type echoHandler struct {
	delegate Delegate
	got      []byte
}

func (h *echoHandler) OnUnsolicited(ctx *Context, eh message.ExchangeHeader, payload []byte) ([]byte, error) {
	h.got = payload
	ctx.SetDelegate(h.delegate)
	return nil, nil
}

func testPeerAddr() transport.PeerAddress {
	return transport.NewUDPPeerAddress(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5540})
}

// wirePair links two managers' Send callbacks directly together in memory,
// skipping pkg/transport sockets entirely: this package only concerns
// itself with exchange framing and reliability, not socket I/O.
func wirePair(t *testing.T) (initiator, responder *Manager, initiatorFabric, responderFabric *fabric.State) {
	t.Helper()
	initiatorFabric = fabric.NewState(1, 0xF00D, 0)
	responderFabric = fabric.NewState(2, 0xF00D, 0)

	// Send only delivers bytes, mirroring a real transport that has no
	// visibility into how the peer's exchange layer processes them; it
	// never surfaces the peer's processing error to the sender.
	var respMgr *Manager
	initMgr := NewManager(ManagerConfig{
		Fabric: initiatorFabric,
		Codec:  message.NewCodec(nil),
		Params: reliable.DefaultParams(),
		Send: func(buf []byte, peer transport.PeerAddress) error {
			_ = respMgr.OnMessageReceived(buf, testPeerAddr())
			return nil
		},
	})

	respMgr = NewManager(ManagerConfig{
		Fabric: responderFabric,
		Codec:  message.NewCodec(nil),
		Params: reliable.DefaultParams(),
		Send: func(buf []byte, peer transport.PeerAddress) error {
			_ = initMgr.OnMessageReceived(buf, testPeerAddr())
			return nil
		},
	})

	return initMgr, respMgr, initiatorFabric, responderFabric
}

func TestUnsolicitedDispatchAndReply(t *testing.T) {
	initMgr, respMgr, _, _ := wirePair(t)

	initDelegate := &recordingDelegate{}
	respDelegate := &recordingDelegate{reply: []byte("pong")}
	handler := &echoHandler{delegate: respDelegate}
	respMgr.RegisterProfileHandler(0xAA, MsgTypeAny, nil, false, handler)

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 0xAA, initDelegate)
	require.NoError(t, err)

	err = ctx.SendMessage(1, []byte("ping"), false)
	require.NoError(t, err)

	require.Equal(t, []byte("ping"), handler.got)
	require.Len(t, initDelegate.messages, 1)
	require.Equal(t, []byte("pong"), initDelegate.messages[0])
}

func TestUnknownProfileIsDropped(t *testing.T) {
	initMgr, respMgr, _, _ := wirePair(t)

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 0xBEEF, &recordingDelegate{})
	require.NoError(t, err)

	err = ctx.SendMessage(1, []byte("hello"), false)
	require.NoError(t, err) // the send itself succeeds; the peer just drops it
	require.Equal(t, uint64(1), respMgr.Stats.UnsolicitedDropped.Load())
}

func TestReliableSendIsAcked(t *testing.T) {
	initMgr, respMgr, _, _ := wirePair(t)

	respDelegate := &recordingDelegate{reply: []byte("ack-carrier")}
	handler := &echoHandler{delegate: respDelegate}
	respMgr.RegisterProfileHandler(1, MsgTypeAny, nil, false, handler)

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 1, &recordingDelegate{})
	require.NoError(t, err)

	require.True(t, ctx.CanSend())
	err = ctx.SendMessage(1, []byte("reliable"), true)
	require.NoError(t, err)

	// A correctly-delivered ack removes the outstanding retransmit entry
	// and unblocks further sends on this exchange.
	require.True(t, ctx.CanSend())
	require.Equal(t, 0, initMgr.retrans.Count())
}

func TestCannotSendWhilePendingRetransmit(t *testing.T) {
	initMgr, _, _, _ := wirePair(t)
	// Point Send nowhere so the message is never acked.
	initMgr.cfg.Send = func(buf []byte, peer transport.PeerAddress) error { return nil }

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 1, &recordingDelegate{})
	require.NoError(t, err)

	err = ctx.SendMessage(1, []byte("unacked"), true)
	require.NoError(t, err)

	require.False(t, ctx.CanSend())
	err = ctx.SendMessage(1, []byte("second"), true)
	require.ErrorIs(t, err, ErrPendingRetransmit)
}

func TestTickRetransmitsAndEventuallyGivesUp(t *testing.T) {
	initMgr, _, _, _ := wirePair(t)

	var sent int
	initMgr.cfg.Send = func(buf []byte, peer transport.PeerAddress) error {
		sent++
		return nil
	}
	initMgr.cfg.Params.InitialRetransTimeout = 1 * time.Millisecond
	initMgr.cfg.Params.ActiveRetransTimeout = 1 * time.Millisecond
	initMgr.cfg.Params.TickInterval = 1 * time.Millisecond
	initMgr.clock = reliable.NewClock(1*time.Millisecond, time.Unix(0, 0))

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 1, &recordingDelegate{})
	require.NoError(t, err)
	require.NoError(t, ctx.SendMessage(1, []byte("x"), true))
	require.Equal(t, 1, sent)

	now := time.Unix(0, 0)
	for i := 0; i < MaxRetrans+2; i++ {
		now = now.Add(10 * time.Millisecond)
		initMgr.Tick(now)
	}

	// Retried at least once, then gave up and removed the entry.
	require.Greater(t, sent, 1)
	require.Equal(t, 0, initMgr.retrans.Count())
	require.Equal(t, uint64(1), initMgr.Stats.MessagesNotAcked.Load())
}

func TestCloseFlushesPendingAck(t *testing.T) {
	initMgr, respMgr, _, _ := wirePair(t)

	var acked bool
	respMgr.cfg.Send = func(buf []byte, peer transport.PeerAddress) error {
		acked = true
		return initMgr.OnMessageReceived(buf, testPeerAddr())
	}

	handler := &echoHandler{delegate: &recordingDelegate{}}
	respMgr.RegisterProfileHandler(1, MsgTypeAny, nil, false, handler)

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 1, &recordingDelegate{})
	require.NoError(t, err)
	require.NoError(t, ctx.SendMessage(1, []byte("needs-ack"), true))

	// Find the responder's exchange context and close it; a pending ack
	// must be flushed as a standalone ack before the exchange disappears.
	require.Equal(t, 1, respMgr.ExchangeCount())
	var respCtx *Context
	for _, c := range respMgr.contexts {
		respCtx = c
	}
	require.NotNil(t, respCtx)
	require.NoError(t, respCtx.Close())
	require.True(t, acked)
}

func TestCaptureSentMessageOnlyWhenEnabled(t *testing.T) {
	var captured [][]byte
	initiatorFabric := fabric.NewState(1, 0xF00D, 0)
	var respMgr *Manager
	initMgr := NewManager(ManagerConfig{
		Fabric: initiatorFabric,
		Codec:  message.NewCodec(nil),
		Params: reliable.DefaultParams(),
		Send: func(buf []byte, peer transport.PeerAddress) error {
			_ = respMgr.OnMessageReceived(buf, testPeerAddr())
			return nil
		},
		CaptureSentMessage: func(ctx *Context, wire []byte) {
			captured = append(captured, wire)
		},
	})
	responderFabric := fabric.NewState(2, 0xF00D, 0)
	respMgr = NewManager(ManagerConfig{
		Fabric: responderFabric,
		Codec:  message.NewCodec(nil),
		Params: reliable.DefaultParams(),
		Send: func(buf []byte, peer transport.PeerAddress) error {
			_ = initMgr.OnMessageReceived(buf, testPeerAddr())
			return nil
		},
	})

	ctx, err := initMgr.NewExchange(2, testPeerAddr(), 1, &recordingDelegate{})
	require.NoError(t, err)

	require.NoError(t, ctx.SendMessage(1, []byte("uncaptured"), false))
	require.Empty(t, captured)

	ctx.SetCaptureSentMessage(true)
	require.True(t, ctx.ShouldCaptureSentMessage())
	require.NoError(t, ctx.SendMessage(1, []byte("captured"), false))
	require.Len(t, captured, 1)

	ctx.SetCaptureSentMessage(false)
	require.NoError(t, ctx.SendMessage(1, []byte("uncaptured-again"), false))
	require.Len(t, captured, 1)
}

func TestBindingPoolRoundTrip(t *testing.T) {
	stats := &Stats{}
	pool := NewBindingPool(2, stats)

	b := pool.NewBinding(42, testPeerAddr(), 7)
	require.NotNil(t, b)
	require.Equal(t, fabric.NodeID(42), b.PeerNodeID)
	require.Equal(t, uint32(7), b.Profile)
	require.Equal(t, 1, pool.InUse())
	require.Equal(t, uint64(1), stats.BindingsInUse.Load())

	second := pool.NewBinding(43, testPeerAddr(), 8)
	require.NotNil(t, second)
	require.Nil(t, pool.NewBinding(44, testPeerAddr(), 9), "pool is at capacity")

	pool.FreeBinding(b)
	require.Equal(t, 1, pool.InUse())
	require.Equal(t, uint64(1), stats.BindingsInUse.Load())

	third := pool.NewBinding(44, testPeerAddr(), 9)
	require.NotNil(t, third, "freed slot should be reusable")
}
