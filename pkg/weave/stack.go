// Package weave assembles fabric identity, transport, exchange dispatch,
// and the optional local shortcut cache into one owning value instead of a
// set of global singletons. A Stack is one node's complete runtime, wired
// together the way a host process would configure it.
package weave

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"

	"github.com/openweave-go/weave/pkg/exchange"
	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/message"
	"github.com/openweave-go/weave/pkg/reliable"
	"github.com/openweave-go/weave/pkg/shortcut"
	"github.com/openweave-go/weave/pkg/transport"
)

// Config consolidates a node's startup configuration into one struct,
// mirroring the *Config/ManagerConfig pattern used throughout this module.
type Config struct {
	// LocalNodeID and FabricID identify this node on its fabric.
	LocalNodeID fabric.NodeID
	FabricID    fabric.FabricID
	Subnet      uint16

	// ListenPort is the UDP/TCP port to listen on. Zero uses
	// transport.DefaultPort.
	ListenPort int

	// UDPEnabled/TCPEnabled select which transports are active. If
	// neither is set, both default to enabled.
	UDPEnabled bool
	TCPEnabled bool

	// UDPConn/TCPListener let a caller supply pre-built connections
	// (e.g. from a transport.PipeFactory) for testing without real
	// sockets.
	UDPConn     net.PacketConn
	TCPListener net.Listener

	// Codec encodes/decodes wire messages. Nil uses
	// message.NewCodec(nil) (AES-CCM-128).
	Codec *message.Codec

	// Encrypt/DecryptKey/NonceFor are the crypto-suite collaborator
	// hooks; message-layer encryption itself is out of scope here. Leave
	// nil to run the exchange layer in the clear.
	Encrypt    exchange.EncryptionFunc
	DecryptKey message.KeyLookup
	NonceFor   func(h message.Header) []byte

	// ReliableParams tunes the WRMP virtual-tick wheel. Zero uses
	// reliable.DefaultParams().
	ReliableParams reliable.Params

	// Shortcut, if non-nil, enables the local shortcut cache. LocalNodeID
	// and Port are filled in from the fields above if left zero.
	Shortcut *shortcut.Config

	LoggerFactory logging.LoggerFactory
}

// Stack is one node's complete Weave runtime.
type Stack struct {
	cfg Config
	log logging.LeveledLogger

	Fabric    *fabric.State
	Codec     *message.Codec
	Transport *transport.Manager
	Exchange  *exchange.Manager
	Shortcut  *shortcut.Control

	tickStop chan struct{}
}

// New builds a Stack from cfg but does not start it; call Start to begin
// listening.
func New(cfg Config) (*Stack, error) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = transport.DefaultPort
	}
	if !cfg.UDPEnabled && !cfg.TCPEnabled {
		cfg.UDPEnabled = true
		cfg.TCPEnabled = true
	}
	if cfg.ReliableParams.TickInterval == 0 {
		cfg.ReliableParams = reliable.DefaultParams()
	}

	codec := cfg.Codec
	if codec == nil {
		codec = message.NewCodec(nil)
	}

	s := &Stack{
		cfg:    cfg,
		Fabric: fabric.NewState(cfg.LocalNodeID, cfg.FabricID, cfg.Subnet),
		Codec:  codec,
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("weave")
	}

	var exMgr *exchange.Manager
	tm, err := transport.NewManager(transport.ManagerConfig{
		Port:        cfg.ListenPort,
		UDPEnabled:  cfg.UDPEnabled,
		TCPEnabled:  cfg.TCPEnabled,
		UDPConn:     cfg.UDPConn,
		TCPListener: cfg.TCPListener,
		MessageHandler: func(msg *transport.ReceivedMessage) {
			if exMgr == nil {
				return
			}
			if err := exMgr.OnMessageReceived(msg.Data, msg.PeerAddr); err != nil && s.log != nil {
				s.log.Debugf("dropping inbound message from %s: %v", msg.PeerAddr, err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("weave: transport: %w", err)
	}
	s.Transport = tm

	exMgr = exchange.NewManager(exchange.ManagerConfig{
		Fabric:     s.Fabric,
		Codec:      codec,
		Send:       tm.Send,
		EncryptFor: cfg.Encrypt,
		DecryptKey: cfg.DecryptKey,
		NonceFor:   cfg.NonceFor,
		Params:     cfg.ReliableParams,
	})
	s.Exchange = exMgr

	if cfg.Shortcut != nil {
		sc := *cfg.Shortcut
		if sc.LocalNodeID == 0 {
			sc.LocalNodeID = cfg.LocalNodeID
		}
		if sc.Port == 0 {
			sc.Port = cfg.ListenPort
		}
		if sc.LoggerFactory == nil {
			sc.LoggerFactory = cfg.LoggerFactory
		}
		ctl, err := shortcut.New(sc)
		if err != nil {
			return nil, fmt.Errorf("weave: shortcut: %w", err)
		}
		s.Shortcut = ctl
	}

	return s, nil
}

// Start begins listening on the configured transports, starts the
// exchange manager's tick loop, and (if configured) the shortcut control.
func (s *Stack) Start(ctx context.Context) error {
	if err := s.Transport.Start(); err != nil {
		return err
	}
	if s.Shortcut != nil {
		if err := s.Shortcut.Start(ctx); err != nil {
			_ = s.Transport.Stop()
			return err
		}
	}

	s.tickStop = make(chan struct{})
	go s.tickLoop()
	return nil
}

func (s *Stack) tickLoop() {
	ticker := time.NewTicker(s.cfg.ReliableParams.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case now := <-ticker.C:
			s.Exchange.Tick(now)
		}
	}
}

// Stop tears down the tick loop, shortcut control, exchange manager, and
// transports, in that order.
func (s *Stack) Stop() error {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
	if s.Shortcut != nil {
		_ = s.Shortcut.Stop()
	}
	s.Exchange.Close()
	return s.Transport.Stop()
}
