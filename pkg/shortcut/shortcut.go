// Package shortcut implements the optional local UDP shortcut cache: an
// advertise/lookup table, keyed by peer node id, that lets a stack bypass
// the service tunnel for peers reachable directly on the local network.
// Advertisement and discovery ride on mDNS; the lookup table itself is
// in-memory only with TTL-based expiry.
package shortcut

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/transport"
)

// ServiceType is the DNS-SD service string this package advertises and
// browses for: "_weave-shortcut._udp".
const ServiceType = "_weave-shortcut._udp"

// DefaultDomain is the mDNS domain used for shortcut advertisement/browse.
const DefaultDomain = "local."

// DefaultTTL is the default expiry for a cache entry.
const DefaultTTL = 60 * time.Second

// DefaultAdvertiseInterval is the value New stores in
// Config.AdvertiseInterval when it is zero; Control does not read it.
const DefaultAdvertiseInterval = 20 * time.Second

// Config configures a Control.
type Config struct {
	// LocalNodeID is this node's id, advertised to peers.
	LocalNodeID fabric.NodeID

	// Port is the UDP port peers should shortcut to (normally the Weave
	// transport's listen port).
	Port int

	// Interfaces restricts advertisement to specific network interfaces.
	// If nil, all interfaces are used. Browsing is not restricted.
	Interfaces []net.Interface

	// TTL is the cache entry expiry. Zero uses DefaultTTL.
	TTL time.Duration

	// AdvertiseInterval is stored (zero becomes DefaultAdvertiseInterval)
	// but not read by Control: presence is advertised by the single mDNS
	// registration Start makes, which stays up until Stop; nothing is
	// re-announced on a timer.
	AdvertiseInterval time.Duration

	// ServerFactory creates the mDNS server used to advertise. If nil,
	// the default zeroconf-backed factory is used.
	ServerFactory ServerFactory

	// ResolverFactory creates the mDNS resolver used to browse for
	// peers. If nil, the default zeroconf-backed factory is used.
	ResolverFactory ResolverFactory

	// LoggerFactory builds this package's logger. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// Control is the ShortcutUDPControl: it advertises this node's presence,
// browses for peers, and answers lookups from the resulting cache. A cache
// hit means "bypass the tunnel for this peer".
type Control struct {
	cfg Config
	log logging.LeveledLogger

	cache *Cache

	server   ServerFactory
	resolver ResolverFactory

	mu      sync.Mutex
	started bool
	active  Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Control from cfg. It does not start advertising or
// browsing until Start is called.
func New(cfg Config) (*Control, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.AdvertiseInterval == 0 {
		cfg.AdvertiseInterval = DefaultAdvertiseInterval
	}

	server := cfg.ServerFactory
	if server == nil {
		server = zeroconfServerFactory{}
	}
	resolver := cfg.ResolverFactory
	if resolver == nil {
		zr, err := newZeroconfResolverFactory()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	c := &Control{
		cfg:      cfg,
		cache:    NewCache(cfg.TTL),
		server:   server,
		resolver: resolver,
	}
	if cfg.LoggerFactory != nil {
		c.log = cfg.LoggerFactory.NewLogger("shortcut")
	}
	return c, nil
}

// Start begins advertising this node's presence and browsing for peers.
func (c *Control) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	instance := instanceName(c.cfg.LocalNodeID)
	srv, err := c.server.Register(instance, ServiceType, DefaultDomain, c.cfg.Port, nil, c.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("shortcut: advertise failed: %w", err)
	}
	c.active = srv
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.browseLoop(runCtx)

	if c.log != nil {
		c.log.Infof("shortcut advertising as %s on port %d", instance, c.cfg.Port)
	}
	return nil
}

// Stop stops advertising and browsing, and discards the cache.
func (c *Control) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	c.cancel()
	if c.active != nil {
		c.active.Shutdown()
		c.active = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.cache.Flush()
	return nil
}

// Lookup returns the shortcut address for peer, and whether it is still
// live in the cache. A miss means the caller should fall back to the
// service tunnel.
func (c *Control) Lookup(peer fabric.NodeID) (transport.PeerAddress, bool) {
	return c.cache.Get(peer)
}

// NoteObserved records addr as a shortcut candidate for peer, refreshing
// its TTL. Exposed so other discovery paths (not just this package's own
// mDNS browse) can feed the cache.
func (c *Control) NoteObserved(peer fabric.NodeID, addr transport.PeerAddress) {
	c.cache.Set(peer, addr)
}

// Forget removes peer's cache entry, if any. Idempotent.
func (c *Control) Forget(peer fabric.NodeID) {
	c.cache.Delete(peer)
}

// browseLoop repeatedly browses for peers until ctx is done.
func (c *Control) browseLoop(ctx context.Context) {
	defer c.wg.Done()

	entries := make(chan *ServiceEntry, 16)
	go func() {
		defer close(entries)
		if err := c.resolver.Browse(ctx, ServiceType, DefaultDomain, entries); err != nil {
			if c.log != nil {
				c.log.Warnf("shortcut browse error: %v", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			c.handleEntry(entry)
		}
	}
}

func (c *Control) handleEntry(entry *ServiceEntry) {
	peer, err := parseInstanceName(entry.Instance)
	if err != nil || peer == c.cfg.LocalNodeID {
		return
	}
	addr := entry.PreferredAddr()
	if addr == nil {
		return
	}
	c.NoteObserved(peer, transport.NewUDPPeerAddress(&net.UDPAddr{IP: addr, Port: entry.Port}))
	if c.log != nil {
		c.log.Debugf("shortcut observed peer %016X at %s:%d", uint64(peer), addr, entry.Port)
	}
}

// instanceName formats a node id as the 16-char uppercase hex DNS-SD
// instance name this package advertises under.
func instanceName(nodeID fabric.NodeID) string {
	return fmt.Sprintf("%016X", uint64(nodeID))
}

// parseInstanceName parses a shortcut DNS-SD instance name back to a node
// id.
func parseInstanceName(instance string) (fabric.NodeID, error) {
	if len(instance) != 16 {
		return 0, ErrInvalidInstanceName
	}
	var v uint64
	for i := 0; i < 16; i++ {
		ch := instance[i]
		var d uint64
		switch {
		case ch >= '0' && ch <= '9':
			d = uint64(ch - '0')
		case ch >= 'A' && ch <= 'F':
			d = uint64(ch - 'A' + 10)
		case ch >= 'a' && ch <= 'f':
			d = uint64(ch - 'a' + 10)
		default:
			return 0, ErrInvalidInstanceName
		}
		v = (v << 4) | d
	}
	return fabric.NodeID(v), nil
}
