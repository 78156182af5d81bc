package exchange

import (
	"sync"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/transport"
)

// Binding names a (peer, profile) destination so a profile handler can
// start a new exchange toward a previously discovered peer without
// repeating its node id and address at every send site.
type Binding struct {
	PeerNodeID  fabric.NodeID
	PeerAddress transport.PeerAddress
	Profile     uint32
}

// BindingPool is a Manager's fixed-capacity table of Bindings, mirroring
// WeaveExchangeManager's BindingPool: bindings are allocated and freed by
// slot, the same way the context and unsolicited-handler pools are, rather
// than looked up by name.
type BindingPool struct {
	mu    sync.Mutex
	slots []*Binding
	stats *Stats
}

// NewBindingPool creates a BindingPool with room for capacity concurrently
// allocated bindings. stats may be nil if pool-utilization accounting is
// not needed.
func NewBindingPool(capacity int, stats *Stats) *BindingPool {
	return &BindingPool{slots: make([]*Binding, capacity), stats: stats}
}

// AllocBinding reserves a free slot and returns it, or nil if the pool is
// exhausted (WeaveExchangeManager::AllocBinding).
func (p *BindingPool) AllocBinding() *Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s == nil {
			b := &Binding{}
			p.slots[i] = b
			if p.stats != nil {
				p.stats.BindingsInUse.Add(1)
			}
			return b
		}
	}
	return nil
}

// NewBinding allocates a binding and initializes it to address the given
// (peer, profile) destination (WeaveExchangeManager::NewBinding). It
// returns nil if the pool is exhausted.
func (p *BindingPool) NewBinding(peer fabric.NodeID, peerAddr transport.PeerAddress, profile uint32) *Binding {
	b := p.AllocBinding()
	if b == nil {
		return nil
	}
	b.PeerNodeID = peer
	b.PeerAddress = peerAddr
	b.Profile = profile
	return b
}

// FreeBinding returns binding to the pool for reuse
// (WeaveExchangeManager::FreeBinding). It is a no-op if binding was not
// allocated from this pool.
func (p *BindingPool) FreeBinding(binding *Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s == binding {
			p.slots[i] = nil
			*binding = Binding{}
			if p.stats != nil {
				p.stats.BindingsInUse.Add(^uint64(0))
			}
			return
		}
	}
}

// InUse returns the number of currently allocated bindings.
func (p *BindingPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}
