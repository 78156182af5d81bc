package shortcut

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/transport"
)

// Cache is a TTL-expiring peer-id to address table. Add/remove are
// idempotent; entries expire automatically after their TTL.
type Cache struct {
	c *cache.Cache
}

// NewCache creates a Cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{c: cache.New(ttl, ttl/2)}
}

// Set records addr as peer's shortcut address, resetting its TTL.
func (c *Cache) Set(peer fabric.NodeID, addr transport.PeerAddress) {
	c.c.SetDefault(cacheKey(peer), addr)
}

// Get returns peer's cached address, if present and not expired.
func (c *Cache) Get(peer fabric.NodeID) (transport.PeerAddress, bool) {
	v, ok := c.c.Get(cacheKey(peer))
	if !ok {
		return transport.PeerAddress{}, false
	}
	return v.(transport.PeerAddress), true
}

// Delete removes peer's entry. Idempotent.
func (c *Cache) Delete(peer fabric.NodeID) {
	c.c.Delete(cacheKey(peer))
}

// Flush removes every entry.
func (c *Cache) Flush() {
	c.c.Flush()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}

func cacheKey(peer fabric.NodeID) string {
	return strconv.FormatUint(uint64(peer), 16)
}
