package txn

import (
	"net/netip"
	"sync"

	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/proto"
)

// DefaultCacheSize bounds the transaction to peer address mapping.
const DefaultCacheSize = 300

// AddrCache remembers which peer a relayed request came from so the response generated
// locally can be sent back to it. Entries are evicted oldest first once the cache is full.
type AddrCache struct {
	mu    sync.Mutex
	addrs map[proto.TxID]netip.AddrPort
	order []proto.TxID // ring, head is the oldest entry when full
	head  int
}

func NewAddrCache(size int) *AddrCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &AddrCache{
		addrs: make(map[proto.TxID]netip.AddrPort, size),
		order: make([]proto.TxID, 0, size),
	}
}

// Insert maps id to peer. An id already mapped to a different peer is left untouched and
// Insert returns false.
func (c *AddrCache) Insert(id proto.TxID, peer netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.addrs[id]; ok {
		if old == peer {
			return true
		}
		obs.Warn("txn.addrcache.conflict", obs.Fields{"tx": id.String(), "have": old.String(), "got": peer.String()})
		obs.ErrorsTotal.WithLabelValues("addrcache_conflict").Inc()
		return false
	}
	if len(c.order) < cap(c.order) {
		c.order = append(c.order, id)
	} else {
		delete(c.addrs, c.order[c.head])
		c.order[c.head] = id
		c.head = (c.head + 1) % len(c.order)
	}
	c.addrs[id] = peer
	return true
}

func (c *AddrCache) Lookup(id proto.TxID) (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.addrs[id]
	return peer, ok
}

func (c *AddrCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.addrs)
}
