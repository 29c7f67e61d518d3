// Package store implements KRTR's store-and-forward cache (spec §4.8): a
// time-bounded, tiered-capacity holding area for packets addressed to a
// peer that isn't currently connected, released to the send path in
// insertion order once that peer reconnects.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

const (
	// DefaultTTL is how long an entry survives before the periodic sweep
	// expires it.
	DefaultTTL = 12 * time.Hour
	// MaxCached is the capacity for packets addressed to a non-favorite
	// peer.
	MaxCached = 100
	// MaxCachedFavorites is the capacity for packets addressed to a
	// favorite peer.
	MaxCachedFavorites = 1000

	sweepInterval = time.Minute
)

// Entry is one cached, not-yet-delivered packet.
type Entry struct {
	MessageID  uuid.UUID
	Recipient  identity.PeerID
	IsFavorite bool
	InsertedAt time.Time
	Payload    []byte
}

// Cache holds undelivered packets per recipient, applying the tiered
// capacity and TTL rules of spec §4.8. Zero value is not usable; use New.
type Cache struct {
	mu sync.Mutex

	now     func() time.Time
	entries map[identity.PeerID][]Entry

	// Evictions counts entries dropped either by capacity overflow (Put)
	// or by TTL expiry (the periodic sweep).
	Evictions atomic.Uint64

	ttl  time.Duration
	stop chan struct{}
}

// New builds a Cache and starts its periodic TTL sweep. ttl <= 0 falls back
// to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		now:     time.Now,
		entries: make(map[identity.PeerID][]Entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Put copies a packet into the cache for later delivery to recipient.
// Overflow evicts the oldest entry for that recipient first (spec §4.8's
// "oldest-first on overflow").
func (c *Cache) Put(recipient identity.PeerID, isFavorite bool, payload []byte) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{
		MessageID:  uuid.New(),
		Recipient:  recipient,
		IsFavorite: isFavorite,
		InsertedAt: c.now(),
		Payload:    append([]byte(nil), payload...),
	}

	list := c.entries[recipient]
	limit := MaxCached
	if isFavorite {
		limit = MaxCachedFavorites
	}
	if len(list) >= limit {
		list = list[1:]
		c.Evictions.Add(1)
	}
	c.entries[recipient] = append(list, e)
	return e
}

// Release returns, and removes, every cached entry addressed to recipient,
// in insertion order, for delivery now that the peer has (re)connected.
func (c *Cache) Release(recipient identity.PeerID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entries[recipient]
	delete(c.entries, recipient)
	return list
}

// Len reports how many entries are currently cached for recipient.
func (c *Cache) Len(recipient identity.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[recipient])
}

// Close stops the TTL sweep goroutine.
func (c *Cache) Close() {
	close(c.stop)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep drops entries older than the cache's configured ttl. Exported as
// SweepNow for tests that don't want to wait on the real ticker.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for peer, list := range c.entries {
		kept := list[:0:0]
		for _, e := range list {
			if e.InsertedAt.After(cutoff) {
				kept = append(kept, e)
			} else {
				c.Evictions.Add(1)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, peer)
		} else {
			c.entries[peer] = kept
		}
	}
}

// SweepNow runs the TTL sweep immediately, for tests and for an explicit
// "vacuum now" admin action.
func (c *Cache) SweepNow() {
	c.sweep()
}
