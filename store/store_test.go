package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

func newTestCache() *Cache {
	c := &Cache{
		now:     time.Now,
		entries: make(map[identity.PeerID][]Entry),
		ttl:     DefaultTTL,
		stop:    make(chan struct{}),
	}
	return c
}

func TestPutReleaseInsertionOrder(t *testing.T) {
	c := newTestCache()
	peer := identity.PeerID{1}

	c.Put(peer, false, []byte("one"))
	c.Put(peer, false, []byte("two"))
	c.Put(peer, false, []byte("three"))

	released := c.Release(peer)
	require.Len(t, released, 3)
	require.Equal(t, "one", string(released[0].Payload))
	require.Equal(t, "two", string(released[1].Payload))
	require.Equal(t, "three", string(released[2].Payload))

	require.Equal(t, 0, c.Len(peer))
}

func TestPutEvictsOldestOnOverflowNonFavorite(t *testing.T) {
	c := newTestCache()
	peer := identity.PeerID{2}

	for i := 0; i < MaxCached+5; i++ {
		c.Put(peer, false, []byte{byte(i)})
	}

	require.Equal(t, MaxCached, c.Len(peer))
	released := c.Release(peer)
	require.Equal(t, byte(5), released[0].Payload[0])
	require.EqualValues(t, 5, c.Evictions.Load())
}

func TestFavoriteGetsLargerCapacity(t *testing.T) {
	c := newTestCache()
	peer := identity.PeerID{3}

	for i := 0; i < MaxCached+50; i++ {
		c.Put(peer, true, []byte{byte(i % 256)})
	}

	require.Equal(t, MaxCached+50, c.Len(peer))
}

func TestSweepExpiresOldEntries(t *testing.T) {
	c := newTestCache()
	peer := identity.PeerID{4}

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put(peer, false, []byte("stale"))

	c.now = func() time.Time { return base.Add(DefaultTTL + time.Second) }
	c.SweepNow()

	require.Equal(t, 0, c.Len(peer))
	require.EqualValues(t, 1, c.Evictions.Load())
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	c := newTestCache()
	peer := identity.PeerID{5}

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put(peer, false, []byte("fresh"))

	c.now = func() time.Time { return base.Add(time.Minute) }
	c.SweepNow()

	require.Equal(t, 1, c.Len(peer))
}

func TestReleaseUnknownPeerIsEmpty(t *testing.T) {
	c := newTestCache()
	require.Empty(t, c.Release(identity.PeerID{9, 9}))
}
