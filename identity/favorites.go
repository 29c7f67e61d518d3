package identity

import (
	"errors"
	"sync"

	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
)

const favoritesStoreKey = "favorites.v1"

// FavoriteSet tracks which peer identities a user has marked favorite,
// keyed by Fingerprint rather than PeerID since it must survive PeerID
// rotation. Persisted through a host-provided linklayer.KeyValueStore so
// the marking survives restarts (spec §6, §9.1).
type FavoriteSet struct {
	mu    sync.RWMutex
	store linklayer.KeyValueStore
	set   map[Fingerprint]bool
}

// LoadFavoriteSet reads the persisted favorites.v1 blob, or starts out
// empty if none exists yet. A nil store is accepted and makes the set
// in-memory only, for hosts that haven't wired persistence.
func LoadFavoriteSet(store linklayer.KeyValueStore) (*FavoriteSet, error) {
	fs := &FavoriteSet{store: store, set: make(map[Fingerprint]bool)}
	if store == nil {
		return fs, nil
	}
	blob, ok, err := store.Get(favoritesStoreKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fs, nil
	}
	if len(blob)%16 != 0 {
		return nil, errors.New("identity: malformed favorites.v1 blob")
	}
	for i := 0; i+16 <= len(blob); i += 16 {
		var fp Fingerprint
		copy(fp[:], blob[i:i+16])
		fs.set[fp] = true
	}
	return fs, nil
}

// IsFavorite reports whether fp is marked favorite. Safe to call on a nil
// *FavoriteSet (treated as empty), so callers that never wired persistence
// don't need a nil check of their own.
func (fs *FavoriteSet) IsFavorite(fp Fingerprint) bool {
	if fs == nil {
		return false
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.set[fp]
}

// SetFavorite marks or unmarks fp and persists the updated set.
func (fs *FavoriteSet) SetFavorite(fp Fingerprint, favorite bool) error {
	if fs == nil {
		return nil
	}
	fs.mu.Lock()
	if favorite {
		fs.set[fp] = true
	} else {
		delete(fs.set, fp)
	}
	blob := fs.encodeLocked()
	fs.mu.Unlock()
	if fs.store == nil {
		return nil
	}
	return fs.store.Set(favoritesStoreKey, blob)
}

func (fs *FavoriteSet) encodeLocked() []byte {
	blob := make([]byte, 0, len(fs.set)*16)
	for fp := range fs.set {
		blob = append(blob, fp[:]...)
	}
	return blob
}
