package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
)

// memKV is a trivial in-memory linklayer.KeyValueStore for tests.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(key string) error {
	delete(m.data, key)
	return nil
}

var _ linklayer.KeyValueStore = (*memKV)(nil)

func TestFavoriteSetMarkAndQuery(t *testing.T) {
	kv := newMemKV()
	fs, err := LoadFavoriteSet(kv)
	require.NoError(t, err)

	var fp Fingerprint
	fp[0] = 7
	require.False(t, fs.IsFavorite(fp))

	require.NoError(t, fs.SetFavorite(fp, true))
	require.True(t, fs.IsFavorite(fp))

	require.NoError(t, fs.SetFavorite(fp, false))
	require.False(t, fs.IsFavorite(fp))
}

func TestFavoriteSetPersistsAcrossLoad(t *testing.T) {
	kv := newMemKV()
	fs, err := LoadFavoriteSet(kv)
	require.NoError(t, err)

	var a, b Fingerprint
	a[0], b[0] = 1, 2
	require.NoError(t, fs.SetFavorite(a, true))
	require.NoError(t, fs.SetFavorite(b, true))

	reloaded, err := LoadFavoriteSet(kv)
	require.NoError(t, err)
	require.True(t, reloaded.IsFavorite(a))
	require.True(t, reloaded.IsFavorite(b))
}

func TestFavoriteSetNilStoreIsInMemoryOnly(t *testing.T) {
	fs, err := LoadFavoriteSet(nil)
	require.NoError(t, err)

	var fp Fingerprint
	fp[0] = 9
	require.NoError(t, fs.SetFavorite(fp, true))
	require.True(t, fs.IsFavorite(fp))
}

func TestNilFavoriteSetTreatsEverythingAsNotFavorite(t *testing.T) {
	var fs *FavoriteSet
	var fp Fingerprint
	require.False(t, fs.IsFavorite(fp))
	require.NoError(t, fs.SetFavorite(fp, true))
}

func TestFavoriteSetRejectsMalformedBlob(t *testing.T) {
	kv := newMemKV()
	require.NoError(t, kv.Set(favoritesStoreKey, []byte{1, 2, 3}))
	_, err := LoadFavoriteSet(kv)
	require.Error(t, err)
}
