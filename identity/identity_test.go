package identity

import (
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerIDStringIsHex16(t *testing.T) {
	id, err := NewPeerID(time.Now())
	require.NoError(t, err)
	require.Len(t, id.String(), 16)
}

func TestPeerIDEmbedsClockLowBits(t *testing.T) {
	now := time.UnixMilli(0x1122334455)
	id, err := NewPeerID(now)
	require.NoError(t, err)
	// low 4 bytes of id mirror the low 32 bits of now's millis.
	require.Equal(t, byte(0x22), id[4])
	require.Equal(t, byte(0x33), id[5])
	require.Equal(t, byte(0x44), id[6])
	require.Equal(t, byte(0x55), id[7])
}

func TestPeerIDLessIsTotalOrder(t *testing.T) {
	a := PeerID{0, 0, 0, 0, 0, 0, 0, 1}
	b := PeerID{0, 0, 0, 0, 0, 0, 0, 2}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestIdentityKeySignVerify(t *testing.T) {
	k, err := GenerateIdentityKey()
	require.NoError(t, err)

	msg := []byte("newPeerId||timestamp")
	sig := k.Sign(msg)
	require.True(t, Verify(k.Public, msg, sig))
	require.False(t, Verify(k.Public, append(msg, 0), sig))
}

func TestIdentityKeyFingerprintStableAcrossReload(t *testing.T) {
	k, err := GenerateIdentityKey()
	require.NoError(t, err)

	reloaded, err := LoadIdentityKey(k.Seed())
	require.NoError(t, err)
	require.Equal(t, k.Fingerprint(), reloaded.Fingerprint())
}

func TestRotationGracePeriod(t *testing.T) {
	old := PeerID{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	fresh := PeerID{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}

	r := NewRotation(old)
	require.True(t, r.Accepts(old, time.Now()))

	t0 := time.Now()
	r.Rotate(fresh, t0)

	require.True(t, r.Accepts(fresh, t0))
	require.True(t, r.Accepts(old, t0.Add(30*time.Second)))
	require.False(t, r.Accepts(old, t0.Add(61*time.Second)))
}

func TestNextRotationIntervalWithinBounds(t *testing.T) {
	rng := mrand.New(mrand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := NextRotationInterval(rng)
		require.GreaterOrEqual(t, d, rotationBaseMin-rotationJitterSpan)
		require.LessOrEqual(t, d, rotationBaseMax+rotationJitterSpan+rotationStaggerSpan)
	}
}
