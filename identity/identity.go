// Package identity implements KRTR's two-tier identity model (spec §4.6):
// a long-lived IdentityKey signing pair that survives for the life of the
// installation, and a short-lived PeerID that rotates on a jittered
// schedule to resist long-term linkability. A Fingerprint derived from the
// IdentityKey's public half lets peers recognize "the same person" across
// PeerID rotations.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	mrand "math/rand"
	"time"
)

// PeerID is the 8-byte ephemeral identifier assigned to a mesh
// participant.
type PeerID [8]byte

// String renders the PeerID as 16 lowercase hex characters, per spec §3.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Less implements the tie-breaker ordering used by the handshake (spec
// §4.5): the lexicographically smaller lowercase-hex PeerID initiates.
func (p PeerID) Less(other PeerID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// NewPeerID generates a fresh PeerID: 8 random bytes with the low 4
// overwritten by the low 32 bits of the current wall-clock millisecond
// count, per spec §4.6 ("entropy plus monotonic flavor to reduce collision
// risk after a clock reset").
func NewPeerID(now time.Time) (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	millis := uint64(now.UnixMilli())
	binary.BigEndian.PutUint32(id[4:], uint32(millis))
	return id, nil
}

// Fingerprint is a stable 16-byte hash of a peer's long-lived IdentityKey
// public half; it survives PeerID rotations (spec §3).
type Fingerprint [16]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// FingerprintOf derives the Fingerprint for a given Ed25519 public key.
func FingerprintOf(pub ed25519.PublicKey) Fingerprint {
	sum := sha256.Sum256(pub)
	var fp Fingerprint
	copy(fp[:], sum[:16])
	return fp
}

// IdentityKey is the long-lived Ed25519 signing pair created on first
// launch and persisted across restarts (spec §3). It is destroyed only by
// an emergency wipe.
type IdentityKey struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateIdentityKey creates a fresh IdentityKey.
func GenerateIdentityKey() (*IdentityKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKey{Public: pub, private: priv}, nil
}

// LoadIdentityKey reconstructs an IdentityKey from a persisted private key
// blob (the bytes stored under the "identity.key.v1" key, spec §6).
func LoadIdentityKey(seed []byte) (*IdentityKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("identity: invalid identity key blob size")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityKey{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Seed returns the bytes to persist under "identity.key.v1".
func (k *IdentityKey) Seed() []byte {
	return append([]byte(nil), k.private.Seed()...)
}

// Sign produces a signature over data using the long-lived IdentityKey.
func (k *IdentityKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Verify checks a signature produced by Sign against the given public key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// Fingerprint derives this identity's Fingerprint.
func (k *IdentityKey) Fingerprint() Fingerprint {
	return FingerprintOf(k.Public)
}

// Zero destroys the in-memory private key material. Called on emergency
// wipe (spec §5).
func (k *IdentityKey) Zero() {
	for i := range k.private {
		k.private[i] = 0
	}
}

// --- Rotation schedule (spec §4.6) ---

const (
	rotationBaseMin     = 3600 * time.Second
	rotationBaseMax     = 21600 * time.Second
	rotationJitterSpan  = 1800 * time.Second // ±30 min
	rotationStaggerSpan = 300 * time.Second  // +0..5 min
	// GracePeriod is how long a previous PeerID remains an acceptable
	// sender identity after rotation (spec invariant I7).
	GracePeriod = 60 * time.Second
	// AnnounceDelay is the pause between rotating the PeerID and
	// emitting the signed binding announcement (spec §4.6 step 4).
	AnnounceDelay = 500 * time.Millisecond
)

// NextRotationInterval draws a rotation interval per spec §4.6:
// U[3600,21600]s base + U[-1800,1800]s jitter + U[0,300]s stagger.
func NextRotationInterval(rng *mrand.Rand) time.Duration {
	base := rotationBaseMin + time.Duration(rng.Int63n(int64(rotationBaseMax-rotationBaseMin)))
	jitter := time.Duration(rng.Int63n(int64(2*rotationJitterSpan))) - rotationJitterSpan
	stagger := time.Duration(rng.Int63n(int64(rotationStaggerSpan)))
	interval := base + jitter + stagger
	if interval < 0 {
		interval = 0
	}
	return interval
}

// Rotation tracks the bookkeeping a peer needs for invariant I7: which
// PeerIDs are still acceptable sender identities, and until when.
type Rotation struct {
	current  PeerID
	previous PeerID
	hasPrev  bool
	expires  time.Time
}

// NewRotation starts a Rotation state at the given initial PeerID.
func NewRotation(initial PeerID) *Rotation {
	return &Rotation{current: initial}
}

// Current returns the active PeerID.
func (r *Rotation) Current() PeerID { return r.current }

// Rotate snapshots the current PeerID as previous (with a grace window)
// and installs next as current, per spec §4.6 steps 1-2.
func (r *Rotation) Rotate(next PeerID, now time.Time) {
	r.previous = r.current
	r.hasPrev = true
	r.expires = now.Add(GracePeriod)
	r.current = next
}

// Accepts reports whether sender is a currently valid identity for this
// peer: either the current PeerID, or the previous one within its grace
// window (invariant I7).
func (r *Rotation) Accepts(sender PeerID, now time.Time) bool {
	if sender == r.current {
		return true
	}
	if r.hasPrev && sender == r.previous && now.Before(r.expires) {
		return true
	}
	return false
}
