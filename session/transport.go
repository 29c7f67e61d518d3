package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/blake2s"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

// replayWindowSize is the width, in bits, of the sliding acceptance window
// used to reject reused or stale counters (spec invariant I4). 2048 trailing
// counters may be outstanding at once; a counter older than the window
// floor is always rejected as stale rather than replayed.
const replayWindowSize = 2048

// replayFilter is a sliding-window duplicate-counter detector: a bitmap
// indexed by counter-mod-replayWindowSize, the classic IPsec/WireGuard
// anti-replay scheme. A counter is accepted once, at most, and only while
// it remains within replayWindowSize of the highest counter seen.
type replayFilter struct {
	highest uint64
	started bool
	bits    [replayWindowSize / 64]uint64
}

func (f *replayFilter) index(counter uint64) (word int, bit uint) {
	pos := counter % replayWindowSize
	return int(pos / 64), uint(pos % 64)
}

func (f *replayFilter) clear(counter uint64) {
	w, b := f.index(counter)
	f.bits[w] &^= 1 << b
}

func (f *replayFilter) set(counter uint64) {
	w, b := f.index(counter)
	f.bits[w] |= 1 << b
}

func (f *replayFilter) test(counter uint64) bool {
	w, b := f.index(counter)
	return f.bits[w]&(1<<b) != 0
}

// Accept reports whether counter is new (neither a duplicate nor stale
// enough to have fallen out of the window), recording it if so.
func (f *replayFilter) Accept(counter uint64) bool {
	if !f.started {
		f.started = true
		f.highest = counter
		f.set(counter)
		return true
	}
	if counter > f.highest {
		diff := counter - f.highest
		if diff >= replayWindowSize {
			for i := range f.bits {
				f.bits[i] = 0
			}
		} else {
			for c := f.highest + 1; c <= counter; c++ {
				f.clear(c)
			}
		}
		f.highest = counter
		f.set(counter)
		return true
	}
	if f.highest-counter >= replayWindowSize {
		return false
	}
	if f.test(counter) {
		return false
	}
	f.set(counter)
	return true
}

var (
	// ErrReplay is returned by Transport.Open when the counter has already
	// been accepted or falls below the sliding replay window (I4).
	ErrReplay     = errors.New("session: reused or stale counter")
	errTagInvalid = errors.New("session: AEAD tag invalid")
)

// Transport is the pair of directional AEAD ciphers derived from a
// completed Handshake. Per spec §4.5, application packets after
// ESTABLISHED carry `nonce || ciphertext` where nonce is the 64-bit
// monotonic send counter.
type Transport struct {
	remoteFingerprint identity.Fingerprint

	sendCounter atomic.Uint64
	sendKey     [blake2s.Size]byte
	sendAEAD    cipher.AEAD

	recvKey  [blake2s.Size]byte
	recvAEAD cipher.AEAD
	replay   replayFilter
}

// RemoteFingerprint is the authenticated identity this Transport was bound
// to during the handshake.
func (t *Transport) RemoteFingerprint() identity.Fingerprint { return t.remoteFingerprint }

func nonceFor(counter uint64) []byte {
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce[:]
}

// Seal encrypts plaintext under the next send counter and returns
// `counter || ciphertext`, ready to carry as a noiseEncrypted payload.
func (t *Transport) Seal(plaintext []byte) []byte {
	counter := t.sendCounter.Add(1) - 1
	ciphertext := t.sendAEAD.Seal(nil, nonceFor(counter), plaintext, nil)
	out := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(out, counter)
	copy(out[8:], ciphertext)
	return out
}

// Open decrypts a noiseEncrypted payload, rejecting reused or stale
// counters per invariant I4. Failures are always reported, not panicked:
// callers drop the packet silently and bump a telemetry counter.
func (t *Transport) Open(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, errTagInvalid
	}
	counter := binary.BigEndian.Uint64(payload[:8])
	if !t.replay.Accept(counter) {
		return nil, ErrReplay
	}
	plaintext, err := t.recvAEAD.Open(nil, nonceFor(counter), payload[8:], nil)
	if err != nil {
		return nil, errTagInvalid
	}
	return plaintext, nil
}
