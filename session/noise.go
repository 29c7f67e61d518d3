// Package session implements KRTR's per-peer authenticated key agreement
// (spec §4.5): a Noise-style XX-pattern handshake that produces two
// independent directional symmetric keys, plus the AEAD transport built on
// top of them and the password-derived channel cipher used for group
// traffic.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// protocolName seeds the initial chaining key, mirroring the Noise
	// convention of hashing the handshake pattern name into h0/ck0.
	protocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"
	// protocolID is mixed into the initial hash alongside the protocol
	// name, binding the transcript to this application.
	protocolID = "KRTR mesh v1"
)

// NoisePrivateKey and NoisePublicKey are the X25519 key-agreement keys
// exchanged during the handshake. These are distinct from the long-lived
// Ed25519 signing keys in package identity; a handshake binds the two by
// carrying a signature over the transcript hash (see bindingPayload).
type NoisePrivateKey [32]byte
type NoisePublicKey [32]byte

var errInvalidPublicKey = errors.New("session: invalid public key")

// GenerateStaticKey produces a fresh X25519 private key suitable for use
// as a Handshake's localStatic key.
func GenerateStaticKey() (NoisePrivateKey, error) {
	return newPrivateKey()
}

func newPrivateKey() (NoisePrivateKey, error) {
	var sk NoisePrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, err
	}
	sk.clamp()
	return sk, nil
}

// clamp applies the Curve25519 scalar-clamping rules (RFC 7748 §5) so the
// raw random bytes are a valid X25519 private scalar.
func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

func (sk NoisePrivateKey) publicKey() NoisePublicKey {
	var pub NoisePublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&sk))
	return pub
}

func (sk NoisePrivateKey) sharedSecret(pub NoisePublicKey) ([32]byte, error) {
	var ss [32]byte
	curve25519.ScalarMult(&ss, (*[32]byte)(&sk), (*[32]byte)(&pub))
	if isZero(ss[:]) {
		return ss, errInvalidPublicKey
	}
	return ss, nil
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}

func isZero(arr []byte) bool {
	var acc byte
	for _, b := range arr {
		acc |= b
	}
	return acc == 0
}

var zeroNonce [chacha20poly1305.NonceSize]byte

func newBlake2sHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// hmacBlake2s computes HMAC-BLAKE2s(key, data), the building block of the
// Noise HKDF construction used by KDF1/KDF2/KDF3.
func hmacBlake2s(key, data []byte) []byte {
	h := hmac.New(newBlake2sHash, key)
	h.Write(data)
	return h.Sum(nil)
}

// KDF1 derives a single 32-byte output from chainKey and input, per the
// Noise HKDF construction (Noise spec §4.3, two-output form truncated to
// one): out = HMAC(HMAC(chainKey, input), 0x01).
func KDF1(out *[blake2s.Size]byte, chainKey, input []byte) {
	tempKey := hmacBlake2s(chainKey, input)
	copy(out[:], hmacBlake2s(tempKey, []byte{0x01}))
}

// KDF2 derives two 32-byte outputs from chainKey and input.
func KDF2(out1, out2 *[blake2s.Size]byte, chainKey, input []byte) {
	tempKey := hmacBlake2s(chainKey, input)
	o1 := hmacBlake2s(tempKey, []byte{0x01})
	copy(out1[:], o1)
	copy(out2[:], hmacBlake2s(tempKey, append(append([]byte{}, o1...), 0x02)))
}

// KDF3 derives three 32-byte outputs from chainKey and input.
func KDF3(out1, out2, out3 *[blake2s.Size]byte, chainKey, input []byte) {
	tempKey := hmacBlake2s(chainKey, input)
	o1 := hmacBlake2s(tempKey, []byte{0x01})
	copy(out1[:], o1)
	o2 := hmacBlake2s(tempKey, append(append([]byte{}, o1...), 0x02))
	copy(out2[:], o2)
	copy(out3[:], hmacBlake2s(tempKey, append(append([]byte{}, o2...), 0x03)))
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hh, _ := blake2s.New256(nil)
	hh.Write(h[:])
	hh.Write(data)
	hh.Sum(dst[:0])
}

func mixKey(dst, ck *[blake2s.Size]byte, data []byte) {
	KDF1(dst, ck[:], data)
}
