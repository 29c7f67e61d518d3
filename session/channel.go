package session

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id interactive-profile parameters (2 passes over 64 MiB, the same
// time and memory cost as libsodium's interactive limits): tuned for
// responsive foreground key derivation rather than long-term secret storage.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
)

var errShortCiphertext = errors.New("session: channel ciphertext too short")

// ChannelKey is a symmetric key shared by every member of a channel,
// derived from the channel password and the channel name as salt (spec
// §4.5). It never touches the network; only its AEAD output does.
type ChannelKey struct {
	aead cipher.AEAD
}

// DeriveChannelKey runs Argon2id over password, salted with the channel
// name, producing the key used to wrap every message sent to that channel.
func DeriveChannelKey(password, channelName string) (*ChannelKey, error) {
	key := argon2.IDKey([]byte(password), []byte(channelName), argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &ChannelKey{aead: aead}, nil
}

// Seal encrypts a channel message. The nonce is random rather than a
// counter: channel membership has no notion of a single ordered sender, so
// there is no monotonic counter to reuse.
func (c *ChannelKey) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := c.aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a channel message previously produced by Seal.
func (c *ChannelKey) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, errShortCiphertext
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	return c.aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], nil)
}
