package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

// State is the per-peer handshake progress, mirroring the state machine in
// spec §4.5.
type State int

const (
	StateIdle State = iota
	StateWaitResp
	StateWaitFinal
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitResp:
		return "waitResp"
	case StateWaitFinal:
		return "waitFinal"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	errWrongState  = errors.New("session: handshake message out of sequence")
	errBadBinding  = errors.New("session: identity binding signature invalid")
	errBadEnvelope = errors.New("session: malformed handshake envelope")
)

// initialHash seeds h0 with the protocol name and application identifier,
// the Noise convention for domain-separating a handshake transcript.
func initialHash() (hash, chainKey [blake2s.Size]byte) {
	chainKey = blake2s.Sum256([]byte(protocolName))
	mixHash(&hash, &chainKey, []byte(protocolID))
	return
}

// Handshake drives one peer's half of a Noise XX exchange. A Handshake is
// single-use: once it reaches StateEstablished (or fails) it is discarded
// in favor of the derived Transport.
type Handshake struct {
	state State

	isInitiator bool
	hash        [blake2s.Size]byte
	chainKey    [blake2s.Size]byte

	localStatic    NoisePrivateKey
	localEphemeral NoisePrivateKey

	remoteStatic    NoisePublicKey
	remoteEphemeral NoisePublicKey

	localIdentity *identity.IdentityKey
	remoteFP      identity.Fingerprint
}

// NewHandshake starts a Handshake for peer, using localStatic as this
// session's Noise static key and localIdentity as the long-lived signing
// key whose binding will be carried in the handshake payload.
func NewHandshake(localStatic NoisePrivateKey, localIdentity *identity.IdentityKey) *Handshake {
	h, ck := initialHash()
	return &Handshake{
		state:         StateIdle,
		hash:          h,
		chainKey:      ck,
		localStatic:   localStatic,
		localIdentity: localIdentity,
	}
}

// envelope is the wire shape shared by handshake messages 2 and 3: an
// optional ephemeral public key, an encrypted static key, and an encrypted
// identity-binding payload. Message 1 carries only the ephemeral key and is
// encoded directly as its 32 raw bytes.
type envelope struct {
	hasEphemeral     bool
	ephemeral        NoisePublicKey
	encryptedStatic  []byte
	encryptedPayload []byte
}

func (e envelope) encode() []byte {
	flag := byte(0)
	if e.hasEphemeral {
		flag = 1
	}
	buf := make([]byte, 0, 1+32+2+len(e.encryptedStatic)+2+len(e.encryptedPayload))
	buf = append(buf, flag)
	if e.hasEphemeral {
		buf = append(buf, e.ephemeral[:]...)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.encryptedStatic)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.encryptedStatic...)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.encryptedPayload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.encryptedPayload...)
	return buf
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	if len(b) < 1 {
		return e, errBadEnvelope
	}
	off := 0
	flag := b[off]
	off++
	if flag == 1 {
		if len(b) < off+32 {
			return e, errBadEnvelope
		}
		e.hasEphemeral = true
		copy(e.ephemeral[:], b[off:off+32])
		off += 32
	}
	if len(b) < off+2 {
		return e, errBadEnvelope
	}
	staticLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+staticLen+2 {
		return e, errBadEnvelope
	}
	e.encryptedStatic = b[off : off+staticLen]
	off += staticLen
	payloadLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+payloadLen {
		return e, errBadEnvelope
	}
	e.encryptedPayload = b[off : off+payloadLen]
	return e, nil
}

// bindingPayload is encrypted into the handshake and authenticates the
// ephemeral Noise static key against the sender's long-lived IdentityKey:
// signature over the transcript hash at the point the payload is sealed.
func (h *Handshake) bindingPayload() []byte {
	sig := h.localIdentity.Sign(h.hash[:])
	payload := make([]byte, 0, len(h.localIdentity.Public)+len(sig))
	payload = append(payload, h.localIdentity.Public...)
	payload = append(payload, sig...)
	return payload
}

func verifyBinding(payload []byte, transcriptHash [blake2s.Size]byte) (identity.Fingerprint, error) {
	if len(payload) != 32+64 {
		return identity.Fingerprint{}, errBadBinding
	}
	pub := payload[:32]
	sig := payload[32:]
	if !identity.Verify(pub, transcriptHash[:], sig) {
		return identity.Fingerprint{}, errBadBinding
	}
	return identity.FingerprintOf(pub), nil
}

func aeadSeal(key [chacha20poly1305.KeySize]byte, plaintext, ad []byte) []byte {
	aead, _ := chacha20poly1305.New(key[:])
	return aead.Seal(nil, zeroNonce[:], plaintext, ad)
}

func aeadOpen(key [chacha20poly1305.KeySize]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, _ := chacha20poly1305.New(key[:])
	return aead.Open(nil, zeroNonce[:], ciphertext, ad)
}

// CreateInit produces handshake message 1 ("e"): sent by the initiator to
// begin the exchange.
func (h *Handshake) CreateInit() (NoisePublicKey, error) {
	if h.state != StateIdle {
		return NoisePublicKey{}, errWrongState
	}
	sk, err := newPrivateKey()
	if err != nil {
		return NoisePublicKey{}, err
	}
	h.isInitiator = true
	h.localEphemeral = sk
	e := sk.publicKey()
	mixHash(&h.hash, &h.hash, e[:])
	h.state = StateWaitResp
	return e, nil
}

// ConsumeInit processes handshake message 1 on the responder side.
func (h *Handshake) ConsumeInit(remoteEphemeral NoisePublicKey) error {
	if h.state != StateIdle {
		return errWrongState
	}
	h.isInitiator = false
	h.remoteEphemeral = remoteEphemeral
	mixHash(&h.hash, &h.hash, remoteEphemeral[:])
	h.state = StateWaitFinal
	return nil
}

// CreateResp produces handshake message 2 ("e, ee, s, es"): the responder's
// reply, carrying its own ephemeral key, its encrypted static key, and its
// identity binding.
func (h *Handshake) CreateResp() ([]byte, error) {
	if h.state != StateWaitFinal || h.isInitiator {
		return nil, errWrongState
	}
	sk, err := newPrivateKey()
	if err != nil {
		return nil, err
	}
	h.localEphemeral = sk
	e := sk.publicKey()
	mixKey(&h.chainKey, &h.chainKey, e[:])
	mixHash(&h.hash, &h.hash, e[:])

	ee, err := sk.sharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&h.chainKey, &h.chainKey, ee[:])

	var key [chacha20poly1305.KeySize]byte
	mixKey(&h.chainKey, &key, nil)
	static := h.localStatic.publicKey()
	encStatic := aeadSeal(key, static[:], h.hash[:])
	mixHash(&h.hash, &h.hash, encStatic)

	es, err := h.localStatic.sharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&h.chainKey, &key, es[:])
	encPayload := aeadSeal(key, h.bindingPayload(), h.hash[:])
	mixHash(&h.hash, &h.hash, encPayload)

	env := envelope{hasEphemeral: true, ephemeral: e, encryptedStatic: encStatic, encryptedPayload: encPayload}
	// state remains StateWaitFinal: the responder still needs message 3
	// before it has the se contribution and can derive transport keys.
	return env.encode(), nil
}

// ConsumeResp processes handshake message 2 on the initiator side and
// returns the sender's Fingerprint as carried in its identity binding.
func (h *Handshake) ConsumeResp(msg []byte) (identity.Fingerprint, error) {
	if h.state != StateWaitResp {
		return identity.Fingerprint{}, errWrongState
	}
	env, err := decodeEnvelope(msg)
	if err != nil || !env.hasEphemeral {
		return identity.Fingerprint{}, errBadEnvelope
	}
	h.remoteEphemeral = env.ephemeral
	mixKey(&h.chainKey, &h.chainKey, env.ephemeral[:])
	mixHash(&h.hash, &h.hash, env.ephemeral[:])

	ee, err := h.localEphemeral.sharedSecret(env.ephemeral)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	mixKey(&h.chainKey, &h.chainKey, ee[:])

	var key [chacha20poly1305.KeySize]byte
	mixKey(&h.chainKey, &key, nil)
	staticBytes, err := aeadOpen(key, env.encryptedStatic, h.hash[:])
	if err != nil || len(staticBytes) != 32 {
		return identity.Fingerprint{}, errBadEnvelope
	}
	copy(h.remoteStatic[:], staticBytes)
	mixHash(&h.hash, &h.hash, env.encryptedStatic)

	es, err := h.localEphemeral.sharedSecret(h.remoteStatic)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	mixKey(&h.chainKey, &key, es[:])
	payload, err := aeadOpen(key, env.encryptedPayload, h.hash[:])
	if err != nil {
		return identity.Fingerprint{}, errBadEnvelope
	}
	fp, err := verifyBinding(payload, h.hash)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	mixHash(&h.hash, &h.hash, env.encryptedPayload)
	h.remoteFP = fp
	h.state = StateWaitFinal
	return fp, nil
}

// CreateFinal produces handshake message 3 ("s, se"): the initiator's
// closing message, carried as a TypeNoiseHandshakeResp packet same as
// message 2 (KRTR's four-type wire enum has no distinct "final" tag; the
// receiver's own handshake state disambiguates message 2 from message 3).
func (h *Handshake) CreateFinal() ([]byte, error) {
	if h.state != StateWaitFinal || !h.isInitiator {
		return nil, errWrongState
	}
	var key [chacha20poly1305.KeySize]byte
	mixKey(&h.chainKey, &key, nil)
	static := h.localStatic.publicKey()
	encStatic := aeadSeal(key, static[:], h.hash[:])
	mixHash(&h.hash, &h.hash, encStatic)

	se, err := h.localStatic.sharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&h.chainKey, &key, se[:])
	encPayload := aeadSeal(key, h.bindingPayload(), h.hash[:])
	mixHash(&h.hash, &h.hash, encPayload)

	h.state = StateEstablished
	env := envelope{hasEphemeral: false, encryptedStatic: encStatic, encryptedPayload: encPayload}
	return env.encode(), nil
}

// ConsumeFinal processes handshake message 3 on the responder side and
// returns the initiator's Fingerprint.
func (h *Handshake) ConsumeFinal(msg []byte) (identity.Fingerprint, error) {
	if h.state != StateWaitFinal || h.isInitiator {
		return identity.Fingerprint{}, errWrongState
	}
	env, err := decodeEnvelope(msg)
	if err != nil || env.hasEphemeral {
		return identity.Fingerprint{}, errBadEnvelope
	}
	var key [chacha20poly1305.KeySize]byte
	mixKey(&h.chainKey, &key, nil)
	staticBytes, err := aeadOpen(key, env.encryptedStatic, h.hash[:])
	if err != nil || len(staticBytes) != 32 {
		return identity.Fingerprint{}, errBadEnvelope
	}
	copy(h.remoteStatic[:], staticBytes)
	mixHash(&h.hash, &h.hash, env.encryptedStatic)

	se, err := h.localEphemeral.sharedSecret(h.remoteStatic)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	mixKey(&h.chainKey, &key, se[:])
	payload, err := aeadOpen(key, env.encryptedPayload, h.hash[:])
	if err != nil {
		return identity.Fingerprint{}, errBadEnvelope
	}
	fp, err := verifyBinding(payload, h.hash)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	mixHash(&h.hash, &h.hash, env.encryptedPayload)
	h.remoteFP = fp
	h.state = StateEstablished
	return fp, nil
}

// DeriveTransport splits the final chaining key into directional transport
// keys and zeroes the handshake's ephemeral secrets. Must be called only
// once h.state == StateEstablished.
func (h *Handshake) DeriveTransport() (*Transport, error) {
	if h.state != StateEstablished {
		return nil, errWrongState
	}
	var k1, k2 [blake2s.Size]byte
	KDF2(&k1, &k2, h.chainKey[:], nil)

	t := &Transport{remoteFingerprint: h.remoteFP}
	if h.isInitiator {
		t.sendKey = k1
		t.recvKey = k2
	} else {
		t.sendKey = k2
		t.recvKey = k1
	}
	aeadSend, _ := chacha20poly1305.New(t.sendKey[:])
	aeadRecv, _ := chacha20poly1305.New(t.recvKey[:])
	t.sendAEAD = aeadSend
	t.recvAEAD = aeadRecv

	setZero(h.chainKey[:])
	setZero(h.hash[:])
	setZero(h.localEphemeral[:])
	h.localEphemeral = NoisePrivateKey{}
	return t, nil
}
