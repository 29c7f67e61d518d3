package session

import (
	"errors"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

// ErrNotEstablished is returned by Seal/Open when the session hasn't
// finished its handshake yet.
var ErrNotEstablished = errors.New("session: not established")

// Session is the full per-peer lifecycle described in spec §3/§4.5: a
// handshake that, on completion, hands off to a Transport for as long as
// the session lives. One Session exists per remote PeerId.
type Session struct {
	handshake *Handshake
	transport *Transport
}

// Initiates reports whether localPeerID should initiate the handshake with
// remotePeerID, per the spec's tie-breaker: the lexicographically smaller
// lowercase-hex PeerId initiates. The loser instead sends a targeted
// noiseIdentityAnnounce to provoke the winner into initiating.
func Initiates(localPeerID, remotePeerID identity.PeerID) bool {
	return localPeerID.Less(remotePeerID)
}

// NewInitiator starts a Session that will send message 1.
func NewInitiator(localStatic NoisePrivateKey, localIdentity *identity.IdentityKey) (*Session, []byte, error) {
	hs := NewHandshake(localStatic, localIdentity)
	ephemeral, err := hs.CreateInit()
	if err != nil {
		return nil, nil, err
	}
	return &Session{handshake: hs}, ephemeral[:], nil
}

// NewResponder starts a Session on receipt of a peer's message 1 and
// immediately produces message 2.
func NewResponder(localStatic NoisePrivateKey, localIdentity *identity.IdentityKey, initMsg []byte) (*Session, []byte, error) {
	if len(initMsg) != 32 {
		return nil, nil, errBadEnvelope
	}
	hs := NewHandshake(localStatic, localIdentity)
	var ephemeral NoisePublicKey
	copy(ephemeral[:], initMsg)
	if err := hs.ConsumeInit(ephemeral); err != nil {
		return nil, nil, err
	}
	resp, err := hs.CreateResp()
	if err != nil {
		return nil, nil, err
	}
	return &Session{handshake: hs}, resp, nil
}

// ConsumeResponse is called by the initiator on receipt of message 2. It
// returns message 3 (to be sent back) and the responder's Fingerprint; the
// Session is fully established once message 3 has been produced.
func (s *Session) ConsumeResponse(msg []byte) (finalMsg []byte, remoteFP identity.Fingerprint, err error) {
	if s.handshake == nil {
		return nil, identity.Fingerprint{}, ErrNotEstablished
	}
	remoteFP, err = s.handshake.ConsumeResp(msg)
	if err != nil {
		return nil, identity.Fingerprint{}, err
	}
	finalMsg, err = s.handshake.CreateFinal()
	if err != nil {
		return nil, identity.Fingerprint{}, err
	}
	s.transport, err = s.handshake.DeriveTransport()
	if err != nil {
		return nil, identity.Fingerprint{}, err
	}
	s.handshake = nil
	return finalMsg, remoteFP, nil
}

// ConsumeFinal is called by the responder on receipt of message 3. The
// Session is established once this returns successfully.
func (s *Session) ConsumeFinal(msg []byte) (remoteFP identity.Fingerprint, err error) {
	if s.handshake == nil {
		return identity.Fingerprint{}, ErrNotEstablished
	}
	remoteFP, err = s.handshake.ConsumeFinal(msg)
	if err != nil {
		return identity.Fingerprint{}, err
	}
	s.transport, err = s.handshake.DeriveTransport()
	if err != nil {
		return identity.Fingerprint{}, err
	}
	s.handshake = nil
	return remoteFP, nil
}

// State reports the session's current handshake state.
func (s *Session) State() State {
	if s.handshake != nil {
		return s.handshake.state
	}
	if s.transport != nil {
		return StateEstablished
	}
	return StateIdle
}

// Established reports whether the session has a usable Transport.
func (s *Session) Established() bool { return s.transport != nil }

// Seal encrypts application plaintext for this session.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	if s.transport == nil {
		return nil, ErrNotEstablished
	}
	return s.transport.Seal(plaintext), nil
}

// Open decrypts a noiseEncrypted payload received over this session.
func (s *Session) Open(payload []byte) ([]byte, error) {
	if s.transport == nil {
		return nil, ErrNotEstablished
	}
	return s.transport.Open(payload)
}

// RemoteFingerprint returns the authenticated peer identity, valid once
// Established() is true.
func (s *Session) RemoteFingerprint() identity.Fingerprint {
	if s.transport == nil {
		return identity.Fingerprint{}
	}
	return s.transport.RemoteFingerprint()
}
