package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

func mustIdentityKey(t *testing.T) *identity.IdentityKey {
	t.Helper()
	k, err := identity.GenerateIdentityKey()
	require.NoError(t, err)
	return k
}

func TestHandshakeFullExchangeEstablishesSharedFingerprints(t *testing.T) {
	aStatic, err := newPrivateKey()
	require.NoError(t, err)
	bStatic, err := newPrivateKey()
	require.NoError(t, err)

	aIdentity := mustIdentityKey(t)
	bIdentity := mustIdentityKey(t)

	a, initMsg, err := NewInitiator(aStatic, aIdentity)
	require.NoError(t, err)

	b, respMsg, err := NewResponder(bStatic, bIdentity, initMsg[:])
	require.NoError(t, err)

	finalMsg, bFingerprintSeenByA, err := a.ConsumeResponse(respMsg)
	require.NoError(t, err)
	require.Equal(t, bIdentity.Fingerprint(), bFingerprintSeenByA)

	aFingerprintSeenByB, err := b.ConsumeFinal(finalMsg)
	require.NoError(t, err)
	require.Equal(t, aIdentity.Fingerprint(), aFingerprintSeenByB)

	require.True(t, a.Established())
	require.True(t, b.Established())
	require.Equal(t, StateEstablished, a.State())
	require.Equal(t, StateEstablished, b.State())
}

func TestHandshakeTransportCarriesApplicationData(t *testing.T) {
	aStatic, _ := newPrivateKey()
	bStatic, _ := newPrivateKey()
	aIdentity := mustIdentityKey(t)
	bIdentity := mustIdentityKey(t)

	a, initMsg, err := NewInitiator(aStatic, aIdentity)
	require.NoError(t, err)
	b, respMsg, err := NewResponder(bStatic, bIdentity, initMsg[:])
	require.NoError(t, err)
	finalMsg, _, err := a.ConsumeResponse(respMsg)
	require.NoError(t, err)
	_, err = b.ConsumeFinal(finalMsg)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "secret", string(plain))

	reply, err := b.Seal([]byte("ack"))
	require.NoError(t, err)
	plain, err = a.Open(reply)
	require.NoError(t, err)
	require.Equal(t, "ack", string(plain))
}

func TestHandshakeTransportRejectsReplayedCounter(t *testing.T) {
	aStatic, _ := newPrivateKey()
	bStatic, _ := newPrivateKey()
	aIdentity := mustIdentityKey(t)
	bIdentity := mustIdentityKey(t)

	a, initMsg, err := NewInitiator(aStatic, aIdentity)
	require.NoError(t, err)
	b, respMsg, err := NewResponder(bStatic, bIdentity, initMsg[:])
	require.NoError(t, err)
	finalMsg, _, err := a.ConsumeResponse(respMsg)
	require.NoError(t, err)
	_, err = b.ConsumeFinal(finalMsg)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("once"))
	require.NoError(t, err)

	plain, err := b.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "once", string(plain))

	_, err = b.Open(sealed)
	require.ErrorIs(t, err, ErrReplay)
}

func TestHandshakeOutOfSequenceMessageRejected(t *testing.T) {
	aStatic, _ := newPrivateKey()
	aIdentity := mustIdentityKey(t)

	hs := NewHandshake(aStatic, aIdentity)
	_, err := hs.CreateResp()
	require.ErrorIs(t, err, errWrongState)
}

func TestHandshakeTamperedBindingRejected(t *testing.T) {
	aStatic, _ := newPrivateKey()
	bStatic, _ := newPrivateKey()
	aIdentity := mustIdentityKey(t)
	bIdentity := mustIdentityKey(t)

	a, initMsg, err := NewInitiator(aStatic, aIdentity)
	require.NoError(t, err)
	_, respMsg, err := NewResponder(bStatic, bIdentity, initMsg[:])
	require.NoError(t, err)

	tampered := append([]byte(nil), respMsg...)
	tampered[len(tampered)-1] ^= 0xFF

	_, _, err = a.ConsumeResponse(tampered)
	require.Error(t, err)
}

func TestInitiatesTieBreakerIsLexicographic(t *testing.T) {
	small := identity.PeerID{0, 0, 0, 0, 0, 0, 0, 1}
	large := identity.PeerID{0, 0, 0, 0, 0, 0, 0, 2}
	require.True(t, Initiates(small, large))
	require.False(t, Initiates(large, small))
}
