package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		Type:        TypeMessage,
		TTL:         6,
		SenderID:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientID: RecipientBroadcast[:],
		TimestampMs: 1717171717000,
		Payload:     []byte("hello mesh"),
		Signature:   nil,
	}

	b, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, p.Type, got.Type)
	require.Equal(t, p.TTL, got.TTL)
	require.Equal(t, p.SenderID, got.SenderID)
	require.Equal(t, p.RecipientID, got.RecipientID)
	require.Equal(t, p.TimestampMs, got.TimestampMs)
	require.Equal(t, p.Payload, got.Payload)
	require.True(t, got.IsBroadcast())
}

func TestEncodeDecodeWithSignature(t *testing.T) {
	p := &Packet{
		Type:        TypeNoiseIdentityAnnounce,
		TTL:         1,
		SenderID:    []byte{9, 9, 9, 9, 9, 9, 9, 9},
		RecipientID: RecipientChannel[:],
		TimestampMs: 42,
		Payload:     []byte{0xde, 0xad, 0xbe, 0xef},
		Signature:   make([]byte, 64),
	}
	for i := range p.Signature {
		p.Signature[i] = byte(i)
	}

	b, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, p.Signature, got.Signature)
	require.True(t, got.IsChannel())
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	p := &Packet{
		Type:        TypeMessage,
		SenderID:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientID: RecipientBroadcast[:],
		Payload:     []byte("truncate me"),
	}
	b, err := Encode(p)
	require.NoError(t, err)

	for cut := 0; cut < len(b); cut++ {
		_, err := Decode(b[:cut])
		require.Error(t, err, "cut=%d", cut)
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPacket)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	p := &Packet{
		Type:        TypeMessage,
		SenderID:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientID: RecipientBroadcast[:],
		Payload:     []byte("abc"),
	}
	b, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	for i := range b {
		b[i] = 0xFF
	}
	require.Equal(t, []byte("abc"), got.Payload)
}
