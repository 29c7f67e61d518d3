// Package wire implements the on-wire binary framing of KRTR packets.
//
// The layout is fixed-order, big-endian, with no padding:
//
//	offset  size  field
//	0       1     type
//	1       1     ttl
//	2       1     senderIdLen
//	3       1     recipientIdLen
//	4       Ls    senderId
//	4+Ls    Lr    recipientId
//	+8            timestampMillis (uint64)
//	+4            payloadLen (uint32)
//	+P            payload
//	+2            signatureLen (uint16)
//	+S            signature
//
// Encoding and decoding are pure functions: they never retain a reference
// to the input buffer and never allocate beyond the produced frame.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type identifies the kind of message a Packet carries.
type Type byte

const (
	TypeAnnounce              Type = 0x01
	TypeMessage               Type = 0x02
	TypeLeave                 Type = 0x03
	TypeDeliveryAck           Type = 0x04
	TypeReadReceipt           Type = 0x05
	TypeNoiseHandshakeInit    Type = 0x10
	TypeNoiseHandshakeResp    Type = 0x11
	TypeNoiseEncrypted        Type = 0x12
	TypeNoiseIdentityAnnounce Type = 0x13
	TypeVersionHello          Type = 0x20
	TypeVersionAck            Type = 0x21
	TypeChannelKeyVerifyReq   Type = 0x30
	TypeChannelKeyVerifyResp  Type = 0x31
	TypeChannelPasswordUpdate Type = 0x32
	TypeChannelMetadata       Type = 0x33
	TypeZKProof               Type = 0x40
	TypeZKChallenge           Type = 0x41
	TypeZKResponse            Type = 0x42
)

// PeerID is the 8-byte ephemeral identifier assigned to a mesh participant.
type PeerID [8]byte

// Reserved recipient sentinels. Both are 4 bytes on the wire, distinct from
// the normal 8-byte PeerID length, which is how a decoder tells a sentinel
// apart from an addressed recipient without a separate flag byte.
var (
	RecipientBroadcast = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	RecipientChannel   = [4]byte{0xFE, 0xFE, 0xFE, 0xFE}
)

const (
	maxIDLen      = 255
	maxPayloadLen = 1 << 20 // sanity ceiling; actual packets are MTU-bound
	maxSigLen     = 1 << 16
)

var (
	ErrTruncated      = errors.New("wire: frame truncated")
	ErrLengthOverflow = errors.New("wire: declared length exceeds buffer")
	ErrEmptyPacket    = errors.New("wire: empty frame")
)

// Packet is the decoded, in-memory representation of a KRTR on-wire frame.
type Packet struct {
	Type        Type
	TTL         uint8
	SenderID    []byte // 8 bytes for a peer sender
	RecipientID []byte // 8 bytes for a peer, or one of the 4-byte sentinels
	TimestampMs uint64
	Payload     []byte
	Signature   []byte // optional, nil/empty if absent
}

// IsBroadcast reports whether the packet's recipient is the broadcast
// sentinel.
func (p *Packet) IsBroadcast() bool {
	return len(p.RecipientID) == 4 && [4]byte(p.RecipientID) == RecipientBroadcast
}

// IsChannel reports whether the packet's recipient is the channel sentinel.
func (p *Packet) IsChannel() bool {
	return len(p.RecipientID) == 4 && [4]byte(p.RecipientID) == RecipientChannel
}

// Encode serializes p into a freshly allocated frame.
func Encode(p *Packet) ([]byte, error) {
	if len(p.SenderID) == 0 || len(p.SenderID) > maxIDLen {
		return nil, errors.New("wire: invalid senderId length")
	}
	if len(p.RecipientID) == 0 || len(p.RecipientID) > maxIDLen {
		return nil, errors.New("wire: invalid recipientId length")
	}
	if len(p.Payload) > maxPayloadLen {
		return nil, errors.New("wire: payload too large")
	}
	if len(p.Signature) > maxSigLen {
		return nil, errors.New("wire: signature too large")
	}

	size := 4 + len(p.SenderID) + len(p.RecipientID) + 8 + 4 + len(p.Payload) + 2 + len(p.Signature)
	b := make([]byte, size)

	b[0] = byte(p.Type)
	b[1] = p.TTL
	b[2] = byte(len(p.SenderID))
	b[3] = byte(len(p.RecipientID))

	off := 4
	off += copy(b[off:], p.SenderID)
	off += copy(b[off:], p.RecipientID)

	binary.BigEndian.PutUint64(b[off:], p.TimestampMs)
	off += 8

	binary.BigEndian.PutUint32(b[off:], uint32(len(p.Payload)))
	off += 4
	off += copy(b[off:], p.Payload)

	binary.BigEndian.PutUint16(b[off:], uint16(len(p.Signature)))
	off += 2
	copy(b[off:], p.Signature)

	return b, nil
}

// Decode parses a frame produced by Encode. It never retains b: all slices
// in the returned Packet are freshly allocated copies.
func Decode(b []byte) (*Packet, error) {
	if len(b) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(b) < 4 {
		return nil, ErrTruncated
	}

	p := &Packet{
		Type: Type(b[0]),
		TTL:  b[1],
	}
	senderLen := int(b[2])
	recipientLen := int(b[3])

	off := 4
	if len(b) < off+senderLen+recipientLen {
		return nil, ErrLengthOverflow
	}
	p.SenderID = append([]byte(nil), b[off:off+senderLen]...)
	off += senderLen
	p.RecipientID = append([]byte(nil), b[off:off+recipientLen]...)
	off += recipientLen

	if len(b) < off+8+4 {
		return nil, ErrLengthOverflow
	}
	p.TimestampMs = binary.BigEndian.Uint64(b[off:])
	off += 8

	payloadLen := binary.BigEndian.Uint32(b[off:])
	off += 4
	if payloadLen > maxPayloadLen || uint64(len(b)) < uint64(off)+uint64(payloadLen)+2 {
		return nil, ErrLengthOverflow
	}
	p.Payload = append([]byte(nil), b[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	sigLen := binary.BigEndian.Uint16(b[off:])
	off += 2
	if len(b) < off+int(sigLen) {
		return nil, ErrLengthOverflow
	}
	if sigLen > 0 {
		p.Signature = append([]byte(nil), b[off:off+int(sigLen)]...)
	}

	return p, nil
}
