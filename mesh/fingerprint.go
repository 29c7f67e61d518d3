package mesh

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/Z0rlord/krtr-mesh-sub001/wire"
)

// packetFingerprint hashes the exact tuple spec §4.2 defines for dedup:
// (senderId, timestamp, type, first 16 bytes of payload), deliberately
// excluding TTL and RecipientID: a relayed copy has a decremented TTL but
// must still be recognized as a duplicate of the original (spec invariant
// I3), and RecipientID is redundant with the payload's own addressing for
// dedup purposes.
func packetFingerprint(p *wire.Packet) [32]byte {
	h := sha256.New()
	h.Write(p.SenderID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.TimestampMs)
	h.Write(ts[:])
	h.Write([]byte{byte(p.Type)})
	n := len(p.Payload)
	if n > 16 {
		n = 16
	}
	h.Write(p.Payload[:n])
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}
