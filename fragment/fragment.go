// Package fragment splits payloads that exceed the link MTU into numbered
// fragments and reassembles them on the receiving side (spec §4.3).
//
// Fragment headers are a fixed-width binary TLV, not JSON: messageId (16
// bytes), index (uint16), total (uint16), flags (1 byte: bit0=isFirst,
// bit1=isLast), all prefixed by a 2-byte big-endian header length so a
// receiver can split header from fragment payload without parsing it. This
// resolves spec §9's open question in favor of TLV: allocation-free on the
// hot path, unlike decoding JSON per fragment.
package fragment

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerFixedLen = 16 + 2 + 2 + 1
	flagFirst      = 1 << 0
	flagLast       = 1 << 1

	// DefaultTimeout is how long an incomplete reassembly buffer is kept
	// before being discarded (spec §4.3, §5 "Cancellation and timeouts").
	DefaultTimeout = 30 * time.Second
)

var (
	ErrHeaderTruncated = errors.New("fragment: header truncated")
	ErrBadTotal        = errors.New("fragment: total must be >= 1")
)

// MessageID identifies a single fragmented message.
type MessageID [16]byte

// NewMessageID generates a fresh random message id.
func NewMessageID() MessageID {
	var id MessageID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// Header is the per-fragment TLV header.
type Header struct {
	MessageID MessageID
	Index     uint16
	Total     uint16
	IsFirst   bool
	IsLast    bool
}

// EncodeHeader serializes h, prefixed with its own length.
func EncodeHeader(h Header) []byte {
	b := make([]byte, 2+headerFixedLen)
	binary.BigEndian.PutUint16(b, uint16(headerFixedLen))
	off := 2
	off += copy(b[off:], h.MessageID[:])
	binary.BigEndian.PutUint16(b[off:], h.Index)
	off += 2
	binary.BigEndian.PutUint16(b[off:], h.Total)
	off += 2
	var flags byte
	if h.IsFirst {
		flags |= flagFirst
	}
	if h.IsLast {
		flags |= flagLast
	}
	b[off] = flags
	return b
}

// DecodeHeader parses a fragment header from the front of b and returns the
// header plus the number of bytes consumed.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < 2 {
		return Header{}, 0, ErrHeaderTruncated
	}
	hlen := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+hlen || hlen < headerFixedLen {
		return Header{}, 0, ErrHeaderTruncated
	}
	body := b[2 : 2+hlen]
	var h Header
	off := copy(h.MessageID[:], body[:16])
	h.Index = binary.BigEndian.Uint16(body[off:])
	off += 2
	h.Total = binary.BigEndian.Uint16(body[off:])
	off += 2
	flags := body[off]
	h.IsFirst = flags&flagFirst != 0
	h.IsLast = flags&flagLast != 0
	return h, 2 + hlen, nil
}

// Split divides payload into fragments no larger than maxFragmentSize
// (after its header), returning complete on-wire fragment byte slices. If
// payload already fits within a single fragment, Split still returns a
// single fragment with isFirst=isLast=true so callers can treat the
// fragmented and unfragmented paths uniformly.
func Split(id MessageID, payload []byte, maxFragmentSize int) ([][]byte, error) {
	if maxFragmentSize <= 0 {
		return nil, errors.New("fragment: maxFragmentSize must be positive")
	}
	if len(payload) == 0 {
		h := Header{MessageID: id, Index: 0, Total: 1, IsFirst: true, IsLast: true}
		return [][]byte{EncodeHeader(h)}, nil
	}

	total := (len(payload) + maxFragmentSize - 1) / maxFragmentSize
	if total > int(^uint16(0)) {
		return nil, errors.New("fragment: payload requires too many fragments")
	}

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxFragmentSize
		end := start + maxFragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		h := Header{
			MessageID: id,
			Index:     uint16(i),
			Total:     uint16(total),
			IsFirst:   i == 0,
			IsLast:    i == total-1,
		}
		frame := EncodeHeader(h)
		frame = append(frame, payload[start:end]...)
		out = append(out, frame)
	}
	return out, nil
}

// buffer tracks in-flight reassembly of a single message.
type buffer struct {
	total    uint16
	received int
	parts    [][]byte // indexed by fragment index
	seen     []bool
	firstSeen time.Time
}

// Reassembler holds in-flight ReassemblyBuffers, discarding any older than
// timeout on Sweep.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	bufs    map[MessageID]*buffer

	// timeoutCount is incremented whenever Sweep discards a stale buffer,
	// satisfying spec §4.3's "counted in a timeout statistic".
	timeoutCount uint64
}

// NewReassembler constructs a Reassembler with the given per-message
// timeout. A non-positive timeout falls back to DefaultTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{
		timeout: timeout,
		bufs:    make(map[MessageID]*buffer),
	}
}

// Add feeds one on-wire fragment into the reassembler. It returns the
// fully assembled payload and true once every fragment of that message has
// arrived; otherwise it returns (nil, false). Duplicate fragments for an
// index already received are silently dropped, per spec §4.3.
func (r *Reassembler) Add(now time.Time, frame []byte) ([]byte, bool, error) {
	h, consumed, err := DecodeHeader(frame)
	if err != nil {
		return nil, false, err
	}
	if h.Total == 0 {
		return nil, false, ErrBadTotal
	}
	body := frame[consumed:]

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.bufs[h.MessageID]
	if !ok {
		buf = &buffer{
			total:     h.Total,
			parts:     make([][]byte, h.Total),
			seen:      make([]bool, h.Total),
			firstSeen: now,
		}
		r.bufs[h.MessageID] = buf
	}

	if int(h.Index) >= len(buf.seen) || buf.seen[h.Index] {
		// out-of-range or duplicate fragment: drop silently.
		return nil, false, nil
	}
	buf.seen[h.Index] = true
	buf.parts[h.Index] = append([]byte(nil), body...)
	buf.received++

	if buf.received < int(buf.total) {
		return nil, false, nil
	}

	delete(r.bufs, h.MessageID)
	var total int
	for _, p := range buf.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range buf.parts {
		out = append(out, p...)
	}
	return out, true, nil
}

// Sweep discards any reassembly buffer whose age exceeds the configured
// timeout, returning how many were discarded.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	discarded := 0
	for id, buf := range r.bufs {
		if now.Sub(buf.firstSeen) > r.timeout {
			delete(r.bufs, id)
			discarded++
		}
	}
	r.timeoutCount += uint64(discarded)
	return discarded
}

// Pending reports how many messages currently have an in-flight
// reassembly buffer.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs)
}

// TimeoutCount reports the cumulative number of buffers discarded by Sweep.
func (r *Reassembler) TimeoutCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeoutCount
}
