// Package compress implements KRTR's entropy-gated payload compression
// (spec §4.4): payloads at or above a size threshold, and whose Shannon
// entropy over a sample window is low enough to be worth the CPU, are
// compressed with an LZ-family codec. If compression doesn't pay off, the
// original payload ships instead.
package compress

import (
	"math"

	"github.com/klauspost/compress/s2"
)

const (
	// DefaultThreshold is the minimum payload size, in bytes, eligible
	// for compression under normal power modes.
	DefaultThreshold = 100
	// LowPowerThreshold is used for powerSaver/ultraLowPower modes.
	LowPowerThreshold = 50

	// entropySampleSize is how many leading bytes are sampled for the
	// Shannon entropy gate.
	entropySampleSize = 64
	// entropyCeiling is the bits/byte above which data is assumed
	// already-compressed or encrypted and not worth compressing.
	entropyCeiling = 7.5

	// MaxRatio is the maximum compressed/original size ratio that's
	// still considered a win; above this the original is kept.
	MaxRatio = 0.9
)

// Result describes the outcome of a Compress call.
type Result struct {
	Data        []byte
	IsCompressed bool
}

// ShannonEntropy computes the Shannon entropy, in bits per byte, of the
// first entropySampleSize bytes of data (or all of data if shorter).
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	sample := data
	if len(sample) > entropySampleSize {
		sample = sample[:entropySampleSize]
	}

	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}

	entropy := 0.0
	n := float64(len(sample))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Eligible reports whether payload should even be attempted for
// compression, given threshold (the minimum size, chosen by power mode).
func Eligible(payload []byte, threshold int) bool {
	return len(payload) >= threshold && ShannonEntropy(payload) <= entropyCeiling
}

// Compress attempts to compress payload. It applies the size and entropy
// gates itself, so callers can pass any payload unconditionally. Failure to
// compress is non-fatal: Compress always succeeds, falling back to the
// original bytes with IsCompressed=false.
func Compress(payload []byte, threshold int) Result {
	if !Eligible(payload, threshold) {
		return Result{Data: payload, IsCompressed: false}
	}

	compressed := s2.Encode(nil, payload)
	if float64(len(compressed)) > float64(len(payload))*MaxRatio {
		return Result{Data: payload, IsCompressed: false}
	}
	return Result{Data: compressed, IsCompressed: true}
}

// Decompress reverses Compress. Callers must track IsCompressed
// themselves (KRTR carries it as a 1-bit flag in the packet envelope) and
// only call Decompress when it was set.
func Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
