package mesh

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/Z0rlord/krtr-mesh-sub001/compress"
)

// flagPlain or flagCompressed prefixes every application payload before
// encryption, recording whether it was compressed, so the receiver knows whether to run it back through
// compress.Decompress after opening the session (spec §9's envelope note).
const (
	flagPlain      byte = 0x00
	flagCompressed byte = 0x01
)

var errEmptyApplicationPayload = errors.New("mesh: empty application payload")

// packApplicationPayload compresses plaintext (subject to compress's own
// size/entropy gates for the given threshold) and prefixes a 1-byte flag
// recording whether compression was applied.
func packApplicationPayload(plaintext []byte, threshold int) []byte {
	result := compress.Compress(plaintext, threshold)
	flag := flagPlain
	if result.IsCompressed {
		flag = flagCompressed
	}
	out := make([]byte, 0, len(result.Data)+1)
	out = append(out, flag)
	return append(out, result.Data...)
}

// unpackApplicationPayload reverses packApplicationPayload.
func unpackApplicationPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyApplicationPayload
	}
	flag, body := data[0], data[1:]
	if flag == flagCompressed {
		return compress.Decompress(body)
	}
	return append([]byte(nil), body...), nil
}

// innerMessage is the JSON-serialized inner envelope carried as a
// packet's (decrypted, decompressed) payload. Field order is insensitive
// on the wire; only the millisecond timestamp's width is load-bearing
// (spec §9's design note on KRTRMessage.toBinaryPayload).
type innerMessage struct {
	ID          string   `json:"id"`
	Nickname    string   `json:"nickname"`
	Content     string   `json:"content"`
	Channel     string   `json:"channel,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	TimestampMs uint64   `json:"timestampMs"`
}

func encodeInnerMessage(m innerMessage) ([]byte, error) {
	return json.Marshal(m)
}

func decodeInnerMessage(b []byte) (innerMessage, error) {
	var m innerMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func newMessageID() string {
	return uuid.New().String()
}
