package mesh

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/wire"
)

var errBadIdentityAnnounce = errors.New("mesh: malformed identity announce payload")

// announcePayload is the plaintext body of a broadcast announce packet.
type announcePayload struct {
	Nickname string `json:"nickname"`
}

// broadcastAnnounce emits the startup/post-rotation announce: a plaintext
// broadcast carrying the current PeerId (as sender) and nickname (spec
// §4.9). Announces bypass the jitter delay line — they're protocol
// liveness signals, not application traffic subject to privacy shaping.
func (e *Engine) broadcastAnnounce() {
	body, err := json.Marshal(announcePayload{Nickname: e.delegate.CurrentNickname()})
	if err != nil {
		return
	}
	local := e.localPeerID()
	pkt := &wire.Packet{
		Type:        wire.TypeAnnounce,
		TTL:         e.currentTTL(),
		SenderID:    local[:],
		RecipientID: wire.RecipientBroadcast[:],
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     body,
	}
	e.sendBroadcastPacket(pkt)
}

// broadcastLeave emits the graceful-shutdown leave packet.
func (e *Engine) broadcastLeave() {
	local := e.localPeerID()
	pkt := &wire.Packet{
		Type:        wire.TypeLeave,
		TTL:         e.currentTTL(),
		SenderID:    local[:],
		RecipientID: wire.RecipientBroadcast[:],
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
	e.sendBroadcastPacket(pkt)
}

func (e *Engine) sendBroadcastPacket(pkt *wire.Packet) {
	encoded, err := wire.Encode(pkt)
	if err != nil {
		e.log.Warnf("encoding broadcast packet failed: %v", err)
		return
	}
	if err := e.adapter.Broadcast(encoded); err != nil {
		e.log.Warnf("broadcast failed: %v", err)
	}
}

// encodeIdentityAnnounce builds the signed body of a noiseIdentityAnnounce:
// newPeerId || timestampMillis || identityPublicKey || signature, where the
// signature covers newPeerId || timestampMillis (spec §4.6 step 4).
func encodeIdentityAnnounce(key *identity.IdentityKey, peer identity.PeerID, now time.Time) []byte {
	ts := uint64(now.UnixMilli())
	signed := make([]byte, 0, 16)
	signed = append(signed, peer[:]...)
	signed = binary.BigEndian.AppendUint64(signed, ts)
	sig := key.Sign(signed)

	out := make([]byte, 0, len(signed)+ed25519.PublicKeySize+len(sig))
	out = append(out, signed...)
	out = append(out, key.Public...)
	out = append(out, sig...)
	return out
}

// decodeIdentityAnnounce reverses encodeIdentityAnnounce and verifies the
// embedded signature, returning the bound PeerId, timestamp, and the
// signer's IdentityKey public half.
func decodeIdentityAnnounce(payload []byte) (peer identity.PeerID, ts time.Time, pub ed25519.PublicKey, err error) {
	const fixedLen = 8 + 8 + ed25519.PublicKeySize
	if len(payload) <= fixedLen {
		return peer, ts, nil, errBadIdentityAnnounce
	}
	copy(peer[:], payload[:8])
	millis := binary.BigEndian.Uint64(payload[8:16])
	pub = append(ed25519.PublicKey(nil), payload[16:16+ed25519.PublicKeySize]...)
	sig := payload[16+ed25519.PublicKeySize:]

	signed := payload[:16]
	if !identity.Verify(pub, signed, sig) {
		return peer, ts, nil, errBadIdentityAnnounce
	}
	return peer, time.UnixMilli(int64(millis)), pub, nil
}

// emitIdentityAnnounce signs and ships a noiseIdentityAnnounce to recipient
// (the broadcast sentinel after a rotation, or a specific peer when acting
// as the handshake tie-breaker loser).
func (e *Engine) emitIdentityAnnounce(recipientID []byte) {
	local := e.localPeerID()
	payload := encodeIdentityAnnounce(e.identityKey, local, time.Now())
	pkt := &wire.Packet{
		Type:        wire.TypeNoiseIdentityAnnounce,
		TTL:         e.currentTTL(),
		SenderID:    local[:],
		RecipientID: recipientID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     payload,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	if pkt.IsBroadcast() {
		if err := e.adapter.Broadcast(encoded); err != nil {
			e.log.Warnf("identity announce broadcast failed: %v", err)
		}
		return
	}

	var to identity.PeerID
	copy(to[:], recipientID)
	e.peersMu.RLock()
	p, ok := e.peers[to]
	e.peersMu.RUnlock()
	if !ok || !p.connected {
		return
	}
	if err := e.adapter.Write(p.conn, encoded); err != nil {
		e.log.Warnf("identity announce write to %s failed: %v", to, err)
	}
}

// nextRotationInterval draws a rotation interval using the engine's seeded
// RNG under its own lock, since *rand.Rand is not safe for concurrent use.
// A host-configured RotationInterval overrides the spec's randomized
// schedule entirely; zero falls back to it.
func (e *Engine) nextRotationInterval() time.Duration {
	if e.cfg.RotationInterval > 0 {
		return e.cfg.RotationInterval
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return identity.NextRotationInterval(e.rng)
}

// scheduleRotation arms the timer that drives the next PeerId rotation.
func (e *Engine) scheduleRotation() {
	interval := e.nextRotationInterval()
	e.rotMu.Lock()
	if e.rotTimer != nil {
		e.rotTimer.Stop()
	}
	e.rotTimer = time.AfterFunc(interval, e.rotate)
	e.rotMu.Unlock()
}

// rotate performs one PeerId rotation cycle (spec §4.6): snapshot the
// current PeerId with a grace window, install a fresh one, re-announce
// after a short delay, then schedule the next rotation.
func (e *Engine) rotate() {
	if engineState(e.state.Load()) != stateUp {
		return
	}
	next, err := identity.NewPeerID(time.Now())
	if err != nil {
		e.scheduleRotation()
		return
	}

	e.rotMu.Lock()
	e.rotation.Rotate(next, time.Now())
	e.rotMu.Unlock()

	time.AfterFunc(identity.AnnounceDelay, func() {
		e.emitIdentityAnnounce(wire.RecipientBroadcast[:])
	})
	e.scheduleRotation()
}
