package mesh

import (
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/fragment"
	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
	"github.com/Z0rlord/krtr-mesh-sub001/session"
	"github.com/Z0rlord/krtr-mesh-sub001/wire"
)

// fragmentMaxSize is the per-power-mode fragment payload ceiling (spec
// §4.3): smaller under low-power modes to keep individual link-layer
// writes cheap.
func (e *Engine) fragmentMaxSize() int {
	if e.cfg.FragmentSize > 0 {
		return e.cfg.FragmentSize
	}
	switch resolvePowerMode(e.cfg.PowerMode) {
	case privacy.PowerSaver:
		return 400
	case privacy.PowerUltraLow:
		return 300
	default:
		return 500
	}
}

// SendPrivateMessage composes and sends an end-to-end encrypted message to
// a specific peer, initiating a handshake first if no session yet exists
// (spec §4.9's handshake tie-breaker and pending-queue behavior).
func (e *Engine) SendPrivateMessage(to identity.PeerID, content, channel string, mentions []string) (string, error) {
	inner := innerMessage{
		ID:          newMessageID(),
		Nickname:    e.delegate.CurrentNickname(),
		Content:     content,
		Channel:     channel,
		Mentions:    mentions,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
	plain, err := encodeInnerMessage(inner)
	if err != nil {
		return "", err
	}
	if err := e.sendPrivate(to, plain); err != nil {
		return "", err
	}
	return inner.ID, nil
}

// sendPrivate seals, fragments, and enqueues plain for delivery to to. If no
// session is established yet, it queues the send and drives the handshake
// tie-breaker instead of sending immediately.
func (e *Engine) sendPrivate(to identity.PeerID, plain []byte) error {
	e.peersMu.Lock()
	p, ok := e.peers[to]
	if !ok {
		p = &peerEntry{id: to}
		e.peers[to] = p
	}
	established := p.session != nil && p.session.Established()
	if !established {
		p.pending = append(p.pending, pendingSend{
			plaintext: plain,
			deadline:  time.Now().Add(handshakePendingDeadline),
		})
	}
	e.peersMu.Unlock()

	if established {
		return e.sealAndEnqueue(to, p, plain)
	}
	e.ensureSession(to)
	return nil
}

// sealAndEnqueue encrypts plain under the peer's established session,
// fragments the ciphertext to the link MTU, wraps each fragment in its own
// Packet, and hands each to the privacy shaper (spec §4.9 outgoing steps
// 2-5; encryption happens once over the compressed payload, fragmentation
// happens to the resulting ciphertext).
func (e *Engine) sealAndEnqueue(to identity.PeerID, p *peerEntry, plain []byte) error {
	packed := packApplicationPayload(plain, e.compressionThreshold())
	sealed, err := p.session.Seal(packed)
	if err != nil {
		e.telemetry.CryptoFailures.Add(1)
		return err
	}
	return e.fragmentAndEnqueue(to, wire.TypeNoiseEncrypted, sealed)
}

func (e *Engine) fragmentAndEnqueue(to identity.PeerID, typ wire.Type, body []byte) error {
	msgID := fragment.NewMessageID()
	frames, err := fragment.Split(msgID, body, e.fragmentMaxSize())
	if err != nil {
		return err
	}
	local := e.localPeerID()
	ttl := e.currentTTL()
	now := uint64(time.Now().UnixMilli())
	for _, frame := range frames {
		pkt := &wire.Packet{
			Type:        typ,
			TTL:         ttl,
			SenderID:    local[:],
			RecipientID: to[:],
			TimestampMs: now,
			Payload:     frame,
		}
		encoded, err := wire.Encode(pkt)
		if err != nil {
			continue
		}
		e.delayLine.Enqueue(encoded)
	}
	return nil
}

// ensureSession drives the handshake tie-breaker for to (spec §4.5/§4.9):
// the lexicographically smaller PeerId initiates; the other side sends a
// targeted identity announce to provoke the winner into initiating.
func (e *Engine) ensureSession(to identity.PeerID) {
	local := e.localPeerID()

	e.peersMu.Lock()
	p, ok := e.peers[to]
	if !ok {
		p = &peerEntry{id: to}
		e.peers[to] = p
	}
	alreadyActive := p.session != nil && p.session.State() != session.StateIdle
	e.peersMu.Unlock()
	if alreadyActive {
		return
	}

	if !session.Initiates(local, to) {
		e.emitIdentityAnnounce(to[:])
		return
	}

	sess, initMsg, err := session.NewInitiator(e.staticKey, e.identityKey)
	if err != nil {
		e.telemetry.CryptoFailures.Add(1)
		return
	}

	e.peersMu.Lock()
	p.session = sess
	e.peersMu.Unlock()

	pkt := &wire.Packet{
		Type:        wire.TypeNoiseHandshakeInit,
		SenderID:    local[:],
		RecipientID: to[:],
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     initMsg,
	}
	e.writeDirect(to, pkt)
}

// SendBroadcastMessage composes and sends a message to every connected
// peer. If channel names an active channel key, the payload is encrypted
// with it; otherwise it's sent in the clear with the channel sentinel
// recipient, matching spec §4.9 step 3's "leave plaintext for broadcast
// announces" for channels without a configured password.
func (e *Engine) SendBroadcastMessage(content, channel string, mentions []string) (string, error) {
	inner := innerMessage{
		ID:          newMessageID(),
		Nickname:    e.delegate.CurrentNickname(),
		Content:     content,
		Channel:     channel,
		Mentions:    mentions,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
	plain, err := encodeInnerMessage(inner)
	if err != nil {
		return "", err
	}
	packed := packApplicationPayload(plain, e.compressionThreshold())

	body := packed
	if key, ok := e.lookupChannelKey(channel); ok {
		sealed, err := key.Seal(packed)
		if err != nil {
			return "", err
		}
		body = sealed
	}

	msgID := fragment.NewMessageID()
	frames, err := fragment.Split(msgID, body, e.fragmentMaxSize())
	if err != nil {
		return "", err
	}
	local := e.localPeerID()
	ttl := e.currentTTL()
	recipient := wire.RecipientBroadcast[:]
	if channel != "" {
		recipient = wire.RecipientChannel[:]
	}
	now := uint64(time.Now().UnixMilli())
	for _, frame := range frames {
		pkt := &wire.Packet{
			Type:        wire.TypeMessage,
			TTL:         ttl,
			SenderID:    local[:],
			RecipientID: recipient,
			TimestampMs: now,
			Payload:     frame,
		}
		encoded, err := wire.Encode(pkt)
		if err != nil {
			continue
		}
		e.delayLine.Enqueue(encoded)
	}
	return inner.ID, nil
}

// --- channel keys ---

// SetChannelKey installs (or replaces) the password-derived key for
// channel, used to encrypt/decrypt TypeMessage packets addressed to the
// channel sentinel recipient.
func (e *Engine) SetChannelKey(channel string, key *session.ChannelKey) {
	e.channelMu.Lock()
	defer e.channelMu.Unlock()
	if e.channelKeys == nil {
		e.channelKeys = make(map[string]*session.ChannelKey)
	}
	e.channelKeys[channel] = key
}

// ClearChannelKey removes a channel's key, e.g. on leaving the channel.
func (e *Engine) ClearChannelKey(channel string) {
	e.channelMu.Lock()
	defer e.channelMu.Unlock()
	delete(e.channelKeys, channel)
}

func (e *Engine) lookupChannelKey(channel string) (*session.ChannelKey, bool) {
	if channel == "" {
		return nil, false
	}
	e.channelMu.RLock()
	defer e.channelMu.RUnlock()
	key, ok := e.channelKeys[channel]
	return key, ok
}

// tryChannelKeys attempts to open ciphertext with every channel key this
// node currently holds, since the channel sentinel recipient carries no
// channel name on the wire to look one up directly.
func (e *Engine) tryChannelKeys(ciphertext []byte) ([]byte, bool) {
	e.channelMu.RLock()
	keys := make([]*session.ChannelKey, 0, len(e.channelKeys))
	for _, k := range e.channelKeys {
		keys = append(keys, k)
	}
	e.channelMu.RUnlock()

	for _, k := range keys {
		if plain, err := k.Open(ciphertext); err == nil {
			return plain, true
		}
	}
	return nil, false
}

// SetFavorite marks or unmarks peer as a favorite (spec §9.1): favorited
// peers get the larger store-and-forward cache tier and survive longer
// while disconnected. Updates any currently held peer table entry in
// place, keyed by Fingerprint since that's stable across PeerId rotation.
func (e *Engine) SetFavorite(fp identity.Fingerprint, favorite bool) error {
	if err := e.favorites.SetFavorite(fp, favorite); err != nil {
		return err
	}
	e.peersMu.Lock()
	for _, p := range e.peers {
		if p.fingerprint == fp {
			p.isFavorite = favorite
		}
	}
	e.peersMu.Unlock()
	return nil
}

// SendDeliveryAck and SendReadReceipt emit the small best-effort
// acknowledgement packets; failures are silent since the original message
// send itself is what's retried/surfaced to the user, not the ack.
func (e *Engine) SendDeliveryAck(to identity.PeerID, messageID string) {
	e.sendSmallDirect(to, wire.TypeDeliveryAck, []byte(messageID))
}

func (e *Engine) SendReadReceipt(to identity.PeerID, messageID string) {
	e.sendSmallDirect(to, wire.TypeReadReceipt, []byte(messageID))
}

func (e *Engine) sendSmallDirect(to identity.PeerID, typ wire.Type, payload []byte) {
	local := e.localPeerID()
	pkt := &wire.Packet{
		Type:        typ,
		TTL:         0,
		SenderID:    local[:],
		RecipientID: to[:],
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     payload,
	}
	e.writeDirect(to, pkt)
}
