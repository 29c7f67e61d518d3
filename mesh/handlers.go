package mesh

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
	"github.com/Z0rlord/krtr-mesh-sub001/session"
	"github.com/Z0rlord/krtr-mesh-sub001/wire"
)

// onLinkEvent handles connect/disconnect/RSSI notifications from the
// adapter (spec §4.9 step 4 and the peer table's connection bookkeeping).
func (e *Engine) onLinkEvent(ev linklayer.Event) {
	switch ev.Kind {
	case linklayer.EventConnected:
		e.onPeerConnected(ev.Conn)
	case linklayer.EventDisconnected:
		e.onPeerDisconnected(ev.Conn)
	case linklayer.EventRSSIUpdate:
		e.onRSSIUpdate(ev.Conn, ev.RSSI)
	}
}

func (e *Engine) onPeerConnected(conn linklayer.ConnectionHandle) {
	e.connMu.Lock()
	e.byConn[conn] = identity.PeerID{}
	e.connMu.Unlock()
}

func (e *Engine) onPeerDisconnected(conn linklayer.ConnectionHandle) {
	e.connMu.Lock()
	id, known := e.byConn[conn]
	delete(e.byConn, conn)
	e.connMu.Unlock()
	if !known || id == (identity.PeerID{}) {
		return
	}

	e.peersMu.Lock()
	if p, ok := e.peers[id]; ok {
		p.connected = false
		p.session = nil
		p.authenticated = false
	}
	e.peersMu.Unlock()

	e.delegate.PeerDisconnected(id)
	e.publishNetworkStatus()
}

func (e *Engine) onRSSIUpdate(conn linklayer.ConnectionHandle, rssi int) {
	e.connMu.RLock()
	id, known := e.byConn[conn]
	e.connMu.RUnlock()
	if !known || id == (identity.PeerID{}) {
		return
	}
	e.peersMu.Lock()
	if p, ok := e.peers[id]; ok {
		r := rssi
		p.rssi = &r
	}
	e.peersMu.Unlock()
}

// onFrame is the engine's entire incoming packet pipeline (spec §4.9,
// steps 1-7).
func (e *Engine) onFrame(frame linklayer.Frame) {
	pkt, err := wire.Decode(frame.Data)
	if err != nil {
		e.telemetry.MalformedFrames.Add(1)
		return
	}

	sender := peerIDFromBytes(pkt.SenderID)
	if e.isOwnIdentity(sender) {
		// Our own broadcast, echoed back by a peer's relay — possibly under
		// our just-rotated-away-from PeerId, still within its grace window.
		return
	}

	fp := packetFingerprint(pkt)
	if e.seen.Contains(fp) {
		e.telemetry.DuplicatesSeen.Add(1)
		return
	}
	e.seen.Insert(fp)

	e.touchPeer(frame.Conn, sender, pkt)

	forSelf := e.isForSelf(pkt)
	flood := pkt.IsBroadcast() || pkt.IsChannel()
	if flood || forSelf {
		e.dispatch(frame.Conn, sender, pkt)
	}
	// Broadcast and channel packets flood regardless of forSelf (every node
	// both consumes and forwards them); a unicast only relays when it isn't
	// addressed here.
	if flood || !forSelf {
		e.relay(frame.Conn, pkt)
	}
}

// peerIDFromBytes converts an 8-byte wire sender/recipient id. Shorter
// slices (the 4-byte sentinels) zero-pad, which never collides with a real
// PeerId because IsBroadcast/IsChannel are checked on the raw bytes first.
func peerIDFromBytes(b []byte) identity.PeerID {
	var id identity.PeerID
	copy(id[:], b)
	return id
}

func (e *Engine) isForSelf(pkt *wire.Packet) bool {
	if pkt.IsChannel() {
		return true
	}
	return peerIDFromBytes(pkt.RecipientID) == e.localPeerID()
}

// touchPeer updates the peer table's last-seen/connection bookkeeping for
// every observed sender, registering a brand new peer entry on first sight.
func (e *Engine) touchPeer(conn linklayer.ConnectionHandle, sender identity.PeerID, pkt *wire.Packet) {
	if sender == (identity.PeerID{}) {
		return
	}

	e.connMu.Lock()
	if _, ok := e.byConn[conn]; ok {
		e.byConn[conn] = sender
	}
	e.connMu.Unlock()

	e.peersMu.Lock()
	p, existed := e.peers[sender]
	if !existed {
		if e.maxConnections > 0 && e.connectedPeerCountLocked() >= e.maxConnections {
			e.peersMu.Unlock()
			e.log.Debugf("dropping new peer %s: at connection cap (%d)", sender, e.maxConnections)
			return
		}
		p = &peerEntry{id: sender}
		e.peers[sender] = p
	}
	wasConnected := p.connected
	p.lastSeen = time.Now()
	p.conn = conn
	p.connected = true
	if pkt.Type == wire.TypeAnnounce {
		var body announcePayload
		if json.Unmarshal(pkt.Payload, &body) == nil && body.Nickname != "" {
			p.nickname = body.Nickname
		}
	}
	e.peersMu.Unlock()

	if !existed {
		e.delegate.PeerConnected(sender)
		e.delegate.PeerDiscovered(sender, p.nickname, p.rssi)
		e.publishNetworkStatus()
	}
	if !existed || !wasConnected {
		e.releaseCached(sender)
	}
}

// releaseCached flushes every store-and-forward packet addressed to peer
// through to the link layer now that it has (re)connected, in insertion
// order (spec §4.8). Cached payloads are already complete wire frames
// (captured at relay time, whatever their type), so they're written
// through as-is rather than re-sealed.
func (e *Engine) releaseCached(peer identity.PeerID) {
	entries := e.cache.Release(peer)
	if len(entries) == 0 {
		return
	}
	e.peersMu.RLock()
	p, ok := e.peers[peer]
	e.peersMu.RUnlock()
	if !ok || !p.connected {
		return
	}
	for _, entry := range entries {
		if err := e.adapter.Write(p.conn, entry.Payload); err != nil {
			e.log.Warnf("releasing cached packet to %s failed: %v", peer, err)
		}
	}
}

// dispatch handles a packet addressed to this node (directly or via
// broadcast), branching by wire type.
func (e *Engine) dispatch(conn linklayer.ConnectionHandle, sender identity.PeerID, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeAnnounce:
		// Peer-table bookkeeping already happened in touchPeer.
	case wire.TypeLeave:
		e.handleLeave(sender)
	case wire.TypeMessage:
		e.handlePlainMessage(sender, pkt)
	case wire.TypeNoiseHandshakeInit:
		e.handleHandshakeInit(conn, sender, pkt)
	case wire.TypeNoiseHandshakeResp:
		e.handleHandshakeResp(sender, pkt)
	case wire.TypeNoiseEncrypted:
		e.handleEncrypted(sender, pkt)
	case wire.TypeNoiseIdentityAnnounce:
		e.handleIdentityAnnounce(sender, pkt)
	case wire.TypeDeliveryAck:
		e.handleDeliveryAck(sender, pkt)
	case wire.TypeReadReceipt:
		e.handleReadReceipt(sender, pkt)
	default:
		// Unrecognized protocol extensions are ignored, not dropped as
		// malformed: the frame itself decoded fine.
	}
}

func (e *Engine) handleLeave(sender identity.PeerID) {
	e.peersMu.Lock()
	if p, ok := e.peers[sender]; ok {
		p.connected = false
		p.session = nil
		p.authenticated = false
	}
	e.peersMu.Unlock()
	e.delegate.PeerDisconnected(sender)
	e.publishNetworkStatus()
}

func (e *Engine) handleDeliveryAck(sender identity.PeerID, pkt *wire.Packet) {
	e.delegate.DeliveryAckReceived(DeliveryAck{MessageID: string(pkt.Payload), From: sender})
}

func (e *Engine) handleReadReceipt(sender identity.PeerID, pkt *wire.Packet) {
	e.delegate.ReadReceiptReceived(ReadReceipt{MessageID: string(pkt.Payload), From: sender})
}

// handlePlainMessage reassembles (if needed) and decodes a broadcast
// (plaintext) application message, e.g. a public channel message sent
// without channel encryption configured.
func (e *Engine) handlePlainMessage(sender identity.PeerID, pkt *wire.Packet) {
	complete, ok, err := e.reassembler.Add(time.Now(), pkt.Payload)
	if err != nil || !ok {
		return
	}

	body := complete
	if pkt.IsChannel() {
		// The channel sentinel recipient carries no channel name on the
		// wire, so a receiver tries every key it holds; the AEAD tag
		// rejects every key but the right one. No key opening it means
		// this channel isn't using a password, so the payload is plain.
		if opened, ok := e.tryChannelKeys(complete); ok {
			body = opened
		}
	}

	plain, err := unpackApplicationPayload(body)
	if err != nil {
		return
	}
	e.deliverInner(sender, plain, false)
}

func (e *Engine) deliverInner(sender identity.PeerID, plain []byte, private bool) {
	inner, err := decodeInnerMessage(plain)
	if err != nil {
		return
	}
	msg := Message{
		ID:          inner.ID,
		Sender:      sender,
		Nickname:    inner.Nickname,
		Content:     inner.Content,
		Channel:     inner.Channel,
		Mentions:    inner.Mentions,
		TimestampMs: inner.TimestampMs,
	}
	if private {
		e.delegate.PrivateMessageReceived(msg)
		return
	}
	e.delegate.MessageReceived(msg)
}

// relay implements split-horizon flood routing with store-and-forward
// fallback (spec §4.9 steps 6-7).
func (e *Engine) relay(fromConn linklayer.ConnectionHandle, pkt *wire.Packet) {
	if pkt.TTL == 0 {
		return
	}
	pkt.TTL--

	target := peerIDFromBytes(pkt.RecipientID)
	e.peersMu.RLock()
	targetPeer, targetKnown := e.peers[target]
	e.peersMu.RUnlock()

	delivered := e.rebroadcastExcept(fromConn, pkt)
	if !delivered && targetKnown && !targetPeer.connected {
		if encoded, err := wire.Encode(pkt); err == nil {
			e.cache.Put(target, targetPeer.isFavorite, encoded)
		}
	}
}

func (e *Engine) rebroadcastExcept(fromConn linklayer.ConnectionHandle, pkt *wire.Packet) bool {
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return false
	}
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	sent := false
	for _, p := range e.peers {
		if !p.connected || p.conn == fromConn {
			continue
		}
		if err := e.adapter.Write(p.conn, encoded); err == nil {
			sent = true
		}
	}
	return sent
}

// --- session / handshake handling ---

func (e *Engine) handleHandshakeInit(conn linklayer.ConnectionHandle, sender identity.PeerID, pkt *wire.Packet) {
	e.peersMu.Lock()
	p, ok := e.peers[sender]
	if !ok {
		p = &peerEntry{id: sender, conn: conn, connected: true}
		e.peers[sender] = p
	}
	e.peersMu.Unlock()

	sess, resp, err := session.NewResponder(e.staticKey, e.identityKey, pkt.Payload)
	if err != nil {
		e.telemetry.CryptoFailures.Add(1)
		return
	}

	e.peersMu.Lock()
	p.session = sess
	e.peersMu.Unlock()

	local := e.localPeerID()
	respPkt := &wire.Packet{
		Type:        wire.TypeNoiseHandshakeResp,
		TTL:         0,
		SenderID:    local[:],
		RecipientID: sender[:],
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     resp,
	}
	e.writeDirect(sender, respPkt)
}

// handleHandshakeResp disambiguates the XX pattern's two remaining
// messages by the local session's own state (spec's DESIGN.md Open
// Question decision): an initiator awaiting message 2 consumes it as a
// response; a responder awaiting message 3 consumes it as the final.
func (e *Engine) handleHandshakeResp(sender identity.PeerID, pkt *wire.Packet) {
	e.peersMu.RLock()
	p, ok := e.peers[sender]
	e.peersMu.RUnlock()
	if !ok || p.session == nil {
		return
	}

	switch p.session.State() {
	case session.StateWaitResp:
		finalMsg, fp, err := p.session.ConsumeResponse(pkt.Payload)
		if err != nil {
			e.telemetry.CryptoFailures.Add(1)
			return
		}
		local := e.localPeerID()
		finalPkt := &wire.Packet{
			Type:        wire.TypeNoiseHandshakeResp,
			SenderID:    local[:],
			RecipientID: sender[:],
			TimestampMs: uint64(time.Now().UnixMilli()),
			Payload:     finalMsg,
		}
		e.writeDirect(sender, finalPkt)
		e.completeHandshake(sender, p, fp)
	case session.StateWaitFinal:
		fp, err := p.session.ConsumeFinal(pkt.Payload)
		if err != nil {
			e.telemetry.CryptoFailures.Add(1)
			return
		}
		e.completeHandshake(sender, p, fp)
	default:
		// Stray or duplicate handshake message; ignore.
	}
}

func (e *Engine) completeHandshake(sender identity.PeerID, p *peerEntry, fp identity.Fingerprint) {
	e.peersMu.Lock()
	p.authenticated = true
	p.fingerprint = fp
	p.isFavorite = e.favorites.IsFavorite(fp)
	pending := p.pending
	p.pending = nil
	e.peersMu.Unlock()

	e.delegate.PeerAuthenticated(sender, fp)

	now := time.Now()
	for _, ps := range pending {
		if now.After(ps.deadline) {
			continue
		}
		e.sealAndEnqueue(sender, p, ps.plaintext)
	}
}

// handleEncrypted reassembles ciphertext fragments before opening: the
// sender encrypts once over the whole (compressed) application payload and
// only then fragments the resulting ciphertext, so a fragment's AEAD
// counter and nonce are only meaningful once every piece has arrived.
func (e *Engine) handleEncrypted(sender identity.PeerID, pkt *wire.Packet) {
	e.peersMu.RLock()
	p, ok := e.peers[sender]
	e.peersMu.RUnlock()
	if !ok || p.session == nil || !p.session.Established() {
		return
	}
	sealed, done, err := e.reassembler.Add(time.Now(), pkt.Payload)
	if err != nil || !done {
		return
	}
	plain, err := p.session.Open(sealed)
	if err != nil {
		if errors.Is(err, session.ErrReplay) {
			e.telemetry.ReplayDrops.Add(1)
		} else {
			e.telemetry.CryptoFailures.Add(1)
		}
		return
	}
	app, err := unpackApplicationPayload(plain)
	if err != nil {
		return
	}
	if isCoverInner(app) {
		e.telemetry.CoverReceived.Add(1)
		return
	}
	e.deliverInner(sender, app, true)
}

// isCoverInner peeks at the decoded inner message's content to decide
// whether it's cover-traffic filler (spec §4.7: sentinel filtering happens
// after decryption).
func isCoverInner(app []byte) bool {
	inner, err := decodeInnerMessage(app)
	if err != nil {
		return false
	}
	return privacy.IsCover(inner.Content)
}

func (e *Engine) handleIdentityAnnounce(sender identity.PeerID, pkt *wire.Packet) {
	boundPeer, ts, pub, err := decodeIdentityAnnounce(pkt.Payload)
	if err != nil {
		return
	}
	fp := identity.FingerprintOf(pub)

	e.peersMu.Lock()
	p, ok := e.peers[boundPeer]
	if !ok {
		p = &peerEntry{id: boundPeer}
		e.peers[boundPeer] = p
	}
	p.fingerprint = fp
	e.peersMu.Unlock()
	_ = ts

	// Targeted (non-broadcast) announces are the tie-breaker loser asking
	// us to initiate, since our PeerId compares lexicographically smaller.
	if !pkt.IsBroadcast() && peerIDFromBytes(pkt.RecipientID) == e.localPeerID() {
		e.ensureSession(boundPeer)
	}
}

func (e *Engine) writeDirect(to identity.PeerID, pkt *wire.Packet) {
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	e.peersMu.RLock()
	p, ok := e.peers[to]
	e.peersMu.RUnlock()
	if !ok || !p.connected {
		return
	}
	if err := e.adapter.Write(p.conn, encoded); err != nil {
		e.log.Warnf("handshake write to %s failed: %v", to, err)
	}
}

func (e *Engine) publishNetworkStatus() {
	e.peersMu.RLock()
	connected, active := 0, len(e.peers)
	for _, p := range e.peers {
		if p.connected {
			connected++
		}
	}
	e.peersMu.RUnlock()
	e.delegate.NetworkStatusChanged(NetworkStatus{
		ConnectedPeers: connected,
		ActivePeers:    active,
		EstimatedSize:  e.estimatedNetworkSize(),
		PowerMode:      resolvePowerMode(e.cfg.PowerMode),
	})
}
