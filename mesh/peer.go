package mesh

import (
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
	"github.com/Z0rlord/krtr-mesh-sub001/session"
)

// peerEntry is the per-peer state the engine's peer table tracks (spec
// §4.9 step 4 and §4.5's session lifecycle).
type peerEntry struct {
	id       identity.PeerID
	nickname string
	rssi     *int
	lastSeen time.Time

	conn       linklayer.ConnectionHandle
	connected  bool
	isFavorite bool

	session       *session.Session
	authenticated bool
	fingerprint   identity.Fingerprint

	pending []pendingSend
}

// pendingSend is an application send queued while a handshake is in
// flight. Flushed on session establishment, except that entries whose
// deadline has passed by then are dropped without any delegate callback;
// nothing removes or reports an entry earlier if no session is established.
type pendingSend struct {
	plaintext []byte
	deadline  time.Time
}

const handshakePendingDeadline = 10 * time.Second
