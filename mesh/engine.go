// Package mesh implements the top-level mesh engine (spec §4.9): the
// incoming packet pipeline (dedup, peer table, flood relay with loop
// suppression), the outgoing application send path (compose, compress,
// encrypt, fragment, privacy-shape), adaptive TTL, and the handshake
// tie-breaker that drives session establishment.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/boundedset"
	"github.com/Z0rlord/krtr-mesh-sub001/compress"
	"github.com/Z0rlord/krtr-mesh-sub001/fragment"
	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
	"github.com/Z0rlord/krtr-mesh-sub001/logging"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
	"github.com/Z0rlord/krtr-mesh-sub001/session"
	"github.com/Z0rlord/krtr-mesh-sub001/store"
	"github.com/Z0rlord/krtr-mesh-sub001/wire"
)

// engineState mirrors the device lifecycle pattern: created-but-idle,
// running, permanently closed.
type engineState uint32

const (
	stateDown engineState = iota
	stateUp
	stateClosed
)

// seenCapacity bounds the dedup set's memory footprint (spec §4.2).
const seenCapacity = 4096

var (
	ErrAlreadyUp   = errors.New("mesh: engine already running")
	ErrNotUp       = errors.New("mesh: engine not running")
	ErrNoSession   = errors.New("mesh: no established session with peer")
	ErrSendTimeout = errors.New("mesh: send timed out waiting for handshake")
)

// Engine is one node's mesh participant: peer table, routing, sessions,
// store-and-forward, and privacy shaping, wired to a host-provided
// Adapter and Delegate.
type Engine struct {
	state atomic.Uint32

	log    logging.Logger
	cfg    Config
	rng    *rand.Rand
	rngMu  sync.Mutex

	adapter  linklayer.Adapter
	delegate Delegate

	identityKey *identity.IdentityKey
	staticKey   session.NoisePrivateKey

	rotMu    sync.RWMutex
	rotation *identity.Rotation
	rotTimer *time.Timer

	peersMu sync.RWMutex
	peers   map[identity.PeerID]*peerEntry
	connMu  sync.RWMutex
	byConn  map[linklayer.ConnectionHandle]identity.PeerID

	seen         *boundedset.Set[[32]byte]
	reassembler  *fragment.Reassembler
	cache        *store.Cache
	delayLine    *privacy.DelayLine
	coverTraffic *privacy.CoverTraffic

	channelMu   sync.RWMutex
	channelKeys map[string]*session.ChannelKey

	favorites *identity.FavoriteSet

	// maxConnections is the resolved connection cap (cfg.MaxConnections,
	// falling back to the active power profile's default).
	maxConnections int

	telemetry Telemetry

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config is the subset of the external config surface the engine itself
// consumes (spec §6); host wiring lives in package config.
type Config struct {
	PowerMode        privacy.PowerMode
	FragmentSize     int
	StoreTTL         time.Duration
	RotationInterval time.Duration
	// MaxConnections caps how many peers the engine will simultaneously
	// track as connected (spec §4.9, §6). 0 falls back to the active power
	// profile's MaxConnections.
	MaxConnections int
	// CoverTrafficEnabled overrides the active power profile's cover
	// traffic default when set. Nil defers to the profile.
	CoverTrafficEnabled *bool
	// Favorites, if set, marks store-and-forward packets addressed to a
	// favorited peer for the larger cache tier (spec §4.8, §9.1). Nil
	// disables favorites (every peer gets the default tier).
	Favorites *identity.FavoriteSet
}

// Telemetry counts events spec.md §7/§8 call out as "counted" rather than
// surfaced to the delegate: malformed frames, cryptographic and replay
// failures, reassembly timeouts, cache evictions, and cover traffic in
// both directions. Queryable by the host, never pushed through Delegate.
type Telemetry struct {
	MalformedFrames    atomic.Uint64
	CryptoFailures     atomic.Uint64
	ReplayDrops        atomic.Uint64
	ReassemblyTimeouts atomic.Uint64
	CacheEvictions     atomic.Uint64
	CoverSent          atomic.Uint64
	CoverReceived      atomic.Uint64
	DuplicatesSeen     atomic.Uint64
}

// New constructs an Engine. rngSeed lets tests make jitter deterministic;
// production callers should derive it from crypto/rand once at startup.
func New(cfg Config, adapter linklayer.Adapter, delegate Delegate, identityKey *identity.IdentityKey, log logging.Logger, rngSeed int64) (*Engine, error) {
	if log == nil {
		log = logging.Nop
	}
	staticKey, err := session.GenerateStaticKey()
	if err != nil {
		return nil, fmt.Errorf("mesh: generating session static key: %w", err)
	}

	initialPeerID, err := identity.NewPeerID(time.Now())
	if err != nil {
		return nil, fmt.Errorf("mesh: generating initial PeerId: %w", err)
	}

	e := &Engine{
		log:         log,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(rngSeed)),
		adapter:     adapter,
		delegate:    delegate,
		identityKey: identityKey,
		staticKey:   staticKey,
		rotation:    identity.NewRotation(initialPeerID),
		peers:       make(map[identity.PeerID]*peerEntry),
		byConn:      make(map[linklayer.ConnectionHandle]identity.PeerID),
		seen:        boundedset.New[[32]byte](seenCapacity),
		reassembler: fragment.NewReassembler(fragment.DefaultTimeout),
		cache:       store.New(cfg.StoreTTL),
		favorites:   cfg.Favorites,
		stop:        make(chan struct{}),
	}

	profile := privacy.Profiles[resolvePowerMode(cfg.PowerMode)]
	if cfg.CoverTrafficEnabled != nil {
		profile.CoverEnabled = *cfg.CoverTrafficEnabled
	}
	e.maxConnections = profile.MaxConnections
	if cfg.MaxConnections > 0 {
		e.maxConnections = cfg.MaxConnections
	}
	e.delayLine = privacy.NewDelayLine(profile, rngSeed, e.writeFrame)
	e.coverTraffic = privacy.NewCoverTraffic(profile, rngSeed+1, e.connectedPeerIDs, e.sendCover)

	adapter.SetHandlers(e.onFrame, e.onLinkEvent)
	return e, nil
}

func resolvePowerMode(m privacy.PowerMode) privacy.PowerMode {
	if _, ok := privacy.Profiles[m]; ok {
		return m
	}
	return privacy.PowerBalanced
}

// localPeerID returns this node's current (possibly just-rotated) PeerId.
func (e *Engine) localPeerID() identity.PeerID {
	e.rotMu.RLock()
	defer e.rotMu.RUnlock()
	return e.rotation.Current()
}

// isOwnIdentity reports whether sender is an identity this node itself is
// currently entitled to use: its current PeerId, or its immediately
// previous one within the post-rotation grace window (spec invariant I7).
// Used to recognize a self-sent broadcast that a neighbor's flood relay
// handed back, even right after this node rotated its PeerId.
func (e *Engine) isOwnIdentity(sender identity.PeerID) bool {
	e.rotMu.RLock()
	defer e.rotMu.RUnlock()
	return e.rotation.Accepts(sender, time.Now())
}

// Start brings the engine up: begins the link-layer adapter, the privacy
// shaper's cover traffic, the reassembly sweep, and the PeerId rotation
// timer, then emits the startup announce (spec §4.9). The store-and-forward
// sweep already runs from New, which builds the cache.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(uint32(stateDown), uint32(stateUp)) {
		return ErrAlreadyUp
	}
	if err := e.adapter.Start(ctx); err != nil {
		e.state.Store(uint32(stateDown))
		return err
	}

	activeScan, pause := e.dutyCycle()
	e.adapter.SetDutyCycle(activeScan, pause)

	e.coverTraffic.Start()
	e.scheduleRotation()

	e.wg.Add(1)
	go e.sweepLoop()

	e.broadcastAnnounce()
	return nil
}

// Stop tears the engine down gracefully: emits a leave packet, waits
// briefly for it to go out, then stops all background activity.
func (e *Engine) Stop() error {
	if !e.state.CompareAndSwap(uint32(stateUp), uint32(stateClosed)) {
		return ErrNotUp
	}
	e.broadcastLeave()
	time.Sleep(200 * time.Millisecond)

	close(e.stop)
	e.coverTraffic.Stop()
	e.delayLine.Stop()
	e.cache.Close()

	e.rotMu.Lock()
	if e.rotTimer != nil {
		e.rotTimer.Stop()
	}
	e.rotMu.Unlock()

	e.wg.Wait()
	return e.adapter.Stop()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.reassembler.Sweep(time.Now())
			e.telemetry.ReassemblyTimeouts.Store(e.reassembler.TimeoutCount())
			e.telemetry.CacheEvictions.Store(e.cache.Evictions.Load())
		}
	}
}

// connectedPeerCountLocked counts currently connected peers. Callers must
// hold peersMu.
func (e *Engine) connectedPeerCountLocked() int {
	connected := 0
	for _, p := range e.peers {
		if p.connected {
			connected++
		}
	}
	return connected
}

// estimatedNetworkSize is max(activePeers, connectedPeers), per spec
// §4.9's adaptive TTL table.
func (e *Engine) estimatedNetworkSize() int {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	connected := e.connectedPeerCountLocked()
	active := len(e.peers)
	if connected > active {
		return connected
	}
	return active
}

func (e *Engine) currentTTL() uint8 {
	return adaptiveTTL(e.estimatedNetworkSize())
}

// compressionThreshold picks the minimum payload size eligible for
// compression, lower under power-constrained modes (spec §4.4).
func (e *Engine) compressionThreshold() int {
	switch resolvePowerMode(e.cfg.PowerMode) {
	case privacy.PowerSaver, privacy.PowerUltraLow:
		return compress.LowPowerThreshold
	default:
		return compress.DefaultThreshold
	}
}

// dutyCycle picks the adapter's scan/pause seconds, trading discovery
// latency for radio time under lower power modes (spec §4.9).
func (e *Engine) dutyCycle() (activeScan, pause int) {
	switch resolvePowerMode(e.cfg.PowerMode) {
	case privacy.PowerSaver:
		return linklayer.DefaultActiveScanDuration, 20
	case privacy.PowerUltraLow:
		return 2, 30
	default:
		return linklayer.DefaultActiveScanDuration, linklayer.DefaultScanPauseDuration
	}
}

// connectedPeerIDs is the callback CoverTraffic uses to pick a target.
func (e *Engine) connectedPeerIDs() []identity.PeerID {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]identity.PeerID, 0, len(e.peers))
	for id, p := range e.peers {
		if p.connected && p.authenticated {
			out = append(out, id)
		}
	}
	return out
}

// writeFrame is the DelayLine's emit callback. The delay line only ever
// queues fully-encoded wire frames, so routing is recovered by decoding the
// frame's own recipient field rather than threading a destination through
// the queue.
func (e *Engine) writeFrame(encoded []byte) {
	pkt, err := wire.Decode(encoded)
	if err != nil {
		e.log.Warnf("dropping undecodable queued frame: %v", err)
		return
	}
	if pkt.IsBroadcast() || pkt.IsChannel() {
		if err := e.adapter.Broadcast(encoded); err != nil {
			e.log.Warnf("broadcast write failed: %v", err)
		}
		return
	}

	var to identity.PeerID
	copy(to[:], pkt.RecipientID)

	e.peersMu.RLock()
	p, ok := e.peers[to]
	e.peersMu.RUnlock()
	if !ok || !p.connected {
		e.log.Debugf("dropping frame to disconnected peer %s", to)
		return
	}
	if err := e.adapter.Write(p.conn, encoded); err != nil {
		e.log.Warnf("write to %s failed: %v", to, err)
	}
}

// sendCover encrypts a cover-traffic plaintext for a single connected peer
// and enqueues it through the normal jitter delay line, so filler traffic is
// shaped exactly like real traffic (spec §4.7).
func (e *Engine) sendCover(to identity.PeerID, plaintext string) {
	inner := innerMessage{
		ID:          newMessageID(),
		Nickname:    e.delegate.CurrentNickname(),
		Content:     plaintext,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
	plain, err := encodeInnerMessage(inner)
	if err != nil {
		return
	}
	if err := e.sendPrivate(to, plain); err != nil {
		e.log.Debugf("cover traffic to %s dropped: %v", to, err)
		return
	}
	e.telemetry.CoverSent.Add(1)
}
