// Package privacy implements KRTR's traffic-shaping defenses (spec §4.7):
// a send-time jitter delay line that holds each packet for a random delay
// rather than shipping it the instant it's composed (packets still leave in
// enqueue order), and a cover-traffic
// generator that emits indistinguishable filler messages to make traffic
// analysis harder. Both are gated by the device's current power mode.
package privacy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

// CoverSentinel prefixes cover-traffic plaintexts. Filtering happens after
// decryption, so the on-wire ciphertext is indistinguishable from ordinary
// private messages; the receiving engine drops cover traffic after
// decryption, before any delegate callback.
const CoverSentinel = "__COVER__"

// PowerMode selects the jitter/cover parameters a device operates under.
type PowerMode int

const (
	PowerPerformance PowerMode = iota
	PowerBalanced
	PowerSaver
	PowerUltraLow
)

// Profile is one row of the power-mode table in spec §4.7.
type Profile struct {
	CoverEnabled    bool
	JitterEnabled   bool
	MinDelay        time.Duration
	MaxDelay        time.Duration
	CoverMinDelay   time.Duration
	CoverMaxDelay   time.Duration
	MaxConnections  int
}

// Profiles holds the fixed power-mode table; callers index it with the
// device's current PowerMode.
var Profiles = map[PowerMode]Profile{
	PowerPerformance: {
		CoverEnabled: true, JitterEnabled: true,
		MinDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond,
		CoverMinDelay: 30 * time.Second, CoverMaxDelay: 120 * time.Second,
		MaxConnections: 20,
	},
	PowerBalanced: {
		CoverEnabled: true, JitterEnabled: true,
		MinDelay: 100 * time.Millisecond, MaxDelay: 750 * time.Millisecond,
		CoverMinDelay: 60 * time.Second, CoverMaxDelay: 180 * time.Second,
		MaxConnections: 10,
	},
	PowerSaver: {
		CoverEnabled: false, JitterEnabled: true,
		MinDelay: 200 * time.Millisecond, MaxDelay: 1000 * time.Millisecond,
		MaxConnections: 5,
	},
	PowerUltraLow: {
		CoverEnabled: false, JitterEnabled: false,
		MaxConnections: 2,
	},
}

// pending is one outbound packet waiting out its jitter delay.
type pending struct {
	deadline time.Time
	payload  []byte
}

// DelayLine is the single cooperative timer described in spec §4.7: every
// outbound application packet is enqueued with a computed delay, and a
// single timer drains the queue in send order once each entry's deadline
// has passed. It is not a reorder buffer — entries leave in the order they
// arrived, each simply held until its own deadline.
type DelayLine struct {
	mu      sync.Mutex
	profile Profile
	rng     *rand.Rand
	queue   []pending
	timer   *time.Timer
	emit    func(payload []byte)
	stopped bool
}

// NewDelayLine builds a DelayLine that calls emit once each entry's jitter
// delay has elapsed. rngSeed lets tests make the jitter deterministic.
func NewDelayLine(profile Profile, rngSeed int64, emit func(payload []byte)) *DelayLine {
	return &DelayLine{
		profile: profile,
		rng:     rand.New(rand.NewSource(rngSeed)),
		emit:    emit,
	}
}

// SetProfile updates the active power-mode profile, e.g. on a mode switch.
func (d *DelayLine) SetProfile(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profile = p
}

// Enqueue schedules payload for send after a jitter delay drawn from the
// current profile's [MinDelay, MaxDelay] range. If jitter is disabled
// (ultraLowPower), payload is emitted synchronously.
func (d *DelayLine) Enqueue(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if !d.profile.JitterEnabled {
		d.mu.Unlock()
		d.emit(payload)
		d.mu.Lock()
		return
	}
	delay := d.jitter()
	d.queue = append(d.queue, pending{deadline: time.Now().Add(delay), payload: payload})
	d.rearm()
}

func (d *DelayLine) jitter() time.Duration {
	lo, hi := d.profile.MinDelay, d.profile.MaxDelay
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(d.rng.Int63n(int64(span)))
}

// rearm resets the drain timer to fire when the earliest-still-queued
// entry's deadline arrives. Callers must hold d.mu.
func (d *DelayLine) rearm() {
	if len(d.queue) == 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	wait := time.Until(d.queue[0].deadline)
	if wait < 0 {
		wait = 0
	}
	d.timer = time.AfterFunc(wait, d.drain)
}

// drain emits every entry whose deadline has passed, in enqueue order, then
// rearms for whatever remains.
func (d *DelayLine) drain() {
	d.mu.Lock()
	now := time.Now()
	var ready []pending
	i := 0
	for ; i < len(d.queue); i++ {
		if d.queue[i].deadline.After(now) {
			break
		}
		ready = append(ready, d.queue[i])
	}
	d.queue = d.queue[i:]
	d.rearm()
	d.mu.Unlock()

	for _, p := range ready {
		d.emit(p.payload)
	}
}

// Stop cancels the drain timer. Queued-but-undelivered entries are
// discarded, matching an emergency wipe's "cancel all timers" semantics.
func (d *DelayLine) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue = nil
}

// coverPhrases are the plausible-looking fillers cover traffic draws from.
// Their content is never meaningful; only their ciphertext shape matters.
var coverPhrases = []string{
	"on my way",
	"got it, thanks",
	"sounds good",
	"talk soon",
	"one sec",
	"checking now",
}

// CoverTraffic periodically emits an encrypted filler message to a
// uniformly chosen connected peer, per spec §4.7. Disabled entirely when
// the active profile has CoverEnabled == false.
type CoverTraffic struct {
	mu        sync.Mutex
	profile   Profile
	rng       *rand.Rand
	timer     *time.Timer
	peers     func() []identity.PeerID
	sendCover func(to identity.PeerID, plaintext string)
	stopped   bool
}

// NewCoverTraffic builds a CoverTraffic generator. peers returns the
// currently connected peer set at fire time; sendCover is handed the
// sentinel-prefixed plaintext to encrypt and transmit.
func NewCoverTraffic(profile Profile, rngSeed int64, peers func() []identity.PeerID, sendCover func(identity.PeerID, string)) *CoverTraffic {
	return &CoverTraffic{
		profile:   profile,
		rng:       rand.New(rand.NewSource(rngSeed)),
		peers:     peers,
		sendCover: sendCover,
	}
}

// SetProfile updates the active power-mode profile and rearms if the
// timer was already running.
func (c *CoverTraffic) SetProfile(p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
	if c.timer != nil && !c.stopped {
		c.arm()
	}
}

// Start begins the cover-traffic ticker. A no-op if the profile disables
// cover traffic.
func (c *CoverTraffic) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	if !c.profile.CoverEnabled {
		return
	}
	c.arm()
}

// arm schedules the next fire. Callers must hold c.mu.
func (c *CoverTraffic) arm() {
	lo, hi := c.profile.CoverMinDelay, c.profile.CoverMaxDelay
	var wait time.Duration
	if hi <= lo {
		wait = lo
	} else {
		wait = lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(wait, c.fire)
}

func (c *CoverTraffic) fire() {
	c.mu.Lock()
	if c.stopped || !c.profile.CoverEnabled {
		c.mu.Unlock()
		return
	}
	candidates := c.peers()
	if len(candidates) == 0 {
		c.arm()
		c.mu.Unlock()
		return
	}
	target := candidates[c.rng.Intn(len(candidates))]
	phrase := coverPhrases[c.rng.Intn(len(coverPhrases))]
	c.arm()
	c.mu.Unlock()

	c.sendCover(target, CoverSentinel+phrase)
}

// Stop cancels the cover-traffic ticker.
func (c *CoverTraffic) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// IsCover reports whether a decrypted plaintext is cover traffic that
// should be filtered before surfacing to the user. Sentinel filtering
// happens after decryption (spec §4.7): the on-wire bytes must be
// indistinguishable from ordinary traffic.
func IsCover(plaintext string) bool {
	return len(plaintext) >= len(CoverSentinel) && plaintext[:len(CoverSentinel)] == CoverSentinel
}
