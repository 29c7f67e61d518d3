package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
)

// fakeAdapter is an in-memory linklayer.Adapter modeling BLE's
// connection-limited topology: a frame only reaches adapters explicitly
// linked to this one via link(), not every node in the test. This lets
// tests build multi-hop chains where flood relay is actually exercised.
type fakeAdapter struct {
	net  *fakeNetwork
	self linklayer.ConnectionHandle

	mu        sync.Mutex
	onFrame   func(linklayer.Frame)
	onEvent   func(linklayer.Event)
	neighbors map[linklayer.ConnectionHandle]*fakeAdapter
}

// fakeNetwork hands out unique ConnectionHandles to a set of fakeAdapters;
// it holds no topology itself, just the next-handle counter.
type fakeNetwork struct {
	mu   sync.Mutex
	next uint64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{}
}

func (n *fakeNetwork) newAdapter() *fakeAdapter {
	n.mu.Lock()
	n.next++
	handle := linklayer.ConnectionHandle(n.next)
	n.mu.Unlock()
	return &fakeAdapter{net: n, self: handle, neighbors: make(map[linklayer.ConnectionHandle]*fakeAdapter)}
}

// link connects two adapters directly, as if a BLE central had just paired
// with a peripheral: each side sees the other under the other's own handle.
func link(a, b *fakeAdapter) {
	a.mu.Lock()
	a.neighbors[b.self] = b
	aEv := a.onEvent
	a.mu.Unlock()
	b.mu.Lock()
	b.neighbors[a.self] = a
	bEv := b.onEvent
	b.mu.Unlock()
	if aEv != nil {
		aEv(linklayer.Event{Kind: linklayer.EventConnected, Conn: b.self})
	}
	if bEv != nil {
		bEv(linklayer.Event{Kind: linklayer.EventConnected, Conn: a.self})
	}
}

func (a *fakeAdapter) Start(ctx context.Context) error { return nil }
func (a *fakeAdapter) Stop() error                     { return nil }

func (a *fakeAdapter) SetHandlers(onFrame func(linklayer.Frame), onEvent func(linklayer.Event)) {
	a.mu.Lock()
	a.onFrame = onFrame
	a.onEvent = onEvent
	a.mu.Unlock()
}

func (a *fakeAdapter) SetDutyCycle(activeScan, pause int) {}

// Write delivers payload to the single neighbor identified by conn.
func (a *fakeAdapter) Write(conn linklayer.ConnectionHandle, payload []byte) error {
	a.mu.Lock()
	other, ok := a.neighbors[conn]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	other.deliver(a.self, payload)
	return nil
}

// Broadcast delivers payload to every directly linked neighbor.
func (a *fakeAdapter) Broadcast(payload []byte) error {
	a.mu.Lock()
	targets := make([]*fakeAdapter, 0, len(a.neighbors))
	for _, p := range a.neighbors {
		targets = append(targets, p)
	}
	a.mu.Unlock()
	for _, t := range targets {
		t.deliver(a.self, payload)
	}
	return nil
}

func (a *fakeAdapter) deliver(from linklayer.ConnectionHandle, payload []byte) {
	a.mu.Lock()
	cb := a.onFrame
	a.mu.Unlock()
	if cb != nil {
		cb(linklayer.Frame{Conn: from, Data: payload})
	}
}

// fakeDelegate is a Delegate that records every callback for assertions.
type fakeDelegate struct {
	mu sync.Mutex

	nickname string
	userID   identity.PeerID

	discovered   []identity.PeerID
	connected    []identity.PeerID
	disconnected []identity.PeerID
	authed       []identity.PeerID
	messages     []Message
	privates     []Message
	acks         []DeliveryAck
	receipts     []ReadReceipt
	statuses     []NetworkStatus
}

func newFakeDelegate(nickname string) *fakeDelegate {
	return &fakeDelegate{nickname: nickname}
}

func (d *fakeDelegate) PeerDiscovered(peer identity.PeerID, nickname string, rssi *int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovered = append(d.discovered, peer)
}

func (d *fakeDelegate) PeerConnected(peer identity.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, peer)
}

func (d *fakeDelegate) PeerDisconnected(peer identity.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, peer)
}

func (d *fakeDelegate) PeerAuthenticated(peer identity.PeerID, fp identity.Fingerprint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authed = append(d.authed, peer)
}

func (d *fakeDelegate) MessageReceived(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *fakeDelegate) PrivateMessageReceived(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.privates = append(d.privates, msg)
}

func (d *fakeDelegate) DeliveryAckReceived(ack DeliveryAck) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, ack)
}

func (d *fakeDelegate) ReadReceiptReceived(receipt ReadReceipt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts = append(d.receipts, receipt)
}

func (d *fakeDelegate) NetworkStatusChanged(status NetworkStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
}

func (d *fakeDelegate) CurrentNickname() string       { return d.nickname }
func (d *fakeDelegate) CurrentUserID() identity.PeerID { return d.userID }

func (d *fakeDelegate) privateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.privates)
}

func (d *fakeDelegate) messageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func (d *fakeDelegate) authedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.authed)
}

func (d *fakeDelegate) lastPrivate() Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.privates[len(d.privates)-1]
}

func (d *fakeDelegate) lastMessage() Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messages[len(d.messages)-1]
}

// testNode bundles everything a test needs to drive one Engine.
type testNode struct {
	engine   *Engine
	adapter  *fakeAdapter
	delegate *fakeDelegate
	identity *identity.IdentityKey
}

// newTestNode constructs a fully wired Engine under PowerUltraLow, which
// disables both jitter and cover traffic so sends land synchronously and
// assertions don't need to poll the delay line.
func newTestNode(t *testing.T, net *fakeNetwork, nickname string, rngSeed int64) *testNode {
	t.Helper()
	idKey, err := identity.GenerateIdentityKey()
	if err != nil {
		t.Fatalf("generating identity key: %v", err)
	}
	delegate := newFakeDelegate(nickname)
	adapter := net.newAdapter()

	eng, err := New(Config{PowerMode: privacy.PowerUltraLow}, adapter, delegate, idKey, nil, rngSeed)
	if err != nil {
		t.Fatalf("constructing engine: %v", err)
	}
	return &testNode{engine: eng, adapter: adapter, delegate: delegate, identity: idKey}
}

func mustStart(t *testing.T, n *testNode) {
	t.Helper()
	if err := n.engine.Start(context.Background()); err != nil {
		t.Fatalf("starting engine: %v", err)
	}
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
