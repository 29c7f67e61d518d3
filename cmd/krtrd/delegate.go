package main

import (
	"sync"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/logging"
	"github.com/Z0rlord/krtr-mesh-sub001/mesh"
)

// logDelegate is the mesh.Delegate used by the daemon itself: every
// callback is just logged, since there's no host UI wired to this process
// (spec.md's Non-goals explicitly exclude the chat UI/view-model). It
// exists so `run` can demonstrate the full engine wiring end to end.
type logDelegate struct {
	log logging.Logger

	mu       sync.RWMutex
	nickname string
	userID   identity.PeerID
}

func newLogDelegate(log logging.Logger, nickname string, userID identity.PeerID) *logDelegate {
	return &logDelegate{log: log, nickname: nickname, userID: userID}
}

func (d *logDelegate) PeerDiscovered(peer identity.PeerID, nickname string, rssi *int) {
	d.log.Infof("peer discovered: %s (%s)", peer, nickname)
}

func (d *logDelegate) PeerConnected(peer identity.PeerID) {
	d.log.Infof("peer connected: %s", peer)
}

func (d *logDelegate) PeerDisconnected(peer identity.PeerID) {
	d.log.Infof("peer disconnected: %s", peer)
}

func (d *logDelegate) PeerAuthenticated(peer identity.PeerID, fp identity.Fingerprint) {
	d.log.Infof("peer authenticated: %s (fingerprint %s)", peer, fp)
}

func (d *logDelegate) MessageReceived(msg mesh.Message) {
	d.log.Infof("[%s] %s: %s", msg.Channel, msg.Nickname, msg.Content)
}

func (d *logDelegate) PrivateMessageReceived(msg mesh.Message) {
	d.log.Infof("[private from %s] %s: %s", msg.Sender, msg.Nickname, msg.Content)
}

func (d *logDelegate) DeliveryAckReceived(ack mesh.DeliveryAck) {
	d.log.Debugf("delivery ack from %s for %s", ack.From, ack.MessageID)
}

func (d *logDelegate) ReadReceiptReceived(receipt mesh.ReadReceipt) {
	d.log.Debugf("read receipt from %s for %s", receipt.From, receipt.MessageID)
}

func (d *logDelegate) NetworkStatusChanged(status mesh.NetworkStatus) {
	d.log.Infof("network status: %d connected, %d active, estimated size %d",
		status.ConnectedPeers, status.ActivePeers, status.EstimatedSize)
}

func (d *logDelegate) CurrentNickname() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nickname
}

func (d *logDelegate) CurrentUserID() identity.PeerID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID
}
