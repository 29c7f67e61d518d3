package mesh

import (
	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
)

// Message is a decoded application message, handed to the delegate once
// decrypted (or, for broadcast announces, left in plaintext).
type Message struct {
	ID          string
	Sender      identity.PeerID
	Nickname    string
	Content     string
	Channel     string
	Mentions    []string
	TimestampMs uint64
}

// DeliveryAck and ReadReceipt are the two acknowledgement message kinds;
// both just echo the message id they refer to plus the acking peer.
type DeliveryAck struct {
	MessageID string
	From      identity.PeerID
}

type ReadReceipt struct {
	MessageID string
	From      identity.PeerID
}

// NetworkStatus summarizes the mesh as observed by this node, surfaced to
// the host UI when a new peer is registered, a link disconnects, or a peer
// leaves (spec §6, §9.1).
type NetworkStatus struct {
	ConnectedPeers int
	ActivePeers    int
	EstimatedSize  int
	PowerMode      privacy.PowerMode
}

// Delegate is the upward callback surface consumed by a host UI/view-model
// (spec §6). An Engine is constructed with one Delegate; all callbacks may
// be invoked from the engine's own goroutine and must not block.
type Delegate interface {
	PeerDiscovered(peer identity.PeerID, nickname string, rssi *int)
	PeerConnected(peer identity.PeerID)
	PeerDisconnected(peer identity.PeerID)
	PeerAuthenticated(peer identity.PeerID, fp identity.Fingerprint)
	MessageReceived(msg Message)
	PrivateMessageReceived(msg Message)
	DeliveryAckReceived(ack DeliveryAck)
	ReadReceiptReceived(receipt ReadReceipt)
	NetworkStatusChanged(status NetworkStatus)

	CurrentNickname() string
	CurrentUserID() identity.PeerID
}
