// Package linklayer declares the boundary between the mesh engine and the
// host-provided radio transport (spec §6): a BLE-shaped adapter that scans,
// connects, and ships raw frames, with connect/disconnect/RSSI events
// surfaced back to the engine.
package linklayer

import "context"

// ConnectionHandle identifies one active link-layer connection. Its
// meaning (a BLE central/peripheral handle, a socket fd, …) is entirely up
// to the adapter; the engine only ever compares handles for equality.
type ConnectionHandle uint64

// ServiceUUID and CharacteristicUUID are the GATT identifiers the adapter
// advertises and scans for (spec §6).
const (
	ServiceUUID        = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	CharacteristicUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Defaults for the scan duty cycle, in seconds. Under lower power modes only
// the pause grows; the active scan stays at the default in powerSaver and
// shrinks in ultraLowPower (see mesh's dutyCycle).
const (
	DefaultActiveScanDuration = 5
	DefaultScanPauseDuration  = 10
)

// Event is a connect/disconnect/RSSI notification the adapter pushes up to
// the engine.
type Event struct {
	Kind    EventKind
	Conn    ConnectionHandle
	RSSI    int
	Nickname string
}

// EventKind discriminates an Event's payload.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRSSIUpdate
)

// Frame is one inbound chunk of bytes from a specific connection, not yet
// known to be a complete or valid KRTR packet.
type Frame struct {
	Conn ConnectionHandle
	Data []byte
}

// Adapter is the host-provided radio transport. The engine never talks to
// BLE APIs directly; it only ever holds an Adapter.
type Adapter interface {
	// Start begins advertising and scanning. Inbound frames and connection
	// events are delivered to the callbacks registered via SetHandlers.
	Start(ctx context.Context) error
	// Stop ceases advertising/scanning and closes all connections.
	Stop() error
	// Write chunks payload to the adapter's negotiated MTU and sends it
	// over conn. Writes for a given conn serialize through the adapter's
	// own per-connection queue, not the engine's.
	Write(conn ConnectionHandle, payload []byte) error
	// Broadcast writes payload to every currently connected peer.
	Broadcast(payload []byte) error
	// SetHandlers registers the engine's callbacks. Called once at
	// startup, before Start.
	SetHandlers(onFrame func(Frame), onEvent func(Event))
	// SetDutyCycle adjusts the scan/pause durations, in seconds, per the
	// active power mode.
	SetDutyCycle(activeScan, pause int)
}

// KeyValueStore is the host-provided persistent store for small blobs that
// must survive a restart (spec §6): the long-lived identity key
// ("identity.key.v1") and the favorites set ("favorites.v1"). A missing key is not an error; Get reports it via ok.
type KeyValueStore interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
}
