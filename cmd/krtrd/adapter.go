package main

import (
	"context"
	"sync"

	"github.com/Z0rlord/krtr-mesh-sub001/linklayer"
	"github.com/Z0rlord/krtr-mesh-sub001/logging"
)

// loopbackAdapter is a stand-in linklayer.Adapter for running krtrd without
// real BLE hardware (out of scope per spec.md's external-collaborator
// boundary). It never discovers peers; Write and Broadcast just log what
// would have gone out over the air, so `run` can demonstrate the engine's
// full startup/shutdown sequence end to end.
type loopbackAdapter struct {
	log logging.Logger

	mu      sync.Mutex
	onFrame func(linklayer.Frame)
	onEvent func(linklayer.Event)
}

func newLoopbackAdapter(log logging.Logger) *loopbackAdapter {
	return &loopbackAdapter{log: log}
}

func (a *loopbackAdapter) Start(ctx context.Context) error {
	a.log.Infof("link layer started (loopback stand-in, no radio hardware wired)")
	return nil
}

func (a *loopbackAdapter) Stop() error {
	a.log.Infof("link layer stopped")
	return nil
}

func (a *loopbackAdapter) Write(conn linklayer.ConnectionHandle, payload []byte) error {
	a.log.Debugf("write %d bytes to conn %d (discarded, no peer attached)", len(payload), conn)
	return nil
}

func (a *loopbackAdapter) Broadcast(payload []byte) error {
	a.log.Debugf("broadcast %d bytes (discarded, no peers attached)", len(payload))
	return nil
}

func (a *loopbackAdapter) SetHandlers(onFrame func(linklayer.Frame), onEvent func(linklayer.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFrame = onFrame
	a.onEvent = onEvent
}

func (a *loopbackAdapter) SetDutyCycle(activeScan, pause int) {
	a.log.Debugf("duty cycle set to %ds active / %ds pause", activeScan, pause)
}
