package conn

import "time"

// SetHeartbeat configures the keep-alive timer. While enabled and
// connected, SendHeartbeat is called every interval. Calling it again
// replaces the running timer.
func (b *Base) SetHeartbeat(enabled bool, interval time.Duration) {
	b.hbMu.Lock()
	defer b.hbMu.Unlock()

	b.hbEnabled = enabled
	b.hbInterval = interval
	if enabled && b.IsConnected() {
		b.startHeartbeatLocked()
	} else {
		b.stopHeartbeatLocked()
	}
}

// HeartbeatActive reports whether a heartbeat timer is armed.
func (b *Base) HeartbeatActive() bool {
	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	return b.hbTimer != nil
}

// Release cancels the heartbeat for good. Transports call it when the
// connection is torn down.
func (b *Base) Release() {
	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	b.released = true
	b.stopHeartbeatLocked()
}

func (b *Base) startHeartbeatLocked() {
	b.stopHeartbeatLocked()
	if b.released || b.hbInterval <= 0 || b.hb == nil {
		return
	}
	gen := b.hbGen
	b.hbTimer = b.clock.AfterFunc(b.hbInterval, func() { b.heartbeat(gen) })
}

// stopHeartbeatLocked bumps the generation so a timer that already fired
// but has not yet taken the lock does nothing.
func (b *Base) stopHeartbeatLocked() {
	b.hbGen++
	if b.hbTimer != nil {
		b.hbTimer.Stop()
		b.hbTimer = nil
	}
}

func (b *Base) heartbeat(gen uint64) {
	b.hbMu.Lock()
	if gen != b.hbGen || b.released || !b.hbEnabled || !b.IsConnected() {
		b.hbMu.Unlock()
		return
	}
	b.hbMu.Unlock()

	b.guard("heartbeat", b.hb.SendHeartbeat)

	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	if gen != b.hbGen || b.released || !b.hbEnabled || !b.IsConnected() {
		return
	}
	b.hbTimer = b.clock.AfterFunc(b.hbInterval, func() { b.heartbeat(gen) })
}
