package circuit

// onReceiveWatchdogFire runs on the watchdog scheduler goroutine when
// no bytes have arrived off the socket for cfg.WatchdogTimeout, the
// client-side evidence that the peer has gone silent without the TCP
// stack itself ever reporting a reset. The decision to actually abort
// is delegated to the collaborator via InitiateAbortShutdown, since
// this goroutine is shared across every circuit watchdog.Pair manages
// and must never block on a slow collaborator.
func (ci *Circuit) onReceiveWatchdogFire() {
	ci.mu.Lock()
	state := ci.state
	ci.mu.Unlock()

	if state != StateConnected && state != StateConnecting {
		return
	}

	if ci.metrics != nil {
		ci.metrics.WatchdogFired("receive")
	}
	ci.diagf("receive watchdog expired, requesting abort shutdown")
	ci.setAbortInterrupt(InterruptSignal())
	ci.collaborator.InitiateAbortShutdown(ci)
}

// onSendWatchdogFire fires when a single conn.Write call, armed for the
// duration of writeFrameBuffer, has not returned within
// cfg.WatchdogTimeout — the peer has stopped draining its receive
// buffer and the socket write itself is stuck.
func (ci *Circuit) onSendWatchdogFire() {
	ci.mu.Lock()
	state := ci.state
	ci.mu.Unlock()

	if state != StateConnected && state != StateCleanShutdown {
		return
	}

	if ci.metrics != nil {
		ci.metrics.WatchdogFired("send")
	}
	ci.diagf("send watchdog expired, requesting abort shutdown")
	ci.setAbortInterrupt(InterruptSignal())
	ci.collaborator.InitiateAbortShutdown(ci)
}
