package circuit

// Close initiates a clean shutdown: the circuit finishes draining
// whatever is already staged, half-closes its write side, and
// transitions to disconnected once the peer's own close is observed.
// Safe to call more than once.
func (ci *Circuit) Close() {
	ci.mu.Lock()
	ci.initiateCleanShutdownLocked()
	ci.mu.Unlock()
}

// AbortShutdown tears the circuit down immediately without waiting for
// the send queue to drain or the peer to acknowledge anything: every
// staged message is discarded, the socket is closed from this side,
// and DestroyIIU fires once both engines have joined. Safe to call
// more than once; only the first call has any effect.
func (ci *Circuit) AbortShutdown() {
	ci.mu.Lock()
	if !ci.setStateLocked(StateAbortShutdown) {
		ci.mu.Unlock()
		return
	}
	ci.sendQueue.DiscardAll(nil)
	ci.signalFlushBlockLocked()
	ci.mu.Unlock()

	ci.markSocketClosedLocked()
	ci.pokeFlush()

	ci.finalizeAbortOnce.Do(func() {
		go ci.finalizeAbortShutdown()
	})
}

func (ci *Circuit) finalizeAbortShutdown() {
	<-ci.sendDone
	<-ci.recvDone

	ci.mu.Lock()
	ci.setStateLocked(StateDisconnected)
	interrupt := ci.abortInterrupt
	ci.abortInterrupt = Interrupt{}
	ci.mu.Unlock()

	if !interrupt.IsSignal() {
		// No watchdog fire recorded one: this teardown came from a
		// direct AbortShutdown call, a protocol violation, or peerLost.
		interrupt = InterruptClose()
	}

	ci.cancelFunc()
	ci.diagf("abort shutdown finalized, interrupt=%s", interrupt)
	ci.collaborator.DestroyIIU(ci)
}

// setAbortInterrupt records which trigger is about to request an abort
// shutdown, read back by finalizeAbortShutdown to tag its diagnostic
// log line (§11: Interrupt is selected once per shutdown, not per
// syscall — Go's runtime unblocks any goroutine parked in a blocked
// Read/Write the instant markSocketClosedLocked closes the fd, so
// there is no separate per-syscall unblock step left to model).
func (ci *Circuit) setAbortInterrupt(i Interrupt) {
	ci.mu.Lock()
	ci.abortInterrupt = i
	ci.mu.Unlock()
}

// initiateAbortShutdown is the internal entry point the parser's
// protocol-violation path uses (peer loss goes through peerLost); it is
// identical to the exported AbortShutdown and exists only so call
// sites inside the package read as intent rather than as an API call.
func (ci *Circuit) initiateAbortShutdown() {
	ci.AbortShutdown()
}
