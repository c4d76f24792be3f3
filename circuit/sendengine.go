package circuit

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/wire"
)

// runSendEngine is the circuit's dedicated writer goroutine. It parks
// on flushCh until woken by a staged message, a shutdown request, or
// its own watchdog, reconciles flow-control/echo housekeeping on every
// pass, drains the send queue to the socket, and exits once the circuit
// reaches disconnected (abandoning whatever is still queued) or reaches
// clean_shutdown with an empty queue. In abort_shutdown it keeps
// looping until the state moves on to disconnected.
func (ci *Circuit) runSendEngine() {
	defer close(ci.sendDone)

	for {
		ci.mu.Lock()
		state := ci.state
		empty := ci.sendQueue.Empty()
		if state == StateConnected {
			ci.reconcileHousekeepingLocked()
		}
		ci.mu.Unlock()

		if state == StateDisconnected {
			ci.drainSendQueueOnDisconnect()
			return
		}
		if state == StateCleanShutdown && empty {
			ci.finalizeCleanShutdown()
			return
		}

		if err := ci.drainSendQueueOnce(); err != nil {
			ci.onSendFailure(err)
			continue
		}

		select {
		case <-ci.flushCh:
		case <-ci.cancelCtx.Done():
		case <-time.After(50 * time.Millisecond):
			// bounded wake-up so a state change into clean_shutdown with
			// an already-empty queue (no further pokeFlush coming) is
			// still observed promptly
		}
	}
}

// reconcileHousekeepingLocked is the send engine's own housekeeping
// step: flow_control_active and echo_pending are staged only from
// here, never from the receive engine, so a saturated receive side can
// never block behind waitForSendRoomLocked while reconciling them.
// Caller must hold ci.mu.
func (ci *Circuit) reconcileHousekeepingLocked() {
	if ci.busyDetected != ci.flowControlActive {
		ci.flowControlActive = ci.busyDetected
		cmd := wire.EventsOn
		if ci.flowControlActive {
			cmd = wire.EventsOff
		}
		if err := ci.stageHeaderOnlyLocked(wire.Header{Command: cmd}); err != nil {
			ci.diagf("flow control %s staging failed: %v", cmd, err)
		}
		if ci.metrics != nil {
			ci.metrics.SetFlowControlActive(ci.flowControlActive)
		}
	}

	if ci.echoPending {
		hdr := wire.Header{Command: wire.Echo}
		if !wire.SupportsEcho(ci.minorVersion) {
			hdr = wire.Header{
				Command:    wire.Version,
				Parameter1: uint32(ci.priority),
				Parameter2: uint32(ci.minorVersion),
			}
		}
		if err := ci.stageHeaderOnlyLocked(hdr); err != nil {
			ci.diagf("echo liveness staging failed: %v", err)
		}
		ci.echoPending = false
	}
}

// drainSendQueueOnce pops and writes every currently committed buffer.
func (ci *Circuit) drainSendQueueOnce() error {
	for {
		ci.mu.Lock()
		fb, ok := ci.sendQueue.PopNextBufferToSend()
		ci.mu.Unlock()
		if !ok {
			return nil
		}

		if err := ci.writeFrameBuffer(fb); err != nil {
			return err
		}

		sent := fb.Len()
		if ci.metrics != nil {
			ci.metrics.FrameSent(sent)
		}

		ci.mu.Lock()
		beforeDrain := ci.unackedSendBytes
		if sent <= ci.unackedSendBytes {
			ci.unackedSendBytes -= sent
		} else {
			ci.unackedSendBytes = 0
		}
		backlogged := ci.sendBufferSize > 0 && beforeDrain > ci.sendBufferSize
		ci.signalFlushBlockLocked()
		ci.mu.Unlock()

		// beforeDrain is how much was staged-and-unwritten right up until
		// this write cleared it; past the socket's own send-buffer size,
		// that is evidence the peer's TCP stack is still draining bytes
		// and defers the receive timeout — the circuit is alive outbound
		// even though nothing has arrived inbound yet (§4.3.1).
		if backlogged && ci.watchdogs != nil {
			ci.watchdogs.NotifySendBacklogProgress()
		}
	}
}

// writeFrameBuffer applies the socket write policy: loop on partial
// writes and EINTR, and return any other write error unchanged for
// onSendFailure to classify. The send
// watchdog is armed immediately before the blocking write and cancelled
// unconditionally once it returns — it bounds a single send(2) call,
// not circuit-wide idleness.
func (ci *Circuit) writeFrameBuffer(fb *framebuf.FrameBuffer) error {
	if ci.watchdogs != nil {
		ci.watchdogs.Send.Arm()
		defer ci.watchdogs.Send.Cancel()
	}

	for !fb.Drained() {
		data := fb.Unread()
		n, err := ci.conn.Write(data)
		if n > 0 {
			fb.Skip(uint32(n))
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// onSendFailure reacts to a socket write error. Per spec.md §4.3.2/§7,
// ordinary peer loss (isPeerLossError) and this side's own deliberate
// close converge on shutdown silently; anything else is unexpected_io
// and gets logged.
func (ci *Circuit) onSendFailure(err error) {
	ci.mu.Lock()
	alreadyClosed := ci.socketClosed
	ci.mu.Unlock()

	if !alreadyClosed && !isPeerLossError(err) {
		ci.diagf("send engine write failed: %v", err)
	}
	ci.markSocketClosedLocked()
	ci.peerLost()
}

func (ci *Circuit) markSocketClosedLocked() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.socketClosed {
		return
	}
	ci.socketClosed = true
	_ = ci.conn.Close()
}

// drainSendQueueOnDisconnect discards whatever is left in the send
// queue without writing it — the circuit is already gone, so anything
// still staged is unreachable.
func (ci *Circuit) drainSendQueueOnDisconnect() {
	ci.mu.Lock()
	ci.sendQueue.DiscardAll(nil)
	ci.mu.Unlock()
}

// finalizeCleanShutdown runs once the caller has confirmed the send
// queue is empty, so it writes nothing: it half-closes the write side
// so the peer observes EOF, then transitions to disconnected once the
// receive engine has also joined.
func (ci *Circuit) finalizeCleanShutdown() {
	if tc, ok := ci.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	<-ci.recvDone

	ci.mu.Lock()
	ci.setStateLocked(StateDisconnected)
	ci.sendQueue.DiscardAll(nil)
	ci.mu.Unlock()

	ci.markSocketClosedLocked()
	ci.cancelFunc()
	ci.diagf("clean shutdown finalized, interrupt=%s", InterruptBidirectionalShutdown())
	ci.collaborator.DestroyIIU(ci)
}
