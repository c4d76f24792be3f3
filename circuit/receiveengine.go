package circuit

import (
	"errors"
	"io"
	"runtime"
	"syscall"
)

// runReceiveEngine is the circuit's dedicated reader goroutine. It
// fills buffers straight off the socket, tracks how many consecutive
// reads fully saturate a buffer (evidence the peer is flooding faster
// than this goroutine can keep up), and hands every byte read to the
// inbound parser before looping for more.
func (ci *Circuit) runReceiveEngine() {
	defer close(ci.recvDone)

	for {
		ci.mu.Lock()
		state := ci.state
		ci.mu.Unlock()
		if state == StateDisconnected {
			return
		}

		fb := ci.allocator.AllocateSmallBuffer()
		n, err := fb.FillFrom(ci.conn)

		if n > 0 {
			if ci.watchdogs != nil {
				ci.watchdogs.Receive.Rearm()
			}
			if ci.metrics != nil {
				ci.metrics.FrameReceived(uint32(n))
			}

			// Inbound bytes are direct evidence the peer is responsive,
			// independent of the send side's own backlog heuristic (§4.4).
			ci.mu.Lock()
			ci.unackedSendBytes = 0
			ci.mu.Unlock()

			ci.recvQueue.Push(fb)
			ci.trackContiguousFullFrame(fb.Full())
			ci.parseAvailable()
		} else {
			ci.allocator.ReleaseSmallBuffer(fb)
		}

		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			ci.onReceiveFailure(err)
			return
		}
	}
}

// trackContiguousFullFrame updates the busy-detection hysteresis
// (§4.4): cfg.ContiguousFullFrames consecutive saturated reads flips
// busyDetected on, and every cfg.ContiguousFrameYield frames while busy
// the goroutine yields so it cannot starve the send engine and the
// collaborator's callback goroutines under sustained load.
func (ci *Circuit) trackContiguousFullFrame(full bool) {
	if !full {
		ci.contiguousFull = 0
		ci.setBusyDetected(false)
		return
	}

	ci.contiguousFull++
	if ci.contiguousFull >= ci.cfg.ContiguousFullFrames {
		ci.setBusyDetected(true)
		if ci.contiguousFull%ci.cfg.ContiguousFrameYield == 0 {
			runtime.Gosched()
		}
	}
}

// setBusyDetected flips busy_detected and wakes the send engine, which
// is the only goroutine that ever stages EVENTS_ON/EVENTS_OFF (§4.3
// step 3: "flow_control_active flips only inside the send engine;
// busy_detected flips only inside the receive engine; the send engine
// reconciles them"). It must never call through the blocking,
// backpressure-gated staging path itself: that path can park the
// caller in waitForSendRoomLocked for cfg.FlushBlockWait, which here
// would stall the very socket reads that busy detection exists to
// relieve.
func (ci *Circuit) setBusyDetected(busy bool) {
	ci.mu.Lock()
	changed := ci.busyDetected != busy
	ci.busyDetected = busy
	ci.mu.Unlock()

	if !changed {
		return
	}
	if ci.metrics != nil {
		ci.metrics.BusyToggled()
	}
	ci.pokeFlush()
}

// onReceiveFailure reacts to a socket read error or EOF. io.EOF while
// the circuit is already in clean_shutdown is the expected completion
// of the close sequence. Otherwise, per spec.md §4.3.2/§7, ordinary
// peer loss (isPeerLossError) and this side's own deliberate close
// converge on shutdown silently; anything else is unexpected_io and
// gets logged.
func (ci *Circuit) onReceiveFailure(err error) {
	ci.mu.Lock()
	state := ci.state
	alreadyClosed := ci.socketClosed
	ci.mu.Unlock()

	if errors.Is(err, io.EOF) && state == StateCleanShutdown {
		ci.diagf("receive engine observed clean EOF")
		return
	}

	if !alreadyClosed && !isPeerLossError(err) {
		ci.diagf("receive engine read failed: %v", err)
	}
	ci.markSocketClosedLocked()
	ci.peerLost()
}
