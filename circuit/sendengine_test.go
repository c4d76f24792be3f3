package circuit

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/watchdog"
)

func newTestCircuitWithDiag(fc collab.Collaborator, sink collab.DiagnosticSink) *Circuit {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	alloc := collab.NewPoolAllocator(cfg.SmallBufferSize, cfg.LargeBufferSize)
	ci, err := New(cfg, fc, alloc, WithDiagnosticSink(sink))
	if err != nil {
		panic(err)
	}
	attachFakeConn(ci)
	return ci
}

// pipeWithDrain wires ci.conn to the client end of a net.Pipe whose
// peer end is continuously drained, so writeFrameBuffer's conn.Write
// calls complete instead of blocking forever the way an un-drained
// net.Pipe (attachFakeConn's contract) would.
func pipeWithDrain(ci *Circuit) (server net.Conn) {
	client, server := net.Pipe()
	ci.conn = client
	go io.Copy(io.Discard, server)
	return server
}

func newWatchdogPair(ci *Circuit, timeout time.Duration) {
	ci.watchdogs = watchdog.NewPair(ci.logPrefix, ci.logDebug, timeout, ci.onReceiveWatchdogFire, ci.onSendWatchdogFire)
}

func TestWriteFrameBufferCancelsSendWatchdogAfterSuccess(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.connectOK()
	closeEngineChannels(ci)

	server := pipeWithDrain(ci)
	defer server.Close()

	newWatchdogPair(ci, 15*time.Millisecond)
	defer ci.watchdogs.Shutdown()

	fb := framebuf.New(16)
	if err := fb.PushBytes([]byte("hello")); err != nil {
		t.Fatalf("PushBytes: %v", err)
	}

	if err := ci.writeFrameBuffer(fb); err != nil {
		t.Fatalf("writeFrameBuffer: %v", err)
	}

	// The exact regression this guards against: a send watchdog armed
	// once at Dial and never cancelled fires on a healthy circuit that
	// simply has nothing further staged.
	time.Sleep(45 * time.Millisecond)

	_, abort, _ := fc.counts()
	if abort != 0 {
		t.Fatalf("abortRequested = %d, want 0: idle time after a successful write must not fire the send watchdog", abort)
	}
}

func TestWriteFrameBufferArmsSendWatchdogAroundBlockedWrite(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.connectOK()
	closeEngineChannels(ci)

	// attachFakeConn (via newTestCircuit) leaves the net.Pipe peer
	// undrained, so conn.Write blocks until something closes the pipe.
	newWatchdogPair(ci, 15*time.Millisecond)
	defer ci.watchdogs.Shutdown()

	fb := framebuf.New(16)
	if err := fb.PushBytes([]byte("hello")); err != nil {
		t.Fatalf("PushBytes: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ci.writeFrameBuffer(fb)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected writeFrameBuffer to fail once the watchdog-triggered abort closed the socket")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writeFrameBuffer never returned; the send watchdog should have armed around the blocked write")
	}

	_, abort, _ := fc.counts()
	if abort != 1 {
		t.Fatalf("abortRequested = %d, want 1", abort)
	}
}

func TestDrainSendQueueOnceWritesQueuedFramesAndAccountsBytes(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.connectOK()
	closeEngineChannels(ci)

	server := pipeWithDrain(ci)
	defer server.Close()

	if err := ci.Write(1, 2, 0, 1, []byte{0, 0, 0, 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ci.Write(1, 2, 0, 1, []byte{0, 0, 0, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ci.mu.Lock()
	staged := ci.unackedSendBytes
	ci.mu.Unlock()
	if staged == 0 {
		t.Fatal("expected unackedSendBytes to account for both staged WRITE frames")
	}

	if err := ci.drainSendQueueOnce(); err != nil {
		t.Fatalf("drainSendQueueOnce: %v", err)
	}

	if !ci.sendQueue.Empty() {
		t.Fatal("expected the send queue to be fully drained")
	}
	ci.mu.Lock()
	remaining := ci.unackedSendBytes
	ci.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("unackedSendBytes = %d, want 0 once every staged byte has been written", remaining)
	}
}

func TestDrainSendQueueOnceGatesBacklogNotifyOnSendBufferSize(t *testing.T) {
	run := func(t *testing.T, sendBufferSize uint32) bool {
		fc := newFakeCollaborator()
		ci := newTestCircuit(fc)
		ci.connectOK()
		closeEngineChannels(ci)
		ci.sendBufferSize = sendBufferSize

		server := pipeWithDrain(ci)
		defer server.Close()

		const timeout = 20 * time.Millisecond
		newWatchdogPair(ci, timeout)
		defer ci.watchdogs.Shutdown()
		ci.watchdogs.Receive.Arm()

		// Repeatedly stage and drain a small write, sleeping less than
		// timeout between each: with the heuristic enabled, every drain
		// rearms the receive watchdog before its deadline, so it must
		// never fire across the whole run; with it disabled, the very
		// first un-rearmed deadline fires regardless of how many more
		// iterations follow.
		for i := 0; i < 8; i++ {
			_ = ci.Write(1, 2, 0, 1, []byte{0, 0, 0, 1})
			_ = ci.drainSendQueueOnce()
			time.Sleep(timeout / 2)
		}

		_, abort, _ := fc.counts()
		return abort > 0
	}

	t.Run("zero send buffer size disables the heuristic", func(t *testing.T) {
		if !run(t, 0) {
			t.Fatal("expected the receive watchdog to fire: a zero cached send-buffer size must never defer it")
		}
	})

	t.Run("unacked bytes past the cached send buffer size defers the receive watchdog", func(t *testing.T) {
		if run(t, 1) {
			t.Fatal("expected NotifySendBacklogProgress to rearm the receive watchdog before it could fire")
		}
	})
}

func TestRunSendEngineReconcilesBusyDetectedOnItsOwnPass(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.connectOK()

	server := pipeWithDrain(ci)
	defer server.Close()

	go ci.runSendEngine()

	// Mirrors what the receive engine now does: flip busy_detected and
	// wake the send engine, never stage EVENTS_OFF itself.
	ci.setBusyDetected(true)

	waitForCondition(t, func() bool {
		ci.mu.Lock()
		defer ci.mu.Unlock()
		return ci.flowControlActive
	})

	close(ci.recvDone)
	ci.peerLost()
	waitForCondition(t, func() bool {
		select {
		case <-ci.sendDone:
			return true
		default:
			return false
		}
	})
}

func TestOnSendFailureSilentForPeerLoss(t *testing.T) {
	fc := newFakeCollaborator()
	sink, lines := captureDiag()
	ci := newTestCircuitWithDiag(fc, sink)
	ci.connectOK()
	closeEngineChannels(ci)

	ci.onSendFailure(syscall.ECONNRESET)

	waitForCondition(t, func() bool { return ci.State() == StateDisconnected })
	if containsSubstring(lines(), "send engine write failed") {
		t.Fatalf("diag lines = %v, ordinary peer loss must not be logged", lines())
	}
}

func TestOnSendFailureLogsUnexpectedIO(t *testing.T) {
	fc := newFakeCollaborator()
	sink, lines := captureDiag()
	ci := newTestCircuitWithDiag(fc, sink)
	ci.connectOK()
	closeEngineChannels(ci)

	ci.onSendFailure(errors.New("disk fell off the computer"))

	waitForCondition(t, func() bool { return ci.State() == StateDisconnected })
	if !containsSubstring(lines(), "send engine write failed") {
		t.Fatalf("diag lines = %v, want a logged unexpected_io reason", lines())
	}
}

func TestFinalizeCleanShutdownTransitionsToDisconnected(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.connectOK()

	ci.mu.Lock()
	ci.initiateCleanShutdownLocked()
	ci.mu.Unlock()

	close(ci.recvDone)

	ci.finalizeCleanShutdown()

	if ci.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", ci.State())
	}
	_, _, destroy := fc.counts()
	if destroy != 1 {
		t.Fatalf("destroyIIUCount = %d, want 1", destroy)
	}
}
