package circuit

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/config"
	"github.com/epics-ca/cacircuit/wire"
)

// fakeCollaborator is a minimal collab.Collaborator recording every call
// for assertion, mirroring the kind of hand-rolled test double the rest
// of the pack's test files build rather than reaching for a mock library.
type fakeCollaborator struct {
	mu sync.Mutex

	disconnectNotifyCount int
	abortRequested        int
	destroyIIUCount       int
	channelDisconnects    []uint32
	executed              []wire.Header

	executeResult bool
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{executeResult: true}
}

func (f *fakeCollaborator) DisconnectNotify(circuit collab.CircuitHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectNotifyCount++
}

func (f *fakeCollaborator) InitiateAbortShutdown(circuit collab.CircuitHandle) {
	f.mu.Lock()
	f.abortRequested++
	f.mu.Unlock()
	if ci, ok := circuit.(*Circuit); ok {
		ci.AbortShutdown()
	}
}

func (f *fakeCollaborator) DestroyIIU(circuit collab.CircuitHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyIIUCount++
}

func (f *fakeCollaborator) ExecuteResponse(ctx context.Context, circuit collab.CircuitHandle, now time.Time, header wire.Header, body []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, header)
	return f.executeResult
}

func (f *fakeCollaborator) ChannelDisconnectNotify(circuit collab.CircuitHandle, cid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelDisconnects = append(f.channelDisconnects, cid)
}

func (f *fakeCollaborator) counts() (disconnect, abort, destroy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectNotifyCount, f.abortRequested, f.destroyIIUCount
}

func (f *fakeCollaborator) executedCommands() []wire.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Header, len(f.executed))
	copy(out, f.executed)
	return out
}

func testConfig() config.Config {
	return config.Config{
		Address:   "127.0.0.1:0",
		LogPrefix: "circuittest",
	}
}

func newTestCircuit(collaborator collab.Collaborator) *Circuit {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	alloc := collab.NewPoolAllocator(cfg.SmallBufferSize, cfg.LargeBufferSize)

	ci, err := New(cfg, collaborator, alloc)
	if err != nil {
		panic(err)
	}
	attachFakeConn(ci)
	return ci
}

// attachFakeConn wires an in-memory net.Conn into a circuit built
// without Dial, so code paths that close the socket (markSocketClosedLocked)
// have a real net.Conn to call Close on instead of a nil interface.
func attachFakeConn(ci *Circuit) {
	client, _ := net.Pipe()
	ci.conn = client
}

// closeEngineChannels simulates both the send and receive engines having
// already joined, letting finalizeAbortShutdown/finalizeCleanShutdown
// proceed synchronously in tests that never call Dial.
func closeEngineChannels(ci *Circuit) {
	close(ci.sendDone)
	close(ci.recvDone)
}

// waitForCondition polls cond until it reports true or a short deadline
// passes, for assertions against state mutated on the finalize goroutine.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition did not become true within the deadline")
	}
}
