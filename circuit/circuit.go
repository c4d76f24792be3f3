// Package circuit implements one client-side Channel Access virtual
// circuit: a single TCP connection to a server, multiplexing every
// channel opened against that server's address over dedicated send and
// receive goroutines guarded by a shared flag word.
package circuit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/config"
	"github.com/epics-ca/cacircuit/metrics"
	"github.com/epics-ca/cacircuit/queue"
	"github.com/epics-ca/cacircuit/watchdog"
	"github.com/epics-ca/cacircuit/wire"
)

// ChannelBinding is one entry in a circuit's channel list (§4.6):
// everything the circuit needs to know about a channel the upper layer
// has already resolved a server-side identity for.
type ChannelBinding struct {
	CID uint32
	SID uint32

	NativeType  uint16
	NativeCount uint32

	Name string

	Connected bool
}

// Circuit is one virtual circuit: the state machine, flag word, send
// and receive queues, channel list, and the two goroutines that drive
// bytes across the wire, all guarded by mu in the lock order documented
// on each method (callback mutex before circuit mutex, never the
// reverse).
type Circuit struct {
	cfg config.Config

	collaborator collab.Collaborator
	allocator    collab.Allocator
	diag         collab.DiagnosticSink
	tracer       trace.Tracer
	metrics      *metrics.Metrics

	logPrefix string
	logDebug  bool

	// conn is set once on successful dial and never reassigned; only
	// Close is ever called on it again, so it needs no lock to read.
	conn       net.Conn
	remoteAddr string

	// mu is the circuit mutex. It guards the fields below it in this
	// struct, except those whose own comment says they need no lock,
	// plus the ChannelBinding contents in channels.
	mu sync.Mutex

	state              ConnState
	notifiedDisconnect bool

	minorVersion uint16 // negotiated down from cfg.MinorVersion once the peer's VERSION arrives
	priority     uint8

	channels map[uint32]*ChannelBinding

	sendQueue *queue.SendQueue

	busyDetected          bool
	flowControlActive     bool
	echoPending           bool
	discardingPendingData bool
	socketClosed          bool
	blockingWriters       int
	unackedSendBytes      uint32

	// abortInterrupt tags the next abort-shutdown finalization's
	// diagnostic log line. Set by the trigger that called
	// InitiateAbortShutdown before the collaborator decided to actually
	// tear down; finalizeAbortShutdown reads and resets it.
	abortInterrupt Interrupt

	// sendBufferSize is the socket's SO_SNDBUF queried once at dial time,
	// cached for the send engine's backlog heuristic (§4.3.1). Zero if
	// the query failed or the connection isn't a *net.TCPConn. Written
	// once before the send engine goroutine starts, so it needs no lock.
	sendBufferSize uint32

	flushBlockCond *sync.Cond

	// flushCh wakes the send engine; buffered 1 so pokeFlush never blocks
	// the caller holding mu.
	flushCh chan struct{}

	watchdogs *watchdog.Pair

	sendDone chan struct{}
	recvDone chan struct{}

	// recvQueue and the parser sticky-header fields below it are only
	// ever touched from the receive engine goroutine, so they need no
	// lock of their own.
	recvQueue *queue.ReceiveQueue

	haveFixedHeader  bool
	haveFullHeader   bool
	pendingHeader    wire.Header
	contiguousFull   uint16
	discardRemaining uint32

	finalizeAbortOnce sync.Once

	// callbackMu serializes dispatch into the collaborator, per the lock
	// order callback mutex -> circuit mutex: a callback may reenter and
	// call back into the circuit (e.g. to stage a reply) while holding
	// callbackMu, so the circuit must never hold mu while acquiring
	// callbackMu.
	callbackMu sync.Mutex

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
}

// New constructs a circuit in state connecting. Dial must be called to
// actually open the TCP connection and start the engines.
func New(cfg config.Config, collaborator collab.Collaborator, allocator collab.Allocator, opts ...Option) (*Circuit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collaborator == nil {
		return nil, fmt.Errorf("cacircuit: nil collaborator")
	}
	if allocator == nil {
		return nil, fmt.Errorf("cacircuit: nil allocator")
	}

	ctx, cancel := context.WithCancel(context.Background())

	ci := &Circuit{
		cfg:          cfg,
		collaborator: collaborator,
		allocator:    allocator,
		tracer:       trace.NewNoopTracerProvider().Tracer("cacircuit"),
		logPrefix:    cfg.LogPrefix,
		logDebug:     cfg.LogDebug,
		state:        StateConnecting,
		minorVersion: cfg.MinorVersion,
		priority:     cfg.Priority,
		channels:     make(map[uint32]*ChannelBinding),
		sendQueue:    queue.NewSendQueue(cfg.EarlyFlushThreshold, cfg.FlushBlockThreshold),
		recvQueue:    queue.NewReceiveQueue(),
		flushCh:      make(chan struct{}, 1),
		sendDone:     make(chan struct{}),
		recvDone:     make(chan struct{}),
		cancelCtx:    ctx,
		cancelFunc:   cancel,
	}
	ci.flushBlockCond = sync.NewCond(&ci.mu)

	for _, opt := range opts {
		opt(ci)
	}

	return ci, nil
}

// Option customizes a Circuit at construction time.
type Option func(*Circuit)

func WithDiagnosticSink(sink collab.DiagnosticSink) Option {
	return func(ci *Circuit) { ci.diag = sink }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(ci *Circuit) { ci.tracer = tracer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ci *Circuit) { ci.metrics = m }
}

// RemoteAddr satisfies collab.CircuitHandle.
func (ci *Circuit) RemoteAddr() string {
	return ci.remoteAddr
}

// State reports the current lifetime state.
func (ci *Circuit) State() ConnState {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.state
}

// MinorVersion reports the negotiated protocol minor version.
func (ci *Circuit) MinorVersion() uint16 {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.minorVersion
}

func (ci *Circuit) diagf(format string, args ...any) {
	if ci.diag == nil {
		return
	}
	ci.diag(ci.logPrefix, fmt.Sprintf(format, args...))
}

// pokeFlush wakes the send engine if it is parked waiting for work.
// Safe to call with or without ci.mu held.
func (ci *Circuit) pokeFlush() {
	select {
	case ci.flushCh <- struct{}{}:
	default:
	}
}

// signalFlushBlockLocked wakes every producer parked in
// waitForSendRoomLocked. Caller must hold ci.mu.
func (ci *Circuit) signalFlushBlockLocked() {
	ci.flushBlockCond.Broadcast()
}

// waitForSendRoomLocked parks the calling goroutine until the send
// queue has room for extraBytes more, the circuit leaves state
// connected, or waitFor elapses. Caller must hold ci.mu; returns with
// ci.mu held regardless of outcome.
func (ci *Circuit) waitForSendRoomLocked(extraBytes uint32, waitFor time.Duration) bool {
	deadline := time.Now().Add(waitFor)
	for ci.state == StateConnected && ci.sendQueue.FlushBlockThreshold(extraBytes) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		ci.blockingWriters++
		waitWithTimeoutLocked(ci.flushBlockCond, remaining)
		ci.blockingWriters--
	}
	return ci.state == StateConnected
}
