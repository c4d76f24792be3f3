// Package collab declares the narrow interfaces the circuit core
// consumes from its external collaborators (§6 of the spec): the
// upper-layer channel registry and callback dispatcher, the pooled
// frame-buffer allocator, and the user/host identity providers. The
// core never imports a concrete registry or pool implementation —
// only these interfaces.
package collab

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/wire"
)

// CircuitHandle is the minimal identity a collaborator needs to tell
// circuits apart in log lines and disconnect bookkeeping. *circuit.Circuit
// satisfies this by its RemoteAddr method, without collab importing
// the circuit package back.
type CircuitHandle interface {
	RemoteAddr() string
}

// Collaborator is the upper-layer channel registry and callback
// dispatcher. The circuit emits events into it but does not own it.
type Collaborator interface {
	// DisconnectNotify is called exactly once, the moment the upper
	// layer should consider the circuit gone.
	DisconnectNotify(circuit CircuitHandle)

	// InitiateAbortShutdown lets the core request its own demolition
	// from a context where it cannot safely drive the transition
	// itself (e.g. a collaborator callback already holding locks the
	// core also needs).
	InitiateAbortShutdown(circuit CircuitHandle)

	// DestroyIIU is called once both engines have joined, handing the
	// circuit to the upper layer for final reclamation.
	DestroyIIU(circuit CircuitHandle)

	// ExecuteResponse dispatches one parsed inbound message. A false
	// return means the message violates the protocol and triggers
	// abortive shutdown.
	ExecuteResponse(ctx context.Context, circuit CircuitHandle, now time.Time, header wire.Header, body []byte) bool

	// ChannelDisconnectNotify is called once per channel when
	// RemoveChannel or RemoveAllChannels stages its CLEAR_CHANNEL request, so the
	// upper layer can mark that specific channel disconnected without
	// waiting for the circuit-wide DisconnectNotify.
	ChannelDisconnectNotify(circuit CircuitHandle, cid uint32)
}

// Allocator is the pooled frame-buffer source the receive engine draws
// its socket read buffers from. Implementations are free to pool or
// allocate fresh every time. The core calls AllocateSmallBuffer,
// ReleaseSmallBuffer and LargeBufferSize (the ceiling past which an
// inbound payload is discarded); it does not call the large-buffer pair.
type Allocator interface {
	AllocateSmallBuffer() *framebuf.FrameBuffer
	ReleaseSmallBuffer(*framebuf.FrameBuffer)
	AllocateLargeBuffer() *framebuf.FrameBuffer
	ReleaseLargeBuffer(*framebuf.FrameBuffer)
	LargeBufferSize() uint32
}

// DiagnosticSink is the typed reframing of the original's variadic
// printf collaborator hook (Open Question iii): prefix identifies the
// circuit, message is already formatted.
type DiagnosticSink func(prefix, message string)

// UserNameProvider and HostNameProvider are function types for
// CLIENT_NAME/HOST_NAME identity sources. The circuit does not consult
// them: Dial takes the names from Config.SelfUserName and
// Config.SelfHostName, falling back to LocalHostName for the host.
type UserNameProvider func() string
type HostNameProvider func() string

var localHostName = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
})

// LocalHostName returns the process-wide local host name, resolved
// lazily on first use and cached thereafter — the one genuinely
// process-global item the core touches, per the design note on global
// mutable state.
func LocalHostName() string {
	return localHostName()
}
