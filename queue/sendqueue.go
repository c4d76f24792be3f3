// Package queue implements the ordered send/receive buffer sequences
// the circuit multiplexes outbound and inbound frames through. Neither
// queue locks internally: SendQueue callers hold the circuit mutex for
// the duration of any mutating call, and ReceiveQueue is used from a
// single goroutine (the receive engine) without a lock.
package queue

import (
	lq "github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/epics-ca/cacircuit/framebuf"
)

// SendQueue is the ordered sequence of staged frame buffers draining
// toward the socket, plus the two scalar thresholds that drive early
// flush and backpressure.
type SendQueue struct {
	frames *lq.Queue[*framebuf.FrameBuffer]

	queuedBytes uint32

	earlyFlushThreshold uint32
	flushBlockThreshold uint32
}

func NewSendQueue(earlyFlushThreshold, flushBlockThreshold uint32) *SendQueue {
	return &SendQueue{
		frames:              lq.New[*framebuf.FrameBuffer](),
		queuedBytes:         0,
		earlyFlushThreshold: earlyFlushThreshold,
		flushBlockThreshold: flushBlockThreshold,
	}
}

// FlushEarlyThreshold reports whether staging extraBytes more would
// cross the early-flush threshold.
func (q *SendQueue) FlushEarlyThreshold(extraBytes uint32) bool {
	return q.queuedBytes+extraBytes >= q.earlyFlushThreshold
}

// FlushBlockThreshold reports whether staging extraBytes more would
// cross the threshold past which producers must park.
func (q *SendQueue) FlushBlockThreshold(extraBytes uint32) bool {
	return q.queuedBytes+extraBytes >= q.flushBlockThreshold
}

// QueuedBytes is the sum of staged-but-undrained bytes across every
// committed buffer in the queue.
func (q *SendQueue) QueuedBytes() uint32 {
	return q.queuedBytes
}

func (q *SendQueue) Empty() bool {
	return q.frames.Empty()
}

// PopNextBufferToSend drains the oldest committed buffer. The caller
// owns releasing it once every byte has been written to the socket.
func (q *SendQueue) PopNextBufferToSend() (*framebuf.FrameBuffer, bool) {
	fb, ok := q.frames.Dequeue()
	if !ok {
		return nil, false
	}
	q.queuedBytes -= fb.Len()
	return fb, true
}

// DiscardAll empties the queue without sending anything further,
// invoked once the circuit is dead and no further bytes may reach the
// socket. release is called for every discarded buffer so it can be
// returned to whatever pool produced it.
func (q *SendQueue) DiscardAll(release func(*framebuf.FrameBuffer)) {
	for {
		fb, ok := q.frames.Dequeue()
		if !ok {
			break
		}
		if release != nil {
			release(fb)
		}
	}
	q.queuedBytes = 0
}

// Minder is a scoped acquisition of the send queue for staging exactly
// one message. On any exit path that does not call Commit, Rollback
// (typically deferred) discards every byte staged into the minder's
// buffer so a mid-construction failure never leaves a partial message
// enqueued — the wire never carries a truncated header.
type Minder struct {
	q         *SendQueue
	buf       *framebuf.FrameBuffer
	committed bool
	release   func(*framebuf.FrameBuffer)
}

// BeginMessage allocates a buffer sized to capacity and returns a
// Minder scoped to staging exactly one message into it. release, if
// non-nil, is invoked on Rollback to return the buffer to its pool.
func (q *SendQueue) BeginMessage(capacity uint32, release func(*framebuf.FrameBuffer)) *Minder {
	return &Minder{
		q:         q,
		buf:       framebuf.New(capacity),
		committed: false,
		release:   release,
	}
}

func (m *Minder) FrameBuffer() *framebuf.FrameBuffer {
	return m.buf
}

// Commit enqueues the staged buffer onto the send queue. After Commit,
// Rollback is a no-op.
func (m *Minder) Commit() {
	m.committed = true
	m.q.frames.Enqueue(m.buf)
	m.q.queuedBytes += m.buf.Len()
}

// Rollback discards the staged buffer if Commit was never called. Safe
// to call unconditionally, e.g. via defer.
func (m *Minder) Rollback() {
	if m.committed {
		return
	}
	if m.release != nil {
		m.release(m.buf)
	}
}
