package queue

import (
	lq "github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/epics-ca/cacircuit/framebuf"
)

// ReceiveQueue is the ingress-side symmetric structure to SendQueue: an
// ordered sequence of frame buffers filled off the wire, exposing
// cross-buffer peek/pop of the byte counts the header codec and
// payload copier need. A typed field pop never partially consumes the
// queue when insufficient bytes are buffered — it either returns every
// requested byte or leaves the queue exactly as it found it, so the
// inbound parser's sticky header state stays valid across calls.
type ReceiveQueue struct {
	frames *lq.Queue[*framebuf.FrameBuffer]
}

func NewReceiveQueue() *ReceiveQueue {
	return &ReceiveQueue{
		frames: lq.New[*framebuf.FrameBuffer](),
	}
}

// Push appends a newly filled (or partially filled) buffer to the tail
// of the queue.
func (q *ReceiveQueue) Push(fb *framebuf.FrameBuffer) {
	q.frames.Enqueue(fb)
}

// Available is the total unread byte count across every buffer
// currently queued.
func (q *ReceiveQueue) Available() uint32 {
	var total uint32
	for _, fb := range q.frames.Values() {
		total += fb.Occupied()
	}
	return total
}

func (q *ReceiveQueue) Empty() bool {
	return q.frames.Empty()
}

// drainFront removes and releases buffers from the front of the queue
// once every byte in them has been read.
func (q *ReceiveQueue) drainFront(release func(*framebuf.FrameBuffer)) {
	for {
		fb, ok := q.frames.Peek()
		if !ok || !fb.Drained() {
			return
		}
		q.frames.Dequeue()
		if release != nil {
			release(fb)
		}
	}
}

// CopyOutExact copies exactly n bytes starting at the current read
// position across as many queued buffers as needed, into a freshly
// allocated slice. If fewer than n bytes are currently available, the
// queue is left untouched and ok is false.
func (q *ReceiveQueue) CopyOutExact(n uint32, release func(*framebuf.FrameBuffer)) (out []byte, ok bool) {
	if q.Available() < n {
		return nil, false
	}
	out = make([]byte, n)
	q.copyInto(out, release)
	return out, true
}

// CopyUpTo copies up to len(dst) bytes into dst, draining whatever is
// currently available (which may be less than len(dst), or zero), and
// returns the count copied.
func (q *ReceiveQueue) CopyUpTo(dst []byte, release func(*framebuf.FrameBuffer)) uint32 {
	avail := q.Available()
	n := uint32(len(dst))
	if n > avail {
		n = avail
	}
	q.copyInto(dst[:n], release)
	return n
}

func (q *ReceiveQueue) copyInto(dst []byte, release func(*framebuf.FrameBuffer)) {
	off := uint32(0)
	for off < uint32(len(dst)) {
		fb, ok := q.frames.Peek()
		if !ok {
			break
		}
		off += fb.CopyOut(dst[off:])
		q.drainFront(release)
	}
}

// SkipUpTo discards up to n unread bytes without copying them, used to
// drain an oversize payload off the wire without ever handing it to
// the upper-layer dispatcher. Returns the count actually discarded,
// which may be less than n if the queue runs dry first.
func (q *ReceiveQueue) SkipUpTo(n uint32, release func(*framebuf.FrameBuffer)) uint32 {
	skipped := uint32(0)
	for skipped < n {
		fb, ok := q.frames.Peek()
		if !ok {
			break
		}
		skipped += fb.Skip(n - skipped)
		q.drainFront(release)
	}
	return skipped
}
