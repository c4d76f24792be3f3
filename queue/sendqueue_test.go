package queue

import (
	"testing"

	"github.com/epics-ca/cacircuit/framebuf"
)

func TestMinderRollbackOnNoCommit(t *testing.T) {
	q := NewSendQueue(8, 64)

	released := false
	m := q.BeginMessage(4, func(_ *framebuf.FrameBuffer) { released = true })
	m.Rollback()

	if !q.Empty() {
		t.Fatal("expected queue to remain empty after rollback")
	}
	if !released {
		t.Fatal("expected release to be called on rollback without commit")
	}
}

func TestMinderCommitEnqueues(t *testing.T) {
	q := NewSendQueue(8, 64)

	m := q.BeginMessage(4, nil)
	if err := m.FrameBuffer().PushU32(42); err != nil {
		t.Fatalf("PushU32: %v", err)
	}
	m.Commit()

	if q.Empty() {
		t.Fatal("expected queue to contain the committed message")
	}
	if q.QueuedBytes() != 4 {
		t.Fatalf("QueuedBytes() = %d, want 4", q.QueuedBytes())
	}

	fb, ok := q.PopNextBufferToSend()
	if !ok {
		t.Fatal("expected a buffer to pop")
	}
	if fb.Len() != 4 {
		t.Fatalf("popped buffer Len() = %d, want 4", fb.Len())
	}
	if q.QueuedBytes() != 0 {
		t.Fatalf("QueuedBytes() after pop = %d, want 0", q.QueuedBytes())
	}
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	q := NewSendQueue(8, 64)
	released := false

	m := q.BeginMessage(4, func(_ *framebuf.FrameBuffer) { released = true })
	m.Commit()
	m.Rollback()

	if released {
		t.Fatal("did not expect release to run after a successful commit")
	}
	if q.Empty() {
		t.Fatal("expected the committed message to still be queued")
	}
}

func TestFlushThresholds(t *testing.T) {
	q := NewSendQueue(8, 16)
	if q.FlushEarlyThreshold(4) {
		t.Fatal("4 bytes queued should not cross an 8 byte early threshold")
	}
	if !q.FlushEarlyThreshold(8) {
		t.Fatal("8 bytes queued should cross an 8 byte early threshold")
	}
	if q.FlushBlockThreshold(8) {
		t.Fatal("8 bytes queued should not cross a 16 byte block threshold")
	}
	if !q.FlushBlockThreshold(16) {
		t.Fatal("16 bytes queued should cross a 16 byte block threshold")
	}
}

func TestDiscardAll(t *testing.T) {
	q := NewSendQueue(8, 64)
	m := q.BeginMessage(4, nil)
	m.Commit()

	releasedCount := 0
	q.DiscardAll(func(_ *framebuf.FrameBuffer) { releasedCount++ })
	if !q.Empty() {
		t.Fatal("expected queue to be empty after DiscardAll")
	}
	if q.QueuedBytes() != 0 {
		t.Fatal("expected QueuedBytes to reset to 0 after DiscardAll")
	}
	if releasedCount != 1 {
		t.Fatalf("releasedCount = %d, want 1", releasedCount)
	}
}
