// Package framebuf implements the fixed-capacity byte container the
// circuit stages outbound frames into and accumulates inbound bytes
// from the wire.
package framebuf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FrameBuffer is a byte array of fixed capacity with a write cursor
// (wpos, the staged/filled extent) and a read cursor (rpos, how much
// of the staged/filled extent has already been consumed). Outbound
// staging only ever advances wpos via the typed Push* operations;
// inbound draining only ever advances rpos via CopyOut/Skip.
type FrameBuffer struct {
	buf  []byte
	wpos uint32
	rpos uint32
}

// New allocates a FrameBuffer with the given fixed capacity.
func New(capacity uint32) *FrameBuffer {
	return &FrameBuffer{
		buf:  make([]byte, capacity),
		wpos: 0,
		rpos: 0,
	}
}

// Reset rewinds both cursors so the buffer can be reused, matching the
// pooled-allocator contract in §6: release returns the buffer to the
// pool, which Resets it before the next allocate hands it back out.
func (f *FrameBuffer) Reset() {
	f.wpos = 0
	f.rpos = 0
}

func (f *FrameBuffer) Capacity() uint32 {
	return uint32(len(f.buf))
}

// Occupied is the count of staged-but-unread bytes remaining between
// the read and write cursors.
func (f *FrameBuffer) Occupied() uint32 {
	return f.wpos - f.rpos
}

// Len is the total staged/filled extent, irrespective of how much has
// been read back out.
func (f *FrameBuffer) Len() uint32 {
	return f.wpos
}

// Remaining is the free space available to Push/FillFrom before the
// buffer is full.
func (f *FrameBuffer) Remaining() uint32 {
	return f.Capacity() - f.wpos
}

// Full reports whether the buffer has been filled to capacity — the
// receive engine's contiguous-full-frame counter drives off this.
func (f *FrameBuffer) Full() bool {
	return f.wpos == f.Capacity()
}

// Bytes returns the staged extent, buf[0:wpos]. The caller must not
// retain the slice past the next mutation of f.
func (f *FrameBuffer) Bytes() []byte {
	return f.buf[:f.wpos]
}

// FillFrom reads as many bytes as fit in the remaining free space
// directly off r, advancing the write cursor by the amount read. A
// zero-byte, nil-error read is passed through unchanged so the caller
// can distinguish it from EOF.
func (f *FrameBuffer) FillFrom(r io.Reader) (int, error) {
	n, err := r.Read(f.buf[f.wpos:])
	f.wpos += uint32(n)
	return n, err
}

func (f *FrameBuffer) checkRoom(n uint32) error {
	if n > f.Remaining() {
		return fmt.Errorf("framebuf: need %d bytes, only %d remaining of capacity %d", n, f.Remaining(), f.Capacity())
	}
	return nil
}

func (f *FrameBuffer) PushU8(v uint8) error {
	if err := f.checkRoom(1); err != nil {
		return err
	}
	f.buf[f.wpos] = v
	f.wpos++
	return nil
}

func (f *FrameBuffer) PushU16(v uint16) error {
	if err := f.checkRoom(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(f.buf[f.wpos:f.wpos+2], v)
	f.wpos += 2
	return nil
}

func (f *FrameBuffer) PushU32(v uint32) error {
	if err := f.checkRoom(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(f.buf[f.wpos:f.wpos+4], v)
	f.wpos += 4
	return nil
}

func (f *FrameBuffer) PushF32(v float32) error {
	return f.PushU32(math.Float32bits(v))
}

// PushBytes appends raw bytes verbatim.
func (f *FrameBuffer) PushBytes(b []byte) error {
	if err := f.checkRoom(uint32(len(b))); err != nil {
		return err
	}
	copy(f.buf[f.wpos:], b)
	f.wpos += uint32(len(b))
	return nil
}

// PushZeros appends n zero bytes, used for alignment padding.
func (f *FrameBuffer) PushZeros(n uint32) error {
	if err := f.checkRoom(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		f.buf[f.wpos+i] = 0
	}
	f.wpos += n
	return nil
}

// Unread returns the staged-but-unread extent without copying or
// advancing the read cursor. The caller must not retain the slice past
// the next mutation of f, and must advance the cursor itself via Skip
// once it has consumed some prefix of the returned bytes — the pattern
// the send engine uses to write directly off this buffer without a
// copy, then account for a partial socket write with Skip(n).
func (f *FrameBuffer) Unread() []byte {
	return f.buf[f.rpos:f.wpos]
}

// CopyOut drains up to len(dst) unread bytes into dst, advancing the
// read cursor, and returns the count copied.
func (f *FrameBuffer) CopyOut(dst []byte) uint32 {
	n := uint32(len(dst))
	if n > f.Occupied() {
		n = f.Occupied()
	}
	copy(dst, f.buf[f.rpos:f.rpos+n])
	f.rpos += n
	return n
}

// Skip discards up to n unread bytes without copying them anywhere,
// advancing the read cursor, and returns the count discarded.
func (f *FrameBuffer) Skip(n uint32) uint32 {
	if n > f.Occupied() {
		n = f.Occupied()
	}
	f.rpos += n
	return n
}

// Drained reports whether every staged/filled byte has been read back
// out — the point at which this buffer can be released to the
// allocator or recycled for the next fill.
func (f *FrameBuffer) Drained() bool {
	return f.rpos == f.wpos
}
