package collab

import (
	"sync"

	"github.com/epics-ca/cacircuit/framebuf"
)

// PoolAllocator is a sync.Pool-backed Allocator, the default
// implementation of the pooled collaborator the core treats as opaque.
type PoolAllocator struct {
	smallSize uint32
	largeSize uint32

	small sync.Pool
	large sync.Pool
}

func NewPoolAllocator(smallSize, largeSize uint32) *PoolAllocator {
	p := &PoolAllocator{
		smallSize: smallSize,
		largeSize: largeSize,
	}
	p.small.New = func() any {
		return framebuf.New(p.smallSize)
	}
	p.large.New = func() any {
		return framebuf.New(p.largeSize)
	}
	return p
}

func (p *PoolAllocator) AllocateSmallBuffer() *framebuf.FrameBuffer {
	fb := p.small.Get().(*framebuf.FrameBuffer)
	fb.Reset()
	return fb
}

func (p *PoolAllocator) ReleaseSmallBuffer(fb *framebuf.FrameBuffer) {
	fb.Reset()
	p.small.Put(fb)
}

func (p *PoolAllocator) AllocateLargeBuffer() *framebuf.FrameBuffer {
	fb := p.large.Get().(*framebuf.FrameBuffer)
	fb.Reset()
	return fb
}

func (p *PoolAllocator) ReleaseLargeBuffer(fb *framebuf.FrameBuffer) {
	fb.Reset()
	p.large.Put(fb)
}

func (p *PoolAllocator) LargeBufferSize() uint32 {
	return p.largeSize
}
