package camera

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolExhausted is returned by BufferPool.Get when every buffer up to the
// allocation threshold is checked out. The frame being produced is dropped.
var ErrPoolExhausted = errors.New("camera: pixel buffer pool exhausted")

// BufferPool hands out fixed-size pixel buffers and never has more than
// threshold of them outstanding. Released buffers are recycled.
type BufferPool struct {
	size      int
	threshold int
	free      chan *PixelBuffer

	inUse     atomic.Int64
	gets      atomic.Uint64
	exhausted atomic.Uint64
	allocated atomic.Uint64
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Gets      uint64 // Get calls
	Exhausted uint64 // Get calls refused with ErrPoolExhausted
	Allocated uint64 // buffers ever allocated
	InUse     int    // buffers currently checked out
}

// NewBufferPool returns a pool of buffers of size bytes with at most
// threshold outstanding at once.
func NewBufferPool(size, threshold int) (*BufferPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("camera: invalid pixel buffer size %d", size)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("camera: invalid pool threshold %d", threshold)
	}
	return &BufferPool{
		size:      size,
		threshold: threshold,
		free:      make(chan *PixelBuffer, threshold),
	}, nil
}

// Size is the byte length of every buffer from this pool.
func (p *BufferPool) Size() int { return p.size }

// Get checks out a buffer holding one reference. Contents are not cleared.
func (p *BufferPool) Get() (*PixelBuffer, error) {
	p.gets.Add(1)
	for {
		n := p.inUse.Load()
		if n >= int64(p.threshold) {
			p.exhausted.Add(1)
			return nil, ErrPoolExhausted
		}
		if p.inUse.CompareAndSwap(n, n+1) {
			break
		}
	}

	var b *PixelBuffer
	select {
	case b = <-p.free:
	default:
		p.allocated.Add(1)
		b = &PixelBuffer{data: make([]byte, p.size), pool: p}
	}
	b.refs.Store(1)
	return b, nil
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Gets:      p.gets.Load(),
		Exhausted: p.exhausted.Load(),
		Allocated: p.allocated.Load(),
		InUse:     int(p.inUse.Load()),
	}
}

func (p *BufferPool) put(b *PixelBuffer) {
	select {
	case p.free <- b:
	default:
	}
	p.inUse.Add(-1)
}

// PixelBuffer is a reference counted frame buffer. Each holder calls Release
// exactly once; the last release returns the buffer to its pool.
type PixelBuffer struct {
	data []byte
	pool *BufferPool
	refs atomic.Int32
}

// NewPixelBuffer wraps data in a buffer that belongs to no pool.
func NewPixelBuffer(data []byte) *PixelBuffer {
	b := &PixelBuffer{data: data}
	b.refs.Store(1)
	return b
}

// Bytes exposes the pixel data. It must not be used after Release.
func (b *PixelBuffer) Bytes() []byte { return b.data }

// Retain adds a reference for an additional holder.
func (b *PixelBuffer) Retain() *PixelBuffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference.
func (b *PixelBuffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n < 0:
		panic("camera: pixel buffer released more times than retained")
	case n == 0 && b.pool != nil:
		b.pool.put(b)
	}
}
