package ioutils

import "sync"

// DefaultBufferSize is the chunk size used for streaming copies.
const DefaultBufferSize = 4096

// BufferPool hands out fixed-size scratch buffers for streaming copies so
// each transfer reuses one bounded buffer instead of allocating per read.
//
// Usage:
//
//	buf := pool.Get()
//	defer pool.Put(buf)
//	n, err := body.Read(*buf)
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers. Non-positive sizes use
// DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

// Size returns the buffer length handed out by the pool.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a buffer. It must be returned with Put when done.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf != nil && len(*buf) == bp.size {
		bp.pool.Put(buf)
	}
}
