package pool

import (
	"fmt"
	"sync"
)

// FixedBufferPool hands out reusable byte slices of a single fixed size.
// Download and compression copies always use the configured I/O buffer size,
// so a single-size pool is enough and avoids bucket bookkeeping.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBufferPool creates a pool of buffers of `size` bytes.
// The size MUST be a power of two (e.g., 65536, 262144).
func NewFixedBufferPool(size int64) *FixedBufferPool {
	if !isPowerOfTwo(size) {
		panic(fmt.Sprintf("buffer size %d must be a power of two", size))
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a buffer from the pool, allocating if the pool is empty.
func (p *FixedBufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a different size are dropped
// instead of poisoning the pool.
func (p *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

// Size returns the fixed buffer size in bytes.
func (p *FixedBufferPool) Size() int64 {
	return p.size
}
