// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
//
// Reusable consumer-side byte buffers handed back to the engine by sinks.

package pool

import "sync"

// BytePool recycles []byte of at least size bytes.
type BytePool struct {
	size int
	pool sync.Pool
}

// NewBytePool creates a pool of slices with capacity size.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, 0, bp.size)
		return &b
	}
	return bp
}

// Acquire returns an empty slice with capacity of at least n bytes.
func (bp *BytePool) Acquire(n int) []byte {
	b := *(bp.pool.Get().(*[]byte))
	if cap(b) < n {
		return make([]byte, 0, n)
	}
	return b[:0]
}

// Release returns buf to the pool. Slices smaller than the pool size are dropped.
func (bp *BytePool) Release(buf []byte) {
	if cap(buf) < bp.size {
		return
	}
	buf = buf[:0]
	bp.pool.Put(&buf)
}
