// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Allocator contracts: buffer provenance hidden behind one describe operation.

package api

// Allocator produces fixed memory for capture buffers and describes it for the device queue.
// An allocator is chosen once when a pool is built and never switched at runtime.
type Allocator interface {
	// Provenance reports where allocated memory lives.
	Provenance() Provenance

	// Memory is the streaming method the device must be configured with.
	Memory() MemoryKind

	// Allocate returns memory for device slot index. The returned slice must not
	// be moved or reallocated until Free is called. Failures wrap ErrAllocationFailure.
	Allocate(index, size int) ([]byte, error)

	// Describe builds the queue descriptor used every time the buffer is (re)submitted.
	Describe(index int, mem []byte) Descriptor

	// Free releases memory returned by Allocate.
	Free(index int, mem []byte) error
}

// CPUSyncer is implemented by allocators whose memory needs explicit cache
// maintenance around CPU access (DMA-heap buffers).
type CPUSyncer interface {
	BeginCPUAccess(index int) error
	EndCPUAccess(index int) error
}

// BytePool provides reusable []byte buffers for the consumer side of the engine.
type BytePool interface {
	// Acquire returns an empty slice with capacity of at least n bytes.
	Acquire(n int) []byte

	// Release returns a buffer to the pool
	Release(buf []byte)
}
