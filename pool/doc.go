// Package pool
// Author: momentics <momentics@gmail.com>
//
// Capture buffer pooling for the streaming transfer engine.
//
// A BufferPool owns a fixed number of device-addressable buffers for one streaming
// session. Memory comes from exactly one Allocator chosen at construction:
//   - HeapAllocator: page-aligned process memory, submitted as USERPTR
//   - MmapAllocator: driver memory exported through mmap, submitted by index
//   - DMAHeapAllocator: dma-buf handles from /dev/dma_heap, submitted as DMABUF
//
// Each Buffer carries an owner tag moved with compare-and-swap, so a buffer is never
// held by two parties. BytePool recycles the consumer-side slices sinks hand back.
package pool
