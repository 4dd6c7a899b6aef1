//go:build !linux
// +build !linux

// File: pool/dmaheap_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package pool

import (
	"fmt"

	"github.com/momentics/hioload-capture/api"
)

// DefaultDMAHeapPath is where the kernel exposes dma-buf heaps.
const DefaultDMAHeapPath = "/dev/dma_heap"

// DMAHeapAllocator is only available on Linux.
type DMAHeapAllocator struct{}

// NewDMAHeapAllocator returns an error on unsupported platforms.
func NewDMAHeapAllocator(dir, name string) (*DMAHeapAllocator, error) {
	return nil, fmt.Errorf("%w: dma heap requires linux", api.ErrNotSupported)
}

func (a *DMAHeapAllocator) Provenance() api.Provenance { return api.ProvenanceDMAHeap }
func (a *DMAHeapAllocator) Memory() api.MemoryKind     { return api.MemoryDMABuf }
func (a *DMAHeapAllocator) Allocate(index, size int) ([]byte, error) {
	return nil, api.ErrNotSupported
}
func (a *DMAHeapAllocator) Describe(index int, mem []byte) api.Descriptor {
	return api.Descriptor{Index: index, Memory: api.MemoryDMABuf, FD: -1, Length: len(mem)}
}
func (a *DMAHeapAllocator) Free(int, []byte) error { return api.ErrNotSupported }
func (a *DMAHeapAllocator) Close() error           { return nil }
