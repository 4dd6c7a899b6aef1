// File: pool/heap.go
// Author: momentics <momentics@gmail.com>
//
// Process-heap allocator for USERPTR streaming.

package pool

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/momentics/hioload-capture/api"
)

// HeapAllocator backs buffers with page-aligned Go heap memory and submits
// them as user pointers. The pool keeps every region referenced until Free,
// and the Go collector does not move heap objects.
type HeapAllocator struct {
	align int
}

// NewHeapAllocator creates a heap allocator aligned to the system page size.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{align: os.Getpagesize()}
}

func (a *HeapAllocator) Provenance() api.Provenance { return api.ProvenanceHeap }
func (a *HeapAllocator) Memory() api.MemoryKind     { return api.MemoryUserPtr }

// Allocate returns size bytes starting on a page boundary.
func (a *HeapAllocator) Allocate(index, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer %d: size %d", api.ErrAllocationFailure, index, size)
	}
	raw := make([]byte, size+a.align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(a.align)); rem != 0 {
		off = a.align - rem
	}
	return raw[off : off+size : off+size], nil
}

// Describe reports the user pointer and length of mem.
func (a *HeapAllocator) Describe(index int, mem []byte) api.Descriptor {
	d := api.Descriptor{Index: index, Memory: api.MemoryUserPtr, Length: len(mem)}
	if len(mem) > 0 {
		d.UserPtr = uintptr(unsafe.Pointer(&mem[0]))
	}
	return d
}

// Free drops the reference; the collector reclaims the memory.
func (a *HeapAllocator) Free(int, []byte) error { return nil }
