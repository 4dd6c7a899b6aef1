// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/momentics/hioload-capture/api"
)

// FakeAllocator hands out heap memory as USERPTR buffers and attaches each
// region to a FakeDevice so completions are visible in the buffer bytes.
type FakeAllocator struct {
	dev *FakeDevice

	mu        sync.Mutex
	failAt    int
	allocated int
	freed     int
	live      map[int]bool
	begins    int
	ends      int
}

// NewFakeAllocator creates an allocator bound to dev. dev may be nil.
func NewFakeAllocator(dev *FakeDevice) *FakeAllocator {
	return &FakeAllocator{dev: dev, failAt: -1, live: make(map[int]bool)}
}

// FailAt makes Allocate fail for index. Negative disables.
func (a *FakeAllocator) FailAt(index int) {
	a.mu.Lock()
	a.failAt = index
	a.mu.Unlock()
}

func (a *FakeAllocator) Provenance() api.Provenance { return api.ProvenanceHeap }
func (a *FakeAllocator) Memory() api.MemoryKind     { return api.MemoryUserPtr }

// Allocate implements api.Allocator.
func (a *FakeAllocator) Allocate(index, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index == a.failAt {
		return nil, fmt.Errorf("%w: injected at index %d", api.ErrAllocationFailure, index)
	}
	mem := make([]byte, size)
	a.allocated++
	a.live[index] = true
	if a.dev != nil {
		a.dev.Attach(index, mem)
	}
	return mem, nil
}

// Describe implements api.Allocator.
func (a *FakeAllocator) Describe(index int, mem []byte) api.Descriptor {
	return api.Descriptor{
		Index:   index,
		Memory:  api.MemoryUserPtr,
		UserPtr: uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		Length:  len(mem),
	}
}

// Free implements api.Allocator.
func (a *FakeAllocator) Free(index int, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[index] {
		return fmt.Errorf("free of unallocated buffer %d", index)
	}
	delete(a.live, index)
	a.freed++
	if a.dev != nil {
		a.dev.Detach(index)
	}
	return nil
}

// BeginCPUAccess implements api.CPUSyncer.
func (a *FakeAllocator) BeginCPUAccess(int) error {
	a.mu.Lock()
	a.begins++
	a.mu.Unlock()
	return nil
}

// EndCPUAccess implements api.CPUSyncer.
func (a *FakeAllocator) EndCPUAccess(int) error {
	a.mu.Lock()
	a.ends++
	a.mu.Unlock()
	return nil
}

// Live returns how many regions are allocated and not yet freed.
func (a *FakeAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Counts returns allocate and free totals.
func (a *FakeAllocator) Counts() (allocated, freed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated, a.freed
}

// SyncCounts returns begin and end CPU access totals.
func (a *FakeAllocator) SyncCounts() (begins, ends int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.begins, a.ends
}

var (
	_ api.Allocator = (*FakeAllocator)(nil)
	_ api.CPUSyncer = (*FakeAllocator)(nil)
)
