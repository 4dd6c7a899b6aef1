//go:build linux
// +build linux

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Linux DMA-heap allocator: dma-buf file descriptors mapped into the process.

package pool

import (
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/momentics/hioload-capture/api"
	"github.com/momentics/hioload-capture/internal/ioctl"
	"golang.org/x/sys/unix"
)

const (
	// _IOWR('H', 0, struct dma_heap_allocation_data)
	dmaHeapIoctlAlloc = 0xc0184800
	// _IOW('b', 0, struct dma_buf_sync)
	dmaBufIoctlSync = 0x40086200

	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncRW    = dmaBufSyncRead | dmaBufSyncWrite
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

// DefaultDMAHeapPath is where the kernel exposes dma-buf heaps.
const DefaultDMAHeapPath = "/dev/dma_heap"

type dmaHeapAllocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

type dmaBufSync struct {
	flags uint64
}

// DMAHeapAllocator allocates dma-buf backed buffers from a named heap
// (for example "linux,cma") and submits them as DMABUF descriptors.
type DMAHeapAllocator struct {
	heapFd int

	mu  sync.RWMutex
	fds map[int]int
}

// NewDMAHeapAllocator opens dir/name. An empty dir means DefaultDMAHeapPath.
func NewDMAHeapAllocator(dir, name string) (*DMAHeapAllocator, error) {
	if dir == "" {
		dir = DefaultDMAHeapPath
	}
	path := filepath.Join(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open dma heap %s: %v", api.ErrAllocationFailure, path, err)
	}
	return &DMAHeapAllocator{heapFd: fd, fds: make(map[int]int)}, nil
}

func (a *DMAHeapAllocator) Provenance() api.Provenance { return api.ProvenanceDMAHeap }
func (a *DMAHeapAllocator) Memory() api.MemoryKind     { return api.MemoryDMABuf }

// Allocate asks the heap for a dma-buf of size bytes and maps it read/write.
func (a *DMAHeapAllocator) Allocate(index, size int) ([]byte, error) {
	data := dmaHeapAllocationData{
		len:     uint64(size),
		fdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := ioctl.Do(a.heapFd, dmaHeapIoctlAlloc, unsafe.Pointer(&data), ioctl.DefaultAttempts); err != nil {
		return nil, fmt.Errorf("%w: dma heap alloc buffer %d: %v", api.ErrAllocationFailure, index, err)
	}
	fd := int(data.fd)
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap dma-buf %d: %v", api.ErrAllocationFailure, index, err)
	}
	a.mu.Lock()
	a.fds[index] = fd
	a.mu.Unlock()
	return mem, nil
}

// Describe reports the dma-buf handle of the buffer.
func (a *DMAHeapAllocator) Describe(index int, mem []byte) api.Descriptor {
	a.mu.RLock()
	fd, ok := a.fds[index]
	a.mu.RUnlock()
	if !ok {
		fd = -1
	}
	return api.Descriptor{Index: index, Memory: api.MemoryDMABuf, FD: fd, Length: len(mem)}
}

// BeginCPUAccess brackets CPU reads of a completed buffer.
func (a *DMAHeapAllocator) BeginCPUAccess(index int) error {
	return a.sync(index, dmaBufSyncStart|dmaBufSyncRW)
}

// EndCPUAccess hands the buffer back to the device domain.
func (a *DMAHeapAllocator) EndCPUAccess(index int) error {
	return a.sync(index, dmaBufSyncEnd|dmaBufSyncRW)
}

func (a *DMAHeapAllocator) sync(index int, flags uint64) error {
	a.mu.RLock()
	fd, ok := a.fds[index]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dma-buf %d: not allocated", index)
	}
	s := dmaBufSync{flags: flags}
	if err := ioctl.Do(fd, dmaBufIoctlSync, unsafe.Pointer(&s), ioctl.DefaultAttempts); err != nil {
		return fmt.Errorf("dma-buf %d sync: %w", index, err)
	}
	return nil
}

// Free unmaps the buffer and closes its dma-buf handle.
func (a *DMAHeapAllocator) Free(index int, mem []byte) error {
	err := unix.Munmap(mem)
	a.mu.Lock()
	fd, ok := a.fds[index]
	delete(a.fds, index)
	a.mu.Unlock()
	if ok {
		if cerr := unix.Close(fd); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Close releases the heap handle. Buffers must be freed first.
func (a *DMAHeapAllocator) Close() error {
	return unix.Close(a.heapFd)
}

var (
	_ api.Allocator = (*DMAHeapAllocator)(nil)
	_ api.CPUSyncer = (*DMAHeapAllocator)(nil)
)
