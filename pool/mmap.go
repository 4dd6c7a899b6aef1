// File: pool/mmap.go
// Author: momentics <momentics@gmail.com>
//
// Allocator for driver-owned memory exported through mmap (V4L2_MEMORY_MMAP).

package pool

import (
	"fmt"

	"github.com/momentics/hioload-capture/api"
)

// MappedDevice is a capture device able to export its buffers.
type MappedDevice interface {
	api.CaptureDevice
	api.Mapper
}

// MmapAllocator maps the slots the driver allocated. The mapping between buffer
// and device index is fixed.
type MmapAllocator struct {
	dev MappedDevice
}

// NewMmapAllocator returns an allocator mapping dev's buffers. The device must
// implement api.Mapper.
func NewMmapAllocator(dev api.CaptureDevice) (*MmapAllocator, error) {
	md, ok := dev.(MappedDevice)
	if !ok {
		return nil, fmt.Errorf("%w: device cannot map buffers", api.ErrNotSupported)
	}
	return &MmapAllocator{dev: md}, nil
}

func (a *MmapAllocator) Provenance() api.Provenance { return api.ProvenanceMapped }
func (a *MmapAllocator) Memory() api.MemoryKind     { return api.MemoryMmap }

// Allocate queries slot index and maps it. The driver decides the length; a
// slot shorter than size is rejected.
func (a *MmapAllocator) Allocate(index, size int) ([]byte, error) {
	db, err := a.dev.QueryBuffer(index)
	if err != nil {
		return nil, fmt.Errorf("%w: query buffer %d: %v", api.ErrAllocationFailure, index, err)
	}
	length := db.Length
	if length == 0 {
		length = size
	}
	if length < size {
		return nil, fmt.Errorf("%w: buffer %d: driver length %d < %d", api.ErrAllocationFailure, index, length, size)
	}
	mem, err := a.dev.Map(db.Offset, length)
	if err != nil {
		return nil, fmt.Errorf("%w: map buffer %d: %v", api.ErrAllocationFailure, index, err)
	}
	return mem, nil
}

// Describe only needs the index: the driver knows where the slot lives.
func (a *MmapAllocator) Describe(index int, _ []byte) api.Descriptor {
	return api.Descriptor{Index: index, Memory: api.MemoryMmap}
}

// Free unmaps the slot.
func (a *MmapAllocator) Free(_ int, mem []byte) error {
	return a.dev.Unmap(mem)
}
