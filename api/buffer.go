// Package api
// Author: momentics
//
// Capture buffer provenance, ownership and device-queue descriptors.
//
// Buffers may be process heap, kernel memory-mapped regions, or DMA-heap backed memory.
// Their address and capacity never change once a pool has been built; only the fill
// length and the current owner move over the lifetime of a streaming session.

package api

// Provenance tags where the memory of a capture buffer comes from.
type Provenance int

const (
	ProvenanceHeap Provenance = iota
	ProvenanceMapped
	ProvenanceDMAHeap
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceHeap:
		return "heap"
	case ProvenanceMapped:
		return "mapped"
	case ProvenanceDMAHeap:
		return "dma-heap"
	default:
		return "unknown"
	}
}

// MemoryKind is the streaming I/O method negotiated with the capture queue.
// Values match enum v4l2_memory.
type MemoryKind uint32

const (
	MemoryMmap    MemoryKind = 1
	MemoryUserPtr MemoryKind = 2
	MemoryDMABuf  MemoryKind = 4
)

func (m MemoryKind) String() string {
	switch m {
	case MemoryMmap:
		return "mmap"
	case MemoryUserPtr:
		return "userptr"
	case MemoryDMABuf:
		return "dmabuf"
	default:
		return "unknown"
	}
}

// Owner identifies which party holds a buffer right now.
// A buffer has exactly one owner at any instant.
type Owner int32

const (
	OwnerPool Owner = iota
	OwnerDevice
	OwnerBacklog
	OwnerConsumer
)

func (o Owner) String() string {
	switch o {
	case OwnerPool:
		return "pool"
	case OwnerDevice:
		return "device"
	case OwnerBacklog:
		return "backlog"
	case OwnerConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Descriptor describes a buffer for submission to the capture queue.
// Which fields are meaningful depends on Memory:
//   - MemoryMmap: Index (fixed mapping between buffer and device slot)
//   - MemoryUserPtr: Index, UserPtr, Length
//   - MemoryDMABuf: Index, FD, Length
type Descriptor struct {
	Index   int
	Memory  MemoryKind
	UserPtr uintptr
	FD      int
	Length  int
}

// DeviceBuffer is what the capture device reports for one of its granted slots.
type DeviceBuffer struct {
	Index  int
	Offset uint32
	Length int
}

// Completion is a buffer the device has finished filling.
type Completion struct {
	Index    int
	Length   int
	Sequence uint32
}

// Census counts buffers per owner. The sum always equals the pool size.
type Census map[Owner]int

// Total returns the number of buffers accounted for.
func (c Census) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
