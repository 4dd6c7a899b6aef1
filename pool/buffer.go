// File: pool/buffer.go
// Author: momentics <momentics@gmail.com>
//
// Capture buffer with fixed memory and an exclusive owner tag.

package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-capture/api"
)

// Buffer is one slot of a BufferPool.
// Memory address and capacity are fixed for the life of the pool; only the fill
// length and the owner change.
type Buffer struct {
	index      int
	mem        []byte
	length     int
	provenance api.Provenance
	owner      atomic.Int32
}

// Index returns the device slot index.
func (b *Buffer) Index() int { return b.index }

// Cap returns the fixed capacity in bytes.
func (b *Buffer) Cap() int { return len(b.mem) }

// Len returns the current fill length.
func (b *Buffer) Len() int { return b.length }

// SetLen records how many bytes the device wrote. Clamped to capacity.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.mem) {
		n = len(b.mem)
	}
	b.length = n
}

// Bytes returns the filled span.
func (b *Buffer) Bytes() []byte { return b.mem[:b.length] }

// Memory returns the whole fixed region.
func (b *Buffer) Memory() []byte { return b.mem }

// Provenance reports where the memory lives.
func (b *Buffer) Provenance() api.Provenance { return b.provenance }

// Owner returns the current owner.
func (b *Buffer) Owner() api.Owner { return api.Owner(b.owner.Load()) }

// Transfer moves ownership from one party to another. It fails with
// api.ErrOwnership when the buffer is not currently held by from.
func (b *Buffer) Transfer(from, to api.Owner) error {
	if !b.owner.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: buffer %d owned by %s, expected %s (moving to %s)",
			api.ErrOwnership, b.index, b.Owner(), from, to)
	}
	return nil
}
