// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-count capture buffer pool built on one Allocator.
// The pool is created once per streaming session and destroyed only at teardown.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/momentics/hioload-capture/api"
	"go.uber.org/zap"
)

// Config sizes a BufferPool.
type Config struct {
	Count  int
	Size   int
	Logger *zap.Logger
}

// BufferPool owns a closed set of buffers. Every index is always accounted for in
// exactly one owner state.
type BufferPool struct {
	dev     api.CaptureDevice
	alloc   api.Allocator
	logger  *zap.Logger
	size    int
	buffers []*Buffer
	free    chan *Buffer

	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	torn bool
}

// NewBufferPool requests exactly cfg.Count slots from dev and backs each of them
// with memory from alloc. A short grant or an allocation failure aborts
// construction with an initialization error; nothing is left allocated.
func NewBufferPool(dev api.CaptureDevice, alloc api.Allocator, cfg Config) (*BufferPool, error) {
	if cfg.Count <= 0 || cfg.Size <= 0 {
		return nil, api.NewError(api.KindInitialization, "pool config",
			fmt.Errorf("%w: count=%d size=%d", api.ErrInvalidConfig, cfg.Count, cfg.Size))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	granted, err := dev.RequestBuffers(cfg.Count, alloc.Memory())
	if err != nil {
		return nil, api.NewError(api.KindInitialization, "request buffers", err)
	}
	if granted != cfg.Count {
		if _, rerr := dev.RequestBuffers(0, alloc.Memory()); rerr != nil {
			logger.Warn("Failed to release partial buffer grant", zap.Error(rerr))
		}
		return nil, api.NewError(api.KindInitialization, "request buffers",
			fmt.Errorf("%w: requested %d, granted %d", api.ErrBufferShortfall, cfg.Count, granted))
	}

	p := &BufferPool{
		dev:     dev,
		alloc:   alloc,
		logger:  logger,
		size:    cfg.Size,
		buffers: make([]*Buffer, 0, cfg.Count),
		free:    make(chan *Buffer, cfg.Count),
		closed:  make(chan struct{}),
	}
	for i := 0; i < cfg.Count; i++ {
		mem, err := alloc.Allocate(i, cfg.Size)
		if err != nil {
			p.freeAll()
			if _, rerr := dev.RequestBuffers(0, alloc.Memory()); rerr != nil {
				logger.Warn("Failed to release buffer grant", zap.Error(rerr))
			}
			if !errors.Is(err, api.ErrAllocationFailure) {
				err = fmt.Errorf("%w: %v", api.ErrAllocationFailure, err)
			}
			return nil, api.NewError(api.KindInitialization, "allocate", err).WithContext("index", i)
		}
		b := &Buffer{index: i, mem: mem, provenance: alloc.Provenance()}
		b.owner.Store(int32(api.OwnerPool))
		p.buffers = append(p.buffers, b)
		p.free <- b
	}

	logger.Info("Buffer pool ready",
		zap.Int("count", cfg.Count),
		zap.Int("size", cfg.Size),
		zap.Stringer("provenance", alloc.Provenance()),
		zap.Stringer("memory", alloc.Memory()))
	return p, nil
}

// Len returns the fixed number of buffers.
func (p *BufferPool) Len() int { return len(p.buffers) }

// BufferSize returns the per-buffer capacity requested at construction.
func (p *BufferPool) BufferSize() int { return p.size }

// Get returns the buffer for a device index, or nil when out of range.
func (p *BufferPool) Get(index int) *Buffer {
	if index < 0 || index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}

// Describe builds the device descriptor for b through the pool's allocator.
func (p *BufferPool) Describe(b *Buffer) api.Descriptor {
	return p.alloc.Describe(b.index, b.mem)
}

// Allocator returns the allocator the pool was built with.
func (p *BufferPool) Allocator() api.Allocator { return p.alloc }

// Acquire blocks until a free buffer is available and hands it to the caller
// as OwnerConsumer.
func (p *BufferPool) Acquire(ctx context.Context) (*Buffer, error) {
	return p.AcquireFor(ctx, api.OwnerConsumer)
}

// AcquireFor blocks until a free buffer is available and tags it with owner.
// It fails with api.ErrPoolClosed once the pool is interrupted or torn down.
func (p *BufferPool) AcquireFor(ctx context.Context, owner api.Owner) (*Buffer, error) {
	select {
	case <-p.closed:
		return nil, api.ErrPoolClosed
	default:
	}
	select {
	case b := <-p.free:
		if err := b.Transfer(api.OwnerPool, owner); err != nil {
			return nil, err
		}
		return b, nil
	case <-p.closed:
		return nil, api.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquireFor is the non-blocking form of AcquireFor.
func (p *BufferPool) TryAcquireFor(owner api.Owner) (*Buffer, bool) {
	select {
	case b := <-p.free:
		if err := b.Transfer(api.OwnerPool, owner); err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// Release returns b to the free set. Only the consumer or the backlog may
// release; releasing a pool- or device-owned buffer is an ownership violation.
func (p *BufferPool) Release(b *Buffer) error {
	if b == nil || p.Get(b.index) != b {
		return fmt.Errorf("%w: foreign buffer", api.ErrOwnership)
	}
	from := b.Owner()
	if from != api.OwnerConsumer && from != api.OwnerBacklog {
		return fmt.Errorf("%w: release of buffer %d held by %s", api.ErrOwnership, b.index, from)
	}
	if err := b.Transfer(from, api.OwnerPool); err != nil {
		return err
	}
	b.length = 0
	p.free <- b
	return nil
}

// ReclaimFromDevice marks every device-owned buffer as returned to the pool.
// Only valid after stream-off, which hands all queued buffers back to user space.
func (p *BufferPool) ReclaimFromDevice() int {
	n := 0
	for _, b := range p.buffers {
		if b.Transfer(api.OwnerDevice, api.OwnerPool) == nil {
			b.length = 0
			p.free <- b
			n++
		}
	}
	return n
}

// Interrupt wakes every blocked acquirer with api.ErrPoolClosed.
func (p *BufferPool) Interrupt() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Census counts buffers per owner.
func (p *BufferPool) Census() api.Census {
	c := api.Census{}
	for _, b := range p.buffers {
		c[b.Owner()]++
	}
	return c
}

// Teardown frees every buffer and releases the device grant.
// It refuses while any buffer is still queued to the device. Idempotent.
func (p *BufferPool) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.torn {
		return nil
	}
	if n := p.Census()[api.OwnerDevice]; n > 0 {
		return fmt.Errorf("%w: %d", api.ErrBuffersQueued, n)
	}
	p.Interrupt()
	err := p.freeAll()
	if _, rerr := p.dev.RequestBuffers(0, p.alloc.Memory()); rerr != nil {
		err = errors.Join(err, fmt.Errorf("release buffer grant: %w", rerr))
	}
	p.torn = true
	p.logger.Debug("Buffer pool torn down", zap.Int("count", len(p.buffers)))
	return err
}

// TornDown reports whether Teardown completed.
func (p *BufferPool) TornDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.torn
}

func (p *BufferPool) freeAll() error {
	var err error
	for _, b := range p.buffers {
		if b.mem == nil {
			continue
		}
		if ferr := p.alloc.Free(b.index, b.mem); ferr != nil {
			err = errors.Join(err, fmt.Errorf("free buffer %d: %w", b.index, ferr))
		}
		b.mem = nil
		b.length = 0
	}
	return err
}
