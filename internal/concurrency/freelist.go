// File: internal/concurrency/freelist.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded hand-off of completed buffer indices between the completion goroutine
// and the consumer, with drop-oldest backpressure.

package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-capture/api"
)

// FreeList is a bounded FIFO of "completed, not yet consumed" buffer indices.
// One producer (completion side) and one consumer.
type FreeList struct {
	mu        sync.Mutex
	cond      *sync.Cond
	q         *queue.Queue
	capacity  int
	allowDrop bool
	closed    bool

	dropped atomic.Uint64
}

// NewFreeList creates a backlog holding at most capacity indices. With
// allowDrop false, PushCompleted blocks instead of evicting.
func NewFreeList(capacity int, allowDrop bool) (*FreeList, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: backlog capacity %d", api.ErrInvalidConfig, capacity)
	}
	l := &FreeList{
		q:         queue.New(),
		capacity:  capacity,
		allowDrop: allowDrop,
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// PushCompleted appends idx. When the backlog is full and dropping is enabled
// the oldest index is evicted and returned so the caller can resubmit it to the
// device; this never blocks. With dropping disabled it waits for room.
func (l *FreeList) PushCompleted(idx int) (evicted int, dropped bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, false, api.ErrFreeListClosed
	}
	if l.q.Length() >= l.capacity {
		if l.allowDrop {
			evicted = l.q.Remove().(int)
			dropped = true
			l.dropped.Add(1)
		} else {
			for l.q.Length() >= l.capacity && !l.closed {
				l.cond.Wait()
			}
			if l.closed {
				return 0, false, api.ErrFreeListClosed
			}
		}
	}
	l.q.Add(idx)
	l.cond.Broadcast()
	return evicted, dropped, nil
}

// PopBlocking removes the oldest index, waiting until one is available.
// It returns api.ErrFreeListClosed after Close and ctx.Err() when ctx ends.
func (l *FreeList) PopBlocking(ctx context.Context) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.q.Length() == 0 && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.closed {
		return 0, api.ErrFreeListClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	idx := l.q.Remove().(int)
	l.cond.Broadcast()
	return idx, nil
}

// TryPop is the non-blocking form of PopBlocking.
func (l *FreeList) TryPop() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.q.Length() == 0 {
		return 0, false
	}
	idx := l.q.Remove().(int)
	l.cond.Broadcast()
	return idx, true
}

// Close wakes every waiter. Remaining indices stay available through Drain.
func (l *FreeList) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Drain empties the backlog and returns its indices oldest first.
func (l *FreeList) Drain() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, l.q.Length())
	for l.q.Length() > 0 {
		out = append(out, l.q.Remove().(int))
	}
	l.cond.Broadcast()
	return out
}

// Snapshot returns the queued indices oldest first without removing them.
func (l *FreeList) Snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, l.q.Length())
	for i := range out {
		out[i] = l.q.Get(i).(int)
	}
	return out
}

// Len returns the number of queued indices.
func (l *FreeList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}

// Cap returns the backlog capacity.
func (l *FreeList) Cap() int { return l.capacity }

// Dropped returns how many indices were evicted since creation.
func (l *FreeList) Dropped() uint64 { return l.dropped.Load() }
