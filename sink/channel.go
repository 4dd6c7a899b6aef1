// File: sink/channel.go
// Author: momentics <momentics@gmail.com>
//
// Channel sink: hands filled buffers to a reader goroutine and refills the
// engine from a byte pool.

package sink

import (
	"sync"

	"github.com/momentics/hioload-capture/api"
)

// ChannelSink publishes each filled buffer on a channel. Ownership moves to
// the reader, which should return buffers with Recycle once done. Handoff
// blocks while the channel is full.
type ChannelSink struct {
	out  chan []byte
	pool api.BytePool
	size int

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelSink creates a sink with depth queued frames and size-byte replacements.
func NewChannelSink(depth, size int, bp api.BytePool) *ChannelSink {
	return &ChannelSink{
		out:  make(chan []byte, depth),
		pool: bp,
		size: size,
		done: make(chan struct{}),
	}
}

// Handoff implements api.Sink. After Close the filled buffer is returned unchanged.
func (s *ChannelSink) Handoff(filled []byte) []byte {
	select {
	case <-s.done:
		return filled
	default:
	}
	select {
	case s.out <- filled:
		return s.pool.Acquire(s.size)
	case <-s.done:
		return filled
	}
}

// Frames is the stream of filled buffers.
func (s *ChannelSink) Frames() <-chan []byte { return s.out }

// Recycle returns a consumed buffer to the pool.
func (s *ChannelSink) Recycle(b []byte) { s.pool.Release(b) }

// Close unblocks pending and future hand-offs. The frame channel stays open
// so a hand-off racing with Close never sends on a closed channel.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

var _ api.Sink = (*ChannelSink)(nil)
