// File: sink/writer.go
// Author: momentics <momentics@gmail.com>
//
// Raw record writer sink.

package sink

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-capture/api"
	"go.uber.org/zap"
)

// DefaultWriteBuffer is the bufio size used by NewWriterSink.
const DefaultWriteBuffer = 1 << 20

// WriterSink appends every filled span to an io.Writer and hands the same
// slice back as the replacement. The first write error is latched; later
// frames are counted as discarded.
type WriterSink struct {
	w      *bufio.Writer
	logger *zap.Logger

	mu  sync.Mutex
	err error

	frames    atomic.Uint64
	bytes     atomic.Uint64
	discarded atomic.Uint64
}

// NewWriterSink buffers writes to w.
func NewWriterSink(w io.Writer, logger *zap.Logger) *WriterSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriterSink{w: bufio.NewWriterSize(w, DefaultWriteBuffer), logger: logger}
}

// Handoff implements api.Sink.
func (s *WriterSink) Handoff(filled []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.discarded.Add(1)
		return filled
	}
	n, err := s.w.Write(filled)
	s.bytes.Add(uint64(n))
	if err != nil {
		s.err = err
		s.logger.Error("Sink write failed, discarding further frames", zap.Error(err))
		return filled
	}
	s.frames.Add(1)
	return filled
}

// Flush writes any buffered data.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		s.err = err
	}
	return s.err
}

// Err returns the latched write error.
func (s *WriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frames returns how many spans were written.
func (s *WriterSink) Frames() uint64 { return s.frames.Load() }

// Bytes returns how many bytes were accepted by the writer.
func (s *WriterSink) Bytes() uint64 { return s.bytes.Load() }

// Discarded returns how many spans were skipped after a write error.
func (s *WriterSink) Discarded() uint64 { return s.discarded.Load() }

var _ api.Sink = (*WriterSink)(nil)
