// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-capture/api"
)

// FakeSink records every hand-off and returns the same slice as replacement.
// A non-nil gate blocks each hand-off until a value is received from it.
type FakeSink struct {
	gate chan struct{}

	mu      sync.Mutex
	frames  [][]byte
	entered chan struct{}
}

// NewFakeSink creates a recording sink. Pass gated to hold hand-offs until Release.
func NewFakeSink(gated bool) *FakeSink {
	s := &FakeSink{entered: make(chan struct{}, 1024)}
	if gated {
		s.gate = make(chan struct{})
	}
	return s
}

// Handoff implements api.Sink.
func (s *FakeSink) Handoff(filled []byte) []byte {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), filled...))
	s.mu.Unlock()
	return filled
}

// Entered is signalled when a hand-off begins.
func (s *FakeSink) Entered() <-chan struct{} { return s.entered }

// Release lets one gated hand-off complete.
func (s *FakeSink) Release() { s.gate <- struct{}{} }

// Frames returns copies of every recorded hand-off.
func (s *FakeSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Count returns the number of completed hand-offs.
func (s *FakeSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

var _ api.Sink = (*FakeSink)(nil)
