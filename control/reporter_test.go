package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-capture/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubCounters struct {
	mu    sync.Mutex
	next  api.CounterSnapshot
	calls int
}

func (s *stubCounters) ExchangeCounters() api.CounterSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := s.next
	s.next = api.CounterSnapshot{}
	return out
}

func (s *stubCounters) set(c api.CounterSnapshot) {
	s.mu.Lock()
	s.next = c
	s.mu.Unlock()
}

func (s *stubCounters) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRateReporter_Report(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	src := &stubCounters{}
	reg := NewMetricsRegistry()
	r := NewRateReporter(src, time.Second, zap.New(core), reg)

	base := time.Unix(1000, 0)
	r.last = base
	r.now = func() time.Time { return base.Add(2 * time.Second) }
	src.set(api.CounterSnapshot{Acquired: 60, Transferred: 50, Dropped: 10})

	rates := r.Report()
	assert.Equal(t, 2*time.Second, rates.Window)
	assert.InDelta(t, 30.0, rates.Acquired, 1e-9)
	assert.InDelta(t, 25.0, rates.Transferred, 1e-9)
	assert.InDelta(t, 5.0, rates.Dropped, 1e-9)

	assert.Equal(t, 1, logs.FilterMessage("Transfer rate").Len())
	assert.Equal(t, 1, logs.FilterMessage("Frames dropped, consumer is not keeping up").Len())
	assert.Equal(t, 30.0, reg.GetSnapshot()["rate.acquired"])
}

func TestRateReporter_RunTicks(t *testing.T) {
	src := &stubCounters{}
	r := NewRateReporter(src, 5*time.Millisecond, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return src.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRateReporter_SetIntervalPauses(t *testing.T) {
	src := &stubCounters{}
	r := NewRateReporter(src, time.Hour, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.SetInterval(2 * time.Millisecond)
	assert.Equal(t, 2*time.Millisecond, r.Interval())
	require.Eventually(t, func() bool { return src.count() >= 3 }, time.Second, time.Millisecond)

	r.SetInterval(0)
	time.Sleep(10 * time.Millisecond)
	paused := src.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, src.count(), "non-positive interval pauses reporting")

	cancel()
	require.NoError(t, <-done)
}
