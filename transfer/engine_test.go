package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-capture/api"
	"github.com/momentics/hioload-capture/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testBufferSize = 64
	waitFor        = 2 * time.Second
	tick           = time.Millisecond
)

type harness struct {
	engine *Engine
	dev    *fake.FakeDevice
	alloc  *fake.FakeAllocator
	sink   *fake.FakeSink
}

func newHarness(t *testing.T, cfg Config, gated bool, opts ...EngineOption) *harness {
	t.Helper()
	dev := fake.NewFakeDevice(testBufferSize)
	alloc := fake.NewFakeAllocator(dev)
	sink := fake.NewFakeSink(gated)
	opts = append([]EngineOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(cfg, dev, alloc, sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{engine: e, dev: dev, alloc: alloc, sink: sink}
}

func (h *harness) runPump() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.engine.Run(context.Background()) }()
	return errc
}

// assertReleased checks that a stopped session left nothing behind.
func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	s := h.engine.cur.Load()
	require.NotNil(t, s)
	require.NotNil(t, s.pool)
	assert.True(t, s.pool.TornDown(), "pool must be torn down")
	assert.Empty(t, h.dev.Queued(), "device queue must be empty")
	assert.Zero(t, h.dev.Granted(), "device grant must be released")
	assert.Zero(t, h.alloc.Live(), "every buffer must be freed")
	assert.Empty(t, h.dev.Violations())
	census := s.pool.Census()
	assert.Equal(t, s.pool.Len(), census[api.OwnerPool])
}

func cfgWith(n, k int, drop bool, policy Policy) Config {
	return Config{
		BufferCount:     n,
		BacklogCapacity: k,
		AllowDrop:       drop,
		Policy:          policy,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero buffers", cfgWith(0, 1, true, PolicyImmediate), true},
		{"backlog equals count", cfgWith(4, 4, true, PolicyImmediate), true},
		{"backlog zero", cfgWith(4, 0, true, PolicyImmediate), true},
		{"negative size", Config{BufferCount: 4, BacklogCapacity: 2, BufferSize: -1}, true},
		{"unknown policy", Config{BufferCount: 4, BacklogCapacity: 2, Policy: Policy(9)}, true},
		{"preload", cfgWith(8, 4, false, PolicyPreload), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, api.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfigValidate_PreloadDefaults(t *testing.T) {
	cfg := cfgWith(2, 1, true, PolicyPreload)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Preload, "preload is clamped to the buffer count")

	cfg = cfgWith(16, 8, true, PolicyPreload)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPreload, cfg.Preload)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("preload")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreload, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyImmediate, p)

	_, err = ParsePolicy("eager")
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, fake.NewFakeAllocator(nil), fake.NewFakeSink(false))
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestEngine_BacklogDropsOldest(t *testing.T) {
	h := newHarness(t, cfgWith(16, 8, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.Len(t, h.dev.Queued(), 16)

	h.dev.Complete(10)
	require.Eventually(t, func() bool {
		st := h.engine.Stats()
		return st.FramesAcquired == 10 && st.FramesDropped == 2 && st.BacklogLen == 8
	}, waitFor, tick)

	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 8 }, waitFor, tick)
	s := h.engine.cur.Load()
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, s.backlog.Snapshot())
	assert.Equal(t, []int{0, 1, 10, 11, 12, 13, 14, 15}, h.dev.Queued(), "evicted buffers go back to the device")
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15, 0, 1}, h.dev.QueueOrder())

	st := h.engine.Stats()
	assert.Equal(t, 8, st.Census[api.OwnerDevice])
	assert.Equal(t, 8, st.Census[api.OwnerBacklog])
	assert.Equal(t, 16, st.Census.Total())

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, api.StateStopped, h.engine.State())
	h.assertReleased(t)
}

func TestEngine_DropCountProperty(t *testing.T) {
	for _, completions := range []int{3, 8, 9, 12, 40} {
		h := newHarness(t, cfgWith(16, 8, true, PolicyImmediate), false)
		require.NoError(t, h.engine.Start(context.Background(), nil))

		h.dev.Complete(completions)
		wantDropped := uint64(max(0, completions-8))
		require.Eventually(t, func() bool {
			st := h.engine.Stats()
			return st.FramesAcquired == uint64(completions) && st.FramesDropped == wantDropped
		}, waitFor, tick, "completions=%d", completions)
		assert.Equal(t, min(completions, 8), h.engine.Stats().BacklogLen)

		require.NoError(t, h.engine.Stop())
		h.assertReleased(t)
	}
}

func TestEngine_ImmediateRecyclesConsumedBuffers(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	errc := h.runPump()

	for i := 0; i < 12; i++ {
		h.dev.Complete(1)
		require.Eventually(t, func() bool { return h.sink.Count() == i+1 }, waitFor, tick)
		total := h.engine.Stats().Census.Total()
		assert.Equal(t, 4, total)
	}
	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 4 }, waitFor, tick)

	frames := h.sink.Frames()
	for i, f := range frames {
		require.Len(t, f, testBufferSize)
		assert.Equal(t, byte(i), f[0], "frame %d carries its completion sequence", i)
		assert.Equal(t, byte(i), f[len(f)-1])
	}

	st := h.engine.Stats()
	assert.EqualValues(t, 12, st.FramesAcquired)
	assert.EqualValues(t, 12, st.FramesTransferred)
	assert.Zero(t, st.FramesDropped)

	begins, ends := h.alloc.SyncCounts()
	assert.Equal(t, 12, begins)
	assert.Equal(t, 12, ends)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-errc)
	h.assertReleased(t)
}

func TestEngine_PreloadKeepsPace(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyPreload), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.Len(t, h.dev.Queued(), 4)
	errc := h.runPump()

	for i := 0; i < 20; i++ {
		h.dev.Complete(1)
		require.Eventually(t, func() bool { return h.sink.Count() == i+1 }, waitFor, tick)
	}
	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 4 }, waitFor, tick,
		"in-flight count stays constant")

	st := h.engine.Stats()
	assert.EqualValues(t, 20, st.FramesAcquired)
	assert.EqualValues(t, 20, st.FramesTransferred)
	assert.Zero(t, st.FramesDropped)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-errc)
	h.assertReleased(t)
}

func TestEngine_PreloadDropsWithoutConsumer(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyPreload), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	require.Len(t, h.dev.Queued(), 4)

	h.dev.Complete(6)
	require.Eventually(t, func() bool { return h.engine.Stats().FramesAcquired == 6 }, waitFor, tick,
		"completion side keeps dequeuing with an empty pool")

	st := h.engine.Stats()
	assert.EqualValues(t, 4, st.FramesDropped)
	assert.Equal(t, 2, st.BacklogLen)
	assert.Equal(t, 2, st.Census[api.OwnerDevice])
	assert.Equal(t, 2, st.Census[api.OwnerBacklog])
	assert.Len(t, h.dev.Queued(), 2)
	assert.Empty(t, h.dev.Violations())

	// A consumer catching up hands the withheld buffers back to the device.
	errc := h.runPump()
	require.Eventually(t, func() bool { return h.sink.Count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 4 }, waitFor, tick)
	assert.Zero(t, h.engine.Stats().Census[api.OwnerPool])

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-errc)
	h.assertReleased(t)
}

func TestEngine_PreloadStagesSubset(t *testing.T) {
	cfg := cfgWith(8, 4, true, PolicyPreload)
	cfg.Preload = 2
	h := newHarness(t, cfg, false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.Equal(t, []int{0, 1}, h.dev.Queued())

	h.dev.Complete(1)
	require.Eventually(t, func() bool { return h.engine.Stats().FramesAcquired == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 2 }, waitFor, tick)

	census := h.engine.Stats().Census
	assert.Equal(t, 2, census[api.OwnerDevice])
	assert.Equal(t, 1, census[api.OwnerBacklog])
	assert.Equal(t, 5, census[api.OwnerPool])

	require.NoError(t, h.engine.Stop())
	h.assertReleased(t)
}

func TestEngine_NoDropBlocksCompletionSide(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, false, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))

	h.dev.Complete(4)
	require.Eventually(t, func() bool { return h.dev.Delivered() == 3 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.dev.Delivered(), "completion side waits for room")
	assert.EqualValues(t, 3, h.engine.Stats().FramesAcquired)
	assert.Zero(t, h.engine.Stats().FramesDropped)

	require.NoError(t, h.engine.Stop())
	h.assertReleased(t)
}

func TestEngine_StartStopWithoutCompletions(t *testing.T) {
	h := newHarness(t, cfgWith(16, 8, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.Equal(t, api.StateRunning, h.engine.State())

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, api.StateStopped, h.engine.State())
	h.assertReleased(t)
	select {
	case <-h.engine.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}

	calls := h.dev.TotalCalls()
	require.NoError(t, h.engine.Stop())
	assert.Equal(t, calls, h.dev.TotalCalls(), "second Stop touches no device")
	assert.Equal(t, api.StateStopped, h.engine.State())
}

func TestEngine_RestartAfterStop(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	first := h.engine.Stats().Session
	require.NoError(t, h.engine.Stop())

	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.NotEqual(t, first, h.engine.Stats().Session)
	assert.Zero(t, h.engine.Stats().FramesAcquired)
	require.NoError(t, h.engine.Stop())
	h.assertReleased(t)
}

func TestEngine_StartTwice(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.ErrorIs(t, h.engine.Start(context.Background(), nil), api.ErrAlreadyStarted)
	require.NoError(t, h.engine.Stop())
}

func TestEngine_RunRequiresRunning(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	assert.ErrorIs(t, h.engine.Run(context.Background()), api.ErrNotRunning)
}

func TestEngine_StartFailures(t *testing.T) {
	tests := []struct {
		name   string
		inject func(h *harness)
		is     error
	}{
		{
			name:   "grant shortfall",
			inject: func(h *harness) { h.dev.LimitGrant(8) },
			is:     api.ErrBufferShortfall,
		},
		{
			name:   "allocation failure",
			inject: func(h *harness) { h.alloc.FailAt(3) },
			is:     api.ErrAllocationFailure,
		},
		{
			name:   "negotiation failure",
			inject: func(h *harness) { h.dev.Fail(fake.OpNegotiate, errors.New("EINVAL")) },
		},
		{
			name:   "stream on failure",
			inject: func(h *harness) { h.dev.Fail(fake.OpStreamOn, errors.New("EIO")) },
		},
		{
			name:   "enqueue failure",
			inject: func(h *harness) { h.dev.Fail(fake.OpEnqueue, errors.New("EINVAL")) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, cfgWith(16, 8, true, PolicyImmediate), false)
			tt.inject(h)

			err := h.engine.Start(context.Background(), nil)
			require.Error(t, err)
			assert.True(t, api.IsInitialization(err), "got %v", err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Equal(t, api.StateFaulted, h.engine.State())
			assert.Equal(t, err, h.engine.Err())
			assert.Zero(t, h.alloc.Live())
			assert.Zero(t, h.dev.Granted())
			assert.Empty(t, h.dev.Queued())
			assert.NoError(t, h.engine.Stop())
		})
	}
}

func TestEngine_RestartAfterFailedStart(t *testing.T) {
	h := newHarness(t, cfgWith(16, 8, true, PolicyImmediate), false)
	h.dev.LimitGrant(4)
	require.Error(t, h.engine.Start(context.Background(), nil))

	h.dev.LimitGrant(0)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	assert.Equal(t, api.StateRunning, h.engine.State())
	assert.NoError(t, h.engine.Err())
	require.NoError(t, h.engine.Stop())
	h.assertReleased(t)
}

func TestEngine_DequeueFaultTerminates(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	errc := h.runPump()

	h.dev.Fail(fake.OpDequeue, errors.New("EIO"))

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, api.IsStreaming(err), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("pump did not observe the fault")
	}
	<-h.engine.Done()
	assert.Equal(t, api.StateFaulted, h.engine.State())
	assert.True(t, api.IsStreaming(h.engine.Err()))

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, api.StateFaulted, h.engine.State())
	h.assertReleased(t)
}

func TestEngine_RunReportsFaultRaisedBeforePump(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))

	h.dev.Fail(fake.OpDequeue, errors.New("EIO"))
	select {
	case <-h.engine.Done():
	case <-time.After(waitFor):
		t.Fatal("fault did not end the session")
	}

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsStreaming(err), "got %v", err)
	assert.NotErrorIs(t, err, api.ErrNotRunning)
	assert.Equal(t, h.engine.Err(), err)

	require.NoError(t, h.engine.Stop())
	h.assertReleased(t)
}

func TestEngine_ExternalStreamOffEndsCleanly(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	errc := h.runPump()

	h.dev.Complete(1)
	require.Eventually(t, func() bool { return h.sink.Count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.dev.Queued()) == 4 }, waitFor, tick)

	require.NoError(t, h.dev.StreamOff())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("pump did not end after stream-off")
	}
	<-h.engine.Done()
	assert.NoError(t, h.engine.Err())
	assert.NotEqual(t, api.StateFaulted, h.engine.State())

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, api.StateStopped, h.engine.State())
	h.assertReleased(t)
}

func TestEngine_StopWaitsForInFlightHandoff(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), true)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	errc := h.runPump()

	h.dev.Complete(1)
	select {
	case <-h.sink.Entered():
	case <-time.After(waitFor):
		t.Fatal("hand-off never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.engine.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned during a hand-off")
	case <-time.After(30 * time.Millisecond):
	}

	h.sink.Release()
	require.NoError(t, <-stopped)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, h.sink.Count())
	h.assertReleased(t)
}

func TestEngine_RunHonorsContext(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.engine.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, api.StateRunning, h.engine.State())
	require.NoError(t, h.engine.Stop())
}

func TestEngine_ExchangeCounters(t *testing.T) {
	h := newHarness(t, cfgWith(8, 2, true, PolicyImmediate), false)
	require.NoError(t, h.engine.Start(context.Background(), nil))

	h.dev.Complete(5)
	require.Eventually(t, func() bool { return h.engine.Stats().FramesAcquired == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.engine.Stats().FramesDropped == 3 }, waitFor, tick)

	snap := h.engine.ExchangeCounters()
	assert.EqualValues(t, 5, snap.Acquired)
	assert.EqualValues(t, 3, snap.Dropped)
	assert.Zero(t, snap.Transferred)

	assert.Equal(t, api.CounterSnapshot{}, h.engine.ExchangeCounters(), "counters reset on read")
	assert.EqualValues(t, 5, h.engine.Stats().FramesAcquired, "lifetime totals survive the exchange")
	require.NoError(t, h.engine.Stop())
}

func TestEngine_RecordSizeTruncatesPartialRecords(t *testing.T) {
	cfg := cfgWith(4, 2, true, PolicyImmediate)
	cfg.RecordSize = 4
	h := newHarness(t, cfg, false)
	h.dev.SetFillLen(10)
	require.NoError(t, h.engine.Start(context.Background(), nil))
	errc := h.runPump()

	h.dev.Complete(1)
	require.Eventually(t, func() bool { return h.sink.Count() == 1 }, waitFor, tick)
	assert.Len(t, h.sink.Frames()[0], 8)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-errc)
}

func TestEngine_InitialBufferIsFirstActive(t *testing.T) {
	h := newHarness(t, cfgWith(4, 2, true, PolicyImmediate), false)
	initial := make([]byte, testBufferSize)
	for i := range initial {
		initial[i] = 0xff
	}
	require.NoError(t, h.engine.Start(context.Background(), initial[:0]))
	errc := h.runPump()

	h.dev.Complete(1)
	require.Eventually(t, func() bool { return h.sink.Count() == 1 }, waitFor, tick)
	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-errc)
	assert.Equal(t, byte(0), initial[0], "first frame is copied into the caller's buffer")
}
