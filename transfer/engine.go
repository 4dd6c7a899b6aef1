// File: transfer/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transfer engine: completion goroutine, consumer pump, and the start/stop
// life cycle that keeps every buffer accounted for.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/momentics/hioload-capture/affinity"
	"github.com/momentics/hioload-capture/api"
	"github.com/momentics/hioload-capture/control"
	"github.com/momentics/hioload-capture/internal/concurrency"
	"github.com/momentics/hioload-capture/pool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// errStopped ends a loop whose session is shutting down. Never returned to callers.
var errStopped = errors.New("session stopped")

// Engine moves filled capture buffers from a device to a Sink.
//
// Start, Stop, Stats and ExchangeCounters are safe for concurrent use. Run is
// the consumer pump and must be driven by one goroutine per session.
type Engine struct {
	cfg     Config
	dev     api.CaptureDevice
	alloc   api.Allocator
	sink    api.Sink
	logger  *zap.Logger
	metrics *control.EngineMetrics
	cpu     int

	mu    sync.Mutex // serializes Start and Stop
	state atomic.Int32
	cur   atomic.Pointer[session]

	acquired    atomic.Uint64
	dropped     atomic.Uint64
	transferred atomic.Uint64

	rAcquired    atomic.Uint64
	rDropped     atomic.Uint64
	rTransferred atomic.Uint64
}

// session is the state of one Start..Stop cycle.
type session struct {
	id      string
	log     *zap.Logger
	attrs   metric.MeasurementOption
	pool    *pool.BufferPool
	backlog *concurrency.FreeList
	syncer  api.CPUSyncer

	ctx      context.Context
	cancel   context.CancelFunc
	compDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	stop     atomic.Bool
	pumping  atomic.Bool

	pumpMu sync.Mutex // held for the whole of one pump iteration
	active []byte

	replMu sync.Mutex
	owed   int // preload replacements the empty pool could not supply

	faultMu sync.Mutex
	fault   error
	cleaned bool // guarded by Engine.mu
}

func (s *session) err() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

func (s *session) closeDone() { s.doneOnce.Do(func() { close(s.done) }) }

// New validates cfg and builds an idle engine.
func New(cfg Config, dev api.CaptureDevice, alloc api.Allocator, sink api.Sink, opts ...EngineOption) (*Engine, error) {
	if dev == nil || alloc == nil || sink == nil {
		return nil, fmt.Errorf("%w: device, allocator and sink are required", api.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		dev:    dev,
		alloc:  alloc,
		sink:   sink,
		logger: zap.NewNop(),
		cpu:    -1,
	}
	for _, o := range opts {
		o(e)
	}
	e.state.Store(int32(api.StateIdle))
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns the current life-cycle state.
func (e *Engine) State() api.EngineState { return api.EngineState(e.state.Load()) }

// Err returns the fault that ended the current session, if any.
func (e *Engine) Err() error {
	if s := e.cur.Load(); s != nil {
		return s.err()
	}
	return nil
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed when the current session stops or faults.
func (e *Engine) Done() <-chan struct{} {
	if s := e.cur.Load(); s != nil {
		return s.done
	}
	return closedChan
}

// Start negotiates the format, builds the buffer pool, submits the initial
// buffers, turns the stream on and launches the completion goroutine.
// initial becomes the first active buffer handed downstream; nil allocates one.
// Any failure rolls back everything acquired so far and returns an
// initialization error.
func (e *Engine) Start(ctx context.Context, initial []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.cur.Load(); s != nil && !s.cleaned {
		return api.ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	s := &session{
		id:       id,
		log:      e.logger.With(zap.String("session", id)),
		attrs:    control.SessionAttributes(id),
		compDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.syncer, _ = e.alloc.(api.CPUSyncer)
	e.cur.Store(s)
	e.state.Store(int32(api.StateStarting))
	e.resetCounters()

	size, err := e.bufferSize()
	if err != nil {
		return e.abort(s, err)
	}

	p, err := pool.NewBufferPool(e.dev, e.alloc, pool.Config{
		Count:  e.cfg.BufferCount,
		Size:   size,
		Logger: s.log,
	})
	if err != nil {
		return e.abort(s, err)
	}
	s.pool = p

	s.backlog, err = concurrency.NewFreeList(e.cfg.BacklogCapacity, e.cfg.AllowDrop)
	if err != nil {
		return e.abort(s, api.NewError(api.KindInitialization, "backlog", err))
	}

	for i := 0; i < e.cfg.inFlight(); i++ {
		b, ok := p.TryAcquireFor(api.OwnerDevice)
		if !ok {
			return e.abort(s, api.NewError(api.KindInitialization, "preload", api.ErrBufferShortfall))
		}
		if err := e.dev.Enqueue(p.Describe(b)); err != nil {
			return e.abort(s, api.NewError(api.KindInitialization, "enqueue", err).WithContext("index", b.Index()))
		}
	}

	if err := e.dev.StreamOn(); err != nil {
		return e.abort(s, api.NewError(api.KindInitialization, "stream on", err))
	}

	s.active = initial
	if s.active == nil {
		s.active = make([]byte, 0, size)
	}

	e.state.Store(int32(api.StateRunning))
	go e.complete(s)

	s.log.Info("Transfer engine started",
		zap.Int("buffers", e.cfg.BufferCount),
		zap.Int("buffer_size", size),
		zap.Int("backlog", e.cfg.BacklogCapacity),
		zap.Bool("allow_drop", e.cfg.AllowDrop),
		zap.Stringer("policy", e.cfg.Policy),
		zap.Int("in_flight", e.cfg.inFlight()))
	return nil
}

// abort unwinds a failed Start. Called with e.mu held.
func (e *Engine) abort(s *session, err error) error {
	if !api.IsInitialization(err) {
		err = api.NewError(api.KindInitialization, "start", err)
	}
	s.faultMu.Lock()
	s.fault = err
	s.faultMu.Unlock()

	e.halt(s)
	if rerr := e.release(s); rerr != nil {
		s.log.Warn("Rollback after failed start was incomplete", zap.Error(rerr))
	}
	s.cleaned = true
	e.state.Store(int32(api.StateFaulted))
	s.closeDone()
	e.metrics.Fault(context.Background(), api.KindInitialization.String(), s.id)
	s.log.Error("Transfer engine failed to start", zap.Error(err))
	return err
}

// bufferSize applies the configured format and resolves the per-buffer size.
func (e *Engine) bufferSize() (int, error) {
	size := e.cfg.BufferSize
	if e.cfg.Format.Width != 0 || size == 0 {
		n, err := e.dev.NegotiateFormat(e.cfg.Format)
		if err != nil {
			return 0, api.NewError(api.KindInitialization, "negotiate format", err)
		}
		if size == 0 {
			size = n
		}
	}
	if size <= 0 {
		return 0, api.NewError(api.KindInitialization, "negotiate format",
			fmt.Errorf("%w: buffer size %d", api.ErrInvalidConfig, size))
	}
	return size, nil
}

// complete is the completion goroutine: dequeue, stage into the backlog, and
// keep the device fed according to the policy.
func (e *Engine) complete(s *session) {
	defer close(s.compDone)

	if e.cpu >= 0 {
		if err := affinity.SetAffinity(e.cpu); err != nil {
			s.log.Warn("Failed to pin completion thread", zap.Int("cpu", e.cpu), zap.Error(err))
		} else {
			defer affinity.Release()
		}
	}

	for !s.stop.Load() {
		c, err := e.dev.Dequeue(s.ctx)
		if err != nil {
			if s.stop.Load() {
				s.log.Debug("Completion loop exiting", zap.Error(err))
				return
			}
			if api.IsShutdown(err) {
				e.ended(s, err)
				return
			}
			e.fail(s, api.NewError(api.KindStreaming, "dequeue", err))
			return
		}
		if err := e.onCompletion(s, c); err != nil {
			if s.stop.Load() {
				return
			}
			if errors.Is(err, errStopped) {
				e.ended(s, err)
				return
			}
			e.fail(s, err)
			return
		}
	}
}

// ended closes a session whose stream was shut down outside Stop, for example
// by an external stream-off. The pump drains out cleanly; Stop still releases.
func (e *Engine) ended(s *session, err error) {
	s.log.Info("Capture stream shut down", zap.Error(err))
	e.halt(s)
	s.closeDone()
}

func (e *Engine) onCompletion(s *session, c api.Completion) error {
	b := s.pool.Get(c.Index)
	if b == nil {
		return api.NewError(api.KindStreaming, "dequeue",
			fmt.Errorf("%w: completion for unknown buffer", api.ErrOwnership)).WithContext("index", c.Index)
	}
	if err := b.Transfer(api.OwnerDevice, api.OwnerBacklog); err != nil {
		return api.NewError(api.KindStreaming, "dequeue", err)
	}
	b.SetLen(c.Length)
	e.acquired.Add(1)
	e.rAcquired.Add(1)

	evicted, dropped, err := s.backlog.PushCompleted(c.Index)
	if err != nil {
		if rerr := s.pool.Release(b); rerr != nil {
			s.log.Warn("Failed to return completed buffer", zap.Int("index", c.Index), zap.Error(rerr))
		}
		return errStopped
	}
	e.metrics.FrameAcquired(s.ctx, s.backlog.Len(), s.attrs)

	if dropped {
		e.dropped.Add(1)
		e.rDropped.Add(1)
		e.metrics.FrameDropped(s.ctx, s.attrs)
		eb := s.pool.Get(evicted)
		if err := eb.Transfer(api.OwnerBacklog, api.OwnerDevice); err != nil {
			return api.NewError(api.KindStreaming, "evict", err)
		}
		if ce := s.log.Check(zap.DebugLevel, "Backlog full, resubmitting oldest buffer"); ce != nil {
			ce.Write(zap.Int("evicted", evicted), zap.Int("completed", c.Index))
		}
		return e.requeue(s, eb)
	}

	if e.cfg.Policy == PolicyPreload {
		if rb := e.replacement(s); rb != nil {
			return e.requeue(s, rb)
		}
	}
	return nil
}

// replacement takes a free buffer for the device without blocking. When the
// pool is empty the debt is recorded and the consumer pays it back with the
// next buffer it finishes.
func (e *Engine) replacement(s *session) *pool.Buffer {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	if b, ok := s.pool.TryAcquireFor(api.OwnerDevice); ok {
		return b
	}
	s.owed++
	return nil
}

// requeue submits a device-owned buffer. Failures after stop, or ones the
// device reports as a shutdown, are expected; the buffer stays device-owned
// and is reclaimed on release.
func (e *Engine) requeue(s *session, b *pool.Buffer) error {
	if err := e.dev.Enqueue(s.pool.Describe(b)); err != nil {
		if s.stop.Load() || api.IsShutdown(err) {
			return errStopped
		}
		return api.NewError(api.KindStreaming, "enqueue", err).WithContext("index", b.Index())
	}
	return nil
}

// Run is the consumer pump. It blocks until the session stops, the engine
// faults, or ctx ends. A clean stop returns nil; a fault returns the fault.
func (e *Engine) Run(ctx context.Context) error {
	s := e.cur.Load()
	if s != nil && e.State() == api.StateFaulted {
		if err := s.err(); err != nil {
			return err
		}
	}
	if s == nil || e.State() != api.StateRunning {
		return api.ErrNotRunning
	}
	if !s.pumping.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: consumer pump already running", api.ErrAlreadyStarted)
	}
	defer s.pumping.Store(false)

	for {
		err := e.pumpOnce(ctx, s)
		if err == nil {
			continue
		}
		if errors.Is(err, errStopped) || errors.Is(err, api.ErrFreeListClosed) {
			return s.err()
		}
		return err
	}
}

func (e *Engine) pumpOnce(ctx context.Context, s *session) error {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	if s.stop.Load() {
		return errStopped
	}
	idx, err := s.backlog.PopBlocking(ctx)
	if err != nil {
		return err
	}
	if err := e.transfer(ctx, s, idx); err != nil {
		return e.fail(s, err)
	}
	return nil
}

// transfer copies the completed span into the active buffer, hands it off and
// recycles the device buffer.
func (e *Engine) transfer(ctx context.Context, s *session, idx int) error {
	b := s.pool.Get(idx)
	if b == nil {
		return api.NewError(api.KindStreaming, "transfer",
			fmt.Errorf("%w: unknown buffer", api.ErrOwnership)).WithContext("index", idx)
	}
	if err := b.Transfer(api.OwnerBacklog, api.OwnerConsumer); err != nil {
		return api.NewError(api.KindStreaming, "transfer", err)
	}

	if s.syncer != nil {
		if err := s.syncer.BeginCPUAccess(idx); err != nil {
			return api.NewError(api.KindStreaming, "cpu sync", err).WithContext("index", idx)
		}
	}
	span := b.Bytes()
	if rs := e.cfg.RecordSize; rs > 0 {
		span = span[:len(span)-len(span)%rs]
	}
	filled := append(s.active[:0], span...)
	if s.syncer != nil {
		if err := s.syncer.EndCPUAccess(idx); err != nil {
			return api.NewError(api.KindStreaming, "cpu sync", err).WithContext("index", idx)
		}
	}

	start := time.Now()
	s.active = e.sink.Handoff(filled)
	e.transferred.Add(1)
	e.rTransferred.Add(1)
	e.metrics.FrameTransferred(ctx, time.Since(start), s.attrs)

	if e.cfg.Policy == PolicyPreload {
		s.replMu.Lock()
		if s.owed == 0 {
			err := s.pool.Release(b)
			s.replMu.Unlock()
			if err != nil {
				return api.NewError(api.KindStreaming, "release", err)
			}
			return nil
		}
		s.owed--
		s.replMu.Unlock()
	}
	if err := b.Transfer(api.OwnerConsumer, api.OwnerDevice); err != nil {
		return api.NewError(api.KindStreaming, "recycle", err)
	}
	if err := e.requeue(s, b); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

// fail records the first fault of a running session and halts it.
// The caller still has to Stop the engine to release device resources.
func (e *Engine) fail(s *session, err error) error {
	for {
		st := e.state.Load()
		if st != int32(api.StateRunning) && st != int32(api.StateStarting) {
			return err
		}
		if e.state.CompareAndSwap(st, int32(api.StateFaulted)) {
			break
		}
	}
	s.faultMu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.faultMu.Unlock()

	e.metrics.Fault(context.Background(), api.KindOf(err).String(), s.id)
	s.log.Error("Transfer engine fault", zap.Error(err))
	e.halt(s)
	s.closeDone()
	return err
}

// halt signals every session loop to exit and wakes anything blocked.
func (e *Engine) halt(s *session) {
	s.stop.Store(true)
	s.cancel()
	if s.backlog != nil {
		s.backlog.Close()
	}
	if s.pool != nil {
		s.pool.Interrupt()
	}
}

// Stop shuts the session down: it joins the completion goroutine, waits for an
// in-flight hand-off, turns the stream off, reclaims every buffer and tears
// the pool down. Stop is idempotent and also cleans up after a fault.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur.Load()
	if s == nil || s.cleaned {
		return nil
	}
	faulted := !e.state.CompareAndSwap(int32(api.StateRunning), int32(api.StateStopping))
	s.log.Info("Stopping transfer engine")

	e.halt(s)
	<-s.compDone
	s.pumpMu.Lock()
	s.pumpMu.Unlock() // waits out an in-flight hand-off

	err := e.release(s)
	s.cleaned = true
	if !faulted {
		if err != nil {
			e.state.Store(int32(api.StateFaulted))
		} else {
			e.state.Store(int32(api.StateStopped))
		}
	}
	s.closeDone()

	s.log.Info("Transfer engine stopped",
		zap.Uint64("acquired", e.acquired.Load()),
		zap.Uint64("transferred", e.transferred.Load()),
		zap.Uint64("dropped", e.dropped.Load()),
		zap.Error(err))
	return err
}

// release stops the stream and returns every buffer before tearing the pool down.
func (e *Engine) release(s *session) error {
	var err error
	streamOff := e.dev.StreamOff()
	if streamOff != nil && !api.IsShutdown(streamOff) {
		err = api.NewError(api.KindStreaming, "stream off", streamOff)
	}
	if s.pool == nil {
		return err
	}
	if s.backlog != nil {
		s.backlog.Drain()
	}
	for i := 0; i < s.pool.Len(); i++ {
		b := s.pool.Get(i)
		if o := b.Owner(); o == api.OwnerBacklog || o == api.OwnerConsumer {
			if rerr := s.pool.Release(b); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}
	if err == nil {
		if n := s.pool.ReclaimFromDevice(); n > 0 {
			s.log.Debug("Reclaimed buffers from device", zap.Int("count", n))
		}
	}
	if terr := s.pool.Teardown(); terr != nil {
		err = errors.Join(err, terr)
	}
	return err
}

// Stats returns a point-in-time view of the engine.
func (e *Engine) Stats() api.TransferStats {
	st := api.TransferStats{
		State:             e.State(),
		FramesAcquired:    e.acquired.Load(),
		FramesDropped:     e.dropped.Load(),
		FramesTransferred: e.transferred.Load(),
	}
	if s := e.cur.Load(); s != nil {
		st.Session = s.id
		if s.backlog != nil {
			st.BacklogLen = s.backlog.Len()
			st.BacklogCap = s.backlog.Cap()
		}
		if s.pool != nil {
			st.Census = s.pool.Census()
		}
	}
	return st
}

// ExchangeCounters returns the counts accumulated since the previous call and
// resets them. Lifetime totals in Stats are unaffected.
func (e *Engine) ExchangeCounters() api.CounterSnapshot {
	return api.CounterSnapshot{
		Acquired:    e.rAcquired.Swap(0),
		Dropped:     e.rDropped.Swap(0),
		Transferred: e.rTransferred.Swap(0),
	}
}

func (e *Engine) resetCounters() {
	e.acquired.Store(0)
	e.dropped.Store(0)
	e.transferred.Store(0)
	e.rAcquired.Store(0)
	e.rDropped.Store(0)
	e.rTransferred.Store(0)
}
