// control/reporter.go
// Author: momentics <momentics@gmail.com>
//
// Periodic transfer rate reporting from reset-on-read engine counters.

package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-capture/api"
	"go.uber.org/zap"
)

// CounterSource is implemented by the transfer engine.
type CounterSource interface {
	ExchangeCounters() api.CounterSnapshot
}

// Rates are per-second figures over one reporting window.
type Rates struct {
	Acquired    float64
	Dropped     float64
	Transferred float64
	Window      time.Duration
}

// RateReporter logs acquisition rates at a fixed, reloadable interval.
type RateReporter struct {
	src      CounterSource
	logger   *zap.Logger
	registry *MetricsRegistry
	interval atomic.Int64
	reset    chan struct{}
	now      func() time.Time
	last     time.Time
}

// NewRateReporter creates a reporter. registry may be nil.
func NewRateReporter(src CounterSource, interval time.Duration, logger *zap.Logger, registry *MetricsRegistry) *RateReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RateReporter{
		src:      src,
		logger:   logger,
		registry: registry,
		reset:    make(chan struct{}, 1),
		now:      time.Now,
	}
	r.interval.Store(int64(interval))
	return r
}

// SetInterval changes the reporting period. Takes effect on the next window.
func (r *RateReporter) SetInterval(d time.Duration) {
	if time.Duration(r.interval.Swap(int64(d))) == d {
		return
	}
	r.logger.Info("Report interval changed", zap.Duration("interval", d))
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current reporting period.
func (r *RateReporter) Interval() time.Duration { return time.Duration(r.interval.Load()) }

// Run reports until ctx ends. A non-positive interval pauses reporting.
func (r *RateReporter) Run(ctx context.Context) error {
	r.last = r.now()
	r.src.ExchangeCounters()
	for {
		d := r.Interval()
		var tick <-chan time.Time
		var timer *time.Timer
		if d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-r.reset:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			r.Report()
		}
	}
}

// Report exchanges the counters and logs the rates since the previous report.
func (r *RateReporter) Report() Rates {
	now := r.now()
	snap := r.src.ExchangeCounters()
	window := now.Sub(r.last)
	r.last = now

	rates := Rates{Window: window}
	if secs := window.Seconds(); secs > 0 {
		rates.Acquired = float64(snap.Acquired) / secs
		rates.Dropped = float64(snap.Dropped) / secs
		rates.Transferred = float64(snap.Transferred) / secs
	}
	r.logger.Info("Transfer rate",
		zap.Float64("acquired_per_sec", rates.Acquired),
		zap.Float64("transferred_per_sec", rates.Transferred),
		zap.Float64("dropped_per_sec", rates.Dropped),
		zap.Uint64("acquired", snap.Acquired),
		zap.Uint64("dropped", snap.Dropped),
		zap.Duration("window", window))
	if snap.Dropped > 0 {
		r.logger.Warn("Frames dropped, consumer is not keeping up", zap.Uint64("dropped", snap.Dropped))
	}
	if r.registry != nil {
		r.registry.Set("rate.acquired", rates.Acquired)
		r.registry.Set("rate.transferred", rates.Transferred)
		r.registry.Set("rate.dropped", rates.Dropped)
	}
	return rates
}
