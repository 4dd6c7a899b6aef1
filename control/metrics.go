// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Engine telemetry: OpenTelemetry instruments plus a thread-safe snapshot
// registry for the most recent reported rates.

package control

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MeterName is the instrumentation scope used when no meter is supplied.
const MeterName = "hioload.capture.transfer"

// EngineMetrics records transfer engine activity. A nil *EngineMetrics is a
// valid no-op recorder, and any instrument that failed to register is skipped.
type EngineMetrics struct {
	acquired    metric.Int64Counter
	dropped     metric.Int64Counter
	transferred metric.Int64Counter
	faults      metric.Int64Counter
	backlog     metric.Int64Gauge
	handoff     metric.Float64Histogram
}

// NewEngineMetrics registers the engine instruments on meter. A nil meter
// falls back to the global provider.
func NewEngineMetrics(meter metric.Meter, logger *zap.Logger) *EngineMetrics {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &EngineMetrics{}
	var err error

	m.acquired, err = meter.Int64Counter("capture_frames_acquired_total",
		metric.WithDescription("Buffers completed by the device"),
		metric.WithUnit("1"))
	if err != nil {
		logger.Debug("Failed to create acquired counter", zap.Error(err))
		m.acquired = nil
	}

	m.dropped, err = meter.Int64Counter("capture_frames_dropped_total",
		metric.WithDescription("Completed buffers evicted from a full backlog"),
		metric.WithUnit("1"))
	if err != nil {
		logger.Debug("Failed to create dropped counter", zap.Error(err))
		m.dropped = nil
	}

	m.transferred, err = meter.Int64Counter("capture_frames_transferred_total",
		metric.WithDescription("Buffers handed to the downstream sink"),
		metric.WithUnit("1"))
	if err != nil {
		logger.Debug("Failed to create transferred counter", zap.Error(err))
		m.transferred = nil
	}

	m.faults, err = meter.Int64Counter("capture_engine_faults_total",
		metric.WithDescription("Engine faults by kind"),
		metric.WithUnit("1"))
	if err != nil {
		logger.Debug("Failed to create fault counter", zap.Error(err))
		m.faults = nil
	}

	m.backlog, err = meter.Int64Gauge("capture_backlog_depth",
		metric.WithDescription("Completed buffers waiting for the consumer"),
		metric.WithUnit("1"))
	if err != nil {
		logger.Debug("Failed to create backlog gauge", zap.Error(err))
		m.backlog = nil
	}

	m.handoff, err = meter.Float64Histogram("capture_handoff_duration_seconds",
		metric.WithDescription("Time spent in the downstream hand-off"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1))
	if err != nil {
		logger.Debug("Failed to create hand-off histogram", zap.Error(err))
		m.handoff = nil
	}
	return m
}

// SessionAttributes tags every measurement with the session id.
func SessionAttributes(session string) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("session", session)))
}

// FrameAcquired counts one device completion and records the backlog depth after it.
func (m *EngineMetrics) FrameAcquired(ctx context.Context, backlog int, opt metric.MeasurementOption) {
	if m == nil {
		return
	}
	if m.acquired != nil {
		m.acquired.Add(ctx, 1, opt)
	}
	if m.backlog != nil {
		m.backlog.Record(ctx, int64(backlog), opt)
	}
}

// FrameDropped counts one eviction.
func (m *EngineMetrics) FrameDropped(ctx context.Context, opt metric.MeasurementOption) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, opt)
}

// FrameTransferred counts one hand-off and its duration.
func (m *EngineMetrics) FrameTransferred(ctx context.Context, d time.Duration, opt metric.MeasurementOption) {
	if m == nil {
		return
	}
	if m.transferred != nil {
		m.transferred.Add(ctx, 1, opt)
	}
	if m.handoff != nil {
		m.handoff.Record(ctx, d.Seconds(), opt)
	}
}

// Fault counts an engine fault of the given kind.
func (m *EngineMetrics) Fault(ctx context.Context, kind string, session string) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session", session),
		attribute.String("kind", kind)))
}

// MetricsRegistry holds the latest values published by the rate reporter.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns a copy of the latest values.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// Updated returns the time of the last Set.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
