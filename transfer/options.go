// File: transfer/options.go
// Package transfer defines functional options for the Engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transfer

import (
	"github.com/momentics/hioload-capture/control"
	"go.uber.org/zap"
)

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches OpenTelemetry instruments.
func WithMetrics(m *control.EngineMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCPU pins the completion goroutine's OS thread to cpu. Negative disables pinning.
func WithCPU(cpu int) EngineOption {
	return func(e *Engine) {
		e.cpu = cpu
	}
}
