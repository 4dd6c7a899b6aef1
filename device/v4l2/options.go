// File: device/v4l2/options.go
// Author: momentics <momentics@gmail.com>
//
// Functional options for opening a capture device.

package v4l2

import (
	"github.com/momentics/hioload-capture/internal/ioctl"
	"go.uber.org/zap"
)

// Mode selects how completed buffers are waited for.
type Mode int

const (
	ModePoll Mode = iota
	ModeBlocking
)

func (m Mode) String() string {
	if m == ModeBlocking {
		return "blocking"
	}
	return "poll"
}

// DefaultIoctlAttempts bounds retries of transient ioctl failures.
const DefaultIoctlAttempts = ioctl.DefaultAttempts

type options struct {
	mode     Mode
	attempts int
	logger   *zap.Logger
}

func defaultOptions() options {
	return options{mode: ModePoll, attempts: DefaultIoctlAttempts, logger: zap.NewNop()}
}

// Option customizes Open.
type Option func(*options)

// WithMode selects poll-gated or blocking dequeue.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithIoctlAttempts overrides the number of attempts per ioctl (minimum 1).
func WithIoctlAttempts(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.attempts = n
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
