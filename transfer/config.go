// File: transfer/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration and submission policies.

package transfer

import (
	"fmt"

	"github.com/momentics/hioload-capture/api"
)

// Policy selects how buffers are kept in flight with the device.
type Policy int

const (
	// PolicyImmediate submits every buffer at start and resubmits a consumed
	// buffer right after its hand-off. Index mapping is fixed.
	PolicyImmediate Policy = iota
	// PolicyPreload stages Config.Preload buffers before stream-on and queues a
	// replacement on every completion, keeping the in-flight count constant.
	PolicyPreload
)

func (p Policy) String() string {
	switch p {
	case PolicyImmediate:
		return "immediate"
	case PolicyPreload:
		return "preload"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "immediate":
		return PolicyImmediate, nil
	case "preload":
		return PolicyPreload, nil
	default:
		return 0, fmt.Errorf("%w: unknown policy %q", api.ErrInvalidConfig, s)
	}
}

// DefaultPreload is the number of buffers staged by PolicyPreload when unset.
// DMA paths usually need two queued buffers to switch transfers without stalling.
const DefaultPreload = 4

// Config holds engine construction inputs.
type Config struct {
	// BufferCount is the exact number of buffers requested from the device.
	BufferCount int
	// BufferSize in bytes. Zero derives it from format negotiation.
	BufferSize int
	// Format is applied before buffers are requested. A zero Width keeps the
	// device's current format.
	Format api.Format
	// RecordSize truncates each filled span to whole raw records when non-zero.
	RecordSize int
	// BacklogCapacity bounds completed-but-unconsumed buffers. Must be smaller
	// than BufferCount.
	BacklogCapacity int
	// AllowDrop evicts the oldest backlog entry when full. When false the
	// completion side waits for the consumer instead.
	AllowDrop bool
	Policy    Policy
	// Preload is used by PolicyPreload only.
	Preload int
}

// DefaultConfig mirrors the vendor MMAP path: 16 buffers, 8 staged for the consumer.
func DefaultConfig() Config {
	return Config{
		BufferCount:     16,
		BacklogCapacity: 8,
		AllowDrop:       true,
		Policy:          PolicyImmediate,
		Preload:         DefaultPreload,
	}
}

// Validate checks the configuration and fills policy defaults.
func (c *Config) Validate() error {
	if c.BufferCount <= 0 {
		return fmt.Errorf("%w: buffer count %d", api.ErrInvalidConfig, c.BufferCount)
	}
	if c.BufferSize < 0 || c.RecordSize < 0 {
		return fmt.Errorf("%w: negative buffer or record size", api.ErrInvalidConfig)
	}
	if c.BacklogCapacity <= 0 || c.BacklogCapacity >= c.BufferCount {
		return fmt.Errorf("%w: backlog capacity %d must be in [1, %d)", api.ErrInvalidConfig, c.BacklogCapacity, c.BufferCount)
	}
	switch c.Policy {
	case PolicyImmediate:
	case PolicyPreload:
		if c.Preload == 0 {
			c.Preload = DefaultPreload
		}
		if c.Preload > c.BufferCount {
			c.Preload = c.BufferCount
		}
		if c.Preload < 1 {
			return fmt.Errorf("%w: preload %d", api.ErrInvalidConfig, c.Preload)
		}
	default:
		return fmt.Errorf("%w: policy %d", api.ErrInvalidConfig, c.Policy)
	}
	return nil
}

// inFlight is the number of buffers submitted before stream-on.
func (c *Config) inFlight() int {
	if c.Policy == PolicyPreload {
		return c.Preload
	}
	return c.BufferCount
}
