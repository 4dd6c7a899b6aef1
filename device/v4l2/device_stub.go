//go:build !linux
// +build !linux

// File: device/v4l2/device_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package v4l2

import (
	"fmt"

	"github.com/momentics/hioload-capture/api"
)

// Device is only available on Linux.
type Device struct{ api.CaptureDevice }

// Open returns an error on unsupported platforms.
func Open(path string, opts ...Option) (*Device, error) {
	return nil, fmt.Errorf("%w: v4l2 requires linux", api.ErrNotSupported)
}
