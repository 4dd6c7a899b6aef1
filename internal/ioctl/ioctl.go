// File: internal/ioctl/ioctl.go
// Author: momentics <momentics@gmail.com>
//
// Package ioctl issues device control calls with a bounded retry of
// transient failures. Shared by the V4L2 device and the DMA-heap allocator.
package ioctl

// DefaultAttempts bounds retries of transient ioctl failures.
const DefaultAttempts = 2
