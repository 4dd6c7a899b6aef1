// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package v4l2 implements api.CaptureDevice on top of the Linux Video4Linux2
// streaming I/O interface without cgo.
//
// Two dequeue modes are supported:
//   - ModePoll: the descriptor is non-blocking and VIDIOC_DQBUF is gated by an epoll
//     reactor; cancelling the dequeue context wakes the reactor.
//   - ModeBlocking: VIDIOC_DQBUF blocks in the kernel; cancelling the dequeue
//     context issues VIDIOC_STREAMOFF, which makes the driver return the call.
//
// Every ioctl is retried a bounded number of times on transient errors.
package v4l2
