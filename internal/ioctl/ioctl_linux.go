//go:build linux
// +build linux

// File: internal/ioctl/ioctl_linux.go
// Author: momentics <momentics@gmail.com>

package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Transient reports whether errno may clear up on an immediate retry.
func Transient(errno unix.Errno) bool {
	return errno == unix.EINTR || errno == unix.EAGAIN || errno == unix.EBUSY
}

// Retry runs call until it succeeds, fails permanently, or attempts calls
// were made. attempts below 1 means a single call.
func Retry(attempts int, call func() unix.Errno) error {
	if attempts < 1 {
		attempts = 1
	}
	var errno unix.Errno
	for i := 0; i < attempts; i++ {
		if errno = call(); errno == 0 {
			return nil
		}
		if !Transient(errno) {
			break
		}
	}
	return errno
}

// Do issues ioctl(fd, req, arg) through Retry.
func Do(fd int, req uintptr, arg unsafe.Pointer, attempts int) error {
	return Retry(attempts, func() unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		return errno
	})
}
