//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory.
// An eventfd registered alongside the device descriptors implements Wake.

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// linuxReactor is an epoll-based event reactor.
type linuxReactor struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	r := &linuxReactor{epfd: epfd, wakefd: wakefd}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return r, nil
}

// Register adds file descriptor to epoll, level-triggered.
func (r *linuxReactor) Register(fd uintptr) error {
	event := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLPRI,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), event); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Unregister removes a file descriptor from the watch list.
func (r *linuxReactor) Unregister(fd uintptr) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait waits for epoll events and fills the result into events slice.
// EINTR is retried.
func (r *linuxReactor) Wait(events []Event) (int, error) {
	if cap(r.raw) < len(events) {
		r.raw = make([]unix.EpollEvent, len(events))
	}
	raw := r.raw[:len(events)]
	var n int
	var err error
	for {
		n, err = unix.EpollWait(r.epfd, raw, -1)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := Event{Fd: uintptr(raw[i].Fd)}
		if int(raw[i].Fd) == r.wakefd {
			r.drainWake()
			ev.Flags = FlagWake
			events[i] = ev
			continue
		}
		if raw[i].Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			ev.Flags |= FlagReadable
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			ev.Flags |= FlagError
		}
		if raw[i].Events&unix.EPOLLHUP != 0 {
			ev.Flags |= FlagHangup
		}
		events[i] = ev
	}
	return n, nil
}

// Wake increments the eventfd counter so Wait returns.
func (r *linuxReactor) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (r *linuxReactor) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

// Close closes the epoll instance and the wake descriptor.
func (r *linuxReactor) Close() error {
	err := unix.Close(r.wakefd)
	if cerr := unix.Close(r.epfd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
