//go:build linux

// File: device/v4l2/device_linux.go
// Author: momentics <momentics@gmail.com>
//
// V4L2 capture queue: format negotiation, buffer requests, queue/dequeue, streaming.

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/hioload-capture/api"
	"github.com/momentics/hioload-capture/internal/ioctl"
	"github.com/momentics/hioload-capture/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Device is a V4L2 video capture node opened for streaming I/O.
type Device struct {
	path    string
	fd      int
	opts    options
	logger  *zap.Logger
	reactor reactor.EventReactor

	memory    atomic.Uint32
	streaming atomic.Bool
	stopped   atomic.Bool
	closed    atomic.Bool
}

// Open opens path (for example /dev/video0) and checks it supports video capture
// with streaming I/O.
func Open(path string, opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if o.mode == ModePoll {
		flags |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, api.NewError(api.KindInitialization, "open "+path, err)
	}
	d := &Device{path: path, fd: fd, opts: o, logger: o.logger.With(zap.String("device", path))}

	var caps v4l2Capability
	if err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, api.NewError(api.KindInitialization, "VIDIOC_QUERYCAP", err)
	}
	c := caps.capabilities
	if caps.deviceCaps != 0 {
		c = caps.deviceCaps
	}
	if c&capVideoCapture == 0 || c&capStreaming == 0 {
		unix.Close(fd)
		return nil, api.NewError(api.KindInitialization, "open "+path,
			fmt.Errorf("%w: not a streaming video capture device", api.ErrNotSupported))
	}

	if o.mode == ModePoll {
		r, err := reactor.NewReactor()
		if err != nil {
			unix.Close(fd)
			return nil, api.NewError(api.KindInitialization, "reactor", err)
		}
		if err := r.Register(uintptr(fd)); err != nil {
			r.Close()
			unix.Close(fd)
			return nil, api.NewError(api.KindInitialization, "reactor register", err)
		}
		d.reactor = r
	}

	d.logger.Info("Capture device opened",
		zap.String("driver", cString(caps.driver[:])),
		zap.String("card", cString(caps.card[:])),
		zap.Stringer("mode", o.mode))
	return d, nil
}

// Fd returns the underlying descriptor.
func (d *Device) Fd() int { return d.fd }

// NegotiateFormat applies f with VIDIOC_S_FMT and returns the driver's image size.
// A zero width keeps the current format and only reads it back.
func (d *Device) NegotiateFormat(f api.Format) (int, error) {
	var format v4l2Format
	format.typ = bufTypeVideoCapture
	if f.Width != 0 {
		format.pix.width = f.Width
		format.pix.height = f.Height
		format.pix.pixelformat = f.PixelFormat
		format.pix.field = fieldAny
		if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&format)); err != nil {
			return 0, api.NewError(api.KindInitialization, "VIDIOC_S_FMT", err)
		}
	} else if err := d.ioctl(vidiocGFmt, unsafe.Pointer(&format)); err != nil {
		return 0, api.NewError(api.KindInitialization, "VIDIOC_G_FMT", err)
	}
	d.logger.Debug("Format negotiated",
		zap.Uint32("width", format.pix.width),
		zap.Uint32("height", format.pix.height),
		zap.Uint32("sizeimage", format.pix.sizeimage))
	return int(format.pix.sizeimage), nil
}

// RequestBuffers issues VIDIOC_REQBUFS and returns the granted count.
func (d *Device) RequestBuffers(count int, mem api.MemoryKind) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufTypeVideoCapture,
		memory: uint32(mem),
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, api.NewError(api.KindInitialization, "VIDIOC_REQBUFS", err).WithContext("count", count)
	}
	d.memory.Store(uint32(mem))
	return int(req.count), nil
}

// QueryBuffer issues VIDIOC_QUERYBUF for a granted slot.
func (d *Device) QueryBuffer(index int) (api.DeviceBuffer, error) {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: d.memory.Load(),
	}
	if err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return api.DeviceBuffer{}, api.NewError(api.KindInitialization, "VIDIOC_QUERYBUF", err).WithContext("index", index)
	}
	return api.DeviceBuffer{Index: index, Offset: buf.offset(), Length: int(buf.length)}, nil
}

// Map maps a driver buffer into the process.
func (d *Device) Map(offset uint32, length int) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %#x: %w", offset, err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func (d *Device) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

// Enqueue issues VIDIOC_QBUF for the described buffer.
func (d *Device) Enqueue(desc api.Descriptor) error {
	buf := v4l2Buffer{
		index:  uint32(desc.Index),
		typ:    bufTypeVideoCapture,
		memory: uint32(desc.Memory),
	}
	switch desc.Memory {
	case api.MemoryUserPtr:
		buf.setUserPtr(desc.UserPtr)
		buf.length = uint32(desc.Length)
	case api.MemoryDMABuf:
		buf.setFd(int32(desc.FD))
		buf.length = uint32(desc.Length)
	}
	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		if d.shuttingDown() {
			return api.NewError(api.KindShutdown, "VIDIOC_QBUF", err)
		}
		return api.NewError(api.KindStreaming, "VIDIOC_QBUF", err).WithContext("index", desc.Index)
	}
	return nil
}

// Dequeue waits for the next completed buffer. In poll mode the wait is
// gated by the reactor; in blocking mode the ioctl itself blocks.
func (d *Device) Dequeue(ctx context.Context) (api.Completion, error) {
	if d.opts.mode == ModeBlocking {
		return d.dequeueBlocking(ctx)
	}
	return d.dequeuePoll(ctx)
}

func (d *Device) dequeuePoll(ctx context.Context) (api.Completion, error) {
	stop := context.AfterFunc(ctx, func() { _ = d.reactor.Wake() })
	defer stop()

	events := make([]reactor.Event, 2)
	for {
		if err := ctx.Err(); err != nil {
			return api.Completion{}, api.NewError(api.KindShutdown, "dequeue", err)
		}
		if d.stopped.Load() {
			return api.Completion{}, api.NewError(api.KindShutdown, "dequeue", api.ErrShutdown)
		}
		n, err := d.reactor.Wait(events)
		if err != nil {
			return api.Completion{}, d.streamingOrShutdown("poll", err)
		}
		ready := false
		for _, ev := range events[:n] {
			switch {
			case ev.Flags&reactor.FlagWake != 0:
			case ev.Flags&(reactor.FlagError|reactor.FlagHangup) != 0:
				// vb2 reports EPOLLERR once streaming stopped: stream-off returned every buffer.
				if d.stopped.Load() || ctx.Err() != nil {
					return api.Completion{}, api.NewError(api.KindShutdown, "poll", api.ErrShutdown)
				}
				return api.Completion{}, api.NewError(api.KindStreaming, "poll",
					fmt.Errorf("device error condition (flags %#x)", ev.Flags))
			case ev.Flags&reactor.FlagReadable != 0:
				ready = true
			}
		}
		if !ready {
			continue
		}
		c, err := d.dqbuf()
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return api.Completion{}, d.streamingOrShutdown("VIDIOC_DQBUF", err)
		}
		return c, nil
	}
}

func (d *Device) dequeueBlocking(ctx context.Context) (api.Completion, error) {
	if err := ctx.Err(); err != nil {
		return api.Completion{}, api.NewError(api.KindShutdown, "dequeue", err)
	}
	// The only way out of a blocking DQBUF is to stop the stream.
	stop := context.AfterFunc(ctx, func() { _ = d.StreamOff() })
	defer stop()
	c, err := d.dqbuf()
	if err != nil {
		if ctx.Err() != nil {
			return api.Completion{}, api.NewError(api.KindShutdown, "VIDIOC_DQBUF", err)
		}
		return api.Completion{}, d.streamingOrShutdown("VIDIOC_DQBUF", err)
	}
	return c, nil
}

func (d *Device) dqbuf() (api.Completion, error) {
	buf := v4l2Buffer{
		typ:    bufTypeVideoCapture,
		memory: d.memory.Load(),
	}
	if err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return api.Completion{}, err
	}
	if ce := d.logger.Check(zap.DebugLevel, "Grabbed buffer"); ce != nil {
		ce.Write(zap.Uint32("index", buf.index), zap.Uint32("bytesused", buf.bytesused), zap.Uint32("sequence", buf.sequence))
	}
	return api.Completion{Index: int(buf.index), Length: int(buf.bytesused), Sequence: buf.sequence}, nil
}

// StreamOn starts capture.
func (d *Device) StreamOn() error {
	typ := uint32(bufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return api.NewError(api.KindInitialization, "VIDIOC_STREAMON", err)
	}
	d.stopped.Store(false)
	d.streaming.Store(true)
	return nil
}

// StreamOff stops capture; the driver hands every queued buffer back.
// Calling it while not streaming is a no-op.
func (d *Device) StreamOff() error {
	if !d.streaming.CompareAndSwap(true, false) {
		return nil
	}
	d.stopped.Store(true)
	if d.reactor != nil {
		_ = d.reactor.Wake()
	}
	typ := uint32(bufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return api.NewError(api.KindStreaming, "VIDIOC_STREAMOFF", err)
	}
	return nil
}

// Close releases the reactor and the descriptor.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if d.reactor != nil {
		_ = d.reactor.Unregister(uintptr(d.fd))
		err = d.reactor.Close()
	}
	if cerr := unix.Close(d.fd); cerr != nil && err == nil {
		err = cerr
	}
	d.logger.Debug("Capture device closed")
	return err
}

func (d *Device) shuttingDown() bool { return d.stopped.Load() || d.closed.Load() }

func (d *Device) streamingOrShutdown(op string, err error) error {
	if d.shuttingDown() {
		return api.NewError(api.KindShutdown, op, err)
	}
	return api.NewError(api.KindStreaming, op, err)
}

// ioctl retries transient failures up to the configured number of attempts.
func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	return ioctl.Do(d.fd, req, arg, d.opts.attempts)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

var (
	_ api.CaptureDevice = (*Device)(nil)
	_ api.Mapper        = (*Device)(nil)
)
