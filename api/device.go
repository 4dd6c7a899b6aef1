// File: api/device.go
// Author: momentics <momentics@gmail.com>
//
// External collaborators of the transfer engine: the kernel capture queue and the downstream sink.

package api

import "context"

// Format is the frame geometry requested from the device.
type Format struct {
	Width       uint32
	Height      uint32
	PixelFormat uint32 // fourcc
}

// CaptureDevice is the kernel-level capture queue.
// Every method may fail with a device fault; the engine treats those as fatal except
// inside an intentional shutdown window.
type CaptureDevice interface {
	// NegotiateFormat applies f and returns the per-buffer size the driver expects.
	NegotiateFormat(f Format) (bufferSize int, err error)

	// RequestBuffers asks the driver for count slots of the given memory kind.
	// count == 0 releases every slot.
	RequestBuffers(count int, mem MemoryKind) (granted int, err error)

	// QueryBuffer reports offset and length of a granted slot (used for mapping).
	QueryBuffer(index int) (DeviceBuffer, error)

	// Enqueue hands a buffer to the capture queue.
	Enqueue(d Descriptor) error

	// Dequeue blocks until a buffer completes. When ctx is done, or when the
	// device signals the side effect of stream-off, it returns an error matching ErrShutdown.
	Dequeue(ctx context.Context) (Completion, error)

	StreamOn() error
	StreamOff() error

	// Close releases the device handle.
	Close() error
}

// Mapper is implemented by devices that export driver-allocated memory (MemoryMmap).
type Mapper interface {
	Map(offset uint32, length int) ([]byte, error)
	Unmap(mem []byte) error
}

// Sink receives filled buffers downstream.
type Sink interface {
	// Handoff takes ownership of filled and returns a buffer to be refilled.
	// It is synchronous: the engine never touches filled again after the call.
	Handoff(filled []byte) (replacement []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(filled []byte) []byte

// Handoff implements Sink.
func (f SinkFunc) Handoff(filled []byte) []byte { return f(filled) }
