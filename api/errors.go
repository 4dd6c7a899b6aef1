// Package api
// Author: momentics <momentics@gmail.com>
//
// Error kinds and sentinels for the capture transfer path.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidConfig     = fmt.Errorf("invalid configuration")
	ErrAllocationFailure = fmt.Errorf("buffer allocation failed")
	ErrBufferShortfall   = fmt.Errorf("device granted fewer buffers than requested")
	ErrBuffersQueued     = fmt.Errorf("buffers still queued to device")
	ErrOwnership         = fmt.Errorf("buffer ownership violation")
	ErrPoolClosed        = fmt.Errorf("buffer pool is closed")
	ErrFreeListClosed    = fmt.Errorf("free list is closed")
	ErrShutdown          = fmt.Errorf("device stream shut down")
	ErrAlreadyStarted    = fmt.Errorf("engine already started")
	ErrNotRunning        = fmt.Errorf("engine is not running")
	ErrNotSupported      = fmt.Errorf("operation not supported")
)

// Kind classifies failures of the transfer engine.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInitialization: negotiation, grant shortfall or mapping failure while starting.
	KindInitialization
	// KindStreaming: mid-run device fault. Terminates the engine.
	KindStreaming
	// KindShutdown: device error caused by an intentional stream-off. Not a failure.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization failure"
	case KindStreaming:
		return "streaming fault"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error represents a structured error with kind and context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrShutdown) match any KindShutdown error.
func (e *Error) Is(target error) bool {
	return e.Kind == KindShutdown && target == ErrShutdown
}

// NewError creates a new structured error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrShutdown) {
		return KindShutdown
	}
	return KindUnknown
}

// IsShutdown reports whether err is the expected side effect of stopping a stream.
func IsShutdown(err error) bool { return err != nil && KindOf(err) == KindShutdown }

// IsInitialization reports whether err aborted a stream start.
func IsInitialization(err error) bool { return KindOf(err) == KindInitialization }

// IsStreaming reports whether err is a mid-run device fault.
func IsStreaming(err error) bool { return KindOf(err) == KindStreaming }
