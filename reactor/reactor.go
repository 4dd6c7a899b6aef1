// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor used to gate blocking device dequeues.

package reactor

// EventFlags describe why a descriptor became ready.
type EventFlags uint32

const (
	FlagReadable EventFlags = 1 << iota
	FlagError
	FlagHangup
	// FlagWake marks the synthetic event produced by Wake.
	FlagWake
)

// EventReactor defines basic reactor operations across OS platforms.
type EventReactor interface {
	// Register an FD for read readiness notifications.
	Register(fd uintptr) error

	// Unregister removes an FD from the interest set.
	Unregister(fd uintptr) error

	// Wait blocks until events are available and writes into the output slice.
	// Returns number of events written or an error. No timeout: only readiness
	// or Wake ends the wait.
	Wait(events []Event) (n int, err error)

	// Wake makes a current or the next Wait return a FlagWake event.
	Wake() error

	// Close cleans up resources.
	Close() error
}

// Event contains event information returned by Wait call.
type Event struct {
	Fd    uintptr
	Flags EventFlags
}
