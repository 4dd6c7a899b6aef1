// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

// EngineState enumerates the life cycle of a transfer engine.
type EngineState int32

const (
	StateIdle EngineState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFaulted
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// TransferStats is a point-in-time view of an engine for observability.
type TransferStats struct {
	Session           string
	State             EngineState
	FramesAcquired    uint64
	FramesDropped     uint64
	FramesTransferred uint64
	BacklogLen        int
	BacklogCap        int
	Census            Census
}

// CounterSnapshot is the result of a reset-on-read exchange of the engine counters.
type CounterSnapshot struct {
	Acquired    uint64
	Dropped     uint64
	Transferred uint64
}
