// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.

package affinity

import "runtime"

// SetAffinity pins the calling goroutine's OS thread to a given logical CPU.
// The goroutine stays locked to its thread until Release is called.
// On unsupported platforms returns an error and leaves the goroutine unlocked.
func SetAffinity(cpuID int) error {
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}

// Release undoes SetAffinity's thread lock. The thread keeps its CPU mask and
// is discarded by the runtime when the goroutine exits while still locked, so
// callers that exit right after their work can skip Release.
func Release() {
	runtime.UnlockOSThread()
}
