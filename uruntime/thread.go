package uruntime

import "runtime"

// lockOSThread pins the calling goroutine to its current OS thread for
// the rest of its lifetime: one kernel thread per Processor, never
// handed back to the Go scheduler's M:N pool.
func lockOSThread() {
	runtime.LockOSThread()
}
