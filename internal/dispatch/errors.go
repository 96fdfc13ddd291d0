// internal/dispatch/errors.go
package dispatch

import "errors"

var (
	// ErrAlreadyRunning rejects a run-now for a non-overlapping schedule
	// that has a live process.
	ErrAlreadyRunning = errors.New("schedule is already running")
	// ErrNotRunning is returned by Abort when there is nothing to stop.
	ErrNotRunning = errors.New("schedule is not running")
	// ErrNoRun is returned by Output when a schedule has never run since start.
	ErrNoRun = errors.New("no run recorded since daemon start")
	// ErrStopped is returned by commands submitted after the loop exited.
	ErrStopped = errors.New("dispatcher stopped")
)
