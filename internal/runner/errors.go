// internal/runner/errors.go
package runner

import "errors"

var (
	// ErrScriptNotFound is returned when a script reference does not name a
	// regular file inside the script directory.
	ErrScriptNotFound = errors.New("script not found")
	// ErrLaunchFailed wraps OS errors from starting a process.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrUnknownHandle is returned for handles the runner never issued or
	// already released.
	ErrUnknownHandle = errors.New("unknown run handle")
)
