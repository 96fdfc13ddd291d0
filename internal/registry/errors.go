// internal/registry/errors.go
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown schedule ids.
	ErrNotFound = errors.New("schedule not found")
	// ErrPersistence wraps failures to write the registry document.
	ErrPersistence = errors.New("registry persistence failed")
)

// ConfigError rejects a schedule definition. The registry is left unchanged.
type ConfigError struct {
	ID  string
	Err error
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid schedule: %v", e.Err)
	}
	return fmt.Sprintf("invalid schedule %s: %v", e.ID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
