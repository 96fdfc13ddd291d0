// internal/config/validate.go
package config

import (
	"fmt"
	"regexp"
	"strings"
)

var scheduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateSchedule checks a schedule definition. Condition errors wrap
// trigger.ErrInvalidCondition or trigger.ErrMalformedSelector.
func ValidateSchedule(s *Schedule) error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if !scheduleIDPattern.MatchString(s.ID) {
		return fmt.Errorf("schedule id %q may only contain letters, digits, '.', '_' and '-'", s.ID)
	}
	if strings.TrimSpace(s.Script) == "" {
		return fmt.Errorf("schedule %s: script is required", s.ID)
	}
	if s.MaxRuntime < 0 {
		return fmt.Errorf("schedule %s: max_runtime cannot be negative", s.ID)
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("schedule %s: invalid env name %q", s.ID, k)
		}
	}
	if err := s.Condition.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	return nil
}
