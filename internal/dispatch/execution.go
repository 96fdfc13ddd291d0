// internal/dispatch/execution.go
package dispatch

import (
	"fmt"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/runner"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// maxRunOutput caps the output a single execution keeps in memory. Offsets
// handed to clients stay valid because output is only ever appended.
const maxRunOutput = 256 * 1024

// execution is the loop's record of one launched script.
type execution struct {
	runID      string
	scheduleID string
	script     string
	stimulus   trigger.StimulusKind
	handle     runner.Handle
	pid        int
	startedAt  time.Time
	maxRuntime time.Duration

	output    []byte
	truncated bool

	exited      bool
	exitCode    *int
	finishedAt  time.Time
	terminating bool
	killAt      time.Time // zero unless a max-runtime terminate may escalate
	killed      bool
}

func (e *execution) append(p []byte) {
	if len(p) == 0 || e.truncated {
		return
	}
	room := maxRunOutput - len(e.output)
	if len(p) > room {
		p = p[:room]
		e.truncated = true
	}
	e.output = append(e.output, p...)
}

// outcome classifies an exit for history and the registry.
func outcome(code *int, terminating bool) (st string, msg string) {
	switch {
	case code == nil:
		return state.StateFailure, "exit status unknown"
	case *code == 0:
		return state.StateSuccess, ""
	case *code < 0:
		return state.StateTerminated, fmt.Sprintf("terminated by signal %d", -*code)
	case terminating:
		return state.StateTerminated, fmt.Sprintf("exit status %d after terminate", *code)
	default:
		return state.StateFailure, fmt.Sprintf("exit status %d", *code)
	}
}

// RunInfo describes one live process of a schedule.
type RunInfo struct {
	RunID       string    `json:"run_id,omitempty"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	Stimulus    string    `json:"stimulus,omitempty"`
	Adopted     bool      `json:"adopted,omitempty"`
	Terminating bool      `json:"terminating,omitempty"`
}

// OutputChunk is a slice of a run's output starting at a client offset.
type OutputChunk struct {
	RunID     string `json:"run_id"`
	Output    string `json:"output"`
	Next      int    `json:"next"`
	Running   bool   `json:"running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (e *execution) chunk(offset int) OutputChunk {
	switch {
	case offset < 0:
		offset = 0
	case offset > len(e.output):
		offset = len(e.output)
	}
	return OutputChunk{
		RunID:     e.runID,
		Output:    string(e.output[offset:]),
		Next:      len(e.output),
		Running:   !e.exited,
		ExitCode:  e.exitCode,
		Truncated: e.truncated,
	}
}
