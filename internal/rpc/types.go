// internal/rpc/types.go
package rpc

import (
	"context"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/events"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// Controller is the daemon as seen from the control boundary. Both the
// daemon and Client implement it.
type Controller interface {
	Status(ctx context.Context) (*SystemStatus, error)
	ListSchedules(ctx context.Context) ([]dispatch.ScheduleStatus, error)
	GetSchedule(ctx context.Context, id string) (*dispatch.ScheduleStatus, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RunNow(ctx context.Context, id, token string) (*dispatch.RunResult, error)
	Abort(ctx context.Context, id string) (int, error)
	Output(ctx context.Context, id string, offset int) (*dispatch.OutputChunk, error)
	Reload(ctx context.Context) (*ReloadResult, error)
	History(ctx context.Context, p HistoryParams) ([]state.RunRecord, error)
	RecentEvents(ctx context.Context, limit int) (*EventsResult, error)
	Scripts(ctx context.Context) ([]string, error)
}

// SystemStatus is the result of system.status.
type SystemStatus struct {
	Version        string                `json:"version"`
	BootID         string                `json:"boot_id"`
	StartedAt      time.Time             `json:"started_at"`
	Schedules      int                   `json:"schedules"`
	Enabled        int                   `json:"enabled"`
	Running        int                   `json:"running"`
	Connected      bool                  `json:"connected"`
	Sources        []events.SourceStatus `json:"sources"`
	HistoryEnabled bool                  `json:"history_enabled"`
	PersistError   string                `json:"persist_error,omitempty"`
}

// FileError reports a schedule file that failed to load.
type FileError struct {
	File  string `json:"file"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ReloadResult is the result of manager.reload.
type ReloadResult struct {
	Added   []string    `json:"added,omitempty"`
	Updated []string    `json:"updated,omitempty"`
	Removed []string    `json:"removed,omitempty"`
	Failed  []FileError `json:"failed,omitempty"`
}

// EventsResult is the result of events.recent.
type EventsResult struct {
	Total  uint64                 `json:"total"`
	Events []trigger.Notification `json:"events"`
}

// IDParams selects one schedule.
type IDParams struct {
	ID string `json:"id"`
}

// RunParams is the input of schedule.run.
type RunParams struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// OutputParams is the input of schedule.output.
type OutputParams struct {
	ID     string `json:"id"`
	Offset int    `json:"offset,omitempty"`
}

// HistoryParams is the input of history.list.
type HistoryParams struct {
	ScheduleID string `json:"schedule_id,omitempty"`
	State      string `json:"state,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// LimitParams is the input of events.recent.
type LimitParams struct {
	Limit int `json:"limit,omitempty"`
}

// AbortResult is the result of schedule.abort.
type AbortResult struct {
	Signalled int `json:"signalled"`
}

// SchedulesResult is the result of schedule.list.
type SchedulesResult struct {
	Schedules []dispatch.ScheduleStatus `json:"schedules"`
}

// HistoryResult is the result of history.list.
type HistoryResult struct {
	Runs []state.RunRecord `json:"runs"`
}

// ScriptsResult is the result of scripts.list.
type ScriptsResult struct {
	Scripts []string `json:"scripts"`
}

// EmptyResult is returned by methods without data.
type EmptyResult struct{}
