// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colebrumley/pmaticmgr/internal/rpc"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// Server exposes schedule control as MCP tools. Calls go to a running
// daemon through ctrl, normally an *rpc.Client.
type Server struct {
	ctrl   rpc.Controller
	server *mcp.Server
}

// ListSchedulesInput is the input schema for the list_schedules tool
type ListSchedulesInput struct{}

// ScheduleSummary is one schedule in list_schedules results
type ScheduleSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Script       string     `json:"script"`
	Condition    string     `json:"condition"`
	Enabled      bool       `json:"enabled"`
	Running      bool       `json:"running"`
	LastFiredAt  *time.Time `json:"last_fired_at,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// ListSchedulesOutput is the output schema for the list_schedules tool
type ListSchedulesOutput struct {
	Schedules []ScheduleSummary `json:"schedules"`
	Count     int               `json:"count"`
}

// RunScheduleInput is the input schema for the run_schedule tool
type RunScheduleInput struct {
	ID    string `json:"id" jsonschema:"Schedule id to run now"`
	Token string `json:"token,omitempty" jsonschema:"Optional idempotency token; retries with the same token start at most one run"`
}

// RunScheduleOutput is the output schema for the run_schedule tool
type RunScheduleOutput struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message"`
}

// SetEnabledInput is the input schema for the set_schedule_enabled tool
type SetEnabledInput struct {
	ID      string `json:"id" jsonschema:"Schedule id"`
	Enabled bool   `json:"enabled" jsonschema:"true to enable, false to disable"`
}

// SetEnabledOutput is the output schema for the set_schedule_enabled tool
type SetEnabledOutput struct {
	Message string `json:"message"`
}

// HistoryInput is the input schema for the schedule_history tool
type HistoryInput struct {
	ID    string `json:"id,omitempty" jsonschema:"Optional schedule id filter"`
	State string `json:"state,omitempty" jsonschema:"Optional state filter: running, success, failure, terminated, launch_failed, orphaned"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 20)"`
}

// HistoryOutput is the output schema for the schedule_history tool
type HistoryOutput struct {
	Runs  []state.RunRecord `json:"runs"`
	Count int               `json:"count"`
}

// EventsInput is the input schema for the recent_events tool
type EventsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum events to return (default 50)"`
}

// EventsOutput is the output schema for the recent_events tool
type EventsOutput struct {
	Events []trigger.Notification `json:"events"`
	Total  uint64                 `json:"total"`
}

// NewServer creates a new MCP server with schedule tools
func NewServer(ctrl rpc.Controller, version string) *Server {
	s := &Server{ctrl: ctrl}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "pmaticmgr",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_schedules",
		Description: "List every schedule with its trigger condition, enabled flag, whether it is running and the outcome of its last run.",
	}, s.handleListSchedules)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_schedule",
		Description: "Start a schedule's script now, independent of its trigger condition. Fails if the schedule is already running and does not allow overlap.",
	}, s.handleRunSchedule)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_schedule_enabled",
		Description: "Enable or disable a schedule. Disabled schedules never fire from their condition but can still be run manually.",
	}, s.handleSetEnabled)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "schedule_history",
		Description: "Show recent script runs with state, exit code, duration and the tail of their output.",
	}, s.handleHistory)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recent_events",
		Description: "Show the most recent device value notifications received from the central controller, newest first.",
	}, s.handleRecentEvents)

	s.server = server
	return s
}

func (s *Server) handleListSchedules(ctx context.Context, req *mcp.CallToolRequest, input ListSchedulesInput) (*mcp.CallToolResult, ListSchedulesOutput, error) {
	list, err := s.ctrl.ListSchedules(ctx)
	if err != nil {
		return nil, ListSchedulesOutput{}, fmt.Errorf("failed to list schedules: %w", err)
	}

	out := make([]ScheduleSummary, len(list))
	for i, sch := range list {
		out[i] = ScheduleSummary{
			ID:           sch.ID,
			Name:         sch.Name,
			Script:       sch.Script,
			Condition:    string(sch.Condition.Type),
			Enabled:      sch.Enabled,
			Running:      sch.CurrentlyRunning,
			LastFiredAt:  sch.LastFiredAt,
			LastExitCode: sch.LastExitCode,
			LastError:    sch.LastError,
		}
	}
	return nil, ListSchedulesOutput{Schedules: out, Count: len(out)}, nil
}

func (s *Server) handleRunSchedule(ctx context.Context, req *mcp.CallToolRequest, input RunScheduleInput) (*mcp.CallToolResult, RunScheduleOutput, error) {
	if input.ID == "" {
		return nil, RunScheduleOutput{}, errors.New("id is required")
	}
	token := input.Token
	if token == "" {
		token = uuid.NewString()
	}

	res, err := s.ctrl.RunNow(ctx, input.ID, token)
	if err != nil {
		return nil, RunScheduleOutput{}, describe(input.ID, err)
	}
	msg := fmt.Sprintf("Started %s as pid %d", input.ID, res.PID)
	if res.Duplicate {
		msg = fmt.Sprintf("Run of %s already started with this token (pid %d)", input.ID, res.PID)
	}
	return nil, RunScheduleOutput{
		RunID:     res.RunID,
		PID:       res.PID,
		Duplicate: res.Duplicate,
		Message:   msg,
	}, nil
}

func (s *Server) handleSetEnabled(ctx context.Context, req *mcp.CallToolRequest, input SetEnabledInput) (*mcp.CallToolResult, SetEnabledOutput, error) {
	if input.ID == "" {
		return nil, SetEnabledOutput{}, errors.New("id is required")
	}
	if err := s.ctrl.SetEnabled(ctx, input.ID, input.Enabled); err != nil {
		return nil, SetEnabledOutput{}, describe(input.ID, err)
	}
	verb := "Disabled"
	if input.Enabled {
		verb = "Enabled"
	}
	return nil, SetEnabledOutput{Message: fmt.Sprintf("%s schedule %s", verb, input.ID)}, nil
}

func (s *Server) handleHistory(ctx context.Context, req *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.ctrl.History(ctx, rpc.HistoryParams{ScheduleID: input.ID, State: input.State, Limit: limit})
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to read history: %w", err)
	}
	if runs == nil {
		runs = []state.RunRecord{}
	}
	return nil, HistoryOutput{Runs: runs, Count: len(runs)}, nil
}

func (s *Server) handleRecentEvents(ctx context.Context, req *mcp.CallToolRequest, input EventsInput) (*mcp.CallToolResult, EventsOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	res, err := s.ctrl.RecentEvents(ctx, limit)
	if err != nil {
		return nil, EventsOutput{}, fmt.Errorf("failed to read events: %w", err)
	}
	events := res.Events
	if events == nil {
		events = []trigger.Notification{}
	}
	return nil, EventsOutput{Events: events, Total: res.Total}, nil
}

// describe turns control errors into messages a model can act on.
func describe(id string, err error) error {
	switch rpc.Code(err) {
	case rpc.CodeNotFound:
		return fmt.Errorf("schedule %s not found", id)
	case rpc.CodeAlreadyRunning:
		return fmt.Errorf("schedule %s is already running", id)
	case rpc.CodeLaunchFailed:
		return fmt.Errorf("schedule %s could not start its script: %w", id, err)
	}
	return err
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

// RunHTTP serves Handler on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
