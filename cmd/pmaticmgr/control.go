// cmd/pmaticmgr/control.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
)

// followInterval is how often output -f and run -wait poll the daemon.
var followInterval = 500 * time.Millisecond

func runControl(ctx context.Context, w io.Writer, ctrl rpc.Controller, cmd string, args []string) error {
	switch cmd {
	case "status":
		return cmdStatus(ctx, w, ctrl)
	case "list":
		return cmdList(ctx, w, ctrl)
	case "enable", "disable":
		return cmdSetEnabled(ctx, w, ctrl, args, cmd == "enable")
	case "run":
		return cmdRun(ctx, w, ctrl, args)
	case "abort":
		return cmdAbort(ctx, w, ctrl, args)
	case "output":
		return cmdOutput(ctx, w, ctrl, args)
	case "reload":
		return cmdReload(ctx, w, ctrl)
	case "history":
		return cmdHistory(ctx, w, ctrl, args)
	case "events":
		return cmdEvents(ctx, w, ctrl, args)
	case "scripts":
		return cmdScripts(ctx, w, ctrl)
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

func describeErr(id string, err error) error {
	switch rpc.Code(err) {
	case rpc.CodeNotFound:
		return fmt.Errorf("schedule %s not found", id)
	case rpc.CodeAlreadyRunning:
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return err
}

func oneID(name string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: pmaticmgr %s <schedule-id>", name)
	}
	return args[0], nil
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func cmdStatus(ctx context.Context, w io.Writer, ctrl rpc.Controller) error {
	st, err := ctrl.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "pmaticmgrd %s (boot %s)\n", st.Version, st.BootID)
	fmt.Fprintf(w, "Started:    %s\n", humanize.Time(st.StartedAt))
	fmt.Fprintf(w, "Schedules:  %d (%d enabled)\n", st.Schedules, st.Enabled)
	fmt.Fprintf(w, "Running:    %d\n", st.Running)
	history := "enabled"
	if !st.HistoryEnabled {
		history = "unavailable"
	}
	fmt.Fprintf(w, "History:    %s\n", history)
	if st.PersistError != "" {
		fmt.Fprintf(w, "WARNING:    registry not saved: %s\n", st.PersistError)
	}

	if len(st.Sources) == 0 {
		fmt.Fprintln(w, "Controller: not configured")
		return nil
	}
	fmt.Fprintln(w, "Controller:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range st.Sources {
		state := "disconnected"
		if s.Connected {
			state = "connected"
		}
		line := fmt.Sprintf("  %s\t%s\tsince %s\t%s connects", s.Name, state, humanize.Time(s.LastChanged), humanize.Comma(int64(s.Connects)))
		if s.LastError != "" {
			line += "\t" + s.LastError
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func cmdList(ctx context.Context, w io.Writer, ctrl rpc.Controller) error {
	list, err := ctrl.ListSchedules(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No schedules found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tCONDITION\tRUNNING\tLAST FIRED\tEXIT\tSCRIPT")
	for _, s := range list {
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
		}
		running := "-"
		if s.CurrentlyRunning {
			running = fmt.Sprintf("pid %s", joinPIDs(s.PIDs))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, enabled, s.Condition.Type, running, ago(s.LastFiredAt), exitText(s.LastExitCode), s.Script)
	}
	return tw.Flush()
}

func joinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}

func cmdSetEnabled(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string, enabled bool) error {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	id, err := oneID(verb, args)
	if err != nil {
		return err
	}
	if err := ctrl.SetEnabled(ctx, id, enabled); err != nil {
		return describeErr(id, err)
	}
	fmt.Fprintf(w, "Schedule %s %sd\n", id, verb)
	return nil
}

func cmdRun(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(w)
	token := fs.String("token", "", "idempotency token (default: random)")
	wait := fs.Bool("wait", false, "stream output until the script exits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID("run", fs.Args())
	if err != nil {
		return err
	}
	if *token == "" {
		*token = uuid.NewString()
	}

	res, err := ctrl.RunNow(ctx, id, *token)
	if err != nil {
		return describeErr(id, err)
	}
	if res.Duplicate {
		fmt.Fprintf(w, "Run %s already started for this token (pid %d)\n", res.RunID, res.PID)
	} else {
		fmt.Fprintf(w, "Started %s: run %s, pid %d\n", id, res.RunID, res.PID)
	}
	if !*wait {
		return nil
	}
	return follow(ctx, w, ctrl, id, 0)
}

func cmdAbort(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string) error {
	id, err := oneID("abort", args)
	if err != nil {
		return err
	}
	n, err := ctrl.Abort(ctx, id)
	if err != nil {
		return describeErr(id, err)
	}
	fmt.Fprintf(w, "Sent terminate to %d process(es) of %s\n", n, id)
	return nil
}

func cmdOutput(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string) error {
	fs := flag.NewFlagSet("output", flag.ContinueOnError)
	fs.SetOutput(w)
	followFlag := fs.Bool("f", false, "follow output until the script exits")
	fs.BoolVar(followFlag, "follow", false, "follow output until the script exits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID("output", fs.Args())
	if err != nil {
		return err
	}

	if *followFlag {
		return follow(ctx, w, ctrl, id, 0)
	}
	chunk, err := ctrl.Output(ctx, id, 0)
	if err != nil {
		return outputErr(id, err)
	}
	io.WriteString(w, chunk.Output)
	printEnd(w, chunk)
	return nil
}

func outputErr(id string, err error) error {
	if rpc.Code(err) == rpc.CodeNotFound && strings.Contains(err.Error(), dispatch.ErrNoRun.Error()) {
		return fmt.Errorf("schedule %s has not run since the daemon started", id)
	}
	return describeErr(id, err)
}

// follow polls the run's output from offset until it exits.
func follow(ctx context.Context, w io.Writer, ctrl rpc.Controller, id string, offset int) error {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		chunk, err := ctrl.Output(ctx, id, offset)
		if err != nil {
			return outputErr(id, err)
		}
		io.WriteString(w, chunk.Output)
		offset = chunk.Next
		if !chunk.Running {
			printEnd(w, chunk)
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printEnd(w io.Writer, chunk *dispatch.OutputChunk) {
	if chunk.Truncated {
		fmt.Fprintf(w, "[output truncated after %s]\n", humanize.Bytes(uint64(chunk.Next)))
	}
	if chunk.Running {
		fmt.Fprintf(w, "[run %s still running]\n", chunk.RunID)
		return
	}
	fmt.Fprintf(w, "[run %s exited with status %s]\n", chunk.RunID, exitText(chunk.ExitCode))
}

func cmdReload(ctx context.Context, w io.Writer, ctrl rpc.Controller) error {
	res, err := ctrl.Reload(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Added: %d, updated: %d, removed: %d\n", len(res.Added), len(res.Updated), len(res.Removed))
	for _, id := range res.Added {
		fmt.Fprintf(w, "  + %s\n", id)
	}
	for _, id := range res.Updated {
		fmt.Fprintf(w, "  ~ %s\n", id)
	}
	for _, id := range res.Removed {
		fmt.Fprintf(w, "  - %s\n", id)
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "%d file(s) failed to load and kept their previous version:\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Fprintf(w, "  ! %s: %s\n", f.File, f.Error)
		}
	}
	return nil
}

func cmdHistory(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(w)
	schedule := fs.String("schedule", "", "only runs of this schedule")
	state := fs.String("state", "", "only runs in this state")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runs, err := ctrl.History(ctx, rpc.HistoryParams{ScheduleID: *schedule, State: *state, Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSCHEDULE\tSTIMULUS\tSTATE\tDURATION\tEXIT\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = (time.Duration(r.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.StartedAt), r.ScheduleID, r.Stimulus, r.State, duration, exitText(r.ExitCode), r.Error)
	}
	return tw.Flush()
}

func cmdEvents(ctx context.Context, w io.Writer, ctrl rpc.Controller, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(w)
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := ctrl.RecentEvents(ctx, *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDEVICE\tCHANNEL\tPARAM\tVALUE\tCHANGE")
	for _, n := range res.Events {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\t%s\n",
			n.Timestamp.Local().Format(time.DateTime), n.DeviceID, n.Channel, n.Param, n.Value, n.Change)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s events received since start\n", humanize.Comma(int64(res.Total)))
	return nil
}

func cmdScripts(ctx context.Context, w io.Writer, ctrl rpc.Controller) error {
	scripts, err := ctrl.Scripts(ctx)
	if err != nil {
		return err
	}
	if len(scripts) == 0 {
		fmt.Fprintln(w, "No scripts found")
		return nil
	}
	for _, s := range scripts {
		fmt.Fprintln(w, s)
	}
	return nil
}
