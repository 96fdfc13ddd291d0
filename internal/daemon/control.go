// internal/daemon/control.go
package daemon

import (
	"context"

	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
	"github.com/colebrumley/pmaticmgr/internal/state"
)

var _ rpc.Controller = (*Daemon)(nil)

func (d *Daemon) Status(ctx context.Context) (*rpc.SystemStatus, error) {
	ds, err := d.dispatcher.Status(ctx)
	if err != nil {
		return nil, err
	}
	enabled := 0
	for _, s := range ds.Schedules {
		if s.Enabled {
			enabled++
		}
	}
	return &rpc.SystemStatus{
		Version:        d.version,
		BootID:         ds.BootID,
		StartedAt:      ds.StartedAt,
		Schedules:      len(ds.Schedules),
		Enabled:        enabled,
		Running:        ds.Running,
		Connected:      d.feed.IsConnected(),
		Sources:        d.feed.Status(),
		HistoryEnabled: d.stateDB != nil,
		PersistError:   ds.PersistError,
	}, nil
}

func (d *Daemon) ListSchedules(ctx context.Context) ([]dispatch.ScheduleStatus, error) {
	ds, err := d.dispatcher.Status(ctx)
	if err != nil {
		return nil, err
	}
	return ds.Schedules, nil
}

func (d *Daemon) GetSchedule(ctx context.Context, id string) (*dispatch.ScheduleStatus, error) {
	st, err := d.dispatcher.Schedule(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (d *Daemon) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return d.dispatcher.SetEnabled(ctx, id, enabled)
}

func (d *Daemon) RunNow(ctx context.Context, id, token string) (*dispatch.RunResult, error) {
	res, err := d.dispatcher.RunNow(ctx, id, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (d *Daemon) Abort(ctx context.Context, id string) (int, error) {
	return d.dispatcher.Abort(ctx, id)
}

func (d *Daemon) Output(ctx context.Context, id string, offset int) (*dispatch.OutputChunk, error) {
	chunk, err := d.dispatcher.Output(ctx, id, offset)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// History reads the run history. Without a database it is always empty.
func (d *Daemon) History(_ context.Context, p rpc.HistoryParams) ([]state.RunRecord, error) {
	if d.stateDB == nil {
		return []state.RunRecord{}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	records, err := d.stateDB.GetHistory(p.ScheduleID, p.State, min(limit, maxHistoryLimit))
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []state.RunRecord{}
	}
	return records, nil
}

func (d *Daemon) RecentEvents(_ context.Context, limit int) (*rpc.EventsResult, error) {
	if limit <= 0 {
		limit = 50
	}
	log := d.feed.Log()
	return &rpc.EventsResult{
		Total:  log.Total(),
		Events: log.Recent(min(limit, maxEventsLimit)),
	}, nil
}

func (d *Daemon) Scripts(context.Context) ([]string, error) {
	return d.catalog.List()
}
