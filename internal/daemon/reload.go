// internal/daemon/reload.go
package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
	"github.com/colebrumley/pmaticmgr/internal/security"
)

const reloadDebounce = time.Second

type applyFunc func(defs []*config.Schedule, keep map[string]bool) (registry.SyncResult, error)

// loadSchedules reads the schedules directory and hands the result to apply.
// Files that fail to load keep their previous registry entry.
func (d *Daemon) loadSchedules(apply applyFunc) (*rpc.ReloadResult, error) {
	defs, failed, err := config.LoadSchedulesDir(d.schedulesDir)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(failed))
	out := &rpc.ReloadResult{}
	for _, f := range failed {
		d.logger.Error("invalid schedule file, keeping previous version", "file", f.File, "schedule", f.ID, "error", f.Err)
		keep[f.ID] = true
		out.Failed = append(out.Failed, rpc.FileError{File: f.File, ID: f.ID, Error: f.Err.Error()})
	}

	res, err := apply(defs, keep)
	if err != nil {
		return nil, err
	}
	out.Added, out.Updated, out.Removed = res.Added, res.Updated, res.Removed

	d.logger.Info("schedules loaded",
		"added", len(res.Added),
		"updated", len(res.Updated),
		"removed", len(res.Removed),
		"failed", len(failed),
	)
	return out, nil
}

// Reload re-reads the schedules directory and applies it through the
// dispatcher between evaluations.
func (d *Daemon) Reload(ctx context.Context) (*rpc.ReloadResult, error) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if err := security.ValidateDirectoryPermissions(d.schedulesDir); err != nil {
		d.logger.Error("CRITICAL: schedules directory has unsafe permissions, not reloading", "error", err)
		return nil, &registry.ConfigError{Err: err}
	}
	return d.loadSchedules(func(defs []*config.Schedule, keep map[string]bool) (registry.SyncResult, error) {
		return d.dispatcher.Reload(ctx, defs, keep)
	})
}

// startHotReload watches the schedules directory and reloads once changes
// have been quiet for a second.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create schedules watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.schedulesDir); err != nil {
		d.logger.Error("could not watch schedules directory", "error", err, "dir", d.schedulesDir)
		return
	}

	d.logger.Info("hot-reload watcher started", "dir", d.schedulesDir)

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading schedules (hot-reload)")
			if _, err := d.Reload(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("hot reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("schedules watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}
