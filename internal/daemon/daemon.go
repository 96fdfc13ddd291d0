// internal/daemon/daemon.go
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/colebrumley/pmaticmgr/internal/clock"
	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/events"
	"github.com/colebrumley/pmaticmgr/internal/logging"
	"github.com/colebrumley/pmaticmgr/internal/metrics"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
	"github.com/colebrumley/pmaticmgr/internal/runner"
	"github.com/colebrumley/pmaticmgr/internal/security"
	"github.com/colebrumley/pmaticmgr/internal/state"
)

const (
	registryFile = "schedules.json"
	historyFile  = "history.db"
	runsDir      = "runs"
)

// Daemon wires the event feed, registry, runner and dispatcher together and
// serves the control boundary.
type Daemon struct {
	configPath   string
	schedulesDir string // overrides daemon.schedules_dir when set
	version      string

	config     *config.Global
	logger     *slog.Logger
	logCloser  io.Closer
	stateDB    *state.DB // nil when history is unavailable
	registry   *registry.Registry
	catalog    *runner.Catalog
	runner     *runner.Runner
	metrics    metrics.Sink
	feed       *events.Feed
	sources    []events.Source
	webhook    *events.WebhookSource
	dispatcher *dispatch.Dispatcher
	rpcServer  *rpc.Server
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	reloadMu sync.Mutex // serializes hot reload and manager.reload
	wg       sync.WaitGroup
}

// New creates a daemon. An empty schedulesDir uses the configured one.
func New(configPath, schedulesDir, version string) *Daemon {
	return &Daemon{
		configPath:   configPath,
		schedulesDir: schedulesDir,
		version:      version,
		metrics:      metrics.Noop{},
	}
}

// Addr is the HTTP listener address once Run has started serving.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run starts the daemon and blocks until ctx is cancelled. Errors returned
// before the dispatcher starts are fatal start-up failures; afterwards only a
// registry that could not be flushed is reported.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	if err := d.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if d.schedulesDir == "" {
		d.schedulesDir = d.config.Daemon.SchedulesDir
	}

	d.initLogger()
	d.logger.Info("starting daemon", "version", d.version, "config", d.configPath, "schedules_dir", d.schedulesDir)

	if d.config.Daemon.RPCSecret != "" {
		if err := security.ValidateFilePermissions(d.configPath); err != nil {
			d.logger.Warn("config file holds the rpc secret but is readable by others", "error", err)
		}
	}

	if err := security.EnsureWritableDir(d.config.Daemon.StateDir); err != nil {
		d.closeLogger()
		return fmt.Errorf("state directory: %w", err)
	}

	if err := d.initStateDB(); err != nil {
		d.logger.Warn("failed to initialize state database, history will not be recorded", "error", err)
	}

	adopted, err := d.initRegistry()
	if err != nil {
		return d.abortStart(err)
	}

	if err := security.ValidateDirectoryPermissions(d.schedulesDir); err != nil {
		d.logger.Error("CRITICAL: schedules directory has unsafe permissions", "error", err, "path", d.schedulesDir)
	}
	if _, err := d.loadSchedules(func(defs []*config.Schedule, keep map[string]bool) (registry.SyncResult, error) {
		return d.registry.Sync(defs, keep)
	}); err != nil {
		d.logger.Warn("schedule definitions not loaded, using stored registry", "error", err)
	}

	d.initRunner()
	d.initMetrics()
	d.initEvents()

	var history dispatch.History
	if d.stateDB != nil {
		history = d.stateDB
	}
	d.dispatcher = dispatch.New(dispatch.Config{
		TickInterval: d.config.Daemon.TickInterval,
		EventBatch:   d.config.Daemon.EventBatch,
		TokenWindow:  d.config.Daemon.TokenWindow,
		KillGrace:    d.config.Runner.KillGrace,
	}, dispatch.Options{
		Registry: d.registry,
		Runner:   d.runner,
		Stimuli:  d.feed.Stimuli(),
		History:  history,
		Metrics:  d.metrics,
		Logger:   d.logger,
	})
	d.dispatcher.Adopt(adopted)

	if err := d.listen(); err != nil {
		return d.abortStart(err)
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		d.feed.Run(ctx, d.sources...)
	}()
	go func() {
		defer d.wg.Done()
		d.serveHTTP(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.startHotReload(ctx)
	}()

	d.logger.Info("daemon started",
		"schedules_loaded", len(d.registry.List()),
		"adopted", len(adopted),
		"transport", d.config.CCU.Transport,
		"listen", d.Addr(),
	)

	runErr := d.dispatcher.Run(ctx)
	return d.shutdown(runErr)
}

func (d *Daemon) loadConfig() error {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return err
	}
	d.config = cfg
	return nil
}

// initLogger falls back to stdout when the log file cannot be opened.
func (d *Daemon) initLogger() {
	lc := d.config.Logging
	logger, closer, err := logging.Open(lc.Format, d.config.Daemon.LogLevel, lc.File, lc.MaxSizeMB)
	if err != nil {
		d.logger = logging.NewLogger(lc.Format, d.config.Daemon.LogLevel, os.Stdout)
		d.logCloser = nil
		d.logger.Warn("failed to initialize rotating log writer, using stdout", "error", err, "file", lc.File)
		return
	}
	d.logger = logger
	d.logCloser = closer
}

func (d *Daemon) closeLogger() {
	if d.logCloser != nil {
		d.logCloser.Close()
	}
}

// initStateDB opens the run history and prunes old rows in the background.
func (d *Daemon) initStateDB() error {
	db, err := state.Open(filepath.Join(d.config.Daemon.StateDir, historyFile))
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	d.stateDB = db

	retention := d.config.History.RetentionDays
	go func() {
		if deleted, err := db.Cleanup(retention); err != nil {
			d.logger.Warn("state cleanup failed", "error", err)
		} else if deleted > 0 {
			d.logger.Info("cleaned up old execution records", "deleted", deleted)
		}
	}()
	return nil
}

// initRegistry loads the persisted registry and reconciles it against the
// processes that are still alive. Survivors are returned for adoption.
func (d *Daemon) initRegistry() ([]registry.RunRef, error) {
	store := registry.NewFileStore(afero.NewOsFs(), filepath.Join(d.config.Daemon.StateDir, registryFile))
	d.registry = registry.New(store, d.logger)
	if err := d.registry.Load(); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	res := d.registry.Reconcile(runner.SameProcess)
	now := time.Now()
	for _, ref := range res.Gone {
		d.logger.Info("script exited while daemon was down", "schedule", ref.ScheduleID, "pid", ref.PID)
		out, err := runner.RecoverOutput(ref.Output, d.config.Runner.MaxOutputBytes)
		if err != nil {
			d.logger.Warn("could not recover script output", "schedule", ref.ScheduleID, "pid", ref.PID, "error", err)
		}
		if d.stateDB == nil {
			continue
		}
		if err := d.stateDB.FinishOrphan(ref.ScheduleID, ref.PID, security.ScrubOutput(string(out)), now); err != nil {
			d.logger.Warn("failed to close orphaned history row", "schedule", ref.ScheduleID, "pid", ref.PID, "error", err)
		}
	}
	for _, ref := range res.Adopted {
		d.logger.Info("adopting script still running from previous instance", "schedule", ref.ScheduleID, "pid", ref.PID)
	}
	return res.Adopted, nil
}

func (d *Daemon) initRunner() {
	rc := d.config.Runner
	d.catalog = runner.NewCatalog(afero.NewOsFs(), d.config.Daemon.ScriptsDir)
	d.runner = runner.New(d.catalog, runner.Options{
		Interpreters: rc.Interpreters,
		WorkDir:      rc.WorkDir,
		Env:          rc.Env,
		MaxOutput:    rc.MaxOutputBytes,
		OutputDir:    filepath.Join(d.config.Daemon.StateDir, runsDir),
	}, logging.WithComponent(d.logger, "runner"))
}

func (d *Daemon) initMetrics() {
	if !d.config.Metrics.Influx.Enabled {
		return
	}
	sink, err := metrics.Connect(d.config.Metrics.Influx, d.logger)
	if err != nil {
		d.logger.Warn("metrics disabled", "error", err)
		return
	}
	d.metrics = sink
}

// initEvents builds the feed and the configured controller transport.
func (d *Daemon) initEvents() {
	d.feed = events.NewFeed(clock.System{}, 0, logging.WithComponent(d.logger, "events"))
	if !d.config.CCU.Enabled {
		d.logger.Info("controller connection disabled, only startup, timed and manual runs will fire")
		return
	}

	ccu := d.config.CCU
	logger := logging.WithComponent(d.logger, "ccu")
	switch ccu.Transport {
	case config.TransportMQTT:
		d.sources = append(d.sources, events.NewMQTTSource(events.MQTTOptions{
			Broker:      ccu.MQTT.Broker,
			ClientID:    ccu.MQTT.ClientID,
			Username:    ccu.MQTT.Username,
			Password:    ccu.MQTT.Password,
			TopicPrefix: ccu.MQTT.TopicPrefix,
			QoS:         byte(ccu.MQTT.QoS),
		}, logger))
	case config.TransportWebSocket:
		d.sources = append(d.sources, events.NewWebSocketSource(events.WebSocketOptions{
			URL:   ccu.WebSocket.URL,
			Token: ccu.WebSocket.Token,
			Clock: clock.System{},
		}, logger))
	case config.TransportWebhook:
		var secret string
		if ccu.Webhook.SecretEnvVar != "" {
			secret = os.Getenv(ccu.Webhook.SecretEnvVar)
			if secret == "" {
				d.logger.Warn("webhook secret variable is empty, accepting unauthenticated pushes", "var", ccu.Webhook.SecretEnvVar)
			}
		}
		d.webhook = events.NewWebhookSource(events.WebhookOptions{
			Path:         ccu.Webhook.Path,
			SecretHeader: ccu.Webhook.SecretHeader,
			Secret:       secret,
		}, logger)
		d.sources = append(d.sources, d.webhook)
	}
}

// shutdown waits for the feed, HTTP server and watcher, then closes the
// stores. runErr comes from the dispatcher's final flush.
func (d *Daemon) shutdown(runErr error) error {
	d.wg.Wait()
	if d.rpcServer != nil {
		d.rpcServer.Close()
	}
	d.closeStores()

	if runErr != nil {
		d.logger.Error("daemon stopped with unsaved state", "error", runErr)
	} else {
		d.logger.Info("daemon stopped")
	}
	d.closeLogger()
	return runErr
}

func (d *Daemon) abortStart(err error) error {
	d.closeStores()
	d.logger.Error("daemon failed to start", "error", err)
	d.closeLogger()
	return err
}

func (d *Daemon) closeStores() {
	if err := d.metrics.Close(); err != nil {
		d.logger.Warn("closing metrics", "error", err)
	}
	if d.stateDB != nil {
		d.stateDB.Close()
		d.stateDB = nil
	}
}
