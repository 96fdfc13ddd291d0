// internal/metrics/metrics.go
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

const (
	connectTimeout = 10 * time.Second
	batchSize      = 100
	flushInterval  = 10 * time.Second

	measurementRuns   = "script_runs"
	measurementValues = "device_values"
)

// ErrDisabled is returned by Connect when metrics are not configured.
var ErrDisabled = errors.New("metrics disabled")

// Sink receives run and device observations. Implementations never block
// the caller.
type Sink interface {
	RunFinished(scheduleID, stimulus, state string, duration time.Duration, exitCode *int)
	LaunchFailed(scheduleID, stimulus string)
	DeviceValue(n trigger.Notification)
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) RunFinished(string, string, string, time.Duration, *int) {}
func (Noop) LaunchFailed(string, string)                            {}
func (Noop) DeviceValue(trigger.Notification)                       {}
func (Noop) Close() error                                           { return nil }

// Influx writes points through the non-blocking batched write API.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect pings the server and returns a ready sink.
func Connect(cfg config.InfluxConfig, logger *slog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy", cfg.URL)
	}

	in := &Influx{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
	}
	go in.logWriteErrors(in.writeAPI.Errors())
	return in, nil
}

func (in *Influx) logWriteErrors(errs <-chan error) {
	for err := range errs {
		in.logger.Warn("influxdb write failed", "error", err)
	}
}

func (in *Influx) write(p *write.Point) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.writeAPI.WritePoint(p)
}

func (in *Influx) RunFinished(scheduleID, stimulus, state string, duration time.Duration, exitCode *int) {
	in.write(RunPoint(scheduleID, stimulus, state, duration, exitCode, time.Now()))
}

func (in *Influx) LaunchFailed(scheduleID, stimulus string) {
	in.write(RunPoint(scheduleID, stimulus, "launch_failed", 0, nil, time.Now()))
}

func (in *Influx) DeviceValue(n trigger.Notification) {
	if p := ValuePoint(n); p != nil {
		in.write(p)
	}
}

// Close flushes pending points and closes the client.
func (in *Influx) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	in.writeAPI.Flush()
	in.client.Close()
	return nil
}

// RunPoint describes one finished (or failed) run.
func RunPoint(scheduleID, stimulus, state string, duration time.Duration, exitCode *int, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"count":       1,
	}
	if exitCode != nil {
		fields["exit_code"] = *exitCode
	}
	return write.NewPoint(
		measurementRuns,
		map[string]string{
			"schedule": scheduleID,
			"stimulus": stimulus,
			"state":    state,
		},
		fields,
		at,
	)
}

// ValuePoint records a numeric or boolean device value. Other value types
// return nil.
func ValuePoint(n trigger.Notification) *write.Point {
	var v interface{}
	switch x := n.Value.(type) {
	case float64, int, int64, bool:
		v = x
	default:
		return nil
	}
	return write.NewPoint(
		measurementValues,
		map[string]string{
			"device":  n.DeviceID,
			"channel": fmt.Sprint(n.Channel),
			"param":   n.Param,
			"change":  string(n.Change),
		},
		map[string]interface{}{"value": v},
		n.Timestamp,
	)
}
