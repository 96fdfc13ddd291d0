// internal/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyGlobalDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSchedule loads a schedule definition from a YAML file. A missing id
// defaults to the file name without extension.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schedule file: %w", err)
	}

	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schedule file: %w", err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	return &s, nil
}

// LoadError records a schedule file that could not be loaded.
type LoadError struct {
	File string
	ID   string // derived from the file name
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// LoadSchedulesDir loads every .yaml/.yml file in dir. Files that fail to
// parse or validate are reported in the second return value and skipped;
// the caller decides whether their previous version stays.
func LoadSchedulesDir(dir string) ([]*Schedule, []LoadError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading schedules directory: %w", err)
	}

	var (
		schedules []*Schedule
		failed    []LoadError
		seen      = make(map[string]string)
	)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ext)

		s, err := LoadSchedule(filepath.Join(dir, entry.Name()))
		if err == nil {
			err = ValidateSchedule(s)
		}
		if err == nil {
			if other, dup := seen[s.ID]; dup {
				err = fmt.Errorf("duplicate schedule id %q (also in %s)", s.ID, other)
			}
		}
		if err != nil {
			id := stem
			if s != nil {
				id = s.ID
			}
			failed = append(failed, LoadError{File: entry.Name(), ID: id, Err: err})
			continue
		}
		seen[s.ID] = entry.Name()
		schedules = append(schedules, s)
	}

	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, failed, nil
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.StateDir == "" {
		cfg.Daemon.StateDir = DefaultStateDir
	}
	if cfg.Daemon.SchedulesDir == "" {
		cfg.Daemon.SchedulesDir = DefaultSchedulesDir
	}
	if cfg.Daemon.ScriptsDir == "" {
		cfg.Daemon.ScriptsDir = DefaultScriptsDir
	}
	if cfg.Daemon.ListenAddress == "" {
		cfg.Daemon.ListenAddress = "127.0.0.1"
	}
	if cfg.Daemon.ListenPort == 0 {
		cfg.Daemon.ListenPort = 9877
	}
	if cfg.Daemon.TickInterval <= 0 {
		cfg.Daemon.TickInterval = time.Second
	}
	if cfg.Daemon.EventBatch <= 0 {
		cfg.Daemon.EventBatch = 64
	}
	if cfg.Daemon.TokenWindow <= 0 {
		cfg.Daemon.TokenWindow = 10 * time.Minute
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Runner.WorkDir == "" {
		cfg.Runner.WorkDir = "/"
	}
	if cfg.Runner.MaxOutputBytes <= 0 {
		cfg.Runner.MaxOutputBytes = 1 << 20
	}
	if cfg.Runner.KillGrace <= 0 {
		cfg.Runner.KillGrace = 10 * time.Second
	}
	if cfg.CCU.Transport == "" {
		cfg.CCU.Transport = TransportMQTT
	}
	if cfg.CCU.MQTT.Broker == "" {
		cfg.CCU.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.CCU.MQTT.ClientID == "" {
		cfg.CCU.MQTT.ClientID = "pmaticmgr"
	}
	if cfg.CCU.MQTT.TopicPrefix == "" {
		cfg.CCU.MQTT.TopicPrefix = "pmatic"
	}
	if cfg.CCU.Webhook.Path == "" {
		cfg.CCU.Webhook.Path = "/events"
	}
	if cfg.History.RetentionDays <= 0 {
		cfg.History.RetentionDays = 30
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PMATICMGR_SECTION_KEY
func applyEnvOverrides(cfg *Global) {
	if v := os.Getenv("PMATICMGR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("PMATICMGR_STATE_DIR"); v != "" {
		cfg.Daemon.StateDir = v
	}
	if v := os.Getenv("PMATICMGR_SCHEDULES_DIR"); v != "" {
		cfg.Daemon.SchedulesDir = v
	}
	if v := os.Getenv("PMATICMGR_SCRIPTS_DIR"); v != "" {
		cfg.Daemon.ScriptsDir = v
	}
	if v := os.Getenv("PMATICMGR_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.ListenPort = port
		}
	}
	if v := os.Getenv("PMATICMGR_RPC_SECRET"); v != "" {
		cfg.Daemon.RPCSecret = v
	}

	if v := os.Getenv("PMATICMGR_MQTT_BROKER"); v != "" {
		cfg.CCU.MQTT.Broker = v
	}
	if v := os.Getenv("PMATICMGR_MQTT_USERNAME"); v != "" {
		cfg.CCU.MQTT.Username = v
	}
	if v := os.Getenv("PMATICMGR_MQTT_PASSWORD"); v != "" {
		cfg.CCU.MQTT.Password = v
	}
	if v := os.Getenv("PMATICMGR_WEBSOCKET_TOKEN"); v != "" {
		cfg.CCU.WebSocket.Token = v
	}

	if v := os.Getenv("PMATICMGR_INFLUXDB_TOKEN"); v != "" {
		cfg.Metrics.Influx.Token = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Global) Validate() error {
	var errs []string

	switch strings.ToLower(c.Daemon.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("daemon.log_level %q must be debug, info, warn or error", c.Daemon.LogLevel))
	}
	if c.Daemon.ListenPort < 1 || c.Daemon.ListenPort > 65535 {
		errs = append(errs, "daemon.listen_port must be between 1 and 65535")
	}
	if !filepath.IsAbs(c.Daemon.StateDir) {
		errs = append(errs, "daemon.state_dir must be an absolute path")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	for ext, argv := range c.Runner.Interpreters {
		if !strings.HasPrefix(ext, ".") || len(argv) == 0 {
			errs = append(errs, fmt.Sprintf("runner.interpreters[%q] needs a .ext key and a command", ext))
		}
	}

	if c.CCU.Enabled {
		switch c.CCU.Transport {
		case TransportMQTT:
			if c.CCU.MQTT.QoS < 0 || c.CCU.MQTT.QoS > 2 {
				errs = append(errs, "ccu.mqtt.qos must be 0, 1, or 2")
			}
		case TransportWebSocket:
			if c.CCU.WebSocket.URL == "" {
				errs = append(errs, "ccu.websocket.url is required for the websocket transport")
			}
		case TransportWebhook:
			if !strings.HasPrefix(c.CCU.Webhook.Path, "/") {
				errs = append(errs, "ccu.webhook.path must start with /")
			}
		default:
			errs = append(errs, fmt.Sprintf("ccu.transport %q must be mqtt, websocket or webhook", c.CCU.Transport))
		}
	}

	if c.Metrics.Influx.Enabled {
		if c.Metrics.Influx.URL == "" || c.Metrics.Influx.Bucket == "" || c.Metrics.Influx.Org == "" {
			errs = append(errs, "metrics.influx requires url, org and bucket when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
