// internal/config/types.go
package config

import (
	"time"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// Default locations.
const (
	DefaultConfigDir    = "/etc/pmaticmgr"
	DefaultConfigPath   = DefaultConfigDir + "/config.yaml"
	DefaultSchedulesDir = DefaultConfigDir + "/schedules"
	DefaultStateDir     = "/var/lib/pmaticmgr"
	DefaultScriptsDir   = DefaultStateDir + "/scripts"
	DefaultLogsDir      = "/var/log/pmaticmgr"
)

// Transport names for ccu.transport.
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
	TransportWebhook   = "webhook"
)

// Global configuration loaded from config.yaml
type Global struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
	Runner  RunnerConfig  `yaml:"runner"`
	CCU     CCUConfig     `yaml:"ccu"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
}

type DaemonConfig struct {
	LogLevel      string        `yaml:"log_level"`
	StateDir      string        `yaml:"state_dir"`
	SchedulesDir  string        `yaml:"schedules_dir"`
	ScriptsDir    string        `yaml:"scripts_dir"`
	ListenAddress string        `yaml:"listen_address"`
	ListenPort    int           `yaml:"listen_port"`
	RPCSecret     string        `yaml:"rpc_secret"` // empty disables /rpc
	TickInterval  time.Duration `yaml:"tick_interval"`
	EventBatch    int           `yaml:"event_batch"`
	TokenWindow   time.Duration `yaml:"token_window"`
}

type LoggingConfig struct {
	Format    string `yaml:"format"`
	File      string `yaml:"file"` // empty logs to stdout
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type RunnerConfig struct {
	WorkDir        string              `yaml:"work_dir"`
	Interpreters   map[string][]string `yaml:"interpreters"`
	MaxOutputBytes int                 `yaml:"max_output_bytes"`
	KillGrace      time.Duration       `yaml:"kill_grace"`
	Env            map[string]string   `yaml:"env"`
}

type CCUConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Transport string          `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type WebSocketConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type WebhookConfig struct {
	Path         string `yaml:"path"`
	SecretHeader string `yaml:"secret_header"`
	SecretEnvVar string `yaml:"secret_env_var"`
}

type MetricsConfig struct {
	Influx InfluxConfig `yaml:"influx"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Schedule is one schedule definition loaded from its own YAML file.
type Schedule struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Script       string            `yaml:"script" json:"script"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	AllowOverlap bool              `yaml:"allow_overlap,omitempty" json:"allow_overlap,omitempty"`
	MaxRuntime   time.Duration     `yaml:"max_runtime,omitempty" json:"max_runtime,omitempty"`
	Condition    trigger.Condition `yaml:"condition" json:"condition"`
}
