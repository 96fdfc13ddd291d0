// cmd/pmaticmgr/local.go
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/colebrumley/pmaticmgr/internal/config"
)

// cmdInit writes a default configuration next to configPath and creates the
// directories it names. An existing config file is left untouched.
func cmdInit(w io.Writer, configPath string, args []string) error {
	fset := flag.NewFlagSet("init", flag.ContinueOnError)
	fset.SetOutput(w)
	stateDir := fset.String("state-dir", config.DefaultStateDir, "state directory (registry, history, scripts)")
	if err := fset.Parse(args); err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	schedulesDir := filepath.Join(configDir, "schedules")
	scriptsDir := filepath.Join(*stateDir, "scripts")

	for _, dir := range []string{configDir, schedulesDir, *stateDir, scriptsDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		fmt.Fprintf(w, "Created %s\n", dir)
	}

	// The daemon refuses to reload from a directory others can write to.
	if err := os.Chmod(schedulesDir, 0700); err != nil {
		return fmt.Errorf("setting schedules directory permissions: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "Keeping existing %s\n", configPath)
	} else if errors.Is(err, fs.ErrNotExist) {
		cfg := config.Global{
			Daemon: config.DaemonConfig{
				LogLevel:      "info",
				StateDir:      *stateDir,
				SchedulesDir:  schedulesDir,
				ScriptsDir:    scriptsDir,
				ListenAddress: "127.0.0.1",
				ListenPort:    9877,
				RPCSecret:     uuid.NewString(),
			},
			Logging: config.LoggingConfig{Format: "json"},
			CCU: config.CCUConfig{
				Transport: config.TransportMQTT,
				MQTT: config.MQTTConfig{
					Broker:      "tcp://127.0.0.1:1883",
					TopicPrefix: "pmatic",
				},
			},
			History: config.HistoryConfig{RetentionDays: 30},
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, data, 0600); err != nil {
			return err
		}
		fmt.Fprintf(w, "Created %s\n", configPath)
	} else {
		return err
	}

	fmt.Fprintf(w, "\nInitialization complete. Add schedules to %s and scripts to %s\n", schedulesDir, scriptsDir)
	return nil
}

// cmdValidate checks the config file and every schedule file, or only the
// schedule named by the single argument.
func cmdValidate(w io.Writer, configPath string, args []string) error {
	cfg, err := config.LoadGlobal(configPath)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	dir := cfg.Daemon.SchedulesDir
	if env := os.Getenv("PMATICMGR_SCHEDULES_DIR"); env != "" {
		dir = env
	}

	if len(args) > 0 {
		path := filepath.Join(dir, args[0]+".yaml")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = filepath.Join(dir, args[0]+".yml")
		}
		s, err := config.LoadSchedule(path)
		if err == nil {
			err = config.ValidateSchedule(s)
		}
		if err != nil {
			return fmt.Errorf("invalid schedule %s: %w", args[0], err)
		}
		fmt.Fprintf(w, "Schedule '%s' is valid\n", s.ID)
		return nil
	}

	schedules, failed, err := config.LoadSchedulesDir(dir)
	if err != nil {
		return err
	}
	for _, f := range failed {
		fmt.Fprintf(w, "INVALID %s: %v\n", f.File, f.Err)
	}
	fmt.Fprintf(w, "Validated %d schedules\n", len(schedules))
	if len(failed) > 0 {
		return fmt.Errorf("%d schedule file(s) invalid", len(failed))
	}
	return nil
}

func cmdLogs(configPath string, args []string) error {
	fset := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fset.Bool("f", false, "follow logs")
	fset.BoolVar(follow, "follow", false, "follow logs")
	lines := fset.Int("n", 50, "number of lines")
	fset.Parse(args)

	cfg, err := config.LoadGlobal(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logPath := cfg.Logging.File
	if logPath == "" {
		return fmt.Errorf("the daemon logs to stdout; read them from its service manager (e.g. journalctl -u pmaticmgrd)")
	}
	if _, err := os.Stat(logPath); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("log file not found: %s", logPath)
	}

	tailArgs := []string{"-n", fmt.Sprint(*lines)}
	if *follow {
		tailArgs = append(tailArgs, "-f")
	}
	tailArgs = append(tailArgs, logPath)

	cmd := exec.Command("tail", tailArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
