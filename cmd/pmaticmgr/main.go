// cmd/pmaticmgr/main.go
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "init":
		err = cmdInit(os.Stdout, configPath(), args)
	case "validate":
		err = cmdValidate(os.Stdout, configPath(), args)
	case "logs":
		err = cmdLogs(configPath(), args)
	case "status", "list", "enable", "disable", "run", "abort", "output", "reload", "history", "events", "scripts":
		err = withClient(func(ctrl rpc.Controller) error {
			return runControl(ctx, os.Stdout, ctrl, cmd, args)
		})
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pmaticmgr - control the pmatic script scheduler

Usage: pmaticmgr <command> [options]

Commands:
  init [-state-dir DIR]            Create configuration and directories
  status                           Show daemon status
  list                             List schedules
  enable <id>                      Enable a schedule
  disable <id>                     Disable a schedule
  run [-token T] [-wait] <id>      Run a schedule now
  abort <id>                       Terminate a schedule's running scripts
  output [-f] <id>                 Show output of the current or last run
  reload                           Reload schedule definitions
  history [-schedule ID] [-state S] [-limit N]
                                   Show run history
  events [-limit N]                Show recent device events
  scripts                          List available scripts
  validate [id]                    Validate schedule files
  logs [-f]                        View daemon logs

Environment:
  PMATICMGR_CONFIG                 Config file (default ` + config.DefaultConfigPath + `)`)
}

func configPath() string {
	if p := os.Getenv("PMATICMGR_CONFIG"); p != "" {
		return p
	}
	return config.DefaultConfigPath
}

// withClient dials the daemon named by the local configuration.
func withClient(fn func(rpc.Controller) error) error {
	cfg, err := config.LoadGlobal(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Daemon.RPCSecret == "" {
		return fmt.Errorf("daemon.rpc_secret is not set in %s; the control RPC is disabled", configPath())
	}

	host := cfg.Daemon.ListenAddress
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/rpc", net.JoinHostPort(host, fmt.Sprint(cfg.Daemon.ListenPort)))

	cli := rpc.Dial(url, cfg.Daemon.RPCSecret, 30*time.Second)
	defer cli.Close()
	return fn(cli)
}
