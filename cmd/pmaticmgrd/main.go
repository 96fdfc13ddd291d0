// cmd/pmaticmgrd/main.go
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
	"github.com/colebrumley/pmaticmgr/internal/daemon"
	"github.com/colebrumley/pmaticmgr/internal/mcp"
	"github.com/colebrumley/pmaticmgr/internal/rpc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultMCPPort = "9878"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp-server":
			runMCPServer()
			return
		case "mcp-http-server":
			runMCPHTTPServer()
			return
		case "version", "--version":
			fmt.Println(version)
			return
		}
	}

	runDaemon()
}

func configPath() string {
	if p := os.Getenv("PMATICMGR_CONFIG"); p != "" {
		return p
	}
	return config.DefaultConfigPath
}

// signalContext is cancelled by the first INT, QUIT or TERM. A second
// signal exits immediately with status 2.
func signalContext(onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if onFirst != nil {
			onFirst()
		}
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(2)
	}()
	return ctx, cancel
}

// controlClient connects to the local daemon's RPC endpoint using the
// daemon's own configuration.
func controlClient() (*rpc.Client, error) {
	cfg, err := config.LoadGlobal(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Daemon.RPCSecret == "" {
		return nil, fmt.Errorf("daemon.rpc_secret is not set; the control RPC is disabled")
	}
	host := cfg.Daemon.ListenAddress
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/rpc", net.JoinHostPort(host, fmt.Sprint(cfg.Daemon.ListenPort)))
	return rpc.Dial(url, cfg.Daemon.RPCSecret, 30*time.Second), nil
}

func runMCPServer() {
	cli, err := controlClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating MCP server: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	ctx, cancel := signalContext(nil)
	defer cancel()

	if err := mcp.NewServer(cli, version).Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func runMCPHTTPServer() {
	cli, err := controlClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating MCP server: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	port := os.Getenv("PMATICMGR_MCP_PORT")
	if port == "" {
		port = defaultMCPPort
	}
	addr := "127.0.0.1:" + port

	ctx, cancel := signalContext(func() {
		fmt.Fprintf(os.Stderr, "\nShutting down MCP HTTP server...\n")
	})
	defer cancel()

	fmt.Fprintf(os.Stderr, "MCP HTTP server listening on %s\n", addr)
	if err := mcp.NewServer(cli, version).RunHTTP(ctx, addr); err != nil {
		fmt.Fprintf(os.Stderr, "MCP HTTP server error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	d := daemon.New(configPath(), os.Getenv("PMATICMGR_SCHEDULES_DIR"), version)

	ctx, cancel := signalContext(func() {
		fmt.Println("\nReceived shutdown signal")
	})
	defer cancel()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
