// Governd is the governance workflow daemon.
//
// It serves the readiness, gate, escalation, phase-contract and transition
// engines over HTTP, persisting to SQLite by default and publishing
// governance events to NATS when enabled.
//
// Configuration is read from ~/.config/governd/config.yaml and GOVERND_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	governd
//
//	# Explicit config file
//	governd -config /etc/governd/config.yaml
//
//	# Override via environment
//	GOVERND_SERVER_HTTP_PORT=9090 GOVERND_STORE_DRIVER=memory governd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/governd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  governd [-config path]   Start the governance daemon\n")
			fmt.Fprintf(os.Stderr, "  governd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("governd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	app.logger.Info(ctx, "starting governd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("telemetry", cfg.Observability.EnableTelemetry),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
