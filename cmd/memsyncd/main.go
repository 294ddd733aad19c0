// Memsyncd is the memsync device daemon.
//
// It keeps the local record store, the vector index and the remote store in
// step: it runs the sync loop, the auto-indexer and the drift monitor, and
// serves the admin API that memctl talks to.
//
// Usage:
//
//	# Start with ~/.config/memsync/config.yaml
//	memsyncd
//
//	# Point at another config file, override a setting from the environment
//	MEMSYNC_SYNC_INTERVAL=30s memsyncd -config /etc/memsync/config.yaml
//
//	memsyncd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	httpserver "github.com/fyrsmithlabs/memsync/internal/http"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/services"
	"github.com/fyrsmithlabs/memsync/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/memsync/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  memsyncd [-config path]   Start the device daemon\n")
			fmt.Fprintf(os.Stderr, "  memsyncd version          Show version information\n")
			os.Exit(1)
		}
	}

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("memsyncd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("memsyncd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the device and serves the admin API until ctx is cancelled.
//
//  1. Logger and telemetry
//  2. Optional NATS connection for change notifications
//  3. Device services (store, index, sync engine, indexer)
//  4. Admin API
//  5. Graceful shutdown, in reverse order
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, tel, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	logger.Info(ctx, "starting memsyncd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Path),
		zap.String("remote", cfg.Remote.URL),
		zap.String("embeddings", cfg.Embeddings.Provider))

	nc := connectNATS(cfg.NATS, zl)
	if nc != nil {
		defer nc.Close()
	}

	dev, err := services.Open(ctx, cfg, services.Deps{NATS: nc, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			zl.Warn("device close", zap.Error(err))
		}
	}()
	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("starting device: %w", err)
	}

	srv, err := httpserver.NewServer(dev.Admin, zl.Named("http"),
		httpserver.ConfigFrom(cfg.Server), httpserver.NewHTTPMetrics("admin", zl))
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("admin api shutdown", zap.Error(err))
	}
	return nil
}

// initObservability builds telemetry with a stdout-only logger first, then
// the final logger teed into the OTEL log pipeline when both are enabled.
func initObservability(ctx context.Context, cfg *config.Config) (*logging.Logger, *telemetry.Telemetry, error) {
	logCfg, err := logging.FromAppConfig("memsyncd", cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logging config: %w", err)
	}
	boot, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version), boot.Underlying().Named("telemetry"))
	if err != nil {
		return nil, nil, err
	}
	if tel.LoggerProvider() == nil || !logCfg.OTEL {
		return boot, tel, nil
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	_ = boot.Sync()
	return logger, tel, nil
}

// connectNATS returns nil when notifications are not configured or the
// server is unreachable; the sync interval still drives cycles.
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) *nats.Conn {
	if cfg.URL == "" {
		return nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("memsyncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Warn("NATS unavailable; relying on the sync interval", zap.String("url", cfg.URL), zap.Error(err))
		return nil
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc
}
