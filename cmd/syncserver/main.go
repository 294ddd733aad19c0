// Syncserver runs the remote authoritative store that memsync devices sync
// through.
//
// Users, teams and API keys come from the hub section of the config file.
// State is kept in memory and snapshotted to hub.snapshot_path; accepted
// pushes are announced on NATS when nats.url is set.
//
// Usage:
//
//	syncserver -config /etc/memsync/config.yaml -port 7421
//	syncserver version
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
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	httpserver "github.com/fyrsmithlabs/memsync/internal/http"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	host       string
	port       int
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/memsync/config.yaml)")
	flag.StringVar(&opts.host, "host", "0.0.0.0", "listen host")
	flag.IntVar(&opts.port, "port", 7421, "listen port")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		if args[0] != "version" {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("syncserver %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		return
	}

	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &httpserver.Config{Host: opts.host, Port: opts.port}); err != nil {
		log.Fatalf("syncserver: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, listen *httpserver.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Hub.APIKeys) == 0 {
		return errors.New("hub.api_keys is empty; no device could authenticate")
	}

	logCfg, err := logging.FromAppConfig("syncserver", cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	telCfg := telemetry.FromAppConfig(cfg.Telemetry, version)
	telCfg.ServiceName = "memsync-syncserver"
	tel, err := telemetry.New(ctx, telCfg, zl.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	var notifier remote.Notifier = remote.NopNotifier{}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("memsync-syncserver"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		notifier = remote.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix, zl.Named("notify"))
		zl.Info("publishing change notifications", zap.String("url", cfg.NATS.URL))
	}

	hub := remote.NewHub(remote.HubOptions{
		Tiers:      cfg.TierTable(),
		StaleAfter: cfg.Hub.DeviceStaleAfter.Duration(),
		Notifier:   notifier,
		Logger:     zl.Named("hub"),
	})

	snapshotPath := ""
	if cfg.Hub.SnapshotPath != "" {
		if snapshotPath, err = config.ExpandPath(cfg.Hub.SnapshotPath); err != nil {
			return err
		}
		if err := hub.Load(snapshotPath); err != nil {
			return err
		}
	}
	if err := seed(hub, cfg.Hub, zl); err != nil {
		return err
	}

	srv, err := httpserver.NewSyncServer(hub, cfg.Hub.APIKeys, zl.Named("http"), listen, httpserver.NewHTTPMetrics("sync", zl))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	if snapshotPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.RunSnapshots(snapCtx, snapshotPath, cfg.Hub.SnapshotInterval.Duration())
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("sync api: %w", err)
		}
	case <-ctx.Done():
		zl.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("sync api shutdown", zap.Error(err))
	}
	// Stopped after the listener so the last snapshot holds every accepted push.
	stopSnapshots()
	wg.Wait()
	return serveErr
}

// seed applies the configured users, tiers, teams and memberships. Seeds are
// authoritative for tiers; teams that already exist keep their owner.
func seed(hub *remote.Hub, cfg config.HubConfig, logger *zap.Logger) error {
	for _, u := range cfg.Users {
		tier := record.Tier(u.Tier)
		if tier == "" {
			tier = record.TierFree
		}
		if evicted := hub.SetTier(u.ID, tier); len(evicted) > 0 {
			logger.Info("seeded tier evicted devices", zap.String("user_id", u.ID), zap.Strings("devices", evicted))
		}
	}
	for _, k := range cfg.APIKeys {
		hub.EnsureUser(k.UserID, record.TierFree)
	}
	for _, t := range cfg.Teams {
		err := hub.CreateTeam(record.Team{ID: t.ID, Name: t.Name, OwnerID: t.OwnerID})
		if err != nil && !hub.HasTeam(t.ID) {
			return fmt.Errorf("seeding team %s: %w", t.ID, err)
		}
		for _, m := range t.Members {
			role := record.Role(m.Role)
			if role == "" {
				role = record.RoleMember
			}
			if m.UserID == t.OwnerID {
				continue
			}
			if err := hub.AddMember(t.ID, m.UserID, role); err != nil {
				return fmt.Errorf("seeding team %s member %s: %w", t.ID, m.UserID, err)
			}
		}
	}
	return nil
}
