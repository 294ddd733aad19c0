package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/indexer"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/secrets"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
	"github.com/fyrsmithlabs/memsync/internal/tenant"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

// Deps are collaborators Open does not build from configuration itself.
// Nil fields are built from cfg.
type Deps struct {
	Remote   remote.Protocol
	NATS     *nats.Conn
	Embedder embeddings.Provider
	Logger   *logging.Logger
	Now      func() time.Time
}

// Device is a fully wired device. Start runs its background tasks.
type Device struct {
	Registry
	Admin *Admin

	cfg      *config.Config
	userID   string
	embedder embeddings.Provider
	watcher  *indexer.Watcher
	nc       *nats.Conn
	logger   *logging.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Open builds every service of the device from cfg.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (d *Device, err error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	zl := logger.Underlying()

	path, err := config.ExpandPath(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding store.path: %w", err)
	}
	storeOpts := []localstore.Option{localstore.WithLogger(zl.Named("localstore"))}
	if deps.Now != nil {
		storeOpts = append(storeOpts, localstore.WithClock(deps.Now))
	}
	store, err := localstore.Open(ctx, path, storeOpts...)
	if err != nil {
		return nil, err
	}
	var closers []func() error
	closers = append(closers, store.Close)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	emb := deps.Embedder
	if emb == nil {
		pc, err := embeddings.ProviderConfigFrom(cfg.Embeddings)
		if err != nil {
			return nil, err
		}
		if emb, err = embeddings.NewProvider(pc, zl.Named("embeddings")); err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		closers = append(closers, emb.Close)
	}
	if cfg.Index.CacheEntries > 0 {
		if emb, err = embeddings.NewCache(emb, cfg.Index.CacheEntries); err != nil {
			return nil, err
		}
	}

	idx, err := vectorindex.New(emb, store, vectorindex.Options{
		Workers:        cfg.Index.Workers,
		DriftTolerance: cfg.Index.DriftTolerance,
		RebuildRetries: cfg.Index.RebuildRetries,
		Logger:         zl.Named("vectorindex"),
	})
	if err != nil {
		return nil, err
	}
	drift := vectorindex.NewDriftMonitor(idx, cfg.Index.VerifyInterval.Duration(), zl.Named("drift"))

	userID := cfg.Device.UserID
	if userID == "" {
		root := ""
		if len(cfg.Indexer.Roots) > 0 {
			root = cfg.Indexer.Roots[0]
		}
		userID = tenant.DefaultOwnerID(root)
	}
	writer := NewWriter(store, WriterOptions{
		Index:     idx,
		Drift:     drift,
		Tiers:     cfg.TierTable(),
		Principal: record.Principal{UserID: userID, Tier: record.TierFree},
		Logger:    zl.Named("writer"),
	})

	scrubber, err := newScrubber(cfg.Indexer)
	if err != nil {
		return nil, err
	}
	sources, err := newSources(cfg.Indexer, zl)
	if err != nil {
		return nil, err
	}
	ix, err := indexer.New(writer, indexer.Options{
		OwnerID:  userID,
		Scrubber: scrubber,
		Logger:   zl.Named("indexer"),
	}, sources...)
	if err != nil {
		return nil, err
	}

	proto := deps.Remote
	if proto == nil {
		if cfg.Remote.URL == "" {
			return nil, errors.New("remote.url is required")
		}
		if proto, err = remote.NewClient(remote.ClientConfigFrom(cfg.Remote)); err != nil {
			return nil, err
		}
	}
	opts := syncengine.OptionsFromConfig(cfg)
	opts.Index = idx
	opts.Drift = drift
	opts.Logger = logger.Named("sync")
	if deps.Now != nil {
		opts.Now = deps.Now
	}
	engine, err := syncengine.New(store, proto, opts)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(Options{
		Store:    store,
		Index:    idx,
		Drift:    drift,
		Engine:   engine,
		Indexer:  ix,
		Writer:   writer,
		Scrubber: scrubber,
	})
	d = &Device{
		Registry: reg,
		Admin:    NewAdmin(reg),
		cfg:      cfg,
		userID:   userID,
		embedder: emb,
		nc:       deps.NATS,
		logger:   logger,
	}
	if cfg.Indexer.Watch && len(sources) > 0 {
		d.watcher = indexer.NewWatcher(ix, cfg.Indexer.Debounce.Duration(), zl.Named("watcher"))
	}
	return d, nil
}

func newScrubber(cfg config.IndexerConfig) (secrets.Scrubber, error) {
	if cfg.DisableScrubbing {
		return secrets.NoopScrubber{}, nil
	}
	userList, err := config.ExpandPath(cfg.Allowlist)
	if err != nil {
		return nil, err
	}
	merged, err := secrets.LoadAllowlists("", userList)
	if err != nil {
		return nil, err
	}
	for _, root := range cfg.Roots {
		l, err := secrets.LoadAllowlists(root, "")
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(l)
	}
	return secrets.New(secrets.Config{Enabled: true, Allowlist: merged})
}

// newSources builds a file source per root, plus a commit source for roots
// inside a git repository and a session source for the transcripts dir.
func newSources(cfg config.IndexerConfig, logger *zap.Logger) ([]indexer.Source, error) {
	var out []indexer.Source
	for _, root := range cfg.Roots {
		root, err := config.ExpandPath(root)
		if err != nil {
			return nil, err
		}
		fs, err := indexer.NewFileSource(root, indexer.FileOptions{
			Include:     cfg.Include,
			Exclude:     cfg.Exclude,
			IgnoreFiles: cfg.IgnoreFiles,
			MaxFileSize: cfg.MaxFileSize,
			ChunkSize:   cfg.ChunkSize,
		})
		if err != nil {
			return nil, fmt.Errorf("indexer root %s: %w", root, err)
		}
		out = append(out, fs)
		if cfg.CommitDepth <= 0 {
			continue
		}
		cs, err := indexer.NewCommitSource(root, cfg.CommitDepth)
		if err != nil {
			logger.Debug("no commit history for root", zap.String("root", root), zap.Error(err))
			continue
		}
		out = append(out, cs)
	}
	if cfg.SessionsDir != "" {
		dir, err := config.ExpandPath(cfg.SessionsDir)
		if err != nil {
			return nil, err
		}
		ss, err := indexer.NewSessionSource(dir)
		if err != nil {
			return nil, fmt.Errorf("indexer sessions_dir: %w", err)
		}
		out = append(out, ss)
	}
	return out, nil
}

// UserID is the account the device writes as.
func (d *Device) UserID() string { return d.userID }

// Start builds the index from the local store, then starts the drift
// monitor, the sync loop, the file watcher, an initial ingestion run and
// the change subscription.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("device already started")
	}
	if err := d.Index().Rebuild(ctx, "startup"); err != nil {
		return fmt.Errorf("initial index build: %w", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.Drift().Start(ctx)
	if err := d.Engine().Start(ctx); err != nil {
		d.cancel()
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			d.logger.Warn(ctx, "file watcher not started", zap.Error(err))
		}
	}
	if len(d.Indexer().Sources()) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.Indexer().RunAll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn(ctx, "initial ingestion failed", zap.Error(err))
			}
			d.Engine().Trigger()
		}()
	}
	if d.nc != nil {
		sub, err := remote.SubscribeChanges(d.nc, d.cfg.NATS.SubjectPrefix, d.userID, func(remote.Change) {
			d.Engine().Trigger()
		})
		if err != nil {
			d.logger.Warn(ctx, "change notifications unavailable; relying on the sync interval", zap.Error(err))
		} else {
			d.sub = sub
		}
	}
	d.started = true
	return nil
}

// Close stops background work and releases the store and embedder.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.sub != nil {
		errs = append(errs, d.sub.Unsubscribe())
		d.sub = nil
	}
	if d.watcher != nil && d.started {
		errs = append(errs, d.watcher.Stop())
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	errs = append(errs, d.Engine().Stop())
	d.Drift().Stop()
	errs = append(errs, d.Store().Close())
	if d.embedder != nil {
		errs = append(errs, d.embedder.Close())
	}
	d.started = false
	return errors.Join(errs...)
}
