// Package config provides configuration loading for memsync.
//
// Configuration comes from an optional YAML file overridden by MEMSYNC_*
// environment variables; see LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/sanitize"
)

// Config holds the complete memsync configuration. One file serves the
// device daemon, the sync server and the CLI; each reads the sections it needs.
type Config struct {
	Server     ServerConfig                 `koanf:"server"`
	Device     DeviceConfig                 `koanf:"device"`
	Remote     RemoteConfig                 `koanf:"remote"`
	Store      StoreConfig                  `koanf:"store"`
	Index      IndexConfig                  `koanf:"index"`
	Embeddings EmbeddingsConfig             `koanf:"embeddings"`
	Sync       SyncConfig                   `koanf:"sync"`
	Indexer    IndexerConfig                `koanf:"indexer"`
	Tiers      map[string]record.TierLimits `koanf:"tiers"`
	NATS       NATSConfig                   `koanf:"nats"`
	Hub        HubConfig                    `koanf:"hub"`
	Logging    LoggingConfig                `koanf:"logging"`
	Telemetry  TelemetryConfig              `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DeviceConfig identifies this installation to the remote store.
type DeviceConfig struct {
	Name     string `koanf:"name"`
	Platform string `koanf:"platform"`
	UserID   string `koanf:"user_id"`
}

// RemoteConfig points the device at the remote authoritative store.
type RemoteConfig struct {
	URL               string   `koanf:"url"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// StoreConfig locates the local SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// IndexConfig tunes the vector index manager.
type IndexConfig struct {
	Workers        int      `koanf:"workers"`
	DriftTolerance int      `koanf:"drift_tolerance"`
	VerifyInterval Duration `koanf:"verify_interval"`
	CacheEntries   int64    `koanf:"cache_entries"`
	RebuildRetries int      `koanf:"rebuild_retries"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // fastembed, tei or hash
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval          Duration `koanf:"interval"`
	BatchSize         int      `koanf:"batch_size"`
	PageSize          int      `koanf:"page_size"`
	BackoffInitial    Duration `koanf:"backoff_initial"`
	BackoffMax        Duration `koanf:"backoff_max"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	BackoffJitter     float64  `koanf:"backoff_jitter"`
	PurgeGrace        Duration `koanf:"purge_grace"`
	CycleTimeout      Duration `koanf:"cycle_timeout"`
}

// IndexerConfig tunes the auto-indexer.
type IndexerConfig struct {
	Roots       []string `koanf:"roots"`
	Include     []string `koanf:"include"`
	Exclude     []string `koanf:"exclude"`
	IgnoreFiles []string `koanf:"ignore_files"`
	MaxFileSize int64    `koanf:"max_file_size"`
	ChunkSize   int      `koanf:"chunk_size"`
	CommitDepth int      `koanf:"commit_depth"`
	SessionsDir string   `koanf:"sessions_dir"`
	Watch       bool     `koanf:"watch"`
	Debounce    Duration `koanf:"debounce"`

	// DisableScrubbing stores ingested content without secret redaction.
	DisableScrubbing bool `koanf:"disable_scrubbing"`
	// Allowlist is a user-level gitleaks allowlist merged with each root's .gitleaks.toml.
	Allowlist string `koanf:"allowlist"`
}

// NATSConfig enables change notifications between the sync server and devices.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// HubConfig configures the remote authoritative store.
type HubConfig struct {
	SnapshotPath     string     `koanf:"snapshot_path"`
	SnapshotInterval Duration   `koanf:"snapshot_interval"`
	DeviceStaleAfter Duration   `koanf:"device_stale_after"`
	APIKeys          []APIKey   `koanf:"api_keys"`
	Users            []UserSeed `koanf:"users"`
	Teams            []TeamSeed `koanf:"teams"`
}

// APIKey maps a bearer token to a user id.
type APIKey struct {
	Key    Secret `koanf:"key"`
	UserID string `koanf:"user_id"`
}

// UserSeed provisions a user at startup.
type UserSeed struct {
	ID   string `koanf:"id"`
	Tier string `koanf:"tier"`
}

// TeamSeed provisions a team and its members at startup.
type TeamSeed struct {
	ID      string       `koanf:"id"`
	Name    string       `koanf:"name"`
	OwnerID string       `koanf:"owner_id"`
	Members []MemberSeed `koanf:"members"`
}

// MemberSeed is one team member.
type MemberSeed struct {
	UserID string `koanf:"user_id"`
	Role   string `koanf:"role"`
}

// LoggingConfig holds the logging knobs exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// TierTable converts the configured tiers, falling back to the built-in table.
func (c *Config) TierTable() map[record.Tier]record.TierLimits {
	out := record.DefaultTiers()
	for name, limits := range c.Tiers {
		out[record.Tier(name)] = limits
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if c.Sync.BackoffInitial.Duration() <= 0 || c.Sync.BackoffMax.Duration() < c.Sync.BackoffInitial.Duration() {
		errs = append(errs, errors.New("sync.backoff_max must be >= sync.backoff_initial > 0"))
	}
	if c.Sync.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("sync.backoff_multiplier must be >= 1"))
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter > 1 {
		errs = append(errs, errors.New("sync.backoff_jitter must be within [0,1]"))
	}
	if c.Index.DriftTolerance < 0 {
		errs = append(errs, errors.New("index.drift_tolerance cannot be negative"))
	}
	switch c.Embeddings.Provider {
	case "fastembed", "tei", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed, tei or hash, got %q", c.Embeddings.Provider))
	}
	for name, limits := range c.Tiers {
		if limits.DeviceLimit < record.Unlimited || limits.RecordLimit < record.Unlimited {
			errs = append(errs, fmt.Errorf("tier %s: limits must be -1 (unlimited) or >= 0", name))
		}
	}
	if err := sanitize.ValidateGlobPatterns(c.Indexer.Include); err != nil {
		errs = append(errs, fmt.Errorf("indexer.include: %w", err))
	}
	if err := sanitize.ValidateGlobPatterns(c.Indexer.Exclude); err != nil {
		errs = append(errs, fmt.Errorf("indexer.exclude: %w", err))
	}
	if c.Device.UserID != "" {
		if err := sanitize.ValidateID(c.Device.UserID, "device.user_id"); err != nil {
			errs = append(errs, err)
		}
	}
	for i, k := range c.Hub.APIKeys {
		if !k.Key.IsSet() || k.UserID == "" {
			errs = append(errs, fmt.Errorf("hub.api_keys[%d]: key and user_id are required", i))
			continue
		}
		if err := sanitize.ValidateID(k.UserID, fmt.Sprintf("hub.api_keys[%d].user_id", i)); err != nil {
			errs = append(errs, err)
		}
	}
	for i, u := range c.Hub.Users {
		if err := sanitize.ValidateID(u.ID, fmt.Sprintf("hub.users[%d].id", i)); err != nil {
			errs = append(errs, err)
		}
	}
	for i, t := range c.Hub.Teams {
		if err := sanitize.ValidateID(t.ID, fmt.Sprintf("hub.teams[%d].id", i)); err != nil {
			errs = append(errs, err)
		}
		if err := sanitize.ValidateID(t.OwnerID, fmt.Sprintf("hub.teams[%d].owner_id", i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = Duration(30 * time.Second)
	}
	if cfg.Remote.RequestsPerSecond == 0 {
		cfg.Remote.RequestsPerSecond = 20
	}
	if cfg.Remote.Burst == 0 {
		cfg.Remote.Burst = 10
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/memsync/memsync.db"
	}

	if cfg.Index.Workers == 0 {
		cfg.Index.Workers = 4
	}
	if cfg.Index.VerifyInterval == 0 {
		cfg.Index.VerifyInterval = Duration(15 * time.Minute)
	}
	if cfg.Index.CacheEntries == 0 {
		cfg.Index.CacheEntries = 10000
	}
	if cfg.Index.RebuildRetries == 0 {
		cfg.Index.RebuildRetries = 3
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384 // bge-small-en-v1.5
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Duration(time.Minute)
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 200
	}
	if cfg.Sync.BackoffInitial == 0 {
		cfg.Sync.BackoffInitial = Duration(time.Second)
	}
	if cfg.Sync.BackoffMax == 0 {
		cfg.Sync.BackoffMax = Duration(5 * time.Minute)
	}
	if cfg.Sync.BackoffMultiplier == 0 {
		cfg.Sync.BackoffMultiplier = 2
	}
	if cfg.Sync.BackoffJitter == 0 {
		cfg.Sync.BackoffJitter = 0.2
	}
	if cfg.Sync.PurgeGrace == 0 {
		cfg.Sync.PurgeGrace = Duration(30 * 24 * time.Hour)
	}
	if cfg.Sync.CycleTimeout == 0 {
		cfg.Sync.CycleTimeout = Duration(5 * time.Minute)
	}

	if len(cfg.Indexer.IgnoreFiles) == 0 {
		cfg.Indexer.IgnoreFiles = []string{".gitignore", ".memsyncignore"}
	}
	if cfg.Indexer.MaxFileSize == 0 {
		cfg.Indexer.MaxFileSize = 1024 * 1024
	}
	if cfg.Indexer.ChunkSize == 0 {
		cfg.Indexer.ChunkSize = 4000
	}
	if cfg.Indexer.CommitDepth == 0 {
		cfg.Indexer.CommitDepth = 200
	}
	if cfg.Indexer.Debounce == 0 {
		cfg.Indexer.Debounce = Duration(500 * time.Millisecond)
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "memsync"
	}

	if cfg.Hub.SnapshotInterval == 0 {
		cfg.Hub.SnapshotInterval = Duration(time.Minute)
	}
	if cfg.Hub.DeviceStaleAfter == 0 {
		cfg.Hub.DeviceStaleAfter = Duration(7 * 24 * time.Hour)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "memsync"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}
