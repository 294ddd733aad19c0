// Package localstore is the per-device durable record store, backed by an
// embedded SQLite database (ncruces/go-sqlite3, no cgo).
//
// Besides records it persists everything a device needs to resume sync after
// a restart without coordination: per-kind pull cursors, the push watermark,
// ingestion checkpoints, conflict history and the cached team roster.
//
// All mutations of one record are serialized by a per-record lock; see WithLock.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

const lockStripes = 64

// Store is the Local Store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time

	locks [lockStripes]sync.Mutex

	mu     sync.RWMutex
	writer string // device id stamped into UpdatedBy
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a single handle
	// keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: path, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := s.loadWriter(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	team_id      TEXT NOT NULL DEFAULT '',
	visibility   TEXT NOT NULL,
	namespace    TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL, -- unix nanos
	tombstoned   INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	body         TEXT NOT NULL,    -- JSON record
	base_version INTEGER NOT NULL DEFAULT 0,
	dirty        INTEGER NOT NULL DEFAULT 0,
	local_seq    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
CREATE INDEX IF NOT EXISTS idx_records_team ON records(team_id);
CREATE INDEX IF NOT EXISTS idx_records_pending ON records(dirty, local_seq);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind, tombstoned);

CREATE TABLE IF NOT EXISTS record_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id   TEXT NOT NULL,
	body        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	winner_hash TEXT NOT NULL DEFAULT '',
	replaced_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_record ON record_history(record_id);

CREATE TABLE IF NOT EXISTS teams (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS memberships (
	team_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (team_id, user_id),
	FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS device (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	platform       TEXT NOT NULL DEFAULT '',
	client_version TEXT NOT NULL DEFAULT '',
	registered_at  INTEGER NOT NULL,
	last_seen      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
	device_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (device_id, kind)
);

CREATE TABLE IF NOT EXISTS push_watermark (
	device_id TEXT PRIMARY KEY,
	seq       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_checkpoints (
	source_id   TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	record_ids  TEXT NOT NULL DEFAULT '[]',
	ingested_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS corrupt_records (
	record_id  TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	flagged_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// inTx runs fn in a transaction. fn must use only the tx: the pool has a
// single connection, so touching s.db inside would deadlock.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// nextSeq allocates the next store-wide change sequence number. Sequence
// numbers are never reused, even after purge.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	v, ok, err := getMeta(ctx, tx, "local_seq")
	if err != nil {
		return 0, err
	}
	var seq int64
	if ok {
		seq, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt local_seq %q: %w", v, err)
		}
	}
	seq++
	if err := setMeta(ctx, tx, "local_seq", strconv.FormatInt(seq, 10)); err != nil {
		return 0, err
	}
	return seq, nil
}

// InstallID returns the id generated for this database on first open.
func (s *Store) InstallID(ctx context.Context) (string, error) {
	v, ok, err := getMeta(ctx, s.db, "install_id")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("install id missing")
	}
	return v, nil
}

// loadWriter picks the id stamped on local writes: the registered device
// id, or the install id before registration.
func (s *Store) loadWriter(ctx context.Context) error {
	id, ok, err := getMeta(ctx, s.db, "install_id")
	if err != nil {
		return err
	}
	if !ok {
		id = uuid.NewString()
		if err := setMeta(ctx, s.db, "install_id", id); err != nil {
			return err
		}
	}
	dev, err := s.Device(ctx)
	if err != nil {
		return err
	}
	if dev != nil {
		id = dev.ID
	}
	s.setWriter(id)
	return nil
}

func (s *Store) setWriter(id string) {
	s.mu.Lock()
	s.writer = id
	s.mu.Unlock()
}

// WriterID returns the id stamped into UpdatedBy on local writes.
func (s *Store) WriterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writer
}

// nextTimestamp returns now, nudged past prev so updated_at strictly
// increases for every write of a record.
func (s *Store) nextTimestamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
