package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// Entry is a stored record plus its sync bookkeeping.
type Entry struct {
	Record *record.Record

	// BaseVersion is the last remote version this row was reconciled with.
	BaseVersion int64
	// Dirty marks a local edit the remote has not accepted yet.
	Dirty bool
	// LocalSeq orders changes within this store; the push watermark is a LocalSeq.
	LocalSeq int64
}

// Filter selects records for List. Zero fields do not filter.
type Filter struct {
	OwnerID      string
	TeamID       string
	Visibility   record.Visibility
	Kind         record.Kind
	Namespace    string
	SinceVersion int64 // version > SinceVersion
	SinceSeq     int64 // local_seq > SinceSeq
	DirtyOnly    bool

	IncludeTombstoned bool
	Limit             int
}

const entryColumns = `id, body, content_hash, base_version, dirty, local_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry decodes a row. A body that fails to decode or no longer matches
// its stored hash yields ErrCorruptRecord with the id still returned.
func scanEntry(sc rowScanner) (string, *Entry, error) {
	var (
		id, body, hash string
		base, seq      int64
		dirty          int64
	)
	if err := sc.Scan(&id, &body, &hash, &base, &dirty, &seq); err != nil {
		return "", nil, err
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return id, nil, fmt.Errorf("%w: %s: %v", record.ErrCorruptRecord, id, err)
	}
	if rec.ID != id || rec.ContentHash() != hash {
		return id, nil, fmt.Errorf("%w: %s: checksum mismatch", record.ErrCorruptRecord, id)
	}
	return id, &Entry{Record: &rec, BaseVersion: base, Dirty: dirty != 0, LocalSeq: seq}, nil
}

func loadEntry(ctx context.Context, q querier, id string) (*Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM records WHERE id = ?`, id)
	_, e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// writeEntry upserts e. The stored hash is computed from the encoded body so
// that decode and verify see exactly what was written.
func writeEntry(ctx context.Context, q querier, e *Entry) error {
	rec := e.Record
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	var stored record.Record
	if err := json.Unmarshal(body, &stored); err != nil {
		return fmt.Errorf("re-decode record %s: %w", rec.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (id, kind, owner_id, team_id, visibility, namespace, version,
			updated_at, tombstoned, content_hash, body, base_version, dirty, local_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, owner_id = excluded.owner_id, team_id = excluded.team_id,
			visibility = excluded.visibility, namespace = excluded.namespace,
			version = excluded.version, updated_at = excluded.updated_at,
			tombstoned = excluded.tombstoned, content_hash = excluded.content_hash,
			body = excluded.body, base_version = excluded.base_version,
			dirty = excluded.dirty, local_seq = excluded.local_seq`,
		rec.ID, string(rec.Kind), rec.OwnerID, rec.TeamID, string(rec.Visibility), rec.Namespace, rec.Version,
		toNanos(rec.UpdatedAt), boolInt(rec.Tombstoned), stored.ContentHash(), string(body),
		e.BaseVersion, boolInt(e.Dirty), e.LocalSeq)
	if err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM corrupt_records WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear corrupt flag %s: %w", rec.ID, err)
	}
	return nil
}

// Put writes a local edit: it bumps version and updated_at, stamps this
// device as the writer and marks the row dirty for the next push.
//
// A team that is not known locally, or an owner that is not a member of
// the team, fails with record.ErrInvalidReference. So does writing to a
// tombstoned record.
func (s *Store) Put(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", record.ErrInvalidRecord)
	}
	next := rec.Clone()
	next.Tombstoned = false
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	var out *record.Record
	err := s.WithLock(ctx, next.ID, func(tx *Tx) error {
		cur, err := tx.Entry(next.ID)
		if err != nil && !errors.Is(err, record.ErrCorruptRecord) {
			return err
		}
		if err := tx.checkReferences(next); err != nil {
			return err
		}

		e := &Entry{Record: next, Dirty: true}
		if cur != nil {
			if cur.Record.Tombstoned {
				return fmt.Errorf("%w: record %s is tombstoned", record.ErrInvalidReference, next.ID)
			}
			next.CreatedAt = cur.Record.CreatedAt
			next.Version = cur.Record.Version + 1
			next.UpdatedAt = s.nextTimestamp(cur.Record.UpdatedAt)
			e.BaseVersion = cur.BaseVersion
		} else {
			next.Version = 1
			next.UpdatedAt = s.nextTimestamp(next.CreatedAt)
			if next.CreatedAt.IsZero() {
				next.CreatedAt = next.UpdatedAt
			}
		}
		next.UpdatedBy = s.WriterID()

		if e.LocalSeq, err = nextSeq(ctx, tx.tx); err != nil {
			return err
		}
		if err := writeEntry(ctx, tx.tx, e); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	return out, err
}

// Tombstone soft-deletes id: content is dropped, id and version are kept
// until purge. Tombstoning a tombstone is a no-op.
func (s *Store) Tombstone(ctx context.Context, id string) (*record.Record, error) {
	var out *record.Record
	err := s.WithLock(ctx, id, func(tx *Tx) error {
		cur, err := tx.Entry(id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: %s", record.ErrNotFound, id)
		}
		if cur.Record.Tombstoned {
			out = cur.Record.Clone()
			return nil
		}

		rec := cur.Record.Clone()
		rec.Tombstoned = true
		rec = rec.Redacted()
		rec.Version++
		rec.UpdatedAt = s.nextTimestamp(cur.Record.UpdatedAt)
		rec.UpdatedBy = s.WriterID()

		e := &Entry{Record: rec, BaseVersion: cur.BaseVersion, Dirty: true}
		if e.LocalSeq, err = nextSeq(ctx, tx.tx); err != nil {
			return err
		}
		if err := writeEntry(ctx, tx.tx, e); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	return out, err
}

// Purge physically removes a tombstoned record and its history. The sync
// engine decides when that is safe; purging a live record fails with
// record.ErrPurgeNotAllowed.
func (s *Store) Purge(ctx context.Context, id string) error {
	return s.WithLock(ctx, id, func(tx *Tx) error {
		cur, err := tx.Entry(id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: %s", record.ErrNotFound, id)
		}
		if !cur.Record.Tombstoned {
			return fmt.Errorf("%w: record %s is live", record.ErrPurgeNotAllowed, id)
		}
		if cur.Dirty {
			return fmt.Errorf("%w: tombstone %s not yet pushed", record.ErrPurgeNotAllowed, id)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purge %s: %w", id, err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM record_history WHERE record_id = ?`, id); err != nil {
			return fmt.Errorf("purge history %s: %w", id, err)
		}
		return nil
	})
}

// Get returns the record. Tombstones are returned with content stripped.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Record, nil
}

// GetEntry returns the record with its sync bookkeeping. A corrupt row is
// flagged and reported as record.ErrCorruptRecord.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	e, err := loadEntry(ctx, s.db, id)
	if errors.Is(err, record.ErrCorruptRecord) {
		s.flagCorrupt(ctx, s.db, id, err)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, id)
	}
	return e, nil
}

// List returns records matching f ordered by id. Corrupt rows are flagged
// and skipped.
func (s *Store) List(ctx context.Context, f Filter) ([]*record.Record, error) {
	entries, err := s.listEntries(ctx, f, "id")
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out, nil
}

// Pending returns dirty entries with local_seq > afterSeq in ascending
// local_seq order: the push queue.
func (s *Store) Pending(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	return s.listEntries(ctx, Filter{
		SinceSeq:          afterSeq,
		DirtyOnly:         true,
		IncludeTombstoned: true,
		Limit:             limit,
	}, "local_seq")
}

// PurgeCandidates returns pushed tombstones of kind.
func (s *Store) PurgeCandidates(ctx context.Context, kind record.Kind) ([]*Entry, error) {
	var out []*Entry
	entries, err := s.listEntries(ctx, Filter{Kind: kind, IncludeTombstoned: true}, "id")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Record.Tombstoned && !e.Dirty {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) listEntries(ctx context.Context, f Filter, order string) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.OwnerID != "" {
		add("owner_id = ?", f.OwnerID)
	}
	if f.TeamID != "" {
		add("team_id = ?", f.TeamID)
	}
	if f.Visibility != "" {
		add("visibility = ?", string(f.Visibility))
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.Namespace != "" {
		add("namespace = ?", f.Namespace)
	}
	if f.SinceVersion > 0 {
		add("version > ?", f.SinceVersion)
	}
	if f.SinceSeq > 0 {
		add("local_seq > ?", f.SinceSeq)
	}
	if f.DirtyOnly {
		where = append(where, "dirty = 1")
	}
	if !f.IncludeTombstoned {
		where = append(where, "tombstoned = 0")
	}

	q := `SELECT ` + entryColumns + ` FROM records`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + order
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, int64(f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var (
		out     []*Entry
		corrupt = map[string]error{}
	)
	for rows.Next() {
		id, e, err := scanEntry(rows)
		if errors.Is(err, record.ErrCorruptRecord) {
			corrupt[id] = err
			continue
		}
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	// flagged after the cursor is closed; the pool has one connection
	for id, cerr := range corrupt {
		s.flagCorrupt(ctx, s.db, id, cerr)
	}
	return out, nil
}

func (s *Store) flagCorrupt(ctx context.Context, q querier, id string, cause error) {
	s.logger.Warn("corrupt record row flagged", zap.String("record_id", id), zap.Error(cause))
	_, err := q.ExecContext(ctx, `
		INSERT INTO corrupt_records (record_id, reason, flagged_at) VALUES (?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at`,
		id, cause.Error(), toNanos(s.now()))
	if err != nil {
		s.logger.Error("failed to flag corrupt record", zap.String("record_id", id), zap.Error(err))
	}
}

// CorruptRecords returns the ids of flagged rows.
func (s *Store) CorruptRecords(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM corrupt_records ORDER BY record_id`)
	if err != nil {
		return nil, fmt.Errorf("list corrupt records: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HistoryEntry is an edit that lost conflict resolution.
type HistoryEntry struct {
	Record     *record.Record `json:"record"`
	Reason     string         `json:"reason"`
	WinnerHash string         `json:"winner_hash"`
	ReplacedAt string         `json:"replaced_at"`
}

// History returns the losing edits retained for id, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body, reason, winner_hash, replaced_at FROM record_history WHERE record_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			body, reason, winner string
			at                   int64
		)
		if err := rows.Scan(&body, &reason, &winner, &at); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("%w: history of %s: %v", record.ErrCorruptRecord, id, err)
		}
		out = append(out, HistoryEntry{
			Record:     &rec,
			Reason:     reason,
			WinnerHash: winner,
			ReplacedAt: fromNanos(at).Format("2006-01-02T15:04:05.999999999Z07:00"),
		})
	}
	return out, rows.Err()
}

// IndexDigest maps every live, readable record id to its content hash. The
// vector index compares its own entries against it.
func (s *Store) IndexDigest(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash FROM records
		WHERE tombstoned = 0 AND id NOT IN (SELECT record_id FROM corrupt_records)`)
	if err != nil {
		return nil, fmt.Errorf("index digest: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// CountRecords counts live records owned by userID.
func (s *Store) CountRecords(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = ? AND tombstoned = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountSynced counts live records owned by userID that the remote already
// holds, i.e. rows reconciled with some remote version.
func (s *Store) CountSynced(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = ? AND tombstoned = 0 AND base_version > 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count synced records: %w", err)
	}
	return n, nil
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Records    int `json:"records"`
	Live       int `json:"live"`
	Tombstoned int `json:"tombstoned"`
	Dirty      int `json:"dirty"`
	Corrupt    int `json:"corrupt"`
	History    int `json:"history"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN tombstoned = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tombstoned), 0),
			COALESCE(SUM(dirty), 0),
			(SELECT COUNT(*) FROM corrupt_records),
			(SELECT COUNT(*) FROM record_history)
		FROM records`).Scan(&st.Records, &st.Live, &st.Tombstoned, &st.Dirty, &st.Corrupt, &st.History)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
