package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Checkpoint marks an external source as ingested at a fingerprint.
type Checkpoint struct {
	SourceID    string    `json:"source_id"`
	Fingerprint string    `json:"fingerprint"`
	RecordIDs   []string  `json:"record_ids"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Checkpoint returns the checkpoint for sourceID, or nil if never ingested.
func (s *Store) Checkpoint(ctx context.Context, sourceID string) (*Checkpoint, error) {
	var (
		cp  = Checkpoint{SourceID: sourceID}
		ids string
		at  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, record_ids, ingested_at FROM ingestion_checkpoints WHERE source_id = ?`,
		sourceID).Scan(&cp.Fingerprint, &ids, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", sourceID, err)
	}
	if err := json.Unmarshal([]byte(ids), &cp.RecordIDs); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", sourceID, err)
	}
	cp.IngestedAt = fromNanos(at)
	return &cp, nil
}

// SaveCheckpoint writes cp. Callers write it only after the records it
// names are stored.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	ids, err := marshalStrings(cp.RecordIDs)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.SourceID, err)
	}
	if cp.IngestedAt.IsZero() {
		cp.IngestedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_checkpoints (source_id, fingerprint, record_ids, ingested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			record_ids = excluded.record_ids,
			ingested_at = excluded.ingested_at`,
		cp.SourceID, cp.Fingerprint, ids, toNanos(cp.IngestedAt))
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.SourceID, err)
	}
	return nil
}

// DeleteCheckpoint forgets sourceID, e.g. after the source was removed.
func (s *Store) DeleteCheckpoint(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_checkpoints WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", sourceID, err)
	}
	return nil
}

// CheckpointCount returns the number of ingested sources.
func (s *Store) CheckpointCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// CheckpointIDs returns the ingested source ids starting with prefix, sorted.
func (s *Store) CheckpointIDs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM ingestion_checkpoints WHERE substr(source_id, 1, ?) = ? ORDER BY source_id`,
		int64(utf8.RuneCountInString(prefix)), prefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
