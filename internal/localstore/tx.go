package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// Tx is a transaction scoped to one record, handed out by WithLock.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	store   *Store
	id      string
	corrupt error
}

// WithLock runs fn holding id's record lock inside one transaction. The
// transaction commits when fn returns nil.
func (s *Store) WithLock(ctx context.Context, id string, fn func(tx *Tx) error) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx := &Tx{ctx: ctx, store: s, id: id}
	err := s.inTx(ctx, func(sqlTx *sql.Tx) error {
		tx.tx = sqlTx
		return fn(tx)
	})
	if err != nil && tx.corrupt != nil {
		// the flag written inside the transaction was rolled back with it
		s.flagCorrupt(context.WithoutCancel(ctx), s.db, id, tx.corrupt)
	}
	return err
}

// Entry loads the locked record. It returns (nil, nil) when absent and
// record.ErrCorruptRecord when the row is unreadable; the row is flagged.
func (t *Tx) Entry(id string) (*Entry, error) {
	if id != t.id {
		return nil, fmt.Errorf("record %s is not locked by this transaction", id)
	}
	e, err := loadEntry(t.ctx, t.tx, id)
	if errors.Is(err, record.ErrCorruptRecord) {
		t.store.flagCorrupt(t.ctx, t.tx, id, err)
		t.corrupt = err
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return e, nil
}

// ApplyRemote stores the remote copy verbatim as the clean, synced state
// of the record. Any local edit is discarded; callers move it to history
// first when it lost a conflict.
func (t *Tx) ApplyRemote(rec *record.Record) error {
	if rec.ID != t.id {
		return fmt.Errorf("record %s is not locked by this transaction", rec.ID)
	}
	seq, err := nextSeq(t.ctx, t.tx)
	if err != nil {
		return err
	}
	return writeEntry(t.ctx, t.tx, &Entry{
		Record:      rec.Clone(),
		BaseVersion: rec.Version,
		Dirty:       false,
		LocalSeq:    seq,
	})
}

// KeepLocal records that the dirty local edit beat remote version
// remoteVersion. The edit stays dirty, rebased on remoteVersion, and moves
// to the end of the push queue.
func (t *Tx) KeepLocal(e *Entry, remoteVersion int64) error {
	if e.Record.ID != t.id {
		return fmt.Errorf("record %s is not locked by this transaction", e.Record.ID)
	}
	next := &Entry{Record: e.Record.Clone(), BaseVersion: remoteVersion, Dirty: true}
	if next.Record.Version <= remoteVersion {
		next.Record.Version = remoteVersion + 1
	}
	seq, err := nextSeq(t.ctx, t.tx)
	if err != nil {
		return err
	}
	next.LocalSeq = seq
	return writeEntry(t.ctx, t.tx, next)
}

// AddHistory retains an edit that lost conflict resolution.
func (t *Tx) AddHistory(loser *record.Record, reason, winnerHash string) error {
	body, err := json.Marshal(loser)
	if err != nil {
		return fmt.Errorf("encode history for %s: %w", loser.ID, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO record_history (record_id, body, reason, winner_hash, replaced_at) VALUES (?, ?, ?, ?, ?)`,
		loser.ID, string(body), reason, winnerHash, toNanos(t.store.now()))
	if err != nil {
		return fmt.Errorf("write history for %s: %w", loser.ID, err)
	}
	return nil
}

// checkReferences verifies that rec's team is known and that its owner is
// a member of it.
func (t *Tx) checkReferences(rec *record.Record) error {
	if rec.TeamID == "" {
		return nil
	}
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM teams WHERE id = ?`, rec.TeamID).Scan(&n); err != nil {
		return fmt.Errorf("lookup team %s: %w", rec.TeamID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: unknown team %s", record.ErrInvalidReference, rec.TeamID)
	}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM memberships WHERE team_id = ? AND user_id = ?`, rec.TeamID, rec.OwnerID).Scan(&n)
	if err != nil {
		return fmt.Errorf("lookup membership: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: owner %s is not a member of team %s", record.ErrInvalidReference, rec.OwnerID, rec.TeamID)
	}
	return nil
}

// MarkPushed records that the remote accepted the push of id at
// remoteVersion. gatheredSeq is the local_seq the push was built from: if
// the row changed since, the newer edit stays dirty and is only rebased.
func (s *Store) MarkPushed(ctx context.Context, id string, gatheredSeq, remoteVersion int64) error {
	return s.WithLock(ctx, id, func(tx *Tx) error {
		cur, err := tx.Entry(id)
		if err != nil {
			return err
		}
		if cur == nil {
			// purged or never existed; nothing to mark
			return nil
		}
		next := &Entry{Record: cur.Record.Clone(), LocalSeq: cur.LocalSeq}
		// a push that converged on an existing copy reports that copy's
		// version, which may be older than what this row already knows
		base := max(cur.BaseVersion, remoteVersion)
		if cur.LocalSeq == gatheredSeq {
			next.Record.Version = max(cur.Record.Version, remoteVersion)
			next.BaseVersion = base
			next.Dirty = false
		} else {
			next.BaseVersion = base
			next.Dirty = cur.Dirty
			if next.Record.Version <= remoteVersion {
				next.Record.Version = remoteVersion + 1
			}
		}
		return writeEntry(ctx, tx.tx, next)
	})
}
