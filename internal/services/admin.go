package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/memsync/internal/indexer"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/sanitize"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

// ErrIndexerDisabled is returned by Ingest on a device without sources.
var ErrIndexerDisabled = errors.New("no ingestion sources configured")

// Admin implements the administrative operations of a device.
type Admin struct {
	reg Registry
}

// NewAdmin creates the admin surface over reg.
func NewAdmin(reg Registry) *Admin {
	return &Admin{reg: reg}
}

// Registry returns the underlying registry.
func (a *Admin) Registry() Registry { return a.reg }

// SyncStatus is the answer to getSyncStatus.
type SyncStatus struct {
	syncengine.Status
	Store     localstore.Stats    `json:"store"`
	LastCheck *vectorindex.Report `json:"last_index_check,omitempty"`
	CheckedAt *time.Time          `json:"last_index_check_at,omitempty"`
}

// SyncStatus reports cursors, pending pushes and the last error of the
// device. A non-empty deviceID must name this device.
func (a *Admin) SyncStatus(ctx context.Context, deviceID string) (SyncStatus, error) {
	st, err := a.reg.Engine().Status(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	if deviceID != "" && deviceID != st.DeviceID {
		return SyncStatus{}, fmt.Errorf("%w: %s", record.ErrUnknownDevice, deviceID)
	}
	out := SyncStatus{Status: st}
	if out.Store, err = a.reg.Store().Stats(ctx); err != nil {
		return SyncStatus{}, err
	}
	if d := a.reg.Drift(); d != nil {
		if r, at, _ := d.Last(); !at.IsZero() {
			out.LastCheck, out.CheckedAt = &r, &at
		}
	}
	return out, nil
}

// VerifyConsistency compares the index with the local store without
// repairing anything.
func (a *Admin) VerifyConsistency(ctx context.Context) (vectorindex.Report, error) {
	return a.reg.Index().Verify(ctx)
}

// ForceRebuildIndex rebuilds the index now and reports the result.
func (a *Admin) ForceRebuildIndex(ctx context.Context) (vectorindex.Report, error) {
	if err := a.reg.Index().Rebuild(ctx, "manual"); err != nil {
		return vectorindex.Report{}, err
	}
	return a.reg.Index().Verify(ctx)
}

// TriggerSync asks the running engine for a cycle without waiting.
func (a *Admin) TriggerSync() {
	a.reg.Engine().Trigger()
}

// SyncNow runs one cycle and waits for it.
func (a *Admin) SyncNow(ctx context.Context) (*syncengine.Result, error) {
	return a.reg.Engine().SyncOnce(ctx)
}

// Ingest runs every source, or only the file at path when path is set.
func (a *Admin) Ingest(ctx context.Context, path string) ([]indexer.Summary, error) {
	ix := a.reg.Indexer()
	if ix == nil || len(ix.Sources()) == 0 {
		return nil, ErrIndexerDisabled
	}
	if path == "" {
		return ix.RunAll(ctx)
	}
	abs, err := sanitize.ValidatePath(path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrInvalidReference, err)
	}
	start := time.Now()
	out, err := ix.IngestPath(ctx, abs)
	if errors.Is(err, indexer.ErrNotCovered) {
		return nil, fmt.Errorf("%w: %v", record.ErrInvalidReference, err)
	}
	if err != nil {
		return nil, err
	}
	sum := indexer.Summary{
		Source:     out.SourceID,
		Items:      1,
		Written:    out.Written,
		Tombstoned: out.Tombstoned,
		Duration:   time.Since(start),
	}
	if out.Skipped {
		sum.Skipped = 1
	} else {
		sum.Ingested = 1
	}
	return []indexer.Summary{sum}, nil
}

// Search returns up to k records similar to query that the principal may
// read.
func (a *Admin) Search(ctx context.Context, query string, k int) ([]vectorindex.Hit, error) {
	w := a.reg.Writer()
	p, err := w.Principal(ctx)
	if err != nil {
		return nil, err
	}
	resolver := w.Resolver()
	return a.reg.Index().Search(ctx, query, k, func(h vectorindex.Hit) bool {
		return resolver.CanRead(p, &record.Record{
			OwnerID:    h.OwnerID,
			TeamID:     h.TeamID,
			Visibility: record.Visibility(h.Visibility),
		})
	})
}

// History lists the edits of id that lost a conflict.
func (a *Admin) History(ctx context.Context, id string) ([]localstore.HistoryEntry, error) {
	if _, err := a.reg.Writer().Get(ctx, id); err != nil {
		return nil, err
	}
	return a.reg.Store().History(ctx, id)
}
