package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/access"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
)

// Writer is the write path for user edits and ingestion. It checks the
// principal's write permission and record quota, writes through the local
// store and mirrors the result into the index. It satisfies indexer.Store.
type Writer struct {
	store    *localstore.Store
	index    syncengine.Index
	drift    syncengine.DriftChecker
	resolver *access.Resolver
	fallback record.Principal
	logger   *zap.Logger
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Index syncengine.Index
	Drift syncengine.DriftChecker
	Tiers map[record.Tier]record.TierLimits

	// Principal is used until the first sync caches the remote one.
	Principal record.Principal
	Logger    *zap.Logger
}

// NewWriter creates a Writer over store.
func NewWriter(store *localstore.Store, opts WriterOptions) *Writer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Principal.Tier == "" {
		opts.Principal.Tier = record.TierFree
	}
	return &Writer{
		store:    store,
		index:    opts.Index,
		drift:    opts.Drift,
		resolver: access.NewResolver(opts.Tiers, localCounter{store}),
		fallback: opts.Principal,
		logger:   opts.Logger,
	}
}

// localCounter counts usage as the device sees it, unsynced writes included.
type localCounter struct {
	store *localstore.Store
}

func (c localCounter) CountDevices(context.Context, string) (int, error) {
	return 0, nil
}

func (c localCounter) CountRecords(ctx context.Context, userID string) (int, error) {
	return c.store.CountRecords(ctx, userID)
}

// Principal returns the cached remote principal, or the configured one
// before the first sync.
func (w *Writer) Principal(ctx context.Context) (*record.Principal, error) {
	p, err := w.store.Principal(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		fp := w.fallback
		return &fp, nil
	}
	return p, nil
}

// Resolver returns the resolver the writer checks against.
func (w *Writer) Resolver() *access.Resolver {
	return w.resolver
}

// Put creates or updates rec. A record without id gets a new one and a
// record without owner is owned by the principal.
func (w *Writer) Put(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", record.ErrInvalidRecord)
	}
	p, err := w.Principal(ctx)
	if err != nil {
		return nil, err
	}
	next := rec.Clone()
	next.VectorRef = ""
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.OwnerID == "" {
		next.OwnerID = p.UserID
	}
	next.Normalize()

	var existing *record.Record
	cur, err := w.store.GetEntry(ctx, next.ID)
	switch {
	case errors.Is(err, record.ErrNotFound), errors.Is(err, record.ErrCorruptRecord):
	case err != nil:
		return nil, err
	case !cur.Record.Tombstoned:
		existing = cur.Record
	}

	if !w.resolver.CanModify(p, existing, next) {
		return nil, fmt.Errorf("%w: %s cannot write record %s", record.ErrPermissionDenied, p.UserID, next.ID)
	}
	if existing == nil {
		if err := w.resolver.CheckQuota(ctx, p, access.QuotaRecords); err != nil {
			return nil, err
		}
	}

	stored, err := w.store.Put(ctx, next)
	if err != nil {
		return nil, err
	}
	w.mirror(ctx, stored)
	return w.withRef(stored), nil
}

// Tombstone deletes id on behalf of the principal.
func (w *Writer) Tombstone(ctx context.Context, id string) (*record.Record, error) {
	p, err := w.Principal(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := w.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.resolver.CanWrite(p, cur.Record) {
		return nil, fmt.Errorf("%w: %s cannot delete record %s", record.ErrPermissionDenied, p.UserID, id)
	}
	stored, err := w.store.Tombstone(ctx, id)
	if err != nil {
		return nil, err
	}
	w.mirror(ctx, stored)
	return stored, nil
}

// Get returns id if the principal may read it.
func (w *Writer) Get(ctx context.Context, id string) (*record.Record, error) {
	p, err := w.Principal(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.resolver.CanRead(p, rec) {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, id)
	}
	return w.withRef(rec), nil
}

// withRef fills VectorRef from the live index. The ref is not stored: the
// index is rebuilt into a new generation on every start.
func (w *Writer) withRef(rec *record.Record) *record.Record {
	if r, ok := w.index.(interface{ Ref(id string) string }); ok {
		rec.VectorRef = r.Ref(rec.ID)
	}
	return rec
}

func (w *Writer) mirror(ctx context.Context, rec *record.Record) {
	if w.index == nil {
		return
	}
	var err error
	if rec.Tombstoned {
		err = w.index.Remove(ctx, rec.ID)
	} else {
		err = w.index.Upsert(ctx, rec)
	}
	if err != nil {
		w.logger.Warn("index update failed", zap.String("record_id", rec.ID), zap.Error(err))
		if w.drift != nil {
			w.drift.Trigger()
		}
	}
}

func (w *Writer) GetEntry(ctx context.Context, id string) (*localstore.Entry, error) {
	return w.store.GetEntry(ctx, id)
}

func (w *Writer) Checkpoint(ctx context.Context, sourceID string) (*localstore.Checkpoint, error) {
	return w.store.Checkpoint(ctx, sourceID)
}

func (w *Writer) SaveCheckpoint(ctx context.Context, cp localstore.Checkpoint) error {
	return w.store.SaveCheckpoint(ctx, cp)
}

func (w *Writer) DeleteCheckpoint(ctx context.Context, sourceID string) error {
	return w.store.DeleteCheckpoint(ctx, sourceID)
}

func (w *Writer) CheckpointIDs(ctx context.Context, prefix string) ([]string, error) {
	return w.store.CheckpointIDs(ctx, prefix)
}
