// Package indexer ingests external sources (file trees, git history and
// session transcripts) into the local store.
//
// Every source is enumerated as items, each with a stable source id and a
// content fingerprint. An item whose fingerprint matches its ingestion
// checkpoint is skipped without touching the store. Otherwise its records
// are written first and the checkpoint last, so an interrupted ingestion is
// retried on the next run instead of being skipped.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/memsync/internal/indexer"

// maxRevivals bounds the id suffixes tried when a source re-creates a
// record that was tombstoned earlier.
const maxRevivals = 16

var (
	// ErrNotCovered is returned for a path no registered source indexes.
	ErrNotCovered = errors.New("path not covered by any source")

	idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/fyrsmithlabs/memsync/ingest"))
)

// Store is the subset of the local store the indexer writes through.
// Callers may wrap the local store to gate or observe writes.
type Store interface {
	Checkpoint(ctx context.Context, sourceID string) (*localstore.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp localstore.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, sourceID string) error
	CheckpointIDs(ctx context.Context, prefix string) ([]string, error)
	GetEntry(ctx context.Context, id string) (*localstore.Entry, error)
	Put(ctx context.Context, rec *record.Record) (*record.Record, error)
	Tombstone(ctx context.Context, id string) (*record.Record, error)
}

// Draft is one record an item produces. Key identifies it within the item
// so that re-ingesting a changed item updates the same record.
type Draft struct {
	Key    string
	Record *record.Record
}

// Item is one ingestable unit of a source.
type Item struct {
	SourceID    string
	Fingerprint string

	// Path is the file the item was read from, used for allowlists.
	Path string

	// Deleted marks a source that no longer exists; its records are
	// tombstoned and its checkpoint removed.
	Deleted bool

	// Drafts builds the records. It is only called when the fingerprint changed.
	Drafts func() ([]Draft, error)
}

// Source enumerates items.
type Source interface {
	// Name labels the source in logs and metrics.
	Name() string

	// Prefix is shared by the source ids of every item this source yields.
	// After a complete enumeration, checkpoints under Prefix that were not
	// yielded are forgotten.
	Prefix() string

	Items(ctx context.Context, yield func(Item) error) error
}

// PathSource is a Source backed by files that can ingest a single path.
type PathSource interface {
	Source

	// ItemForPath returns the item for path, or ErrNotCovered.
	ItemForPath(path string) (Item, error)
}

// Options configures an Indexer.
type Options struct {
	// OwnerID owns every ingested record.
	OwnerID string

	// TeamID and Visibility share ingested records. Private by default.
	TeamID     string
	Visibility record.Visibility

	// Scrubber redacts secrets before storage. Nil stores content as read.
	Scrubber secrets.Scrubber

	Logger *zap.Logger
}

// Outcome reports what a single Ingest did.
type Outcome struct {
	SourceID   string
	Skipped    bool
	Written    int
	Unchanged  int
	Tombstoned int
	Redacted   int
	RecordIDs  []string
}

// Summary aggregates a Run.
type Summary struct {
	Source     string        `json:"source"`
	Items      int           `json:"items"`
	Ingested   int           `json:"ingested"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Removed    int           `json:"removed"`
	Written    int           `json:"written"`
	Tombstoned int           `json:"tombstoned"`
	Duration   time.Duration `json:"duration"`
}

// Indexer writes source items into the store.
type Indexer struct {
	store   Store
	opts    Options
	sources []Source
	logger  *zap.Logger
}

// New creates an Indexer over sources.
func New(store Store, opts Options, sources ...Source) (*Indexer, error) {
	if store == nil {
		return nil, errors.New("indexer: store is required")
	}
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("%w: indexer needs an owner", record.ErrInvalidReference)
	}
	if opts.Visibility == "" {
		opts.Visibility = record.VisibilityPrivate
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.NoopScrubber{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Indexer{store: store, opts: opts, sources: sources, logger: opts.Logger}, nil
}

// Sources returns the registered sources.
func (ix *Indexer) Sources() []Source {
	return append([]Source(nil), ix.sources...)
}

// RecordID derives the id of the record keyed key within sourceID. Owner
// and team are part of the name: users ingesting the same path or the same
// repository still get distinct records.
func RecordID(ownerID, teamID, sourceID, key string, revival int) string {
	name := ownerID + "/" + teamID + "/" + sourceID + "#" + key
	if revival > 0 {
		name = fmt.Sprintf("%s#%d", name, revival)
	}
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Ingest brings the store up to date with item.
func (ix *Indexer) Ingest(ctx context.Context, item Item) (Outcome, error) {
	out := Outcome{SourceID: item.SourceID}
	if item.Deleted {
		n, err := ix.Forget(ctx, item.SourceID)
		out.Tombstoned = n
		return out, err
	}

	cp, err := ix.store.Checkpoint(ctx, item.SourceID)
	if err != nil {
		return out, err
	}
	if cp != nil && cp.Fingerprint == item.Fingerprint {
		out.Skipped = true
		out.RecordIDs = cp.RecordIDs
		return out, nil
	}

	drafts, err := item.Drafts()
	if err != nil {
		return out, fmt.Errorf("reading %s: %w", item.SourceID, err)
	}

	keep := make(map[string]bool, len(drafts))
	for _, d := range drafts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, wrote, redacted, err := ix.write(ctx, item, d)
		if err != nil {
			return out, fmt.Errorf("writing %s/%s: %w", item.SourceID, d.Key, err)
		}
		keep[rec.ID] = true
		out.RecordIDs = append(out.RecordIDs, rec.ID)
		out.Redacted += redacted
		if wrote {
			out.Written++
		} else {
			out.Unchanged++
		}
	}

	if cp != nil {
		for _, id := range cp.RecordIDs {
			if keep[id] {
				continue
			}
			ok, err := ix.tombstone(ctx, id)
			if err != nil {
				return out, err
			}
			if ok {
				out.Tombstoned++
			}
		}
	}

	// only after every record write succeeded
	err = ix.store.SaveCheckpoint(ctx, localstore.Checkpoint{
		SourceID:    item.SourceID,
		Fingerprint: item.Fingerprint,
		RecordIDs:   out.RecordIDs,
	})
	if err != nil {
		return out, err
	}
	RecordsWritten.WithLabelValues("put").Add(float64(out.Written))
	RecordsWritten.WithLabelValues("tombstone").Add(float64(out.Tombstoned))
	if out.Redacted > 0 {
		SecretsRedacted.Add(float64(out.Redacted))
	}
	return out, nil
}

// write stores d unless an identical live record already exists. It
// reports the stored record, whether it wrote, and the redaction count.
func (ix *Indexer) write(ctx context.Context, item Item, d Draft) (*record.Record, bool, int, error) {
	rec := d.Record.Clone()
	rec.OwnerID = ix.opts.OwnerID
	rec.TeamID = ix.opts.TeamID
	rec.Visibility = ix.opts.Visibility

	redacted := 0
	for _, field := range []*string{&rec.Content, &rec.Summary} {
		if *field == "" {
			continue
		}
		res, err := ix.opts.Scrubber.Scrub(item.Path, *field)
		if err != nil {
			return nil, false, 0, err
		}
		*field = res.Scrubbed
		redacted += len(res.Findings)
	}
	for i := range rec.Messages {
		res, err := ix.opts.Scrubber.Scrub(item.Path, rec.Messages[i].Content)
		if err != nil {
			return nil, false, 0, err
		}
		rec.Messages[i].Content = res.Scrubbed
		redacted += len(res.Findings)
	}
	rec.Normalize()

	for rev := 0; rev < maxRevivals; rev++ {
		rec.ID = RecordID(ix.opts.OwnerID, ix.opts.TeamID, item.SourceID, d.Key, rev)
		cur, err := ix.store.GetEntry(ctx, rec.ID)
		switch {
		case errors.Is(err, record.ErrNotFound), errors.Is(err, record.ErrCorruptRecord):
		case err != nil:
			return nil, false, 0, err
		case cur.Record.Tombstoned:
			// deleted by a user; the content comes back under a new id
			continue
		case cur.Record.ContentHash() == rec.ContentHash():
			return cur.Record, false, redacted, nil
		}
		stored, err := ix.store.Put(ctx, rec)
		if err != nil {
			return nil, false, 0, err
		}
		return stored, true, redacted, nil
	}
	return nil, false, 0, fmt.Errorf("%w: %s/%s tombstoned %d times", record.ErrInvalidReference, item.SourceID, d.Key, maxRevivals)
}

func (ix *Indexer) tombstone(ctx context.Context, id string) (bool, error) {
	cur, err := ix.store.GetEntry(ctx, id)
	if errors.Is(err, record.ErrNotFound) || errors.Is(err, record.ErrCorruptRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Record.Tombstoned {
		return false, nil
	}
	if _, err := ix.store.Tombstone(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Forget tombstones the records of sourceID and drops its checkpoint.
// It returns the number of records tombstoned.
func (ix *Indexer) Forget(ctx context.Context, sourceID string) (int, error) {
	cp, err := ix.store.Checkpoint(ctx, sourceID)
	if err != nil || cp == nil {
		return 0, err
	}
	n := 0
	for _, id := range cp.RecordIDs {
		ok, err := ix.tombstone(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if err := ix.store.DeleteCheckpoint(ctx, sourceID); err != nil {
		return n, err
	}
	RecordsWritten.WithLabelValues("tombstone").Add(float64(n))
	return n, nil
}

// Run ingests every item of src. Item failures are logged and counted;
// only cancellation and enumeration errors abort the run.
func (ix *Indexer) Run(ctx context.Context, src Source) (Summary, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "indexer.Run")
	defer span.End()
	span.SetAttributes(attribute.String("source", src.Name()))

	start := time.Now()
	sum := Summary{Source: src.Name()}
	seen := make(map[string]bool)

	err := src.Items(ctx, func(item Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.Items++
		seen[item.SourceID] = true
		out, err := ix.Ingest(ctx, item)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			sum.Failed++
			ItemsTotal.WithLabelValues(src.Name(), "failed").Inc()
			ix.logger.Warn("ingestion failed",
				zap.String("source", src.Name()),
				zap.String("item", item.SourceID),
				zap.Error(err))
		case out.Skipped:
			sum.Skipped++
			ItemsTotal.WithLabelValues(src.Name(), "skipped").Inc()
		default:
			sum.Ingested++
			sum.Written += out.Written
			sum.Tombstoned += out.Tombstoned
			ItemsTotal.WithLabelValues(src.Name(), "ingested").Inc()
			if out.Redacted > 0 {
				ix.logger.Info("secrets redacted before storage",
					zap.String("item", item.SourceID),
					zap.Int("count", out.Redacted))
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sum, fmt.Errorf("enumerating %s: %w", src.Name(), err)
	}

	// a failed item keeps its old checkpoint and is retried next run
	if sum.Failed == 0 {
		if err := ix.prune(ctx, src, seen, &sum); err != nil {
			return sum, err
		}
	}

	sum.Duration = time.Since(start)
	IngestDuration.WithLabelValues(src.Name()).Observe(sum.Duration.Seconds())
	ix.logger.Info("ingestion finished",
		zap.String("source", src.Name()),
		zap.Int("items", sum.Items),
		zap.Int("ingested", sum.Ingested),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("removed", sum.Removed),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// prune forgets items of src that no longer exist.
func (ix *Indexer) prune(ctx context.Context, src Source, seen map[string]bool, sum *Summary) error {
	if src.Prefix() == "" {
		return nil
	}
	ids, err := ix.store.CheckpointIDs(ctx, src.Prefix())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		n, err := ix.Forget(ctx, id)
		if err != nil {
			return fmt.Errorf("forgetting %s: %w", id, err)
		}
		sum.Removed++
		sum.Tombstoned += n
		ItemsTotal.WithLabelValues(src.Name(), "removed").Inc()
	}
	return nil
}

// RunAll runs every registered source in order.
func (ix *Indexer) RunAll(ctx context.Context) ([]Summary, error) {
	out := make([]Summary, 0, len(ix.sources))
	for _, src := range ix.sources {
		sum, err := ix.Run(ctx, src)
		out = append(out, sum)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// IngestPath ingests the file at path through the first source covering
// it. A path that no longer exists forgets its records.
func (ix *Indexer) IngestPath(ctx context.Context, path string) (Outcome, error) {
	for _, src := range ix.sources {
		ps, ok := src.(PathSource)
		if !ok {
			continue
		}
		item, err := ps.ItemForPath(path)
		if errors.Is(err, ErrNotCovered) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		out, err := ix.Ingest(ctx, item)
		result := "ingested"
		switch {
		case err != nil:
			result = "failed"
		case item.Deleted:
			result = "removed"
		case out.Skipped:
			result = "skipped"
		}
		ItemsTotal.WithLabelValues(src.Name(), result).Inc()
		return out, err
	}
	return Outcome{}, fmt.Errorf("%w: %s", ErrNotCovered, path)
}
