// Package vectorindex maintains the semantic similarity index derived from
// the local store.
//
// The index is organised in generations. Each generation is one chromem
// collection. Incremental upserts and removes go to the active generation.
// A rebuild embeds every live record into a fresh generation and swaps the
// active pointer only once that generation is complete, so readers never
// observe a partial index. Mutations that arrive while a rebuild is running
// are applied to the active generation and queued; the queue is replayed in
// arrival order against the new generation right after the swap.
//
// The index is disposable: it is kept in memory and rebuilt from the local
// store on start or whenever Verify reports drift.
package vectorindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

var tracer = otel.Tracer("memsync.vectorindex")

// ErrRebuildInProgress is returned by Rebuild when another rebuild is running.
var ErrRebuildInProgress = errors.New("index rebuild already in progress")

// Source is the record store the index is derived from.
type Source interface {
	// List returns live records ordered by id when f is the zero Filter.
	List(ctx context.Context, f localstore.Filter) ([]*record.Record, error)
	// IndexDigest maps every live record id to its content hash.
	IndexDigest(ctx context.Context) (map[string]string, error)
}

// Options tunes a Manager.
type Options struct {
	// Workers bounds concurrent embedding batches during a rebuild.
	Workers int
	// BatchSize is the number of texts per embedding call during a rebuild.
	BatchSize int
	// DriftTolerance is the number of mismatched entries Verify tolerates.
	DriftTolerance int
	// RebuildRetries bounds rebuild attempts when healing drift.
	RebuildRetries int
	Logger         *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.RebuildRetries <= 0 {
		o.RebuildRetries = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// mutation is one incremental change. A nil doc removes the id.
type mutation struct {
	ticket uint64
	id     string
	hash   string
	doc    *chromem.Document
}

// generation is one build of the index.
type generation struct {
	id   int64
	name string
	col  *chromem.Collection

	mu      sync.Mutex
	hashes  map[string]string // record id -> content hash
	tickets map[string]uint64 // record id -> ticket of the last applied mutation
}

func (g *generation) apply(ctx context.Context, m mutation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m.ticket < g.tickets[m.id] {
		return nil
	}
	if m.doc == nil {
		if err := g.col.Delete(ctx, nil, nil, m.id); err != nil {
			return fmt.Errorf("delete %s from %s: %w", m.id, g.name, err)
		}
		delete(g.hashes, m.id)
	} else {
		if err := g.col.AddDocument(ctx, *m.doc); err != nil {
			return fmt.Errorf("add %s to %s: %w", m.id, g.name, err)
		}
		g.hashes[m.id] = m.hash
	}
	g.tickets[m.id] = m.ticket
	return nil
}

func (g *generation) digest() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.hashes))
	for id, h := range g.hashes {
		out[id] = h
	}
	return out
}

// Manager owns the index generations.
type Manager struct {
	db       *chromem.DB
	embedder embeddings.Embedder
	source   Source
	opts     Options
	logger   *zap.Logger

	// mu guards the active pointer; held only to read or swap it.
	mu     sync.RWMutex
	active *generation

	// mutMu serializes incremental mutations with the post-swap replay.
	mutMu      sync.Mutex
	rebuilding bool
	queue      []mutation

	rebuildMu sync.Mutex
	nextGen   atomic.Int64
	tickets   atomic.Uint64

	listenersMu sync.Mutex
	listeners   []func(RebuildEvent)
}

// New creates a Manager with an empty active generation. Call Rebuild to
// populate it from source.
func New(embedder embeddings.Embedder, source Source, opts Options) (*Manager, error) {
	if embedder == nil || source == nil {
		return nil, errors.New("vectorindex: embedder and source are required")
	}
	opts.applyDefaults()
	m := &Manager{
		db:       chromem.NewDB(),
		embedder: embedder,
		source:   source,
		opts:     opts,
		logger:   opts.Logger,
	}
	gen, err := m.newGeneration(m.nextGen.Add(1))
	if err != nil {
		return nil, err
	}
	m.active = gen
	return m, nil
}

func (m *Manager) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return m.embedder.EmbedQuery(ctx, text)
	}
}

func (m *Manager) newGeneration(id int64) (*generation, error) {
	name := fmt.Sprintf("gen-%d", id)
	col, err := m.db.CreateCollection(name, nil, m.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("creating generation %s: %w", name, err)
	}
	return &generation{
		id:      id,
		name:    name,
		col:     col,
		hashes:  make(map[string]string),
		tickets: make(map[string]uint64),
	}, nil
}

func (m *Manager) current() *generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Generation returns the id of the active generation.
func (m *Manager) Generation() int64 {
	return m.current().id
}

// Count returns the number of vectors in the active generation.
func (m *Manager) Count() int {
	return m.current().col.Count()
}

// Ref returns the pointer to id's vector in the active generation, or ""
// when id is not indexed. Refs change with every rebuild.
func (m *Manager) Ref(id string) string {
	gen := m.current()
	gen.mu.Lock()
	_, ok := gen.hashes[id]
	gen.mu.Unlock()
	if !ok {
		return ""
	}
	return vectorRef(gen, id)
}

func vectorRef(gen *generation, id string) string {
	return gen.name + "/" + id
}

// Rebuilding reports whether a rebuild is in flight.
func (m *Manager) Rebuilding() bool {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()
	return m.rebuilding
}

func embedText(rec *record.Record) string {
	if t := rec.EmbeddingText(); t != "" {
		return t
	}
	return rec.ID
}

const snippetLen = 240

func document(rec *record.Record, vec []float32) *chromem.Document {
	text := embedText(rec)
	if r := []rune(text); len(r) > snippetLen {
		text = string(r[:snippetLen])
	}
	return &chromem.Document{
		ID:        rec.ID,
		Content:   text,
		Embedding: vec,
		Metadata:  map[string]string{
			"kind":         string(rec.Kind),
			"owner_id":     rec.OwnerID,
			"team_id":      rec.TeamID,
			"visibility":   string(rec.Visibility),
			"namespace":    rec.Namespace,
			"content_hash": rec.ContentHash(),
		},
	}
}

// Upsert embeds rec and writes it into the index. Tombstoned records are
// removed instead.
func (m *Manager) Upsert(ctx context.Context, rec *record.Record) error {
	if rec.Tombstoned {
		return m.Remove(ctx, rec.ID)
	}
	ticket := m.tickets.Add(1)
	vecs, err := m.embedder.EmbedDocuments(ctx, []string{embedText(rec)})
	if err != nil {
		return fmt.Errorf("embedding %s: %w", rec.ID, err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedding %s: got %d vectors", rec.ID, len(vecs))
	}
	return m.apply(ctx, mutation{ticket: ticket, id: rec.ID, hash: rec.ContentHash(), doc: document(rec, vecs[0])})
}

// Remove deletes id from the index. Removing an absent id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.apply(ctx, mutation{ticket: m.tickets.Add(1), id: id})
}

func (m *Manager) apply(ctx context.Context, mut mutation) error {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()
	if m.rebuilding {
		m.queue = append(m.queue, mut)
		QueuedMutations.Inc()
	}
	err := m.current().apply(ctx, mut)
	Documents.Set(float64(m.current().col.Count()))
	return err
}

// Rebuild embeds every live record into a new generation and swaps it in.
// reason is reported in the rebuild events.
func (m *Manager) Rebuild(ctx context.Context, reason string) (err error) {
	if !m.rebuildMu.TryLock() {
		return ErrRebuildInProgress
	}
	defer m.rebuildMu.Unlock()

	ctx, span := tracer.Start(ctx, "vectorindex.Rebuild")
	defer span.End()

	start := time.Now()
	genID := m.nextGen.Add(1)
	span.SetAttributes(attribute.Int64("generation", genID), attribute.String("reason", reason))

	m.mutMu.Lock()
	m.rebuilding = true
	m.queue = nil
	m.mutMu.Unlock()

	m.emit(RebuildEvent{Generation: genID, Reason: reason, Phase: PhaseStarted})
	m.logger.Info("index rebuild started", zap.Int64("generation", genID), zap.String("reason", reason))

	var gen *generation
	records := 0
	defer func() {
		if err != nil {
			m.mutMu.Lock()
			m.rebuilding = false
			m.queue = nil
			m.mutMu.Unlock()
			if gen != nil {
				_ = m.db.DeleteCollection(gen.name)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			Rebuilds.WithLabelValues("error").Inc()
			m.logger.Warn("index rebuild failed", zap.Int64("generation", genID), zap.Error(err))
		} else {
			span.SetStatus(codes.Ok, "success")
			Rebuilds.WithLabelValues("success").Inc()
			m.logger.Info("index rebuild finished",
				zap.Int64("generation", genID),
				zap.Int("records", records),
				zap.Duration("duration", time.Since(start)),
			)
		}
		RebuildDuration.Observe(time.Since(start).Seconds())
		m.emit(RebuildEvent{
			Generation: genID,
			Reason:     reason,
			Phase:      PhaseFinished,
			Records:    records,
			Duration:   time.Since(start),
			Err:        err,
		})
	}()

	recs, err := m.source.List(ctx, localstore.Filter{})
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	records = len(recs)

	gen, err = m.newGeneration(genID)
	if err != nil {
		return err
	}
	docs, err := m.embedAll(ctx, recs)
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		if err := gen.col.AddDocuments(ctx, docs, m.opts.Workers); err != nil {
			return fmt.Errorf("populating %s: %w", gen.name, err)
		}
	}
	for i, rec := range recs {
		gen.hashes[rec.ID] = docs[i].Metadata["content_hash"]
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutMu.Lock()
	m.mu.Lock()
	old := m.active
	m.active = gen
	m.mu.Unlock()
	replayed := len(m.queue)
	for _, mut := range m.queue {
		if rerr := gen.apply(ctx, mut); rerr != nil {
			m.logger.Warn("replaying queued index mutation", zap.String("record_id", mut.id), zap.Error(rerr))
		}
	}
	m.queue = nil
	m.rebuilding = false
	m.mutMu.Unlock()

	if err := m.db.DeleteCollection(old.name); err != nil {
		m.logger.Debug("dropping old generation", zap.String("generation", old.name), zap.Error(err))
	}
	Documents.Set(float64(gen.col.Count()))
	span.SetAttributes(attribute.Int("records", records), attribute.Int("replayed", replayed))
	return nil
}

// embedAll embeds recs in batches on a bounded worker group. The result is
// in input order.
func (m *Manager) embedAll(ctx context.Context, recs []*record.Record) ([]chromem.Document, error) {
	docs := make([]chromem.Document, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for start := 0; start < len(recs); start += m.opts.BatchSize {
		end := min(start+m.opts.BatchSize, len(recs))
		g.Go(func() error {
			batch := recs[start:end]
			texts := make([]string, len(batch))
			for i, rec := range batch {
				texts[i] = embedText(rec)
			}
			vecs, err := m.embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding batch at %d: %w", start, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("embedding batch at %d: got %d vectors for %d texts", start, len(vecs), len(batch))
			}
			for i, rec := range batch {
				docs[start+i] = *document(rec, vecs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Report is the outcome of Verify.
type Report struct {
	Generation    int64    `json:"generation"`
	RecordCount   int      `json:"record_count"`
	IndexCount    int      `json:"index_count"`
	StoreChecksum string   `json:"store_checksum"`
	IndexChecksum string   `json:"index_checksum"`
	Missing       []string `json:"missing,omitempty"`
	Stale         []string `json:"stale,omitempty"`
	Extra         []string `json:"extra,omitempty"`
	DriftDetected bool     `json:"drift_detected"`
}

// Mismatches is the number of entries that differ between store and index.
func (r Report) Mismatches() int {
	return len(r.Missing) + len(r.Stale) + len(r.Extra)
}

// checksum hashes a digest in id order.
func checksum(d map[string]string) string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s:%s\n", id, d[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify compares the active generation against the store's live records.
func (m *Manager) Verify(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "vectorindex.Verify")
	defer span.End()

	want, err := m.source.IndexDigest(ctx)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("reading store digest: %w", err)
	}
	gen := m.current()
	have := gen.digest()

	r := Report{
		Generation:    gen.id,
		RecordCount:   len(want),
		IndexCount:    len(have),
		StoreChecksum: checksum(want),
		IndexChecksum: checksum(have),
	}
	for id, h := range want {
		got, ok := have[id]
		switch {
		case !ok:
			r.Missing = append(r.Missing, id)
		case got != h:
			r.Stale = append(r.Stale, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			r.Extra = append(r.Extra, id)
		}
	}
	sort.Strings(r.Missing)
	sort.Strings(r.Stale)
	sort.Strings(r.Extra)
	r.DriftDetected = r.Mismatches() > m.opts.DriftTolerance

	span.SetAttributes(
		attribute.Int("record_count", r.RecordCount),
		attribute.Int("index_count", r.IndexCount),
		attribute.Bool("drift", r.DriftDetected),
	)
	return r, nil
}

// Heal verifies the index and rebuilds it when drift is detected, retrying
// up to the configured number of attempts. It returns the last report and
// wraps record.ErrIndexDrift when every attempt failed.
func (m *Manager) Heal(ctx context.Context) (Report, error) {
	r, err := m.Verify(ctx)
	if err != nil || !r.DriftDetected {
		return r, err
	}
	DriftDetected.Inc()
	m.logger.Warn("index drift detected",
		zap.Int("record_count", r.RecordCount),
		zap.Int("index_count", r.IndexCount),
		zap.Int("missing", len(r.Missing)),
		zap.Int("stale", len(r.Stale)),
		zap.Int("extra", len(r.Extra)),
	)

	var lastErr error
	for attempt := 1; attempt <= m.opts.RebuildRetries; attempt++ {
		lastErr = m.Rebuild(ctx, "drift")
		if errors.Is(lastErr, ErrRebuildInProgress) {
			return r, nil
		}
		if lastErr == nil {
			return m.Verify(ctx)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return r, fmt.Errorf("%w: rebuild failed after %d attempts: %v", record.ErrIndexDrift, m.opts.RebuildRetries, lastErr)
}

// Hit is one search result.
type Hit struct {
	ID         string  `json:"id"`
	Score      float32 `json:"score"`
	Kind       string  `json:"kind"`
	OwnerID    string  `json:"owner_id"`
	TeamID     string  `json:"team_id,omitempty"`
	Visibility string  `json:"visibility"`
	Namespace  string  `json:"namespace"`
	Snippet    string  `json:"snippet"`
	VectorRef  string  `json:"vector_ref"`
}

// Search returns up to k hits most similar to query, best first. keep, if
// not nil, filters candidates before they count towards k.
func (m *Manager) Search(ctx context.Context, query string, k int, keep func(Hit) bool) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	ctx, span := tracer.Start(ctx, "vectorindex.Search")
	defer span.End()

	vec, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	gen := m.current()
	n := gen.col.Count()
	if n == 0 {
		return []Hit{}, nil
	}
	if keep == nil && k < n {
		n = k
	}
	results, err := gen.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying %s: %w", gen.name, err)
	}

	hits := make([]Hit, 0, k)
	for _, res := range results {
		h := Hit{
			ID:         res.ID,
			Score:      res.Similarity,
			Kind:       res.Metadata["kind"],
			OwnerID:    res.Metadata["owner_id"],
			TeamID:     res.Metadata["team_id"],
			Visibility: res.Metadata["visibility"],
			Namespace:  res.Metadata["namespace"],
			Snippet:    res.Content,
			VectorRef:  vectorRef(gen, res.ID),
		}
		if keep != nil && !keep(h) {
			continue
		}
		hits = append(hits, h)
		if len(hits) == k {
			break
		}
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}
