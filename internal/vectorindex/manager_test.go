package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

// gatedEmbedder blocks the first EmbedDocuments call after arm until release.
type gatedEmbedder struct {
	*embeddings.HashProvider

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
	fail    error
}

func newGatedEmbedder(t *testing.T) *gatedEmbedder {
	t.Helper()
	h, err := embeddings.NewHashProvider(32)
	require.NoError(t, err)
	return &gatedEmbedder{HashProvider: h}
}

func (g *gatedEmbedder) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedEmbedder) setFail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *gatedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	armed, fail := g.armed, g.fail
	g.armed = false
	entered, release := g.entered, g.release
	g.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	if fail != nil {
		return nil, fail
	}
	return g.HashProvider.EmbedDocuments(ctx, texts)
}

func newStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "memsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *localstore.Store, id, content string) *record.Record {
	t.Helper()
	rec, err := s.Put(context.Background(), &record.Record{ID: id, Kind: record.KindMemory, OwnerID: "alice", Content: content})
	require.NoError(t, err)
	return rec
}

type eventLog struct {
	mu     sync.Mutex
	events []RebuildEvent
}

func (l *eventLog) add(ev RebuildEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []RebuildEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RebuildEvent(nil), l.events...)
}

func newManager(t *testing.T, s *localstore.Store, e embeddings.Embedder, opts Options) (*Manager, *eventLog) {
	t.Helper()
	m, err := New(e, s, opts)
	require.NoError(t, err)
	log := &eventLog{}
	m.OnRebuild(log.add)
	return m, log
}

func TestManager_RebuildAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "postgres connection pool tuning")
	put(t, s, "b", "release checklist for the cli")
	doomed := put(t, s, "c", "to be deleted")
	_, err := s.Tombstone(ctx, doomed.ID)
	require.NoError(t, err)

	m, events := newManager(t, s, newGatedEmbedder(t), Options{BatchSize: 1, Workers: 2})
	gen0 := m.Generation()

	require.NoError(t, m.Rebuild(ctx, "startup"))
	assert.Greater(t, m.Generation(), gen0)
	assert.Equal(t, 2, m.Count(), "tombstones are not indexed")

	r, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, r.DriftDetected)
	assert.Equal(t, 2, r.RecordCount)
	assert.Equal(t, r.RecordCount, r.IndexCount)
	assert.Equal(t, r.StoreChecksum, r.IndexChecksum)

	evs := events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, PhaseStarted, evs[0].Phase)
	assert.Equal(t, PhaseFinished, evs[1].Phase)
	assert.Equal(t, "startup", evs[1].Reason)
	assert.Equal(t, 2, evs[1].Records)
	assert.NoError(t, evs[1].Err)
}

func TestManager_IncrementalUpsertRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m, _ := newManager(t, s, newGatedEmbedder(t), Options{})

	a := put(t, s, "a", "first")
	require.NoError(t, m.Upsert(ctx, a))
	assert.Equal(t, 1, m.Count())

	a.Content = "second"
	a, err := s.Put(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.Upsert(ctx, a))
	assert.Equal(t, 1, m.Count())

	r, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, r.DriftDetected)

	tomb, err := s.Tombstone(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.Upsert(ctx, tomb), "tombstones are removed")
	assert.Zero(t, m.Count())
	require.NoError(t, m.Remove(ctx, "never-indexed"))
}

func TestManager_Ref(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m, _ := newManager(t, s, newGatedEmbedder(t), Options{})

	a := put(t, s, "a", "first")
	assert.Empty(t, m.Ref("a"), "not indexed yet")
	require.NoError(t, m.Upsert(ctx, a))
	assert.Equal(t, fmt.Sprintf("gen-%d/a", m.Generation()), m.Ref("a"))

	hits, err := m.Search(ctx, "first", 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.Ref("a"), hits[0].VectorRef)

	before := m.Ref("a")
	require.NoError(t, m.Rebuild(ctx, "manual"))
	assert.NotEqual(t, before, m.Ref("a"), "a rebuild moves every vector")

	require.NoError(t, m.Remove(ctx, "a"))
	assert.Empty(t, m.Ref("a"))
}

func TestManager_MutationsDuringRebuildAreReplayed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "alpha")
	put(t, s, "b", "beta")

	emb := newGatedEmbedder(t)
	m, events := newManager(t, s, emb, Options{Workers: 1, BatchSize: 10})
	require.NoError(t, m.Rebuild(ctx, "startup"))
	before := m.Generation()

	emb.arm()
	done := make(chan error, 1)
	go func() { done <- m.Rebuild(ctx, "manual") }()
	<-emb.entered
	assert.True(t, m.Rebuilding())

	t.Run("second rebuild is refused", func(t *testing.T) {
		assert.ErrorIs(t, m.Rebuild(ctx, "manual"), ErrRebuildInProgress)
	})

	// written after the rebuild listed the store
	c := put(t, s, "c", "gamma")
	require.NoError(t, m.Upsert(ctx, c))
	tomb, err := s.Tombstone(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.Upsert(ctx, tomb))

	assert.Equal(t, before, m.Generation(), "old generation serves reads until the swap")

	close(emb.release)
	require.NoError(t, <-done)
	assert.False(t, m.Rebuilding())
	assert.Greater(t, m.Generation(), before)

	r, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, r.DriftDetected, "report: %+v", r)
	assert.Equal(t, 2, m.Count())

	hits, err := m.Search(ctx, "gamma", 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].ID)

	finished := 0
	for _, ev := range events.all() {
		if ev.Phase == PhaseFinished {
			finished++
		}
	}
	assert.Equal(t, 2, finished)
}

func TestManager_FailedRebuildKeepsActiveGeneration(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "alpha")

	emb := newGatedEmbedder(t)
	m, events := newManager(t, s, emb, Options{})
	require.NoError(t, m.Rebuild(ctx, "startup"))
	gen := m.Generation()

	emb.setFail(errors.New("model crashed"))
	err := m.Rebuild(ctx, "manual")
	require.Error(t, err)
	assert.Equal(t, gen, m.Generation())
	assert.Equal(t, 1, m.Count())
	assert.False(t, m.Rebuilding())

	evs := events.all()
	last := evs[len(evs)-1]
	assert.Equal(t, PhaseFinished, last.Phase)
	assert.Error(t, last.Err)
}

func TestManager_VerifyDetectsDrift(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := put(t, s, "a", "alpha")
	put(t, s, "b", "beta")

	m, _ := newManager(t, s, newGatedEmbedder(t), Options{})
	require.NoError(t, m.Rebuild(ctx, "startup"))

	// changes that bypassed the index
	a.Content = "alpha changed"
	_, err := s.Put(ctx, a)
	require.NoError(t, err)
	put(t, s, "d", "delta")
	_, err = s.Tombstone(ctx, "b")
	require.NoError(t, err)

	r, err := m.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, r.DriftDetected)
	assert.Equal(t, []string{"d"}, r.Missing)
	assert.Equal(t, []string{"a"}, r.Stale)
	assert.Equal(t, []string{"b"}, r.Extra)
	assert.Equal(t, 3, r.Mismatches())

	t.Run("tolerance", func(t *testing.T) {
		lenient, _ := newManager(t, s, newGatedEmbedder(t), Options{DriftTolerance: 5})
		r, err := lenient.Verify(ctx)
		require.NoError(t, err)
		assert.False(t, r.DriftDetected)
	})
}

func TestManager_Heal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "alpha")

	emb := newGatedEmbedder(t)
	m, events := newManager(t, s, emb, Options{RebuildRetries: 2})

	r, err := m.Heal(ctx)
	require.NoError(t, err)
	assert.False(t, r.DriftDetected)
	assert.Equal(t, 1, m.Count())
	evs := events.all()
	require.NotEmpty(t, evs)
	assert.Equal(t, "drift", evs[0].Reason)

	t.Run("no drift means no rebuild", func(t *testing.T) {
		n := len(events.all())
		_, err := m.Heal(ctx)
		require.NoError(t, err)
		assert.Len(t, events.all(), n)
	})

	t.Run("exhausted retries surface index drift", func(t *testing.T) {
		put(t, s, "b", "beta")
		emb.setFail(errors.New("model unavailable"))
		defer emb.setFail(nil)
		_, err := m.Heal(ctx)
		assert.ErrorIs(t, err, record.ErrIndexDrift)
	})
}

func TestManager_SearchFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "deploy the service")
	put(t, s, "b", "deploy the website")
	put(t, s, "c", "bake bread")

	m, _ := newManager(t, s, newGatedEmbedder(t), Options{})
	require.NoError(t, m.Rebuild(ctx, "startup"))

	hits, err := m.Search(ctx, "deploy the service", 2, func(h Hit) bool { return h.ID != "a" })
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "alice", hits[0].OwnerID)
	assert.Equal(t, "memory", hits[0].Kind)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	_, err = m.Search(ctx, "", 1, nil)
	assert.Error(t, err)
	_, err = m.Search(ctx, "x", 0, nil)
	assert.Error(t, err)
}

func TestDriftMonitor_TriggerRebuilds(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "a", "alpha")

	m, events := newManager(t, s, newGatedEmbedder(t), Options{})
	mon := NewDriftMonitor(m, 0, nil)
	mon.Start(ctx)
	defer mon.Stop()

	require.Eventually(t, func() bool {
		_, at, _ := mon.Last()
		return !at.IsZero() && m.Count() == 1
	}, 5*time.Second, 10*time.Millisecond, "initial check heals the empty index")

	put(t, s, "b", "beta")
	mon.Trigger()
	require.Eventually(t, func() bool { return m.Count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(events.all()) >= 4 }, 5*time.Second, 10*time.Millisecond,
		"two rebuilds, each with a start and a finish event")

	r, err := mon.Check(ctx)
	require.NoError(t, err)
	assert.False(t, r.DriftDetected)
}
