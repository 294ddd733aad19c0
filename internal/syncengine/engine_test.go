package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyProtocol fails selected calls with a retryable error.
type flakyProtocol struct {
	remote.Protocol
	failPullsAfter atomic.Int32 // fail once this many pulls succeeded; -1 never
	pulls          atomic.Int32
}

func newFlaky(p remote.Protocol) *flakyProtocol {
	f := &flakyProtocol{Protocol: p}
	f.failPullsAfter.Store(-1)
	return f
}

func (f *flakyProtocol) Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResult, error) {
	n := f.pulls.Add(1)
	if limit := f.failPullsAfter.Load(); limit >= 0 && n > limit {
		return nil, record.ErrRemoteUnavailable
	}
	return f.Protocol.Pull(ctx, req)
}

type testEnv struct {
	t     *testing.T
	clock *testClock
	hub   *remote.Hub
	tiers map[record.Tier]record.TierLimits
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	tiers := record.DefaultTiers()
	return &testEnv{
		t:     t,
		clock: clock,
		tiers: tiers,
		hub:   remote.NewHub(remote.HubOptions{Tiers: tiers, StaleAfter: time.Hour, Now: clock.Now}),
	}
}

type device struct {
	store  *localstore.Store
	index  *vectorindex.Manager
	engine *Engine
	log    *logging.TestLogger
}

func (env *testEnv) device(user string, proto remote.Protocol, mods ...func(*Options)) *device {
	t := env.t
	t.Helper()
	ctx := context.Background()
	store, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "memsync.db"), localstore.WithClock(env.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb, err := embeddings.NewHashProvider(16)
	require.NoError(t, err)
	idx, err := vectorindex.New(emb, store, vectorindex.Options{})
	require.NoError(t, err)

	if proto == nil {
		proto = env.hub.Client(user)
	}
	log := logging.NewTestLogger()
	opts := Options{
		PageSize:       50,
		BatchSize:      50,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		PurgeGrace:     24 * time.Hour,
		Device:         record.DeviceInfo{Name: "test", Platform: "linux"},
		Tiers:          env.tiers,
		Index:          idx,
		Logger:         log.Logger,
		Now:            env.clock.Now,
	}
	for _, m := range mods {
		m(&opts)
	}
	eng, err := New(store, proto, opts)
	require.NoError(t, err)
	return &device{store: store, index: idx, engine: eng, log: log}
}

func (d *device) put(t *testing.T, rec *record.Record) *record.Record {
	t.Helper()
	stored, err := d.store.Put(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, d.index.Upsert(context.Background(), stored))
	return stored
}

func (d *device) edit(t *testing.T, id, content string) *record.Record {
	t.Helper()
	cur, err := d.store.Get(context.Background(), id)
	require.NoError(t, err)
	next := cur.Clone()
	next.Content = content
	return d.put(t, next)
}

func (d *device) tombstone(t *testing.T, id string) {
	t.Helper()
	_, err := d.store.Tombstone(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, d.index.Remove(context.Background(), id))
}

func (d *device) sync(t *testing.T) *Result {
	t.Helper()
	res, err := d.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	return res
}

func (d *device) get(t *testing.T, id string) *record.Record {
	t.Helper()
	rec, err := d.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (d *device) requireNoDrift(t *testing.T) {
	t.Helper()
	rep, err := d.index.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.DriftDetected, "missing=%v stale=%v extra=%v", rep.Missing, rep.Stale, rep.Extra)
	assert.Equal(t, rep.RecordCount, rep.IndexCount)
}

func note(id, owner, content string) *record.Record {
	return &record.Record{ID: id, Kind: record.KindMemory, OwnerID: owner, Content: content}
}

func TestEngine_RegistersOnFirstCycle(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)

	// written before registration, stamped with the install id
	pre := a.put(t, note("r1", "alice", "before registration"))
	installID, err := a.store.InstallID(ctx)
	require.NoError(t, err)
	assert.Equal(t, installID, pre.UpdatedBy)

	st, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.Equal(t, 1, st.PendingPush)

	res := a.sync(t)
	assert.Equal(t, installID, res.DeviceID, "unused install id becomes the device id")
	assert.Equal(t, 1, res.Pushed)

	st, err = a.engine.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.PendingPush)
	assert.NotNil(t, st.LastSuccess)

	remoteCopy, ok := env.hub.Record("r1")
	require.True(t, ok)
	assert.Equal(t, "before registration", remoteCopy.Content)
	assert.Equal(t, int64(1), a.get(t, "r1").Version)

	d, err := a.engine.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, installID, d.ID, "register is idempotent")
}

func TestEngine_Idempotence(t *testing.T) {
	env := newEnv(t)
	a := env.device("alice", nil)
	b := env.device("alice", nil)

	a.put(t, note("r1", "alice", "one"))
	a.put(t, note("r2", "alice", "two"))
	a.sync(t)

	first := b.sync(t)
	assert.Equal(t, 2, first.Applied)
	before, err := b.store.List(context.Background(), localstore.Filter{IncludeTombstoned: true})
	require.NoError(t, err)
	b.requireNoDrift(t)
	gen := b.index.Generation()
	count := b.index.Count()

	second := b.sync(t)
	assert.Zero(t, second.Applied)
	assert.Zero(t, second.Pushed)
	after, err := b.store.List(context.Background(), localstore.Filter{IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, gen, b.index.Generation())
	assert.Equal(t, count, b.index.Count())
	b.requireNoDrift(t)

	// the writer pulls its own pushes back as no-ops
	res := a.sync(t)
	assert.Equal(t, 2, res.Unchanged)
	assert.Zero(t, res.Applied)
}

func TestEngine_ConvergesOnLaterTimestamp(t *testing.T) {
	env := newEnv(t)
	a := env.device("alice", nil)
	b := env.device("alice", nil)

	a.put(t, note("r1", "alice", "original"))
	a.sync(t)
	b.sync(t)

	env.clock.Advance(10 * time.Second)
	a.edit(t, "r1", "from A")
	env.clock.Advance(10 * time.Second)
	b.edit(t, "r1", "from B")

	a.sync(t)
	res := b.sync(t)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.KeptLocal)
	assert.Equal(t, 1, res.Pushed)
	a.sync(t)

	assert.Equal(t, "from B", a.get(t, "r1").Content)
	assert.Equal(t, "from B", b.get(t, "r1").Content)
	remoteCopy, _ := env.hub.Record("r1")
	assert.Equal(t, "from B", remoteCopy.Content)

	hist, err := b.store.History(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "from A", hist[0].Record.Content)
	assert.Equal(t, ReasonRemoteLost, hist[0].Reason)

	b.log.AssertLogged(t, zapcore.InfoLevel, "conflict resolved")
	b.log.AssertField(t, "conflict resolved", "winner", "local")
	a.requireNoDrift(t)
	b.requireNoDrift(t)
}

func TestEngine_TieBreaksOnLowerDeviceID(t *testing.T) {
	env := newEnv(t)
	a := env.device("alice", nil)
	b := env.device("alice", nil)

	a.put(t, note("r1", "alice", "original"))
	a.sync(t)
	b.sync(t)

	env.clock.Advance(time.Minute)
	ea := a.edit(t, "r1", "from A")
	eb := b.edit(t, "r1", "from B")
	require.True(t, ea.UpdatedAt.Equal(eb.UpdatedAt))

	want := "from A"
	if eb.UpdatedBy < ea.UpdatedBy {
		want = "from B"
	}

	a.sync(t)
	b.sync(t)
	a.sync(t)
	assert.Equal(t, want, a.get(t, "r1").Content)
	assert.Equal(t, want, b.get(t, "r1").Content)
}

func TestEngine_DeleteWins(t *testing.T) {
	t.Run("tombstone arrives before the edit is pushed", func(t *testing.T) {
		env := newEnv(t)
		a := env.device("alice", nil)
		b := env.device("alice", nil)

		a.put(t, note("r1", "alice", "x"))
		a.sync(t)
		b.sync(t)

		env.clock.Advance(time.Second)
		a.tombstone(t, "r1")
		a.sync(t)

		env.clock.Advance(time.Second)
		b.edit(t, "r1", "edited offline")
		res := b.sync(t)
		assert.Equal(t, 1, res.Conflicts)
		assert.Zero(t, res.Pushed)
		a.sync(t)

		for _, d := range []*device{a, b} {
			got := d.get(t, "r1")
			assert.True(t, got.Tombstoned)
			assert.Empty(t, got.Content)
			d.requireNoDrift(t)
		}
		hist, err := b.store.History(context.Background(), "r1")
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "edited offline", hist[0].Record.Content)
		assert.Equal(t, ReasonLocalLost, hist[0].Reason)
		assert.Zero(t, b.index.Count())
	})

	t.Run("edit is pushed before the tombstone", func(t *testing.T) {
		env := newEnv(t)
		a := env.device("alice", nil)
		b := env.device("alice", nil)

		a.put(t, note("r1", "alice", "x"))
		a.sync(t)
		b.sync(t)

		env.clock.Advance(time.Second)
		b.edit(t, "r1", "edited")
		env.clock.Advance(time.Second)
		a.tombstone(t, "r1")

		b.sync(t)
		res := a.sync(t)
		assert.Equal(t, 1, res.KeptLocal)
		assert.Equal(t, 1, res.Pushed)
		b.sync(t)

		assert.True(t, a.get(t, "r1").Tombstoned)
		remoteCopy, _ := env.hub.Record("r1")
		assert.True(t, remoteCopy.Tombstoned)
	})
}

func TestEngine_RecordQuota(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.tiers[record.TierFree] = record.TierLimits{DeviceLimit: 2, RecordLimit: 2}
	env.hub = remote.NewHub(remote.HubOptions{Tiers: env.tiers, Now: env.clock.Now})
	a := env.device("alice", nil)

	a.put(t, note("r1", "alice", "1"))
	a.put(t, note("r2", "alice", "2"))
	a.put(t, note("r3", "alice", "3"))

	res, err := a.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, record.ErrQuotaExceeded)
	assert.Equal(t, 2, res.Pushed)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "r3", res.Rejected[0].ID)
	assert.Equal(t, record.ReasonQuotaExceeded, res.Rejected[0].Reason)
	assert.Equal(t, 2, env.hub.Stats().Records)

	st, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingPush)
	assert.Contains(t, st.LastError, "quota exceeded")
	assert.Equal(t, StateIdle, st.State, "quota is not retried with backoff")

	// freeing a slot lets the held-back record through on a later cycle
	a.tombstone(t, "r1")
	res, err = a.engine.SyncOnce(ctx)
	if err != nil {
		require.ErrorIs(t, err, record.ErrQuotaExceeded)
		res = a.sync(t)
	}
	assert.Empty(t, res.Rejected)
	remoteCopy, ok := env.hub.Record("r3")
	require.True(t, ok)
	assert.Equal(t, "3", remoteCopy.Content)

	st, err = a.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingPush)
	assert.Empty(t, st.LastError)
}

func TestEngine_PullRespectsRecordQuota(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.tiers[record.TierFree] = record.TierLimits{DeviceLimit: 2, RecordLimit: 2}
	env.hub = remote.NewHub(remote.HubOptions{Tiers: env.tiers, Now: env.clock.Now})
	env.hub.SetTier("alice", record.TierPro)

	a := env.device("alice", nil)
	a.put(t, note("r1", "alice", "1"))
	a.put(t, note("r2", "alice", "2"))
	a.put(t, note("r3", "alice", "3"))
	assert.Equal(t, 3, a.sync(t).Pushed)

	// downgrade leaves the account above the free record limit
	env.hub.SetTier("alice", record.TierFree)
	b := env.device("alice", nil)
	res, err := b.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, record.ErrQuotaExceeded)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.HeldBack)
	_, err = b.store.Get(ctx, "r3")
	assert.ErrorIs(t, err, record.ErrNotFound)

	cursor, err := b.store.Cursor(ctx, res.DeviceID, record.KindMemory)
	require.NoError(t, err)
	r3, ok := env.hub.Record("r3")
	require.True(t, ok)
	assert.Equal(t, r3.Version-1, cursor, "cursor stops before the held record")

	t.Run("held record arrives once a slot frees up", func(t *testing.T) {
		a.tombstone(t, "r1")
		a.sync(t)

		res, err := b.engine.SyncOnce(ctx)
		if err != nil {
			require.ErrorIs(t, err, record.ErrQuotaExceeded)
			res = b.sync(t)
		}
		assert.Zero(t, res.HeldBack)
		assert.Equal(t, "3", b.get(t, "r3").Content)
		b.requireNoDrift(t)
	})
}

func TestEngine_DeviceQuota(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.device("alice", nil).sync(t)
	env.device("alice", nil).sync(t)

	third := env.device("alice", nil)
	_, err := third.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, record.ErrQuotaExceeded)
	assert.Equal(t, 2, env.hub.Stats().Devices)

	st, err := third.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	dev, err := third.store.Device(ctx)
	require.NoError(t, err)
	assert.Nil(t, dev)
}

func TestEngine_BackoffOnRemoteFailure(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)
	for _, id := range []string{"r1", "r2", "r3"} {
		a.put(t, note(id, "alice", id))
	}
	a.sync(t)

	flaky := newFlaky(env.hub.Client("alice"))
	b := env.device("alice", flaky, func(o *Options) { o.PageSize = 1; o.Kinds = []record.Kind{record.KindMemory} })
	flaky.failPullsAfter.Store(1)

	_, err := b.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, record.ErrRemoteUnavailable)
	assert.Equal(t, StateErrorBackoff, b.engine.State())

	st, err := b.engine.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.NextRetry)
	assert.True(t, st.NextRetry.After(env.clock.Now()))
	assert.Contains(t, st.LastError, "remote unavailable")
	assert.Equal(t, int64(1), st.Cursors[record.KindMemory], "only the applied page moved the cursor")

	flaky.failPullsAfter.Store(-1)
	res := b.sync(t)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, StateIdle, b.engine.State())

	st, err = b.engine.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
	assert.Nil(t, st.NextRetry)
	assert.Equal(t, int64(3), st.Cursors[record.KindMemory])
	b.requireNoDrift(t)
}

func TestEngine_ReregistersUnknownDevice(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)
	res := a.sync(t)
	id := res.DeviceID

	require.NoError(t, env.hub.DeregisterDevice(ctx, "alice", id))
	_, err := a.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, record.ErrUnknownDevice)

	st, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)

	res = a.sync(t)
	assert.Equal(t, id, res.DeviceID)
	assert.Equal(t, 1, env.hub.Stats().Devices)
}

func TestEngine_Deregister(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)
	a.put(t, note("r1", "alice", "kept"))
	a.sync(t)

	require.NoError(t, a.engine.Deregister(ctx))
	assert.Zero(t, env.hub.Stats().Devices)
	st, err := a.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.Equal(t, "kept", a.get(t, "r1").Content)
	require.NoError(t, a.engine.Deregister(ctx), "deregistering twice is a no-op")
}

func TestEngine_PurgeAfterEveryDeviceCaughtUp(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)
	b := env.device("alice", nil)

	a.put(t, note("r1", "alice", "x"))
	a.sync(t)
	b.sync(t)

	a.tombstone(t, "r1")
	res := a.sync(t)
	assert.Zero(t, res.Purged, "b has not pulled the tombstone")

	for i := 0; i < 3; i++ {
		a.sync(t)
		b.sync(t)
	}
	for _, d := range []*device{a, b} {
		_, err := d.store.Get(ctx, "r1")
		assert.ErrorIs(t, err, record.ErrNotFound)
	}
}

func TestEngine_PurgeGraceWhenLivenessUnknown(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a := env.device("alice", nil)
	b := env.device("alice", nil)

	a.put(t, note("r1", "alice", "x"))
	a.sync(t)
	b.sync(t)

	env.clock.Advance(2 * time.Hour) // b is now stale
	a.tombstone(t, "r1")
	res := a.sync(t)
	assert.Zero(t, res.Purged)

	env.clock.Advance(25 * time.Hour)
	res = a.sync(t)
	assert.Equal(t, 1, res.Purged)
	_, err := a.store.Get(ctx, "r1")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestEngine_TeamRecords(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.hub.CreateTeam(record.Team{ID: "core", OwnerID: "alice"}))
	require.NoError(t, env.hub.AddMember("core", "bob", record.RoleMember))
	a := env.device("alice", nil)
	b := env.device("bob", nil)
	a.sync(t) // caches the roster, needed for team writes
	b.sync(t)

	shared := note("t1", "alice", "team note")
	shared.TeamID, shared.Visibility = "core", record.VisibilityTeamWrite
	readOnly := note("t2", "alice", "read only")
	readOnly.TeamID, readOnly.Visibility = "core", record.VisibilityTeamRead
	a.put(t, shared)
	a.put(t, readOnly)
	a.put(t, note("p1", "alice", "private"))
	a.sync(t)

	res := b.sync(t)
	assert.Equal(t, 2, res.Applied)
	_, err := b.store.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, record.ErrNotFound)

	env.clock.Advance(time.Second)
	b.edit(t, "t1", "bob was here")
	b.edit(t, "t2", "bob cannot write this")
	res, err = b.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "t2", res.Rejected[0].ID)
	assert.Equal(t, record.ReasonPermissionDenied, res.Rejected[0].Reason)

	a.sync(t)
	assert.Equal(t, "bob was here", a.get(t, "t1").Content)
	assert.Equal(t, "read only", a.get(t, "t2").Content)
}

func TestEngine_RunLoop(t *testing.T) {
	env := newEnv(t)
	a := env.device("alice", nil, func(o *Options) { o.Interval = time.Hour })
	ctx := context.Background()

	require.NoError(t, a.engine.Start(ctx))
	t.Cleanup(func() { _ = a.engine.Stop() })
	assert.ErrorIs(t, a.engine.Start(ctx), ErrAlreadyRunning)

	cycles := func() int64 {
		st, err := a.engine.Status(ctx)
		if err != nil {
			return 0
		}
		return st.Cycles
	}
	require.Eventually(t, func() bool { return cycles() >= 1 }, 5*time.Second, 10*time.Millisecond)

	a.put(t, note("r1", "alice", "via trigger"))
	a.engine.Trigger()
	require.Eventually(t, func() bool {
		_, ok := env.hub.Record("r1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.engine.Stop())
	require.NoError(t, a.engine.Stop())
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "quota", errorClass(record.ErrQuotaExceeded))
	assert.Equal(t, "retryable", errorClass(record.ErrRemoteTimeout))
	assert.Equal(t, "canceled", errorClass(context.Canceled))
	assert.Equal(t, "error", errorClass(errors.New("boom")))
}
