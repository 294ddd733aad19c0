package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/access"
	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newTestConfig(t *testing.T, user string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "memsync.db")
	cfg.Device.UserID = user
	cfg.Device.Name = "test"
	cfg.Device.Platform = "linux"
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Dimension = 32
	cfg.Indexer.CommitDepth = 0
	cfg.Sync.Interval = config.Duration(time.Hour)
	return cfg
}

func openDevice(t *testing.T, cfg *config.Config, proto remote.Protocol, nc *nats.Conn) *Device {
	t.Helper()
	emb, err := embeddings.NewHashProvider(cfg.Embeddings.Dimension)
	require.NoError(t, err)
	d, err := Open(context.Background(), cfg, Deps{
		Remote:   proto,
		NATS:     nc,
		Embedder: emb,
		Logger:   logging.NewTestLogger().Logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestWriter_QuotaAndOwnership(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice")
	cfg.Tiers = map[string]record.TierLimits{"free": {DeviceLimit: 2, RecordLimit: 2}}
	hub := remote.NewHub(remote.HubOptions{})
	d := openDevice(t, cfg, hub.Client("alice"), nil)
	w := d.Writer()

	first, err := w.Put(ctx, &record.Record{Content: "one"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "alice", first.OwnerID)
	assert.Equal(t, fmt.Sprintf("gen-%d/%s", d.Index().Generation(), first.ID), first.VectorRef)
	_, err = w.Put(ctx, &record.Record{Content: "two"})
	require.NoError(t, err)

	_, err = w.Put(ctx, &record.Record{Content: "three"})
	require.ErrorIs(t, err, record.ErrQuotaExceeded)
	var qe *access.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 2, qe.Count)

	t.Run("updates do not count against quota", func(t *testing.T) {
		edit := first.Clone()
		edit.Content = "one, edited"
		_, err := w.Put(ctx, edit)
		require.NoError(t, err)
	})

	t.Run("deleting frees a slot", func(t *testing.T) {
		_, err := w.Tombstone(ctx, first.ID)
		require.NoError(t, err)
		assert.Empty(t, d.Index().Ref(first.ID), "tombstones leave the index")
		_, err = w.Put(ctx, &record.Record{Content: "three"})
		require.NoError(t, err)
	})

	t.Run("cannot write for another owner", func(t *testing.T) {
		_, err := w.Put(ctx, &record.Record{Content: "x", OwnerID: "bob"})
		assert.ErrorIs(t, err, record.ErrPermissionDenied)
	})

	assert.Equal(t, 2, d.Index().Count())
	rep, err := d.Admin.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.False(t, rep.DriftDetected)
}

func TestWriter_TeamVisibility(t *testing.T) {
	ctx := context.Background()
	hub := remote.NewHub(remote.HubOptions{})
	require.NoError(t, hub.CreateTeam(record.Team{ID: "core", Name: "Core", OwnerID: "bob"}))
	require.NoError(t, hub.AddMember("core", "alice", record.RoleMember))

	bob := openDevice(t, newTestConfig(t, "bob"), hub.Client("bob"), nil)
	alice := openDevice(t, newTestConfig(t, "alice"), hub.Client("alice"), nil)
	_, err := bob.Admin.SyncNow(ctx)
	require.NoError(t, err)

	for _, rec := range []*record.Record{
		{ID: "tw", Content: "shared", TeamID: "core", Visibility: record.VisibilityTeamWrite},
		{ID: "tr", Content: "read only", TeamID: "core", Visibility: record.VisibilityTeamRead},
		{ID: "pv", Content: "bob only"},
	} {
		_, err := bob.Writer().Put(ctx, rec)
		require.NoError(t, err)
	}
	_, err = bob.Admin.SyncNow(ctx)
	require.NoError(t, err)
	_, err = alice.Admin.SyncNow(ctx)
	require.NoError(t, err)

	w := alice.Writer()
	shared, err := w.Get(ctx, "tw")
	require.NoError(t, err)
	_, err = w.Get(ctx, "pv")
	assert.ErrorIs(t, err, record.ErrNotFound)

	edit := shared.Clone()
	edit.Content = "alice was here"
	_, err = w.Put(ctx, edit)
	require.NoError(t, err)

	moved := shared.Clone()
	moved.Visibility = record.VisibilityTeamRead
	_, err = w.Put(ctx, moved)
	assert.ErrorIs(t, err, record.ErrPermissionDenied)

	readOnly, err := w.Get(ctx, "tr")
	require.NoError(t, err)
	readOnly.Content = "nope"
	_, err = w.Put(ctx, readOnly)
	assert.ErrorIs(t, err, record.ErrPermissionDenied)
	_, err = w.Tombstone(ctx, "tr")
	assert.ErrorIs(t, err, record.ErrPermissionDenied)

	hits, err := alice.Admin.Search(ctx, "bob only", 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "pv", h.ID)
	}
}

func TestAdmin(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	notes := writeFile(t, root, "notes.md", "# Notes\n\nremember to rotate the staging certificates\n")

	cfg := newTestConfig(t, "alice")
	cfg.Indexer.Roots = []string{root}
	hub := remote.NewHub(remote.HubOptions{})
	d := openDevice(t, cfg, hub.Client("alice"), nil)
	a := d.Admin

	t.Run("ingesting an unchanged tree twice writes nothing the second time", func(t *testing.T) {
		sums, err := a.Ingest(ctx, "")
		require.NoError(t, err)
		require.Len(t, sums, 1)
		assert.Equal(t, 1, sums[0].Ingested)
		assert.Positive(t, sums[0].Written)

		before, err := d.Store().CheckpointCount(ctx)
		require.NoError(t, err)
		sums, err = a.Ingest(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, sums[0].Ingested)
		assert.Equal(t, 1, sums[0].Skipped)
		assert.Zero(t, sums[0].Written)
		after, err := d.Store().CheckpointCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("verify and search", func(t *testing.T) {
		rep, err := a.VerifyConsistency(ctx)
		require.NoError(t, err)
		assert.False(t, rep.DriftDetected)
		assert.Equal(t, rep.RecordCount, rep.IndexCount)
		assert.Positive(t, rep.IndexCount)

		hits, err := a.Search(ctx, "rotate the staging certificates", 3)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Contains(t, hits[0].Snippet, "staging certificates")
	})

	t.Run("sync and status", func(t *testing.T) {
		res, err := a.SyncNow(ctx)
		require.NoError(t, err)
		assert.Positive(t, res.Pushed)

		st, err := a.SyncStatus(ctx, "")
		require.NoError(t, err)
		assert.True(t, st.Registered)
		assert.Zero(t, st.PendingPush)
		assert.Empty(t, st.LastError)
		assert.Positive(t, st.Store.Live)

		_, err = a.SyncStatus(ctx, st.DeviceID)
		require.NoError(t, err)
		_, err = a.SyncStatus(ctx, "someone-else")
		assert.ErrorIs(t, err, record.ErrUnknownDevice)
	})

	t.Run("force rebuild swaps in a new generation", func(t *testing.T) {
		gen := d.Index().Generation()
		rep, err := a.ForceRebuildIndex(ctx)
		require.NoError(t, err)
		assert.False(t, rep.DriftDetected)
		assert.Greater(t, d.Index().Generation(), gen)
	})

	t.Run("ingest a single changed path", func(t *testing.T) {
		writeFile(t, root, "notes.md", "# Notes\n\ncertificates rotated\n")
		sums, err := a.Ingest(ctx, notes)
		require.NoError(t, err)
		require.Len(t, sums, 1)
		assert.Equal(t, 1, sums[0].Ingested)

		st, err := a.SyncStatus(ctx, "")
		require.NoError(t, err)
		assert.Positive(t, st.PendingPush)
	})

	t.Run("ingest rejects paths outside every root", func(t *testing.T) {
		_, err := a.Ingest(ctx, filepath.Join(t.TempDir(), "elsewhere.md"))
		assert.ErrorIs(t, err, record.ErrInvalidReference)
		_, err = a.Ingest(ctx, root+"/../etc/passwd")
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})
}

func TestAdmin_IngestWithoutSources(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{})
	d := openDevice(t, newTestConfig(t, "alice"), hub.Client("alice"), nil)
	_, err := d.Admin.Ingest(context.Background(), "")
	assert.ErrorIs(t, err, ErrIndexerDisabled)
}

func TestDevice_SyncsOnChangeNotification(t *testing.T) {
	ctx := context.Background()
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	hub := remote.NewHub(remote.HubOptions{Notifier: remote.NewNATSNotifier(nc, "memsync", nil)})
	a := openDevice(t, newTestConfig(t, "alice"), hub.Client("alice"), nil)
	b := openDevice(t, newTestConfig(t, "alice"), hub.Client("alice"), nc)

	require.NoError(t, b.Start(ctx))
	require.Error(t, b.Start(ctx))
	require.Eventually(t, func() bool {
		st, err := b.Engine().Status(ctx)
		return err == nil && st.Cycles >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, nc.Flush())

	_, err = a.Writer().Put(ctx, &record.Record{ID: "r1", Content: "shared thought"})
	require.NoError(t, err)
	_, err = a.Admin.SyncNow(ctx)
	require.NoError(t, err)

	// the sync interval is an hour; only the notification can explain this
	require.Eventually(t, func() bool {
		r, err := b.Store().Get(ctx, "r1")
		return err == nil && r.Content == "shared thought"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return b.Index().Count() == 1 }, 5*time.Second, 20*time.Millisecond)
}
