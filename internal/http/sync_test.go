package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/embeddings"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/services"
)

var testKeys = []config.APIKey{
	{Key: config.Secret("alice-key"), UserID: "alice"},
	{Key: config.Secret("bob-key"), UserID: "bob"},
}

func startSyncServer(t *testing.T, hub *remote.Hub) *httptest.Server {
	t.Helper()
	s, err := NewSyncServer(hub, testKeys, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url, key string) *remote.Client {
	t.Helper()
	c, err := remote.NewClient(remote.ClientConfig{BaseURL: url, APIKey: key, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewSyncServer(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{})

	t.Run("requires api keys", func(t *testing.T) {
		_, err := NewSyncServer(hub, nil, zap.NewNop(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects incomplete keys", func(t *testing.T) {
		_, err := NewSyncServer(hub, []config.APIKey{{UserID: "alice"}}, zap.NewNop(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		s, err := NewSyncServer(hub, testKeys, zap.NewNop(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 7421, s.config.Port)
	})
}

func TestSyncServer_Authentication(t *testing.T) {
	srv := startSyncServer(t, remote.NewHub(remote.HubOptions{}))
	ctx := context.Background()

	_, err := newClient(t, srv.URL, "").Principal(ctx)
	assert.ErrorIs(t, err, record.ErrPermissionDenied)

	_, err = newClient(t, srv.URL, "wrong").Principal(ctx)
	assert.ErrorIs(t, err, record.ErrPermissionDenied)

	roster, err := newClient(t, srv.URL, "bob-key").Principal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", roster.Principal.UserID)
}

func TestSyncServer_Health(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{})
	hub.EnsureUser("alice", record.TierPro)
	s, err := NewSyncServer(hub, testKeys, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HubHealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Hub.Users)

	rec = do(t, s.Handler(), http.MethodPost, remote.PathPull, remote.PullRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, decode[remote.ErrorBody](t, rec).Code)
}

func TestSyncServer_ProtocolRoundTrip(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{})
	srv := startSyncServer(t, hub)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice-key")
	bob := newClient(t, srv.URL, "bob-key")

	dev, err := alice.RegisterDevice(ctx, record.DeviceInfo{InstallID: "a-1", Name: "laptop", Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "a-1", dev.ID)
	assert.Equal(t, "alice", dev.OwnerID)

	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	results, err := alice.Push(ctx, dev.ID, []*record.Record{{
		ID: "m1", Kind: record.KindMemory, Content: "use ripgrep", OwnerID: "alice",
		Visibility: record.VisibilityPrivate, CreatedAt: now, UpdatedAt: now, UpdatedBy: dev.ID,
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
	assert.Positive(t, results[0].Version)

	page, err := alice.Pull(ctx, remote.PullRequest{DeviceID: dev.ID, Kind: record.KindMemory})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "use ripgrep", page.Records[0].Content)
	assert.Equal(t, results[0].Version, page.Cursor)

	wm, err := alice.Watermark(ctx, dev.ID, record.KindMemory)
	require.NoError(t, err)
	assert.True(t, wm.Known)

	t.Run("devices are scoped to their user", func(t *testing.T) {
		_, err := bob.Pull(ctx, remote.PullRequest{DeviceID: dev.ID, Kind: record.KindMemory})
		assert.ErrorIs(t, err, record.ErrUnknownDevice)
		assert.True(t, remote.IsUnknownDevice(err))
	})

	t.Run("invalid kind", func(t *testing.T) {
		_, err := alice.Pull(ctx, remote.PullRequest{DeviceID: dev.ID, Kind: "bogus"})
		assert.ErrorIs(t, err, record.ErrInvalidRecord)
	})

	t.Run("deregister", func(t *testing.T) {
		require.NoError(t, alice.DeregisterDevice(ctx, dev.ID))
		err := alice.DeregisterDevice(ctx, dev.ID)
		assert.ErrorIs(t, err, record.ErrUnknownDevice)
	})
}

func TestSyncServer_DeviceQuota(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{
		Tiers: map[record.Tier]record.TierLimits{record.TierFree: {DeviceLimit: 1, RecordLimit: 10}},
	})
	srv := startSyncServer(t, hub)
	alice := newClient(t, srv.URL, "alice-key")
	ctx := context.Background()

	_, err := alice.RegisterDevice(ctx, record.DeviceInfo{InstallID: "a-1"})
	require.NoError(t, err)
	_, err = alice.RegisterDevice(ctx, record.DeviceInfo{InstallID: "a-2"})
	assert.ErrorIs(t, err, record.ErrQuotaExceeded)
}

// Two devices of one user converge through the HTTP sync server.
func TestSyncServer_DevicesConverge(t *testing.T) {
	hub := remote.NewHub(remote.HubOptions{})
	srv := startSyncServer(t, hub)
	ctx := context.Background()

	open := func(name string) *services.Device {
		cfg := config.Default()
		cfg.Store.Path = t.TempDir() + "/memsync.db"
		cfg.Device.UserID = "alice"
		cfg.Device.Name = name
		cfg.Embeddings.Dimension = 32
		cfg.Indexer.CommitDepth = 0
		cfg.Remote.URL = srv.URL
		cfg.Remote.APIKey = config.Secret("alice-key")
		cfg.Remote.RequestsPerSecond = 0
		emb, err := embeddings.NewHashProvider(32)
		require.NoError(t, err)
		d, err := services.Open(ctx, cfg, services.Deps{Embedder: emb, Logger: logging.NewNop()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	}
	a, b := open("laptop"), open("desktop")

	_, err := a.Writer().Put(ctx, &record.Record{ID: "m1", Content: "deploys happen on tuesdays"})
	require.NoError(t, err)
	res, err := a.Admin.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	_, err = b.Admin.SyncNow(ctx)
	require.NoError(t, err)
	got, err := b.Store().Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "deploys happen on tuesdays", got.Content)
	assert.Equal(t, 1, b.Index().Count())

	_, err = b.Writer().Tombstone(ctx, "m1")
	require.NoError(t, err)
	_, err = b.Admin.SyncNow(ctx)
	require.NoError(t, err)
	_, err = a.Admin.SyncNow(ctx)
	require.NoError(t, err)

	gone, err := a.Store().Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, gone.Tombstoned)
	assert.Zero(t, a.Index().Count())

	st := hub.Stats()
	assert.Equal(t, 2, st.Devices)
	assert.Equal(t, 1, st.Records)
}
