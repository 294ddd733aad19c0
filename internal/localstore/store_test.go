package localstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "memsync.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func memory(id, owner, content string) *record.Record {
	return &record.Record{ID: id, Kind: record.KindMemory, OwnerID: owner, Content: content}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stored, err := s.Put(ctx, memory("r1", "alice", "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, s.WriterID(), stored.UpdatedBy)
	assert.Equal(t, record.VisibilityPrivate, stored.Visibility)
	assert.False(t, stored.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)
	assert.Equal(t, stored.UpdatedAt, got.UpdatedAt)

	t.Run("update bumps version and updated_at", func(t *testing.T) {
		edit := got.Clone()
		edit.Content = "y"
		updated, err := s.Put(ctx, edit)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.True(t, updated.UpdatedAt.After(got.UpdatedAt))
		assert.Equal(t, got.CreatedAt, updated.CreatedAt)

		e, err := s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, e.Dirty)
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})
}

func TestStore_PutReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SavePrincipal(ctx,
		&record.Principal{UserID: "alice", Tier: record.TierFree, Teams: map[string]record.Role{"t1": record.RoleOwner}},
		[]record.Team{{ID: "t1", Name: "core", OwnerID: "alice"}},
		[]record.Membership{{TeamID: "t1", UserID: "alice", Role: record.RoleOwner}},
	))

	rec := memory("r1", "alice", "shared")
	rec.TeamID = "t1"
	rec.Visibility = record.VisibilityTeamRead
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	t.Run("unknown team", func(t *testing.T) {
		bad := memory("r2", "alice", "x")
		bad.TeamID = "ghost"
		bad.Visibility = record.VisibilityTeamWrite
		_, err := s.Put(ctx, bad)
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})

	t.Run("owner outside team", func(t *testing.T) {
		bad := memory("r3", "mallory", "x")
		bad.TeamID = "t1"
		bad.Visibility = record.VisibilityTeamRead
		_, err := s.Put(ctx, bad)
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})

	t.Run("missing owner", func(t *testing.T) {
		_, err := s.Put(ctx, memory("r4", "", "x"))
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})

	t.Run("shared visibility without team", func(t *testing.T) {
		bad := memory("r5", "alice", "x")
		bad.Visibility = record.VisibilityTeamWrite
		_, err := s.Put(ctx, bad)
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})
}

func TestStore_TombstoneAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, memory("r1", "alice", "secret plans"))
	require.NoError(t, err)

	t.Run("purge live record not allowed", func(t *testing.T) {
		assert.ErrorIs(t, s.Purge(ctx, "r1"), record.ErrPurgeNotAllowed)
	})

	tomb, err := s.Tombstone(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, tomb.Tombstoned)
	assert.Empty(t, tomb.Content)
	assert.Equal(t, int64(2), tomb.Version)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Tombstoned)
	assert.Empty(t, got.Content, "tombstoned content is never exposed")

	again, err := s.Tombstone(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, tomb.Version, again.Version)

	t.Run("writes to a tombstone are rejected", func(t *testing.T) {
		_, err := s.Put(ctx, memory("r1", "alice", "resurrect"))
		assert.ErrorIs(t, err, record.ErrInvalidReference)
	})

	t.Run("unpushed tombstone cannot be purged", func(t *testing.T) {
		assert.ErrorIs(t, s.Purge(ctx, "r1"), record.ErrPurgeNotAllowed)
	})

	e, err := s.GetEntry(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.MarkPushed(ctx, "r1", e.LocalSeq, 7))
	require.NoError(t, s.Purge(ctx, "r1"))

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, record.ErrNotFound)
	assert.ErrorIs(t, s.Purge(ctx, "r1"), record.ErrNotFound)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SavePrincipal(ctx, &record.Principal{UserID: "alice"},
		[]record.Team{{ID: "t1"}},
		[]record.Membership{{TeamID: "t1", UserID: "alice", Role: record.RoleOwner}, {TeamID: "t1", UserID: "bob", Role: record.RoleMember}},
	))

	for _, r := range []*record.Record{
		memory("c", "alice", "3"),
		memory("a", "alice", "1"),
		{ID: "b", Kind: record.KindMemory, OwnerID: "bob", TeamID: "t1", Visibility: record.VisibilityTeamWrite, Content: "2"},
		{ID: "d", Kind: record.KindSession, OwnerID: "alice", Content: "4"},
	} {
		_, err := s.Put(ctx, r)
		require.NoError(t, err)
	}
	_, err := s.Tombstone(ctx, "c")
	require.NoError(t, err)

	ids := func(recs []*record.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, ids(all), "ordered by id, tombstones excluded")

	withTombs, err := s.List(ctx, Filter{IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Len(t, withTombs, 4)

	byOwner, err := s.List(ctx, Filter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byOwner))

	byTeam, err := s.List(ctx, Filter{TeamID: "t1", Visibility: record.VisibilityTeamWrite})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byTeam))

	sessions, err := s.List(ctx, Filter{Kind: record.KindSession})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(sessions))

	since, err := s.List(ctx, Filter{SinceVersion: 1, IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(since), "only the tombstone reached version 2")
}

func TestStore_PendingOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"z", "y", "x"} {
		_, err := s.Put(ctx, memory(id, "alice", id))
		require.NoError(t, err)
	}
	pending, err := s.Pending(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "z", pending[0].Record.ID)
	assert.Equal(t, "x", pending[2].Record.ID)
	assert.Less(t, pending[0].LocalSeq, pending[1].LocalSeq)

	after, err := s.Pending(ctx, pending[0].LocalSeq, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "y", after[0].Record.ID)
}

func TestStore_MarkPushed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, memory("r1", "alice", "v1"))
	require.NoError(t, err)
	gathered, err := s.GetEntry(ctx, "r1")
	require.NoError(t, err)

	t.Run("edit during push stays dirty", func(t *testing.T) {
		edit := gathered.Record.Clone()
		edit.Content = "v2"
		_, err := s.Put(ctx, edit)
		require.NoError(t, err)

		require.NoError(t, s.MarkPushed(ctx, "r1", gathered.LocalSeq, 10))
		e, err := s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, e.Dirty)
		assert.Equal(t, int64(10), e.BaseVersion)
		assert.Greater(t, e.Record.Version, int64(10))
		assert.Equal(t, "v2", e.Record.Content)
	})

	t.Run("unchanged row becomes clean", func(t *testing.T) {
		e, err := s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		require.NoError(t, s.MarkPushed(ctx, "r1", e.LocalSeq, 12))

		e, err = s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, e.Dirty)
		assert.Equal(t, int64(12), e.Record.Version)
		assert.Equal(t, int64(12), e.BaseVersion)
	})

	t.Run("converged push keeps the newer local version", func(t *testing.T) {
		edit, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		edit.Content = "v3"
		_, err = s.Put(ctx, edit)
		require.NoError(t, err)
		e, err := s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, int64(13), e.Record.Version)

		require.NoError(t, s.MarkPushed(ctx, "r1", e.LocalSeq, 5))
		e, err = s.GetEntry(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, e.Dirty)
		assert.Equal(t, int64(13), e.Record.Version)
		assert.Equal(t, int64(12), e.BaseVersion)
	})
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memsync.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Put(ctx, memory("r1", "alice", "durable"))
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(ctx, &record.Device{ID: "dev-1", OwnerID: "alice", RegisteredAt: time.Now()}))
	require.NoError(t, s.AdvanceCursor(ctx, "dev-1", record.KindMemory, 42))
	require.NoError(t, s.SetPushWatermark(ctx, "dev-1", 3))
	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{SourceID: "README.md", Fingerprint: "abc", RecordIDs: []string{"r1"}}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Content)
	assert.Equal(t, "dev-1", s.WriterID())

	cur, err := s.Cursor(ctx, "dev-1", record.KindMemory)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur)

	wm, err := s.PushWatermark(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)

	cp, err := s.Checkpoint(ctx, "README.md")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "abc", cp.Fingerprint)
	assert.Equal(t, []string{"r1"}, cp.RecordIDs)
}

func TestStore_CheckpointIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"file:repo-a:b.go", "file:repo-a:a.go", "file:repo-b:a.go", "commit:abc"} {
		require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{SourceID: id, Fingerprint: "f"}))
	}

	ids, err := s.CheckpointIDs(ctx, "file:repo-a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"file:repo-a:a.go", "file:repo-a:b.go"}, ids)

	require.NoError(t, s.DeleteCheckpoint(ctx, "commit:abc"))
	n, err := s.CheckpointCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
