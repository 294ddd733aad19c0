package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

func commitFile(t *testing.T, wt *git.Worktree, root, rel, content, msg string, when time.Time) {
	t.Helper()
	writeFile(t, root, rel, content)
	_, err := wt.Add(rel)
	require.NoError(t, err)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Alice", Email: "alice@example.com", When: when},
	})
	require.NoError(t, err)
}

func TestCommitSource(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	t.Run("empty repository yields nothing", func(t *testing.T) {
		src, err := NewCommitSource(root, 0)
		require.NoError(t, err)
		assert.Empty(t, listSourceIDs(t, src))
	})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	commitFile(t, wt, root, "a.go", "package a\n", "init", base)
	commitFile(t, wt, root, "b.go", "package b\n", "add b package\n\nbody text", base.Add(time.Hour))

	store := newCountingStore(t)
	src, err := NewCommitSource(root, 0)
	require.NoError(t, err)
	ix, err := New(store, Options{OwnerID: "alice"}, src)
	require.NoError(t, err)

	sum, err := ix.Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Ingested)
	assert.Equal(t, 2, sum.Written)

	recs, err := store.List(ctx, localstore.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	var latest *record.Record
	for _, r := range recs {
		assert.Equal(t, record.TypeCommit, r.Type)
		if r.Summary == "add b package" {
			latest = r
		}
	}
	require.NotNil(t, latest)
	assert.Contains(t, latest.Content, "body text")
	assert.Contains(t, latest.Content, "Author: Alice <alice@example.com>")
	assert.Contains(t, latest.Content, "b.go (+1 -0)")
	assert.Equal(t, "1", latest.Metadata["parents"])
	assert.True(t, latest.CreatedAt.Equal(base.Add(time.Hour)))

	t.Run("rerun skips known commits", func(t *testing.T) {
		sum, err := ix.Run(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Skipped)
		assert.Zero(t, sum.Written)
	})

	t.Run("depth limits the window", func(t *testing.T) {
		shallow, err := NewCommitSource(root, 1)
		require.NoError(t, err)
		assert.Len(t, listSourceIDs(t, shallow), 1)
	})

	t.Run("older commits outside the window are kept", func(t *testing.T) {
		shallow, err := NewCommitSource(root, 1)
		require.NoError(t, err)
		ix, err := New(store, Options{OwnerID: "alice"}, shallow)
		require.NoError(t, err)
		sum, err := ix.Run(ctx, shallow)
		require.NoError(t, err)
		assert.Zero(t, sum.Removed)
		n, err := store.CheckpointCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
