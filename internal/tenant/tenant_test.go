package tenant

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

func TestResolve(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:Fyrsmith/memsync.git"},
	})
	require.NoError(t, err)
	sub := filepath.Join(root, "internal", "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	r, err := Resolve(sub)
	require.NoError(t, err)
	assert.Equal(t, root, r.Root)
	assert.Equal(t, "github.com/Fyrsmith/memsync", r.Remote)
	assert.Equal(t, "Fyrsmith", r.Owner)
	assert.Equal(t, Namespace(root), r.Namespace)
	assert.True(t, strings.HasPrefix(r.Namespace, "repo-"))
	assert.Len(t, r.Namespace, len("repo-")+12)

	t.Run("outside a repository", func(t *testing.T) {
		dir := t.TempDir()
		r, err := Resolve(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, r.Root)
		assert.Empty(t, r.Remote)
		assert.Equal(t, Namespace(dir), r.Namespace)
	})
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, record.GlobalNamespace, Namespace(""))
	assert.Equal(t, Namespace("/src/a"), Namespace("/src/a/"))
	assert.NotEqual(t, Namespace("/src/a"), Namespace("/src/b"))
}

func TestParseRemote(t *testing.T) {
	tests := []struct {
		url, remote, owner string
	}{
		{"git@github.com:user/repo.git", "github.com/user/repo", "user"},
		{"https://github.com/user/repo.git", "github.com/user/repo", "user"},
		{"https://token@gitlab.example.com/group/sub/repo", "gitlab.example.com/group/sub/repo", "group"},
		{"not a url", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			remote, owner := parseRemote(tt.url)
			assert.Equal(t, tt.remote, remote)
			assert.Equal(t, tt.owner, owner)
		})
	}
}

func TestDefaultOwnerID(t *testing.T) {
	id := DefaultOwnerID("")
	require.NotEmpty(t, id)
	assert.Equal(t, sanitize(id), id)

	assert.Equal(t, "john_doe", sanitize("John_Doe"))
	assert.Equal(t, "testuser", sanitize("Test@User!"))
	assert.Equal(t, "local", sanitize("!!!"))
}
