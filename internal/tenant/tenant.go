// Package tenant derives the owner and namespace that ingested records are
// filed under.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

var (
	sshRemote   = regexp.MustCompile(`^[\w.-]+@([\w.-]+):(.+?)(\.git)?/?$`)
	httpsRemote = regexp.MustCompile(`^\w+://(?:[^@/]+@)?([\w.:-]+)/(.+?)(\.git)?/?$`)
)

// Repo describes the repository a path belongs to.
type Repo struct {
	// Root is the worktree root, or the absolute path itself outside a repository.
	Root string
	// Remote is "host/owner/name" from the origin remote, if any.
	Remote string
	// Namespace is "repo-" plus the first 12 hex digits of sha256(Root).
	Namespace string
	// Owner is the remote's account name, if any.
	Owner string
}

// Resolve locates the repository containing path. Paths outside a git
// repository still get a namespace, derived from the path.
func Resolve(path string) (Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Repo{}, err
	}
	r := Repo{Root: abs}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
	case err != nil:
		return Repo{}, err
	default:
		if wt, err := repo.Worktree(); err == nil {
			r.Root = wt.Filesystem.Root()
		}
		if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
			r.Remote, r.Owner = parseRemote(remote.Config().URLs[0])
		}
	}
	r.Namespace = Namespace(r.Root)
	return r, nil
}

// Namespace returns the namespace for records ingested from root.
func Namespace(root string) string {
	if root == "" {
		return record.GlobalNamespace
	}
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return "repo-" + hex.EncodeToString(sum[:])[:12]
}

// parseRemote returns "host/path" and the account segment of a remote URL.
// Supports: git@github.com:user/repo.git, https://github.com/user/repo.git
func parseRemote(url string) (string, string) {
	for _, re := range []*regexp.Regexp{sshRemote, httpsRemote} {
		if m := re.FindStringSubmatch(url); m != nil {
			repoPath := strings.Trim(m[2], "/")
			owner, _, _ := strings.Cut(repoPath, "/")
			return m[1] + "/" + repoPath, owner
		}
	}
	return "", ""
}

// DefaultOwnerID picks an owner id for a device that was not configured
// with one. Priority: origin account of repoPath, git user.name, $USER,
// then "local".
func DefaultOwnerID(repoPath string) string {
	if repoPath != "" {
		if r, err := Resolve(repoPath); err == nil && r.Owner != "" {
			return sanitize(r.Owner)
		}
	}

	cfg, err := config.LoadConfig(config.GlobalScope)
	if err == nil && cfg.User.Name != "" {
		return sanitize(strings.ReplaceAll(cfg.User.Name, " ", "_"))
	}

	if user := os.Getenv("USER"); user != "" {
		return sanitize(user)
	}
	return "local"
}

// sanitize lowercases s and keeps alphanumerics, '_' and '-'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "local"
	}
	return b.String()
}
