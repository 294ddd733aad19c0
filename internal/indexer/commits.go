package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/tenant"
)

const (
	defaultCommitDepth = 200
	maxStatFiles       = 50
)

// CommitSource enumerates the most recent commits reachable from HEAD,
// newest first. Each commit becomes one "commit" memory whose fingerprint
// is the commit hash, so a commit is ingested exactly once.
type CommitSource struct {
	repo  *git.Repository
	info  tenant.Repo
	depth int
}

// NewCommitSource opens the repository containing root.
func NewCommitSource(root string, depth int) (*CommitSource, error) {
	info, err := tenant.Resolve(root)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(info.Root)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", info.Root, err)
	}
	if depth <= 0 {
		depth = defaultCommitDepth
	}
	return &CommitSource{repo: repo, info: info, depth: depth}, nil
}

func (s *CommitSource) Name() string { return "commits" }

// Prefix is empty: commits that fall out of the depth window keep their
// records.
func (s *CommitSource) Prefix() string { return "" }

// Root returns the worktree root.
func (s *CommitSource) Root() string { return s.info.Root }

func (s *CommitSource) Items(ctx context.Context, yield func(Item) error) error {
	iter, err := s.repo.Log(&git.LogOptions{Order: git.LogOrderCommitterTime})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil // no commits yet
	}
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	n := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n >= s.depth {
			return storer.ErrStop
		}
		n++
		commit := c
		return yield(Item{
			SourceID:    "commit:" + s.info.Namespace + ":" + commit.Hash.String(),
			Fingerprint: commit.Hash.String(),
			Drafts:      func() ([]Draft, error) {
				return []Draft{{Key: "0", Record: s.commitRecord(commit)}}, nil
			},
		})
	})
	if errors.Is(err, storer.ErrStop) {
		return nil
	}
	return err
}

func (s *CommitSource) commitRecord(c *object.Commit) *record.Record {
	msg := strings.TrimSpace(c.Message)
	subject, _, _ := strings.Cut(msg, "\n")

	var b strings.Builder
	b.WriteString(msg)
	fmt.Fprintf(&b, "\n\nAuthor: %s <%s>\nDate: %s\n", c.Author.Name, c.Author.Email, c.Author.When.UTC().Format(time.RFC3339))
	// the first commit and merges diff against nothing useful
	if c.NumParents() == 1 {
		if stats, err := c.Stats(); err == nil && len(stats) > 0 {
			b.WriteString("Files:\n")
			for i, st := range stats {
				if i == maxStatFiles {
					fmt.Fprintf(&b, "  ... and %d more\n", len(stats)-maxStatFiles)
					break
				}
				fmt.Fprintf(&b, "  %s (+%d -%d)\n", st.Name, st.Addition, st.Deletion)
			}
		}
	}

	return &record.Record{
		Kind:      record.KindMemory,
		Type:      record.TypeCommit,
		Content:   b.String(),
		Summary:   subject,
		Tags:      []string{"commit"},
		Namespace: s.info.Namespace,
		Source:    record.Source{Repo: s.info.Remote, Tool: "git"},
		CreatedAt: c.Author.When.UTC(),
		Metadata:  map[string]string{
			"hash":         c.Hash.String(),
			"author":       c.Author.Name,
			"author_email": c.Author.Email,
			"committed_at": c.Committer.When.UTC().Format(time.RFC3339),
			"parents":      fmt.Sprint(c.NumParents()),
		},
	}
}
