package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/tenant"
)

const (
	defaultMaxFileSize = 1024 * 1024
	maxFileSizeCap     = 10 * 1024 * 1024
	defaultChunkSize   = 4000
)

// FileOptions configures a FileSource.
type FileOptions struct {
	Include     []string
	Exclude     []string
	IgnoreFiles []string
	MaxFileSize int64
	ChunkSize   int
}

// FileSource enumerates the UTF-8 text files of a directory tree. Large
// files are split into chunks, one record each.
type FileSource struct {
	root     string
	repo     tenant.Repo
	include  GlobSet
	exclude  GlobSet
	maxSize  int64
	chunk    int
	ignoreFn []string
}

// NewFileSource validates root and the patterns. Ignore files found in
// root extend the exclude patterns.
func NewFileSource(root string, opts FileOptions) (*FileSource, error) {
	clean, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxFileSize > maxFileSizeCap {
		return nil, fmt.Errorf("max_file_size cannot exceed %d bytes", maxFileSizeCap)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	include, err := CompileGlobs(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	ignored, err := ParseIgnoreFiles(clean, opts.IgnoreFiles)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}
	exclude, err := CompileGlobs(append(append([]string(nil), opts.Exclude...), ignored...))
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	repo, err := tenant.Resolve(clean)
	if err != nil {
		return nil, fmt.Errorf("resolving repository: %w", err)
	}

	return &FileSource{
		root:     clean,
		repo:     repo,
		include:  include,
		exclude:  exclude,
		maxSize:  opts.MaxFileSize,
		chunk:    opts.ChunkSize,
		ignoreFn: opts.IgnoreFiles,
	}, nil
}

func validateRoot(root string) (string, error) {
	if root == "" {
		return "", errors.New("path cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("path does not exist: %s", abs)
		}
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", abs)
	}
	return abs, nil
}

func (s *FileSource) Name() string { return "files" }

// Root returns the absolute root directory.
func (s *FileSource) Root() string { return s.root }

// Namespace returns the namespace records of this tree are filed under.
func (s *FileSource) Namespace() string { return s.repo.Namespace }

func (s *FileSource) Prefix() string { return "file:" + s.repo.Namespace + ":" }

func (s *FileSource) sourceID(rel string) string { return s.Prefix() + rel }

// skipDir reports whether the walk should not descend into rel.
func (s *FileSource) skipDir(rel string) bool {
	if defaultSkipDirs[filepath.Base(rel)] {
		return true
	}
	return s.exclude.Match(rel)
}

// selected reports whether the file at rel is indexed, size aside.
func (s *FileSource) selected(rel string) bool {
	if s.exclude.Match(rel) {
		return false
	}
	for _, name := range s.ignoreFn {
		if rel == name {
			return false
		}
	}
	return len(s.include) == 0 || s.include.MatchFile(rel)
}

func (s *FileSource) Items(ctx context.Context, yield func(Item) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && s.skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.selected(rel) {
			return nil
		}
		item, ok, err := s.load(p, rel)
		if err != nil || !ok {
			return err
		}
		return yield(item)
	})
}

// ItemForPath returns the item for a single file, or a Deleted item when
// it no longer exists.
func (s *FileSource) ItemForPath(path string) (Item, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Item{}, err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Item{}, ErrNotCovered
	}
	rel = filepath.ToSlash(rel)
	for dir := filepath.Dir(filepath.FromSlash(rel)); dir != "."; dir = filepath.Dir(dir) {
		if s.skipDir(filepath.ToSlash(dir)) {
			return Item{}, ErrNotCovered
		}
	}
	if !s.selected(rel) {
		return Item{}, ErrNotCovered
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return Item{SourceID: s.sourceID(rel), Path: rel, Deleted: true}, nil
	}
	if err != nil {
		return Item{}, err
	}
	if !info.Mode().IsRegular() {
		return Item{}, ErrNotCovered
	}
	item, ok, err := s.load(abs, rel)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		// grew past the size cap or became binary
		return Item{SourceID: s.sourceID(rel), Path: rel, Deleted: true}, nil
	}
	return item, nil
}

// load reads a file. ok is false for files over the size cap and for
// files that are not valid UTF-8.
func (s *FileSource) load(path, rel string) (Item, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, false, err
	}
	if info.Size() > s.maxSize {
		return Item{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, false, fmt.Errorf("reading file %s: %w", rel, err)
	}
	if !utf8.Valid(data) {
		return Item{}, false, nil
	}
	sum := sha256.Sum256(data)
	content := string(data)
	return Item{
		SourceID:    s.sourceID(rel),
		Fingerprint: hex.EncodeToString(sum[:]),
		Path:        rel,
		Drafts:      func() ([]Draft, error) {
			return s.drafts(rel, content), nil
		},
	}, true, nil
}

func (s *FileSource) drafts(rel, content string) []Draft {
	chunks := chunkLines(content, s.chunk)
	typ := fileType(rel)
	ext := strings.TrimPrefix(filepath.Ext(rel), ".")
	tags := []string{"indexed"}
	if ext != "" {
		tags = append(tags, ext)
	}

	out := make([]Draft, 0, len(chunks))
	for i, c := range chunks {
		summary := rel
		if len(chunks) > 1 {
			summary = fmt.Sprintf("%s (lines %d-%d)", rel, c.first, c.last)
		}
		out = append(out, Draft{
			Key:    strconv.Itoa(i),
			Record: &record.Record{
				Kind:      record.KindMemory,
				Type:      typ,
				Content:   c.text,
				Summary:   summary,
				Tags:      append([]string(nil), tags...),
				Namespace: s.repo.Namespace,
				Source:    record.Source{File: rel, Repo: s.repo.Remote, Tool: "indexer"},
				Metadata:  map[string]string{
					"path":   rel,
					"chunk":  strconv.Itoa(i),
					"chunks": strconv.Itoa(len(chunks)),
					"lines":  fmt.Sprintf("%d-%d", c.first, c.last),
				},
			},
		})
	}
	return out
}

func fileType(rel string) record.MemoryType {
	base := strings.ToLower(filepath.Base(rel))
	switch {
	case strings.HasSuffix(base, "_test.go"), strings.Contains(base, ".test."), strings.Contains(base, ".spec."):
		return record.TypeTest
	}
	switch base {
	case "go.mod", "go.sum", "package.json", "cargo.toml", "requirements.txt", "pyproject.toml":
		return record.TypeDependency
	}
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".md", ".markdown", ".txt", ".rst", ".adoc":
		return record.TypeDoc
	case ".yaml", ".yml", ".json", ".toml", ".ini", ".conf", ".cfg", ".env":
		return record.TypeConfig
	}
	return record.TypeCode
}

type chunk struct {
	text        string
	first, last int
}

// chunkLines splits content at line boundaries into pieces of at most size
// bytes. A single line longer than size is split at rune boundaries.
// Empty content yields no chunks.
func chunkLines(content string, size int) []chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	var (
		out   []chunk
		cur   strings.Builder
		first = 1
		last  int
	)
	flush := func(last int) {
		if cur.Len() > 0 {
			out = append(out, chunk{text: cur.String(), first: first, last: last})
			cur.Reset()
		}
		first = last + 1
	}

	lines := strings.SplitAfter(content, "\n")
	for i, line := range lines {
		n := i + 1
		if line == "" {
			continue
		}
		last = n
		if cur.Len()+len(line) > size && cur.Len() > 0 {
			flush(n - 1)
		}
		for len(line) > size {
			cut := size
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
			cur.WriteString(line[:cut])
			line = line[cut:]
			out = append(out, chunk{text: cur.String(), first: n, last: n})
			cur.Reset()
			first = n
		}
		cur.WriteString(line)
	}
	flush(last)
	return out
}
