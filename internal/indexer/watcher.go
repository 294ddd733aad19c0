package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// gitRefFiles are the entries of .git whose change means new commits.
var gitRefFiles = map[string]bool{
	"HEAD":        true,
	"ORIG_HEAD":   true,
	"FETCH_HEAD":  true,
	"packed-refs": true,
}

type rooted interface {
	Root() string
}

// Watcher re-ingests files as they change. Events are collected until the
// tree has been quiet for the debounce interval, then each changed path is
// ingested once.
type Watcher struct {
	ix       *Indexer
	debounce time.Duration
	logger   *zap.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	pending  map[string]bool
	commits  bool
	onFlush  func(paths int)
	gitDirs  map[string]*CommitSource
	pathSrcs []PathSource
}

// NewWatcher creates a watcher for the file-backed sources of ix.
func NewWatcher(ix *Indexer, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		ix:       ix,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]bool),
		gitDirs:  make(map[string]*CommitSource),
	}
}

// OnFlush registers fn to run after every debounced batch. For tests.
func (w *Watcher) OnFlush(fn func(paths int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFlush = fn
}

// Start adds watches for every source root and starts the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	for _, src := range w.ix.Sources() {
		switch s := src.(type) {
		case *CommitSource:
			// HEAD moves on checkout; logs/HEAD grows on every commit
			for _, dir := range []string{filepath.Join(s.Root(), ".git"), filepath.Join(s.Root(), ".git", "logs")} {
				if err := fsw.Add(dir); err != nil {
					w.logger.Warn("not watching git refs", zap.String("dir", dir), zap.Error(err))
					continue
				}
				w.gitDirs[dir] = s
			}
		case PathSource:
			r, ok := src.(rooted)
			if !ok {
				continue
			}
			w.pathSrcs = append(w.pathSrcs, s)
			if err := w.addTree(fsw, r.Root()); err != nil {
				_ = fsw.Close()
				return err
			}
		}
	}

	w.fsw = fsw
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// addTree watches dir and every subdirectory the sources would descend into.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && !w.descend(p) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

// descend reports whether any file source would walk into dir.
func (w *Watcher) descend(dir string) bool {
	for _, ps := range w.pathSrcs {
		r, ok := ps.(rooted)
		if !ok {
			continue
		}
		rel, err := filepath.Rel(r.Root(), dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		fsrc, ok := ps.(*FileSource)
		if !ok || !fsrc.skipDir(filepath.ToSlash(rel)) {
			return true
		}
	}
	return false
}

// Stop ends the event loop and releases the watches.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.record(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// record notes an event and reports whether it is relevant.
func (w *Watcher) record(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.gitDirs[filepath.Dir(ev.Name)]; ok {
		if gitRefFiles[filepath.Base(ev.Name)] {
			w.commits = true
			return true
		}
		return false
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.descend(ev.Name) {
				if err := w.addTree(w.fsw, ev.Name); err != nil {
					w.logger.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
				}
				// files created before the watch was added
				_ = filepath.WalkDir(ev.Name, func(p string, d fs.DirEntry, err error) error {
					if err == nil && !d.IsDir() {
						w.pending[p] = true
					}
					return nil
				})
			}
			return true
		}
	}
	w.pending[ev.Name] = true
	return true
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	commits := w.commits
	w.commits = false
	var commitSrcs []*CommitSource
	if commits {
		seen := make(map[*CommitSource]bool)
		for _, s := range w.gitDirs {
			if !seen[s] {
				seen[s] = true
				commitSrcs = append(commitSrcs, s)
			}
		}
	}
	w.mu.Unlock()

	for _, p := range paths {
		out, err := w.ix.IngestPath(ctx, p)
		switch {
		case errors.Is(err, ErrNotCovered):
		case err != nil:
			w.logger.Warn("re-ingesting changed file", zap.String("path", p), zap.Error(err))
		case !out.Skipped:
			w.logger.Debug("re-ingested changed file",
				zap.String("path", p),
				zap.Int("written", out.Written),
				zap.Int("tombstoned", out.Tombstoned))
		}
	}
	for _, s := range commitSrcs {
		if _, err := w.ix.Run(ctx, s); err != nil {
			w.logger.Warn("ingesting new commits", zap.Error(err))
		}
	}

	w.mu.Lock()
	fn := w.onFlush
	w.mu.Unlock()
	if fn != nil {
		fn(len(paths))
	}
}
