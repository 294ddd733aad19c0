package remote

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

func init() {
	// StructuredData holds decoded JSON.
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

const snapshotVersion = 1

// snapshot is the on-disk form of a Hub.
type snapshot struct {
	FormatVersion int
	Version       int64
	Users         map[string]record.Tier
	Teams         map[string]record.Team
	Members       map[string]map[string]record.Role
	Devices       map[string]*deviceState
	Records       map[string]*record.Record
}

// Save writes the hub state to path atomically.
func (h *Hub) Save(path string) error {
	h.mu.Lock()
	snap := snapshot{
		FormatVersion: snapshotVersion,
		Version:       h.version,
		Users:         h.users,
		Teams:         h.teams,
		Members:       h.members,
		Devices:       h.devices,
		Records:       h.records,
	}
	rev := h.rev
	err := writeSnapshot(path, &snap)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.logger.Debug("hub snapshot saved", zap.String("path", path), zap.Uint64("rev", rev))
	return nil
}

func writeSnapshot(path string, snap *snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_TRUNC, 0o600)
	if errors.Is(err, os.ErrExist) {
		// left over from a crashed save
		_ = os.Remove(tmp)
		f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

// Load replaces the hub state with the snapshot at path. A missing file
// leaves the hub empty and is not an error.
func (h *Hub) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if snap.FormatVersion != snapshotVersion {
		return fmt.Errorf("snapshot %s has format %d, want %d", path, snap.FormatVersion, snapshotVersion)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = snap.Version
	h.users = orEmpty(snap.Users)
	h.teams = orEmpty(snap.Teams)
	h.members = orEmpty(snap.Members)
	h.devices = orEmpty(snap.Devices)
	h.records = orEmpty(snap.Records)
	for _, d := range h.devices {
		if d.Cursors == nil {
			d.Cursors = make(map[record.Kind]int64)
		}
	}
	h.log = h.log[:0]
	for id, r := range h.records {
		h.log = append(h.log, logEntry{version: r.Version, id: id})
	}
	sort.Slice(h.log, func(i, j int) bool { return h.log[i].version < h.log[j].version })
	h.rev = 0
	h.logger.Info("hub snapshot loaded",
		zap.String("path", path),
		zap.Int("records", len(h.records)),
		zap.Int("devices", len(h.devices)),
		zap.Int64("version", h.version))
	return nil
}

func orEmpty[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return m
}

// RunSnapshots saves the hub to path every interval while it has changed,
// and once more when ctx is done.
func (h *Hub) RunSnapshots(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var saved uint64
	save := func() {
		h.mu.Lock()
		rev := h.rev
		h.mu.Unlock()
		if rev == saved {
			return
		}
		if err := h.Save(path); err != nil {
			h.logger.Error("hub snapshot failed", zap.String("path", path), zap.Error(err))
			return
		}
		saved = rev
	}
	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}
