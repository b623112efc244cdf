package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/hashing"
)

// CaptureSnapshot records a point-in-time map of paths to content hashes.
// Empty paths means every tracked path. Files missing on disk are omitted,
// so a deletion between captures drops out of the newer snapshot. A capture
// identical to the latest snapshot creates nothing and returns false.
//
// A successful capture may still return ErrStorageOversize: the snapshot
// was kept, but compaction hit the retention floor while over the size
// budget. Treat it as a warning.
func (e *Engine) CaptureSnapshot(description string, paths []string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return false, nil
	}

	start := time.Now()
	if len(paths) == 0 {
		var err error
		paths, err = e.trackedPathsLocked()
		if err != nil {
			return false, err
		}
	}

	files := make(map[string]hashing.ContentHash, len(paths))
	for _, p := range paths {
		if p == "" {
			return false, fmt.Errorf("%w: empty path in capture set", ErrInvalidArgument)
		}
		data, err := os.ReadFile(e.resolve(p))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return false, fmt.Errorf("read %s: %w", p, err)
		}
		files[p] = e.blobs.Put(data)
		e.lastKnown[p] = string(data)
	}
	if len(files) == 0 {
		return false, nil
	}

	last, err := e.elog.LatestSnapshot()
	if err != nil {
		return false, err
	}
	if last != nil && maps.Equal(last.Files, files) {
		e.metrics.RecordCaptureSkipped()
		e.log.Debug("capture skipped, state unchanged", "files", len(files))
		return false, nil
	}

	snap := &eventlog.Snapshot{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UnixNano(),
		Description: description,
		Files:       files,
	}
	if err := e.elog.AppendSnapshot(snap); err != nil {
		return false, fmt.Errorf("capture snapshot: %w", err)
	}

	warn := e.compactLocked()
	if warn != nil && !errors.Is(warn, ErrStorageOversize) {
		return true, warn
	}
	if err := e.flushLocked(); err != nil {
		return true, err
	}

	e.metrics.RecordCapture(time.Since(start))
	e.updateStoreGaugesLocked()
	e.log.Info("snapshot captured",
		"snapshot", snap.ID, "files", len(files), "description", description)
	return true, warn
}

func (e *Engine) trackedPathsLocked() ([]string, error) {
	stored, err := e.elog.TrackedPaths()
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(stored)+len(e.lastKnown))
	for _, p := range stored {
		set[p] = struct{}{}
	}
	for p := range e.lastKnown {
		set[p] = struct{}{}
	}

	paths := maps.Keys(set)
	sort.Strings(paths)
	return paths, nil
}

// ListSnapshots returns all snapshots oldest first, without file maps.
func (e *Engine) ListSnapshots() ([]eventlog.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.elog.Snapshots()
}

// GetSnapshotFiles returns the paths a snapshot contains, sorted. An
// unknown ID is NoHistory: evicted snapshots disappear the same way.
func (e *Engine) GetSnapshotFiles(id string) ([]string, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty snapshot id", ErrInvalidArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	snap, err := e.elog.SnapshotByID(id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNoHistory, id)
	}

	paths := maps.Keys(snap.Files)
	sort.Strings(paths)
	return paths, nil
}

// GetFileContentAtSnapshot returns the content of path as of a snapshot.
// The second return is false when the snapshot does not contain the path,
// which is how deletions read: absence, never stale content.
func (e *Engine) GetFileContentAtSnapshot(id, path string) (string, bool, error) {
	if id == "" {
		return "", false, fmt.Errorf("%w: empty snapshot id", ErrInvalidArgument)
	}
	if path == "" {
		return "", false, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	snap, err := e.elog.SnapshotByID(id)
	if err != nil {
		return "", false, err
	}
	if snap == nil {
		return "", false, fmt.Errorf("%w: snapshot %s", ErrNoHistory, id)
	}

	h, ok := snap.Files[path]
	if !ok {
		return "", false, nil
	}
	content, err := e.blobs.Get(h)
	if err != nil {
		return "", false, fmt.Errorf("snapshot %s content for %s: %w", id, path, err)
	}
	return string(content), true, nil
}

// ExportManifest describes an exported snapshot; it is written as
// manifest.json beside the exported files.
type ExportManifest struct {
	SnapshotID  string         `json:"snapshot_id"`
	Description string         `json:"description,omitempty"`
	TimestampNs int64          `json:"timestamp_ns"`
	ExportedAt  time.Time      `json:"exported_at"`
	FileCount   int            `json:"file_count"`
	Files       []ExportedFile `json:"files"`
}

// ExportedFile is one entry in an export manifest.
type ExportedFile struct {
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// ExportSnapshot writes every file of a snapshot under destDir, preserving
// relative layout, plus a manifest.json describing the export.
func (e *Engine) ExportSnapshot(id, destDir string) (*ExportManifest, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty snapshot id", ErrInvalidArgument)
	}
	if destDir == "" {
		return nil, fmt.Errorf("%w: empty destination directory", ErrInvalidArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	snap, err := e.elog.SnapshotByID(id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNoHistory, id)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	paths := maps.Keys(snap.Files)
	sort.Strings(paths)

	manifest := &ExportManifest{
		SnapshotID:  snap.ID,
		Description: snap.Description,
		TimestampNs: snap.Timestamp,
		ExportedAt:  time.Now().UTC(),
		FileCount:   len(paths),
		Files:       make([]ExportedFile, 0, len(paths)),
	}

	for _, p := range paths {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			return nil, fmt.Errorf("export: non-local path %q in snapshot %s", p, id)
		}
		content, err := e.blobs.Get(snap.Files[p])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s content for %s: %w", id, p, err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create export subdirectory: %w", err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", target, err)
		}

		manifest.Files = append(manifest.Files, ExportedFile{
			Path:      p,
			Hash:      string(snap.Files[p]),
			SizeBytes: int64(len(content)),
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write export manifest: %w", err)
	}

	e.metrics.RecordExport()
	e.log.Info("snapshot exported", "snapshot", id, "dest", destDir, "files", len(paths))
	return manifest, nil
}

// ClearHistory erases all snapshots, patch records, sessions, and blobs.
// The admin escape hatch from the append-only discipline.
func (e *Engine) ClearHistory() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sessions.End(time.Now()); err != nil {
		e.log.Warn("end session on clear", "error", err)
	}
	if e.lastSession != "" {
		e.metrics.SessionEnded()
		e.lastSession = ""
	}

	if err := e.elog.Clear(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	e.blobs.GarbageCollect(nil)
	e.lastKnown = make(map[string]string)

	if err := e.persistArchiveLocked(); err != nil {
		return err
	}
	e.updateStoreGaugesLocked()
	e.log.Info("history cleared")
	return nil
}
