// Package engine reconstructs tracked file history. It ingests tagged edit
// events, records them as replayable patch records, captures whole-tree
// snapshots into the content-addressed blob store, and answers "what was
// path P at time T" by replaying patch chains from snapshot anchors. One
// write lock serializes every mutation; reads run concurrently and never
// observe a torn state.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/blobstore"
	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/logging"
	"github.com/mehsaandev/code-time-machine/internal/metrics"
	"github.com/mehsaandev/code-time-machine/internal/session"
)

// Engine failure taxonomy. NoHistory is a normal outcome for times before
// any record, not a fault.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoHistory       = errors.New("no history")
	ErrStorageOversize = errors.New("store over size budget at retention floor")
)

// PatchApplicationError reports a patch record whose script failed to replay
// even after resetting to the record's own anchored base content.
type PatchApplicationError struct {
	RecordID string
	Path     string
	Err      error
}

func (e *PatchApplicationError) Error() string {
	return fmt.Sprintf("patch %s for %s failed after recovery retry: %v", e.RecordID, e.Path, e.Err)
}

func (e *PatchApplicationError) Unwrap() error {
	return e.Err
}

// Options configures an Engine.
type Options struct {
	// Root anchors history-relative paths on disk for captures and reads.
	Root string

	// ArchivePath locates the serialized blob archive.
	ArchivePath string

	// MaxSnapshots caps retained snapshots; 0 disables the count cap.
	MaxSnapshots int

	// MaxStoreBytes caps the serialized archive size; 0 disables the size
	// cap.
	MaxStoreBytes int64
}

// Engine owns the blob store and coordinates it with the event log and the
// session manager. It holds no global state; hosts construct one per
// tracked root.
type Engine struct {
	mu       sync.RWMutex
	opts     Options
	blobs    *blobstore.Store
	elog     *eventlog.Log
	sessions *session.Manager
	metrics  *metrics.EngineMetrics
	log      *logging.Logger

	// lastKnown caches the most recently observed content per tracked
	// path; edits diff against it and captures refresh it.
	lastKnown   map[string]string
	lastSession string
	enabled     bool
}

// New creates an Engine and loads the blob archive at opts.ArchivePath when
// one exists. The event log is borrowed, not owned: closing the engine
// flushes it but leaves it open for the caller.
func New(opts Options, elog *eventlog.Log, sessions *session.Manager, em *metrics.EngineMetrics, log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Default().WithComponent("engine")
	}
	if em == nil {
		em = metrics.GetMetrics()
	}

	e := &Engine{
		opts:      opts,
		blobs:     blobstore.New(nil),
		elog:      elog,
		sessions:  sessions,
		metrics:   em,
		log:       log,
		lastKnown: make(map[string]string),
		enabled:   true,
	}

	if err := e.loadArchive(); err != nil {
		return nil, err
	}
	e.updateStoreGaugesLocked()
	return e, nil
}

func (e *Engine) loadArchive() error {
	f, err := os.Open(e.opts.ArchivePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open blob archive: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		return nil
	}
	if err := e.blobs.Deserialize(f); err != nil {
		return fmt.Errorf("load blob archive: %w", err)
	}

	e.log.Info("blob archive loaded", "path", e.opts.ArchivePath, "blobs", e.blobs.Count())
	return nil
}

// Close ends the active session and flushes pending state to disk. It does
// not close the borrowed event log.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sessions.End(time.Now()); err != nil {
		e.log.Warn("end session on close", "error", err)
	}
	if e.lastSession != "" {
		e.metrics.SessionEnded()
		e.lastSession = ""
	}
	return e.flushLocked()
}

// Flush forces pending event log writes and the blob archive to disk.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	start := time.Now()
	if err := e.elog.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	if err := e.persistArchiveLocked(); err != nil {
		return err
	}
	e.metrics.RecordFlush(time.Since(start))
	return nil
}

// persistArchiveLocked writes the blob archive through a temp file rename
// so a crash mid-write never leaves a truncated archive.
func (e *Engine) persistArchiveLocked() error {
	dir := filepath.Dir(e.opts.ArchivePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("create archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := e.blobs.Serialize(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.opts.ArchivePath); err != nil {
		return fmt.Errorf("replace blob archive: %w", err)
	}
	return nil
}

// RebuildResult is the outcome of one reconstruction.
type RebuildResult struct {
	// Content is the reconstructed file content.
	Content string
	// PatchesApplied counts records replayed on top of the seed.
	PatchesApplied int
	// Recovered counts replays that needed the self-healing retry.
	Recovered int
	// Timestamp is the time of the last record or snapshot that shaped
	// the content.
	Timestamp int64
}

// Rebuild reconstructs the content of path as of ts (unix nanoseconds).
//
// The latest snapshot at or before ts containing the path seeds the replay
// and bounds how far back it walks; records after the snapshot are applied
// in order. Without a snapshot the first record's own base content seeds
// the chain. A record whose script fails to apply is retried once from its
// anchored base; a second failure aborts with PatchApplicationError rather
// than returning fabricated content.
func (e *Engine) Rebuild(path string, ts int64) (*RebuildResult, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if ts < 0 {
		return nil, fmt.Errorf("%w: negative timestamp %d", ErrInvalidArgument, ts)
	}

	start := time.Now()
	e.mu.RLock()
	res, err := e.rebuild(path, ts)
	e.mu.RUnlock()

	if err != nil {
		if !errors.Is(err, ErrNoHistory) {
			e.metrics.RecordError()
		}
		return nil, err
	}
	e.metrics.RecordRebuild(time.Since(start), res.Recovered)
	return res, nil
}

func (e *Engine) rebuild(path string, ts int64) (*RebuildResult, error) {
	anchor, err := e.elog.LatestSnapshotAt(path, ts)
	if err != nil {
		return nil, err
	}

	var (
		current string
		records []eventlog.PatchRecord
		lastTs  int64
	)
	if anchor != nil {
		content, err := e.blobs.Get(anchor.Files[path])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s content for %s: %w", anchor.ID, path, err)
		}
		current = string(content)
		lastTs = anchor.Timestamp

		records, err = e.elog.PatchesByPathBetween(path, anchor.Timestamp+1, ts)
		if err != nil {
			return nil, err
		}
	} else {
		records, err = e.elog.PatchesByPathUpTo(path, ts)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: %s at %d", ErrNoHistory, path, ts)
		}
		current = records[0].BaseContent
	}

	applied, recovered := 0, 0
	for i := range records {
		rec := &records[i]
		next, err := diffcodec.Apply(current, rec.Script)
		if err != nil {
			// Each record anchors its own base content; reset to it and
			// retry once before giving up.
			retry, retryErr := diffcodec.Apply(rec.BaseContent, rec.Script)
			if retryErr != nil {
				return nil, &PatchApplicationError{RecordID: rec.ID, Path: path, Err: retryErr}
			}
			e.log.Warn("patch replay recovered from anchored base", "path", path, "record", rec.ID)
			recovered++
			next = retry
		}
		current = next
		applied++
		lastTs = rec.Timestamp
	}

	return &RebuildResult{
		Content:        current,
		PatchesApplied: applied,
		Recovered:      recovered,
		Timestamp:      lastTs,
	}, nil
}

// Verify rebuilds path at ts and reports whether the result matches
// expected byte for byte.
func (e *Engine) Verify(path string, ts int64, expected string) bool {
	res, err := e.Rebuild(path, ts)
	if err != nil {
		return false
	}
	return res.Content == expected
}

// GetAvailableTimestamps returns every time at which path has recorded
// state, from patch records and snapshots, ascending without duplicates.
func (e *Engine) GetAvailableTimestamps(path string) ([]int64, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	patchTs, err := e.elog.PatchTimestamps(path)
	if err != nil {
		return nil, err
	}
	snapTs, err := e.elog.SnapshotTimestampsFor(path)
	if err != nil {
		return nil, err
	}

	all := append(patchTs, snapTs...)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	out := all[:0]
	for _, ts := range all {
		if len(out) == 0 || out[len(out)-1] != ts {
			out = append(out, ts)
		}
	}
	return out, nil
}

// SetEnabled toggles history recording. While disabled, edit events and
// capture requests are dropped; reads stay available.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.enabled == enabled {
		return
	}
	e.enabled = enabled
	e.log.Info("tracking toggled", "enabled", enabled)
}

// Enabled reports whether history recording is active.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// resolve joins a history-relative path onto the tracked root. Absolute
// paths pass through untouched.
func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.opts.Root, filepath.FromSlash(path))
}

func (e *Engine) updateStoreGaugesLocked() {
	e.metrics.SetBlobCount(int64(e.blobs.Count()))
	if size, err := e.blobs.SerializedSize(); err == nil {
		e.metrics.SetStoreSize(size)
	}
	if n, err := e.elog.SnapshotCount(); err == nil {
		e.metrics.SetSnapshotsRetained(int64(n))
	}
	e.metrics.SetTrackedFiles(int64(len(e.lastKnown)))
}
