package engine

import (
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
)

// Stats summarizes the state the engine owns, for status reporting.
type Stats struct {
	Snapshots    int
	PatchRecords int
	TrackedFiles int
	Blobs        int
	DeltaBlobs   int
	StoreBytes   int64
	Enabled      bool
}

// Stats returns current store and log counters.
func (e *Engine) Stats() (*Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshots, err := e.elog.SnapshotCount()
	if err != nil {
		return nil, err
	}
	patches, err := e.elog.PatchCount()
	if err != nil {
		return nil, err
	}

	bs := e.blobs.Stats()
	st := &Stats{
		Snapshots:    snapshots,
		PatchRecords: patches,
		TrackedFiles: len(e.lastKnown),
		Blobs:        bs.Blobs,
		DeltaBlobs:   bs.Deltas,
		Enabled:      e.enabled,
	}
	if size, err := e.blobs.SerializedSize(); err == nil {
		st.StoreBytes = size
	}
	return st, nil
}

// Sessions returns recorded edit sessions, oldest first.
func (e *Engine) Sessions(activeOnly bool) ([]eventlog.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if activeOnly {
		return e.elog.ActiveSessions()
	}
	return e.elog.Sessions()
}
