package engine

import (
	"fmt"

	"github.com/mehsaandev/code-time-machine/internal/hashing"
)

// retentionFloor is the snapshot count compaction never evicts below, even
// while over the size budget. Surfacing an oversize condition beats
// deleting all history.
const retentionFloor = 5

// compactLocked enforces the snapshot count cap and the serialized store
// size cap by evicting oldest snapshots and garbage collecting after each
// eviction. Returns ErrStorageOversize when the floor is reached while
// still over budget; the caller surfaces it as a warning. Callers hold the
// write lock.
func (e *Engine) compactLocked() error {
	if e.opts.MaxSnapshots > 0 {
		limit := e.opts.MaxSnapshots
		if limit < retentionFloor {
			limit = retentionFloor
		}
		count, err := e.elog.SnapshotCount()
		if err != nil {
			return err
		}
		evicted := 0
		for count > limit {
			if err := e.evictOldestLocked(); err != nil {
				return err
			}
			evicted++
			count--
		}
		if evicted > 0 {
			e.gcLocked()
		}
	}

	if e.opts.MaxStoreBytes <= 0 {
		return nil
	}

	size, err := e.blobs.SerializedSize()
	if err != nil {
		return err
	}
	for size > e.opts.MaxStoreBytes {
		count, err := e.elog.SnapshotCount()
		if err != nil {
			return err
		}
		if count <= retentionFloor {
			e.metrics.RecordOversize()
			e.log.Warn("store over size budget at retention floor",
				"size", size, "budget", e.opts.MaxStoreBytes, "snapshots", count)
			return fmt.Errorf("%w: %d bytes over %d byte budget", ErrStorageOversize, size, e.opts.MaxStoreBytes)
		}

		if err := e.evictOldestLocked(); err != nil {
			return err
		}
		e.gcLocked()

		size, err = e.blobs.SerializedSize()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) evictOldestLocked() error {
	oldest, err := e.elog.OldestSnapshot()
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}

	if err := e.elog.DeleteSnapshot(oldest.ID); err != nil {
		return fmt.Errorf("evict snapshot: %w", err)
	}
	e.metrics.RecordEviction()
	e.log.Info("snapshot evicted", "snapshot", oldest.ID, "files", len(oldest.Files))
	return nil
}

// gcLocked sweeps blobs unreachable from any retained snapshot. The live
// set is every hash referenced by a snapshot file map; the store expands it
// across delta bases before sweeping.
func (e *Engine) gcLocked() {
	live, err := e.elog.SnapshotFileHashes()
	if err != nil {
		e.log.Error("collect live hashes", "error", err)
		return
	}

	liveSet := make(map[hashing.ContentHash]struct{}, len(live))
	for _, h := range live {
		liveSet[h] = struct{}{}
	}
	removed := e.blobs.GarbageCollect(liveSet)
	e.metrics.RecordGC(removed)
}
