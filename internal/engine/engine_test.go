package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehsaandev/code-time-machine/internal/blobstore"
	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/metrics"
	"github.com/mehsaandev/code-time-machine/internal/session"
)

type testRig struct {
	engine  *Engine
	elog    *eventlog.Log
	metrics *metrics.EngineMetrics
	root    string
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()

	root := t.TempDir()
	opts.Root = root
	if opts.ArchivePath == "" {
		opts.ArchivePath = filepath.Join(root, ".ctm", "blobs.ctmb")
	}

	elog, err := eventlog.Open(filepath.Join(root, ".ctm", "events.db"), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { elog.Close() })

	sessions := session.NewManager(elog, root, time.Minute, nil)
	em := metrics.NewEngineMetrics(metrics.NewRegistry("test", ""))

	eng, err := New(opts, elog, sessions, em, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return &testRig{engine: eng, elog: elog, metrics: em, root: root}
}

func (r *testRig) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	target := filepath.Join(r.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
}

func (r *testRig) recordFull(t *testing.T, path, content string, ts int64) {
	t.Helper()
	err := r.engine.RecordEdit(EditEvent{
		Kind:      EditFullReplace,
		Path:      path,
		Timestamp: ts,
		Content:   content,
	})
	require.NoError(t, err)
}

func TestRebuildReplaysPatchChain(t *testing.T) {
	r := newTestRig(t, Options{})

	r.recordFull(t, "y.ts", "a", 100)
	r.recordFull(t, "y.ts", "ab", 200)
	r.recordFull(t, "y.ts", "abc", 300)

	res, err := r.engine.Rebuild("y.ts", 250)
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Content)
	assert.Equal(t, 2, res.PatchesApplied)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, int64(200), res.Timestamp)

	res, err = r.engine.Rebuild("y.ts", 100)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Content)
	assert.Equal(t, 1, res.PatchesApplied)

	res, err = r.engine.Rebuild("y.ts", 1000)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Content)
	assert.Equal(t, 3, res.PatchesApplied)
}

func TestRebuildInvalidArgument(t *testing.T) {
	r := newTestRig(t, Options{})

	_, err := r.engine.Rebuild("", 100)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.engine.Rebuild("y.ts", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRebuildNoHistory(t *testing.T) {
	r := newTestRig(t, Options{})

	_, err := r.engine.Rebuild("never-seen.go", 1000)
	assert.ErrorIs(t, err, ErrNoHistory)

	// Records exist only after t=100.
	r.recordFull(t, "y.ts", "a", 100)
	_, err = r.engine.Rebuild("y.ts", 99)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func lineScript(ops ...diffcodec.Op) *diffcodec.EditScript {
	return &diffcodec.EditScript{Kind: diffcodec.ScriptLines, Ops: ops}
}

func TestRebuildSelfHealsFromAnchoredBase(t *testing.T) {
	r := newTestRig(t, Options{})

	// The second record's base does not continue the first record's
	// result, simulating a corrupted intermediate link. Its script only
	// applies to its own anchored base.
	healthyBase := "l0\nl1\nl2\nl3\nl4\nl5"
	healed := "l0\nl1\nl2\nl3\nl4\nFIN"

	records := []*eventlog.PatchRecord{
		{
			ID:          uuid.NewString(),
			Path:        "z.go",
			Script:      lineScript(diffcodec.Op{Kind: diffcodec.OpReplace, Line: 0, Text: "alpha"}),
			BaseContent: "",
			Timestamp:   100,
		},
		{
			ID:          uuid.NewString(),
			Path:        "z.go",
			Script:      lineScript(diffcodec.Op{Kind: diffcodec.OpReplace, Line: 5, Text: "FIN"}),
			BaseContent: healthyBase,
			Timestamp:   200,
		},
		{
			ID:          uuid.NewString(),
			Path:        "z.go",
			Script:      lineScript(diffcodec.Op{Kind: diffcodec.OpInsert, Line: 6, Text: "end"}),
			BaseContent: healed,
			Timestamp:   300,
		},
	}
	for _, rec := range records {
		require.NoError(t, r.elog.AppendPatch(rec))
	}

	res, err := r.engine.Rebuild("z.go", 300)
	require.NoError(t, err)
	assert.Equal(t, healed+"\nend", res.Content)
	assert.Equal(t, 3, res.PatchesApplied)
	assert.Equal(t, 1, res.Recovered)
}

func TestRebuildFailsAfterRetryNamingRecord(t *testing.T) {
	r := newTestRig(t, Options{})

	bad := &eventlog.PatchRecord{
		ID:          uuid.NewString(),
		Path:        "w.go",
		Script:      lineScript(diffcodec.Op{Kind: diffcodec.OpReplace, Line: 99, Text: "x"}),
		BaseContent: "only one line",
		Timestamp:   100,
	}
	require.NoError(t, r.elog.AppendPatch(bad))

	_, err := r.engine.Rebuild("w.go", 100)
	require.Error(t, err)

	var patchErr *PatchApplicationError
	require.ErrorAs(t, err, &patchErr)
	assert.Equal(t, bad.ID, patchErr.RecordID)
	assert.Equal(t, "w.go", patchErr.Path)
}

func TestRebuildUsesSnapshotAnchor(t *testing.T) {
	r := newTestRig(t, Options{})

	// Two edits land before the snapshot; the anchor must bound replay so
	// only the post-snapshot edit is applied.
	r.writeFile(t, "f.txt", "one\n")
	r.recordFull(t, "f.txt", "draft", time.Now().UnixNano())
	r.recordFull(t, "f.txt", "one\n", time.Now().UnixNano())

	created, err := r.engine.CaptureSnapshot("anchor", []string{"f.txt"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	r.recordFull(t, "f.txt", "one\ntwo", time.Now().UnixNano())

	res, err := r.engine.Rebuild("f.txt", time.Now().UnixNano())
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", res.Content)
	assert.Equal(t, 1, res.PatchesApplied, "anchor should bound replay to post-snapshot records")

	// Exactly at the snapshot time the content is the snapshot's,
	// verbatim, with nothing replayed.
	res, err = r.engine.Rebuild("f.txt", snaps[0].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, "one\n", res.Content)
	assert.Equal(t, 0, res.PatchesApplied)
	assert.Equal(t, snaps[0].Timestamp, res.Timestamp)
}

func TestVerify(t *testing.T) {
	r := newTestRig(t, Options{})

	r.recordFull(t, "v.go", "first", 100)
	r.recordFull(t, "v.go", "second", 200)

	assert.True(t, r.engine.Verify("v.go", 150, "first"))
	assert.True(t, r.engine.Verify("v.go", 200, "second"))
	assert.False(t, r.engine.Verify("v.go", 150, "second"))
	assert.False(t, r.engine.Verify("missing.go", 150, "anything"))
}

func TestCaptureAndReadBack(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "x.txt", "hello")
	created, err := r.engine.CaptureSnapshot("first", []string{"x.txt"})
	require.NoError(t, err)
	require.True(t, created)

	r.writeFile(t, "x.txt", "hello world")
	created, err = r.engine.CaptureSnapshot("second", []string{"x.txt"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "first", snaps[0].Description)
	assert.Equal(t, "second", snaps[1].Description)

	content, ok, err := r.engine.GetFileContentAtSnapshot(snaps[0].ID, "x.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", content)

	content, ok, err = r.engine.GetFileContentAtSnapshot(snaps[1].ID, "x.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", content)
}

func TestCaptureIsIdempotent(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "x.txt", "stable content")
	created, err := r.engine.CaptureSnapshot("first", []string{"x.txt"})
	require.NoError(t, err)
	require.True(t, created)

	created, err = r.engine.CaptureSnapshot("again", []string{"x.txt"})
	require.NoError(t, err)
	assert.False(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, uint64(1), r.metrics.CapturesSkippedTotal.Value())
}

func TestCaptureOmitsDeletedFiles(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "keep.txt", "kept")
	r.writeFile(t, "gone.txt", "doomed")
	created, err := r.engine.CaptureSnapshot("both", nil)
	require.NoError(t, err)

	// Capture with no explicit paths needs a tracked set first.
	if !created {
		created, err = r.engine.CaptureSnapshot("both", []string{"keep.txt", "gone.txt"})
		require.NoError(t, err)
	}
	require.True(t, created)

	require.NoError(t, os.Remove(filepath.Join(r.root, "gone.txt")))
	require.NoError(t, r.engine.RecordDelete("gone.txt", time.Now().UnixNano()))
	r.writeFile(t, "keep.txt", "kept v2")

	created, err = r.engine.CaptureSnapshot("after delete", []string{"keep.txt", "gone.txt"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	paths, err := r.engine.GetSnapshotFiles(snaps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, paths)

	_, ok, err := r.engine.GetFileContentAtSnapshot(snaps[1].ID, "gone.txt")
	require.NoError(t, err)
	assert.False(t, ok, "deleted file must read as absent, not stale content")
}

func TestGetSnapshotFilesUnknownID(t *testing.T) {
	r := newTestRig(t, Options{})

	_, err := r.engine.GetSnapshotFiles(uuid.NewString())
	assert.ErrorIs(t, err, ErrNoHistory)

	_, err = r.engine.GetSnapshotFiles("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetAvailableTimestamps(t *testing.T) {
	r := newTestRig(t, Options{})

	r.recordFull(t, "t.go", "a", 100)
	r.recordFull(t, "t.go", "b", 300)

	r.writeFile(t, "t.go", "on disk")
	created, err := r.engine.CaptureSnapshot("snap", []string{"t.go"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	timestamps, err := r.engine.GetAvailableTimestamps("t.go")
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 300, snaps[0].Timestamp}, timestamps)
}

func TestClearHistory(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "c.txt", "content")
	r.recordFull(t, "c.txt", "content", 100)
	created, err := r.engine.CaptureSnapshot("pre-clear", []string{"c.txt"})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, r.engine.ClearHistory())

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = r.engine.Rebuild("c.txt", time.Now().UnixNano())
	assert.ErrorIs(t, err, ErrNoHistory)

	timestamps, err := r.engine.GetAvailableTimestamps("c.txt")
	require.NoError(t, err)
	assert.Empty(t, timestamps)
}

func TestDisabledEngineDropsWrites(t *testing.T) {
	r := newTestRig(t, Options{})

	r.engine.SetEnabled(false)
	assert.False(t, r.engine.Enabled())

	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind:      EditFullReplace,
		Path:      "d.txt",
		Timestamp: 100,
		Content:   "ignored",
	}))
	_, err := r.engine.Rebuild("d.txt", 100)
	assert.ErrorIs(t, err, ErrNoHistory)

	r.writeFile(t, "d.txt", "ignored")
	created, err := r.engine.CaptureSnapshot("ignored", []string{"d.txt"})
	require.NoError(t, err)
	assert.False(t, created)

	r.engine.SetEnabled(true)
	assert.True(t, r.engine.Enabled())
}

func TestArchivePersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(root, ".ctm", "blobs.ctmb")

	elog, err := eventlog.Open(filepath.Join(root, ".ctm", "events.db"), time.Minute, nil)
	require.NoError(t, err)
	defer elog.Close()

	sessions := session.NewManager(elog, root, time.Minute, nil)
	opts := Options{Root: root, ArchivePath: archive}

	first, err := New(opts, elog, sessions, metrics.NewEngineMetrics(metrics.NewRegistry("test1", "")), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "p.txt"), []byte("persisted"), 0o644))
	created, err := first.CaptureSnapshot("persist", []string{"p.txt"})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, first.Close())

	second, err := New(opts, elog, sessions, metrics.NewEngineMetrics(metrics.NewRegistry("test2", "")), nil)
	require.NoError(t, err)
	defer second.Close()

	snaps, err := second.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	content, ok, err := second.GetFileContentAtSnapshot(snaps[0].ID, "p.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", content)
}

func TestExportSnapshot(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "src/main.go", "package main\n")
	r.writeFile(t, "README.md", "# readme\n")
	created, err := r.engine.CaptureSnapshot("export me", []string{"src/main.go", "README.md"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	dest := filepath.Join(t.TempDir(), "export")
	manifest, err := r.engine.ExportSnapshot(snaps[0].ID, dest)
	require.NoError(t, err)

	assert.Equal(t, snaps[0].ID, manifest.SnapshotID)
	assert.Equal(t, "export me", manifest.Description)
	assert.Equal(t, 2, manifest.FileCount)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, "README.md", manifest.Files[0].Path)
	assert.Equal(t, "src/main.go", manifest.Files[1].Path)

	data, err := os.ReadFile(filepath.Join(dest, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, err = os.Stat(filepath.Join(dest, "manifest.json"))
	require.NoError(t, err)
}

func TestExportUnknownSnapshot(t *testing.T) {
	r := newTestRig(t, Options{})

	_, err := r.engine.ExportSnapshot(uuid.NewString(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestRebuildSurfacesBrokenStore(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "b.txt", "snapshotted")
	created, err := r.engine.CaptureSnapshot("broken", []string{"b.txt"})
	require.NoError(t, err)
	require.True(t, created)

	snaps, err := r.engine.ListSnapshots()
	require.NoError(t, err)

	// Drop every blob behind the snapshot's back; the rebuild must surface
	// the store integrity failure rather than fabricate content.
	r.engine.blobs.GarbageCollect(nil)

	_, err = r.engine.Rebuild("b.txt", snaps[0].Timestamp)
	require.Error(t, err)
	assert.ErrorIs(t, err, blobstore.ErrBlobNotFound)
	assert.NotErrorIs(t, err, ErrNoHistory)
}
