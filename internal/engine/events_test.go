package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
)

func TestEditEventValidate(t *testing.T) {
	valid := EditEvent{Kind: EditFullReplace, Path: "a.go", Timestamp: 1, Content: "x"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		ev   EditEvent
	}{
		{"empty path", EditEvent{Kind: EditFullReplace, Timestamp: 1}},
		{"negative timestamp", EditEvent{Kind: EditFullReplace, Path: "a.go", Timestamp: -1}},
		{"negative offset", EditEvent{Kind: EditInsert, Path: "a.go", Timestamp: 1, Offset: -1}},
		{"negative length", EditEvent{Kind: EditDelete, Path: "a.go", Timestamp: 1, Length: -1}},
		{"zero kind", EditEvent{Path: "a.go", Timestamp: 1}},
		{"unknown kind", EditEvent{Kind: EditKind(99), Path: "a.go", Timestamp: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.ev.Validate(), ErrInvalidArgument)
		})
	}
}

func TestApplyEditVariants(t *testing.T) {
	tests := []struct {
		name  string
		old   string
		known bool
		ev    EditEvent
		want  string
	}{
		{
			name: "full replace ignores previous content",
			old:  "anything", known: true,
			ev:   EditEvent{Kind: EditFullReplace, Content: "fresh"},
			want: "fresh",
		},
		{
			name: "full replace works untracked",
			ev:   EditEvent{Kind: EditFullReplace, Content: "first"},
			want: "first",
		},
		{
			name: "insert in the middle",
			old:  "hello world", known: true,
			ev:   EditEvent{Kind: EditInsert, Offset: 5, Content: ","},
			want: "hello, world",
		},
		{
			name: "insert at end",
			old:  "abc", known: true,
			ev:   EditEvent{Kind: EditInsert, Offset: 3, Content: "d"},
			want: "abcd",
		},
		{
			name: "delete range",
			old:  "hello, world", known: true,
			ev:   EditEvent{Kind: EditDelete, Offset: 5, Length: 1},
			want: "hello world",
		},
		{
			name: "delete everything",
			old:  "gone", known: true,
			ev:   EditEvent{Kind: EditDelete, Offset: 0, Length: 4},
			want: "",
		},
		{
			name: "range replace",
			old:  "hello world", known: true,
			ev:   EditEvent{Kind: EditRangeReplace, Offset: 6, Length: 5, Content: "there"},
			want: "hello there",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyEdit(tt.old, tt.known, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyEditRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name  string
		old   string
		known bool
		ev    EditEvent
	}{
		{
			name: "insert for untracked path",
			ev:   EditEvent{Kind: EditInsert, Path: "u.go", Offset: 0, Content: "x"},
		},
		{
			name: "delete for untracked path",
			ev:   EditEvent{Kind: EditDelete, Path: "u.go", Length: 1},
		},
		{
			name: "insert past end",
			old:  "abc", known: true,
			ev: EditEvent{Kind: EditInsert, Offset: 4, Content: "x"},
		},
		{
			name: "delete past end",
			old:  "abc", known: true,
			ev: EditEvent{Kind: EditDelete, Offset: 2, Length: 2},
		},
		{
			name: "range replace past end",
			old:  "abc", known: true,
			ev: EditEvent{Kind: EditRangeReplace, Offset: 0, Length: 4, Content: "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyEdit(tt.old, tt.known, tt.ev)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestRecordEditIncrementalFlow(t *testing.T) {
	r := newTestRig(t, Options{})

	steps := []EditEvent{
		{Kind: EditFullReplace, Path: "inc.go", Timestamp: 100, Content: "hello world"},
		{Kind: EditInsert, Path: "inc.go", Timestamp: 200, Offset: 5, Content: ","},
		{Kind: EditDelete, Path: "inc.go", Timestamp: 300, Offset: 5, Length: 1},
		{Kind: EditRangeReplace, Path: "inc.go", Timestamp: 400, Offset: 6, Length: 5, Content: "there"},
	}
	for _, ev := range steps {
		require.NoError(t, r.engine.RecordEdit(ev))
	}

	res, err := r.engine.Rebuild("inc.go", 400)
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, 4, res.PatchesApplied)

	res, err = r.engine.Rebuild("inc.go", 250)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", res.Content)
}

func TestRecordEditDropsNoOps(t *testing.T) {
	r := newTestRig(t, Options{})

	ev := EditEvent{Kind: EditFullReplace, Path: "same.go", Timestamp: 100, Content: "unchanged"}
	require.NoError(t, r.engine.RecordEdit(ev))

	ev.Timestamp = 200
	require.NoError(t, r.engine.RecordEdit(ev))

	count, err := r.elog.PatchCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(1), r.metrics.EditsTotal.Value())
}

func TestRecordEditRejectsIncrementalForUntracked(t *testing.T) {
	r := newTestRig(t, Options{})

	err := r.engine.RecordEdit(EditEvent{
		Kind: EditInsert, Path: "never.go", Timestamp: 100, Offset: 0, Content: "x",
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	count, err := r.elog.PatchCount()
	require.NoError(t, err)
	assert.Zero(t, count, "rejected events must not leave records behind")
}

func TestRecordEditFallsBackToFuzzyScript(t *testing.T) {
	r := newTestRig(t, Options{})

	// A one-character change inside a long single line makes the line
	// script nearly as large as the content itself, so the character
	// granularity script wins.
	old := strings.Repeat("x", 200) + "MARKER" + strings.Repeat("x", 200)
	next := strings.Repeat("x", 200) + "MARKED" + strings.Repeat("x", 200)

	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "long.go", Timestamp: 100, Content: old,
	}))
	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "long.go", Timestamp: 200, Content: next,
	}))

	records, err := r.elog.PatchesByPath("long.go")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, diffcodec.ScriptFuzzy, records[1].Script.Kind)

	res, err := r.engine.Rebuild("long.go", 200)
	require.NoError(t, err)
	assert.Equal(t, next, res.Content)
}

func TestRecordDeleteStopsTracking(t *testing.T) {
	r := newTestRig(t, Options{})

	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "d.go", Timestamp: 100, Content: "short lived",
	}))
	require.NoError(t, r.engine.RecordDelete("d.go", 200))

	// Incremental edits need a tracked base again.
	err := r.engine.RecordEdit(EditEvent{
		Kind: EditInsert, Path: "d.go", Timestamp: 300, Offset: 0, Content: "x",
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// History before the delete stays replayable.
	res, err := r.engine.Rebuild("d.go", 500)
	require.NoError(t, err)
	assert.Equal(t, "short lived", res.Content)
}

func TestRecordDeleteUnknownPathIsNoOp(t *testing.T) {
	r := newTestRig(t, Options{})
	require.NoError(t, r.engine.RecordDelete("never-tracked.go", 100))
}

func TestEditsShareOneSession(t *testing.T) {
	r := newTestRig(t, Options{})

	base := time.Now().UnixNano()
	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "s.go", Timestamp: base, Content: "one",
	}))
	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "s.go", Timestamp: base + int64(time.Second), Content: "two",
	}))

	sessions, err := r.elog.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Active)

	records, err := r.elog.PatchesByPath("s.go")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, sessions[0].ID, records[0].SessionID)
	assert.Equal(t, sessions[0].ID, records[1].SessionID)
	assert.Equal(t, int64(1), r.metrics.ActiveSessions.Value())
}

func TestEndSessionClosesAndFlushes(t *testing.T) {
	r := newTestRig(t, Options{})

	start := time.Now().UnixNano()
	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "s.go", Timestamp: start, Content: "content",
	}))
	require.NoError(t, r.engine.EndSession(start+int64(time.Minute)))

	active, err := r.elog.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, int64(0), r.metrics.ActiveSessions.Value())

	// A later edit opens a fresh session.
	require.NoError(t, r.engine.RecordEdit(EditEvent{
		Kind: EditFullReplace, Path: "s.go", Timestamp: start + 2*int64(time.Minute), Content: "more",
	}))
	sessions, err := r.elog.Sessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRecordSaveFlushesArchive(t *testing.T) {
	r := newTestRig(t, Options{})

	r.writeFile(t, "saved.go", "on disk")
	created, err := r.engine.CaptureSnapshot("pre-save", []string{"saved.go"})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, r.engine.RecordSave("saved.go", time.Now().UnixNano()))
	assert.Positive(t, r.metrics.FlushDuration.Count())
}
