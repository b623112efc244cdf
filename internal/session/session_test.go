package session

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehsaandev/code-time-machine/internal/eventlog"
)

var idPattern = regexp.MustCompile(`^\d{8}-\d{6}-[0-9a-f]{8}$`)

func openLog(t *testing.T) *eventlog.Log {
	t.Helper()
	elog, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { elog.Close() })
	return elog
}

func TestTouchStartsSession(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "/work/project", time.Minute, nil)

	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id, err := m.Touch(start)
	require.NoError(t, err)
	assert.Regexp(t, idPattern, id)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, id, active)

	stored, err := elog.SessionByID(id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Active)
	assert.Equal(t, start.UnixNano(), stored.StartedAt)
	assert.Equal(t, "/work/project", stored.Repo)
}

func TestTouchReusesActiveSession(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "", time.Minute, nil)

	t0 := time.Now()
	first, err := m.Touch(t0)
	require.NoError(t, err)

	second, err := m.Touch(t0.Add(10 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := elog.SessionByID(first)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, t0.Add(10*time.Second).UnixNano(), stored.LastActivity)
}

func TestIdleTimeoutRollsSession(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "", time.Minute, nil)

	t0 := time.Now()
	first, err := m.Touch(t0)
	require.NoError(t, err)

	lastEdit := t0.Add(30 * time.Second)
	_, err = m.Touch(lastEdit)
	require.NoError(t, err)

	second, err := m.Touch(t0.Add(10 * time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The stale session ended at its last edit, not at the new touch.
	old, err := elog.SessionByID(first)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.False(t, old.Active)
	assert.Equal(t, lastEdit.UnixNano(), old.LastActivity)

	fresh, err := elog.SessionByID(second)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.True(t, fresh.Active)
}

func TestEnd(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "", time.Minute, nil)

	t0 := time.Now()
	id, err := m.Touch(t0)
	require.NoError(t, err)

	stop := t0.Add(5 * time.Second)
	require.NoError(t, m.End(stop))

	_, ok := m.Active()
	assert.False(t, ok)

	stored, err := elog.SessionByID(id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
	assert.Equal(t, stop.UnixNano(), stored.LastActivity)

	// Ending again without an active session is a no-op.
	require.NoError(t, m.End(stop.Add(time.Second)))
}

func TestEndWithoutSession(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "", time.Minute, nil)
	require.NoError(t, m.End(time.Now()))
}

func TestCurrentReturnsCopy(t *testing.T) {
	elog := openLog(t)
	m := NewManager(elog, "/work/project", time.Minute, nil)

	assert.Nil(t, m.Current())

	_, err := m.Touch(time.Now())
	require.NoError(t, err)

	got := m.Current()
	require.NotNil(t, got)
	got.ID = "mutated"

	active, ok := m.Active()
	require.True(t, ok)
	assert.NotEqual(t, "mutated", active)
}

func TestBranchFromHead(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.Mkdir(gitDir, 0o755))

	tests := []struct {
		name string
		head string
		want string
	}{
		{"branch ref", "ref: refs/heads/main\n", "main"},
		{"nested branch", "ref: refs/heads/feature/delta-gc\n", "feature/delta-gc"},
		{"detached head", "a3f2c19b40de77120495cc301b2a9f13e8d4b6c1\n", "a3f2c19b40de"},
		{"garbage", "??\n", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(tc.head), 0o644))
			assert.Equal(t, tc.want, Branch(root))
		})
	}
}

func TestBranchMissingRepo(t *testing.T) {
	assert.Equal(t, "", Branch(t.TempDir()))
	assert.Equal(t, "", Branch(""))
}

func TestSessionTaggedWithBranch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	elog := openLog(t)
	m := NewManager(elog, root, time.Minute, nil)

	id, err := m.Touch(time.Now())
	require.NoError(t, err)

	stored, err := elog.SessionByID(id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "main", stored.Branch)
}
