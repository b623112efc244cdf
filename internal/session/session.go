// Package session manages editing-session lifecycle. A session groups the
// patch records produced during one stretch of activity; it starts on the
// first tracked edit, is stamped on every subsequent one, and rolls over to
// a fresh session once the idle timeout elapses between edits. Sessions are
// tagged with the tracked root and, best effort, the checked-out git branch.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/logging"
)

// DefaultIdleTimeout separates sessions when no edits arrive for this long.
const DefaultIdleTimeout = 30 * time.Minute

// Manager owns the active session, creating and ending rows in the event
// log as activity starts, continues, and lapses. Safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	elog        *eventlog.Log
	log         *logging.Logger
	repoRoot    string
	idleTimeout time.Duration

	current *eventlog.Session
}

// NewManager creates a session manager over the given event log. repoRoot
// tags sessions with the tracked directory; a non-positive idleTimeout
// falls back to DefaultIdleTimeout.
func NewManager(elog *eventlog.Log, repoRoot string, idleTimeout time.Duration, log *logging.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = logging.Default().WithComponent("session")
	}
	return &Manager{
		elog:        elog,
		log:         log,
		repoRoot:    repoRoot,
		idleTimeout: idleTimeout,
	}
}

// Touch records activity at ts and returns the session ID to tag the
// activity with. The first touch starts a session; a touch after the idle
// timeout ends the stale session at its last activity and starts a new one.
func (m *Manager) Touch(ts time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		idle := ts.UnixNano() - m.current.LastActivity
		if idle <= m.idleTimeout.Nanoseconds() {
			m.current.LastActivity = ts.UnixNano()
			if err := m.elog.UpdateSessionActivity(m.current.ID, ts.UnixNano()); err != nil {
				return "", err
			}
			return m.current.ID, nil
		}
		// The gap ended the old session at its last edit, not at ts.
		if err := m.endLocked(time.Unix(0, m.current.LastActivity)); err != nil {
			return "", err
		}
	}

	return m.startLocked(ts)
}

// End closes the active session at ts. Without an active session it is a
// no-op.
func (m *Manager) End(ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	return m.endLocked(ts)
}

// Active returns the current session ID, if one is open.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", false
	}
	return m.current.ID, true
}

// Current returns a copy of the active session, or nil.
func (m *Manager) Current() *eventlog.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

func (m *Manager) startLocked(ts time.Time) (string, error) {
	id, err := newID(ts)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	s := &eventlog.Session{
		ID:           id,
		StartedAt:    ts.UnixNano(),
		LastActivity: ts.UnixNano(),
		Active:       true,
		Repo:         m.repoRoot,
		Branch:       Branch(m.repoRoot),
	}
	if err := m.elog.AppendSession(s); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	m.current = s
	m.log.Info("session started", "session", id, "branch", s.Branch)
	return id, nil
}

func (m *Manager) endLocked(ts time.Time) error {
	if err := m.elog.EndSession(m.current.ID, ts.UnixNano()); err != nil {
		return err
	}

	duration := time.Duration(ts.UnixNano() - m.current.StartedAt)
	m.log.Info("session ended", "session", m.current.ID, "duration", duration.Round(time.Second).String())
	m.current = nil
	return nil
}

// newID builds a session identifier from the wall clock plus four random
// bytes, unique enough for several sessions within the same second.
func newID(ts time.Time) (string, error) {
	var randBytes [4]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", err
	}
	return ts.Format("20060102-150405") + "-" + hex.EncodeToString(randBytes[:]), nil
}

// Branch returns the branch checked out in the repository rooted at root,
// the abbreviated commit for a detached HEAD, or "" when nothing can be
// read. Purely best effort; tagging never fails a session.
func Branch(root string) string {
	if root == "" {
		return ""
	}
	head, err := os.ReadFile(filepath.Join(root, ".git", "HEAD"))
	if err != nil {
		return ""
	}

	line := strings.TrimSpace(string(head))
	if name, ok := strings.CutPrefix(line, "ref: refs/heads/"); ok {
		return name
	}
	if len(line) >= 12 {
		return line[:12]
	}
	return ""
}
