package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
)

// EditKind discriminates the closed set of edit event variants accepted at
// the boundary.
type EditKind uint8

const (
	// EditFullReplace carries the entire new content of the file.
	EditFullReplace EditKind = iota + 1
	// EditInsert inserts Content at Offset.
	EditInsert
	// EditDelete removes Length bytes starting at Offset.
	EditDelete
	// EditRangeReplace replaces Length bytes at Offset with Content.
	EditRangeReplace
)

// String returns the string representation of the edit kind.
func (k EditKind) String() string {
	switch k {
	case EditFullReplace:
		return "full-replace"
	case EditInsert:
		return "insert"
	case EditDelete:
		return "delete"
	case EditRangeReplace:
		return "range-replace"
	default:
		return "unknown"
	}
}

// EditEvent is one tagged change to a tracked file. Offset and Length are
// byte positions within the file's last known content; Timestamp is unix
// nanoseconds.
type EditEvent struct {
	Kind      EditKind
	Path      string
	Timestamp int64
	Content   string
	Offset    int
	Length    int
	Cursor    *eventlog.Cursor
}

// Validate rejects events outside the closed variant set before any state
// is touched.
func (ev *EditEvent) Validate() error {
	if ev.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if ev.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrInvalidArgument, ev.Timestamp)
	}
	if ev.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, ev.Offset)
	}
	if ev.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidArgument, ev.Length)
	}
	switch ev.Kind {
	case EditFullReplace, EditInsert, EditDelete, EditRangeReplace:
		return nil
	default:
		return fmt.Errorf("%w: unknown edit kind %d", ErrInvalidArgument, uint8(ev.Kind))
	}
}

// RecordEdit ingests one edit event: the resulting content is diffed
// against the file's last known content and appended as a patch record
// tagged with the active session. Events that change nothing are dropped.
func (e *Engine) RecordEdit(ev EditEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}

	old, known := e.lastKnown[ev.Path]
	next, err := applyEdit(old, known, ev)
	if err != nil {
		return err
	}
	if next == old {
		return nil
	}

	sessionID, err := e.touchSessionLocked(time.Unix(0, ev.Timestamp))
	if err != nil {
		return fmt.Errorf("record edit: %w", err)
	}

	// The line script always exists; a fuzzy script replaces it only when
	// the line form blows the size budget and character granularity fits.
	script, compact := diffcodec.Diff(old, next)
	if !compact {
		if fuzzy, ok := diffcodec.FuzzyDiff(old, next); ok {
			script = fuzzy
		}
	}

	rec := &eventlog.PatchRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Path:        ev.Path,
		Script:      script,
		BaseContent: old,
		Timestamp:   ev.Timestamp,
		Cursor:      ev.Cursor,
	}
	if err := e.elog.AppendPatch(rec); err != nil {
		return fmt.Errorf("record edit: %w", err)
	}

	e.lastKnown[ev.Path] = next
	e.metrics.RecordEdit()
	e.metrics.SetTrackedFiles(int64(len(e.lastKnown)))
	e.log.Debug("edit recorded", "path", ev.Path, "kind", ev.Kind.String(), "session", sessionID)
	return nil
}

// applyEdit computes the post-edit content. Incremental variants require a
// known base; offsets outside it fail as InvalidArgument.
func applyEdit(old string, known bool, ev EditEvent) (string, error) {
	switch ev.Kind {
	case EditFullReplace:
		return ev.Content, nil
	case EditInsert:
		if !known {
			return "", fmt.Errorf("%w: %s edit for untracked path %s", ErrInvalidArgument, ev.Kind, ev.Path)
		}
		if ev.Offset > len(old) {
			return "", fmt.Errorf("%w: offset %d outside content of %d bytes", ErrInvalidArgument, ev.Offset, len(old))
		}
		return old[:ev.Offset] + ev.Content + old[ev.Offset:], nil
	case EditDelete:
		if !known {
			return "", fmt.Errorf("%w: %s edit for untracked path %s", ErrInvalidArgument, ev.Kind, ev.Path)
		}
		if ev.Offset+ev.Length > len(old) {
			return "", fmt.Errorf("%w: range [%d,%d) outside content of %d bytes", ErrInvalidArgument, ev.Offset, ev.Offset+ev.Length, len(old))
		}
		return old[:ev.Offset] + old[ev.Offset+ev.Length:], nil
	case EditRangeReplace:
		if !known {
			return "", fmt.Errorf("%w: %s edit for untracked path %s", ErrInvalidArgument, ev.Kind, ev.Path)
		}
		if ev.Offset+ev.Length > len(old) {
			return "", fmt.Errorf("%w: range [%d,%d) outside content of %d bytes", ErrInvalidArgument, ev.Offset, ev.Offset+ev.Length, len(old))
		}
		return old[:ev.Offset] + ev.Content + old[ev.Offset+ev.Length:], nil
	default:
		return "", fmt.Errorf("%w: unknown edit kind %d", ErrInvalidArgument, uint8(ev.Kind))
	}
}

// RecordDelete drops a deleted file from the tracked set. Recorded history
// stays replayable; snapshots captured afterwards simply omit the path.
func (e *Engine) RecordDelete(path string, ts int64) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}
	if _, known := e.lastKnown[path]; !known {
		return nil
	}

	delete(e.lastKnown, path)
	if _, err := e.touchSessionLocked(time.Unix(0, ts)); err != nil {
		return fmt.Errorf("record delete: %w", err)
	}
	e.metrics.SetTrackedFiles(int64(len(e.lastKnown)))
	e.log.Debug("file untracked", "path", path)
	return nil
}

// RecordSave flushes buffered state the moment the editor reports a save,
// so history is durable exactly when the user expects it to be.
func (e *Engine) RecordSave(path string, ts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}
	e.log.Debug("save flush", "path", path)
	return e.flushLocked()
}

// EndSession closes the active editing session at ts and flushes pending
// state first, so no buffered edit is lost with the session.
func (e *Engine) EndSession(ts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sessions.End(time.Unix(0, ts)); err != nil {
		return err
	}
	if e.lastSession != "" {
		e.metrics.SessionEnded()
		e.lastSession = ""
	}
	return e.flushLocked()
}

// touchSessionLocked stamps session activity and maintains the active
// session gauge across rollovers.
func (e *Engine) touchSessionLocked(ts time.Time) (string, error) {
	id, err := e.sessions.Touch(ts)
	if err != nil {
		return "", err
	}
	if id != e.lastSession {
		if e.lastSession != "" {
			e.metrics.SessionEnded()
		}
		e.metrics.SessionStarted()
		e.lastSession = id
	}
	return id, nil
}
