package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/hashing"
	"github.com/mehsaandev/code-time-machine/internal/logging"
)

// Flush cadence bounds. Values outside the range are clamped, never rejected.
const (
	DefaultFlushInterval = 2 * time.Second
	MinFlushInterval     = 1 * time.Second
	MaxFlushInterval     = 60 * time.Second
)

// Schema versions:
//
//	0 - pre-versioned database, treated as fresh
//	1 - initial layout: sessions, snapshots, snapshot_files, patch_records
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    started_at_ns     INTEGER NOT NULL,
    last_activity_ns  INTEGER NOT NULL,
    active            INTEGER NOT NULL DEFAULT 1,
    repo              TEXT,
    branch            TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(active);

CREATE TABLE IF NOT EXISTS snapshots (
    id              TEXT PRIMARY KEY,
    timestamp_ns    INTEGER NOT NULL,
    description     TEXT
);

CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp_ns);

CREATE TABLE IF NOT EXISTS snapshot_files (
    snapshot_id     TEXT NOT NULL REFERENCES snapshots(id),
    path            TEXT NOT NULL,
    hash            TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, path)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_files_path ON snapshot_files(path);

CREATE TABLE IF NOT EXISTS patch_records (
    id              TEXT PRIMARY KEY,
    session_id      TEXT REFERENCES sessions(id),
    path            TEXT NOT NULL,
    script          TEXT NOT NULL,
    base_content    TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    cursor_line     INTEGER,
    cursor_column   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_patch_path_ts ON patch_records(path, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_patch_session ON patch_records(session_id);
`

// ErrClosed is returned by appends after Close.
var ErrClosed = errors.New("eventlog: log is closed")

// Ping verifies the underlying database connection is alive.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Log is the append-only history log. Appends land in in-memory buffers and a
// background ticker writes them out in one transaction per interval; Close and
// Flush force the write. Queries flush first, so the owning process always
// sees its own appends. A crash between flushes loses at most the buffered
// tail; flushed history is unaffected.
type Log struct {
	db  *sql.DB
	log *logging.Logger

	mu               sync.Mutex
	closed           bool
	pendingSessions  []*Session
	pendingSnapshots []*Snapshot
	pendingPatches   []*PatchRecord
	pendingActivity  map[string]int64

	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
}

// Open opens or creates the log database at path and starts the flush loop.
// A nil logger falls back to the process default.
func Open(path string, flushInterval time.Duration, log *logging.Logger) (*Log, error) {
	if log == nil {
		log = logging.Default().WithComponent("eventlog")
	}
	if flushInterval == 0 {
		flushInterval = DefaultFlushInterval
	}
	if flushInterval < MinFlushInterval {
		flushInterval = MinFlushInterval
	}
	if flushInterval > MaxFlushInterval {
		flushInterval = MaxFlushInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite allows a single writer; more connections only trade
	// correctness for SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:            db,
		log:           log,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	// Incremental migrations gate on version here as the schema grows.

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// Close flushes pending appends and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	flushErr := l.Flush()

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return flushErr
}

func (l *Log) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Error("periodic flush failed", "error", err)
			}
		case <-l.done:
			return
		}
	}
}

// Flush writes all buffered appends in a single transaction. On failure the
// batch is requeued ahead of newer appends so a later flush retries it.
func (l *Log) Flush() error {
	l.mu.Lock()
	sessions := l.pendingSessions
	snapshots := l.pendingSnapshots
	patches := l.pendingPatches
	activity := l.pendingActivity
	l.pendingSessions = nil
	l.pendingSnapshots = nil
	l.pendingPatches = nil
	l.pendingActivity = nil
	l.mu.Unlock()

	if len(sessions) == 0 && len(snapshots) == 0 && len(patches) == 0 && len(activity) == 0 {
		return nil
	}

	if err := l.writeBatch(sessions, snapshots, patches, activity); err != nil {
		l.mu.Lock()
		l.pendingSessions = append(sessions, l.pendingSessions...)
		l.pendingSnapshots = append(snapshots, l.pendingSnapshots...)
		l.pendingPatches = append(patches, l.pendingPatches...)
		for id, ts := range activity {
			if l.pendingActivity == nil {
				l.pendingActivity = make(map[string]int64)
			}
			if ts > l.pendingActivity[id] {
				l.pendingActivity[id] = ts
			}
		}
		l.mu.Unlock()
		return err
	}

	return nil
}

func (l *Log) writeBatch(sessions []*Session, snapshots []*Snapshot, patches []*PatchRecord, activity map[string]int64) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	// Sessions first: patch records may reference a session appended in the
	// same batch.
	for _, s := range sessions {
		if err := insertSession(tx, s); err != nil {
			return err
		}
	}
	for _, s := range snapshots {
		if err := insertSnapshot(tx, s); err != nil {
			return err
		}
	}
	for _, p := range patches {
		if err := insertPatch(tx, p); err != nil {
			return err
		}
	}
	// Activity stamps last: the stamped session may have been inserted in
	// this same batch. A stamp for an unknown session is dropped silently;
	// the row was cleared out from under the buffer.
	for id, ts := range activity {
		if _, err := tx.Exec(`UPDATE sessions SET last_activity_ns = ? WHERE id = ? AND last_activity_ns < ?`, ts, id, ts); err != nil {
			return fmt.Errorf("update session activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush transaction: %w", err)
	}

	l.log.Debug("flushed pending appends",
		"sessions", len(sessions),
		"snapshots", len(snapshots),
		"patches", len(patches),
		"activity", len(activity))

	return nil
}

func insertSession(tx *sql.Tx, s *Session) error {
	if _, err := tx.Exec(`
		INSERT INTO sessions (id, started_at_ns, last_activity_ns, active, repo, branch)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt, s.LastActivity, s.Active, s.Repo, s.Branch,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func insertSnapshot(tx *sql.Tx, s *Snapshot) error {
	if _, err := tx.Exec(`
		INSERT INTO snapshots (id, timestamp_ns, description)
		VALUES (?, ?, ?)`,
		s.ID, s.Timestamp, s.Description,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_files (snapshot_id, path, hash)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot file statement: %w", err)
	}
	defer stmt.Close()

	for path, hash := range s.Files {
		if _, err := stmt.Exec(s.ID, path, string(hash)); err != nil {
			return fmt.Errorf("insert snapshot file: %w", err)
		}
	}

	return nil
}

func insertPatch(tx *sql.Tx, p *PatchRecord) error {
	script, err := p.Script.Encode()
	if err != nil {
		return fmt.Errorf("encode patch script: %w", err)
	}

	var sessionID any
	if p.SessionID != "" {
		sessionID = p.SessionID
	}

	var line, column any
	if p.Cursor != nil {
		line, column = p.Cursor.Line, p.Cursor.Column
	}

	if _, err := tx.Exec(`
		INSERT INTO patch_records (id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, sessionID, p.Path, string(script), p.BaseContent, p.Timestamp, line, column,
	); err != nil {
		return fmt.Errorf("insert patch record: %w", err)
	}

	return nil
}

// AppendSession buffers a new session row.
func (l *Log) AppendSession(s *Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.pendingSessions = append(l.pendingSessions, s)
	return nil
}

// AppendSnapshot buffers a new snapshot and its file map.
func (l *Log) AppendSnapshot(s *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.pendingSnapshots = append(l.pendingSnapshots, s)
	return nil
}

// AppendPatch buffers a new patch record.
func (l *Log) AppendPatch(p *PatchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.pendingPatches = append(l.pendingPatches, p)
	return nil
}

// UpdateSessionActivity stamps a session's last-activity time. Stamps are
// buffered like appends, latest wins per session, and reach the database with
// the next flush. This keeps the per-edit hot path off the disk.
func (l *Log) UpdateSessionActivity(id string, ts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.pendingActivity == nil {
		l.pendingActivity = make(map[string]int64)
	}
	if ts > l.pendingActivity[id] {
		l.pendingActivity[id] = ts
	}
	return nil
}

// EndSession marks a session inactive. Ending an already-ended session is a
// no-op.
func (l *Log) EndSession(id string, ts int64) error {
	if err := l.Flush(); err != nil {
		return err
	}

	result, err := l.db.Exec(`UPDATE sessions SET active = 0, last_activity_ns = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// UpdateSnapshotDescription renames a snapshot. The only mutable snapshot
// field.
func (l *Log) UpdateSnapshotDescription(id, description string) error {
	if err := l.Flush(); err != nil {
		return err
	}

	result, err := l.db.Exec(`UPDATE snapshots SET description = ? WHERE id = ?`, description, id)
	if err != nil {
		return fmt.Errorf("update snapshot description: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("snapshot not found: %s", id)
	}

	return nil
}

// DeleteSnapshot removes a snapshot and its file map. Used by retention
// eviction; patch records are never deleted this way.
func (l *Log) DeleteSnapshot(id string) error {
	if err := l.Flush(); err != nil {
		return err
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshot_files WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot files: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("snapshot not found: %s", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}

	return nil
}

// Clear removes all history: sessions, snapshots, and patch records, buffered
// or flushed.
func (l *Log) Clear() error {
	l.mu.Lock()
	l.pendingSessions = nil
	l.pendingSnapshots = nil
	l.pendingPatches = nil
	l.pendingActivity = nil
	l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM patch_records`,
		`DELETE FROM snapshot_files`,
		`DELETE FROM snapshots`,
		`DELETE FROM sessions`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear transaction: %w", err)
	}

	return nil
}

// Snapshots returns all snapshots in chronological order, without file maps.
func (l *Log) Snapshots() ([]Snapshot, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, timestamp_ns, description
		FROM snapshots
		ORDER BY timestamp_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.Description); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snapshots, nil
}

// SnapshotByID returns one snapshot with its file map, or nil when absent.
func (l *Log) SnapshotByID(id string) (*Snapshot, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	return l.querySnapshot(`
		SELECT id, timestamp_ns, description
		FROM snapshots WHERE id = ?`, id)
}

// LatestSnapshot returns the most recent snapshot with its file map, or nil
// when the log holds none.
func (l *Log) LatestSnapshot() (*Snapshot, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	return l.querySnapshot(`
		SELECT id, timestamp_ns, description
		FROM snapshots
		ORDER BY timestamp_ns DESC
		LIMIT 1`)
}

// OldestSnapshot returns the oldest snapshot with its file map, or nil when
// the log holds none.
func (l *Log) OldestSnapshot() (*Snapshot, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	return l.querySnapshot(`
		SELECT id, timestamp_ns, description
		FROM snapshots
		ORDER BY timestamp_ns ASC
		LIMIT 1`)
}

// LatestSnapshotAt returns the most recent snapshot at or before ts that
// contains path, or nil when none qualifies.
func (l *Log) LatestSnapshotAt(path string, ts int64) (*Snapshot, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	return l.querySnapshot(`
		SELECT s.id, s.timestamp_ns, s.description
		FROM snapshots s
		JOIN snapshot_files f ON f.snapshot_id = s.id
		WHERE f.path = ? AND s.timestamp_ns <= ?
		ORDER BY s.timestamp_ns DESC
		LIMIT 1`, path, ts)
}

func (l *Log) querySnapshot(query string, args ...any) (*Snapshot, error) {
	var s Snapshot
	err := l.db.QueryRow(query, args...).Scan(&s.ID, &s.Timestamp, &s.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	files, err := l.snapshotFiles(s.ID)
	if err != nil {
		return nil, err
	}
	s.Files = files

	return &s, nil
}

func (l *Log) snapshotFiles(id string) (map[string]hashing.ContentHash, error) {
	rows, err := l.db.Query(`
		SELECT path, hash
		FROM snapshot_files
		WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query snapshot files: %w", err)
	}
	defer rows.Close()

	files := make(map[string]hashing.ContentHash)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan snapshot file: %w", err)
		}
		files[path] = hashing.ContentHash(hash)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot files: %w", err)
	}

	return files, nil
}

// SnapshotCount returns the number of stored snapshots.
func (l *Log) SnapshotCount() (int, error) {
	if err := l.Flush(); err != nil {
		return 0, err
	}

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}

	return n, nil
}

// SnapshotFileHashes returns every distinct content hash referenced by any
// snapshot. The garbage collector's root set.
func (l *Log) SnapshotFileHashes() ([]hashing.ContentHash, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`SELECT DISTINCT hash FROM snapshot_files`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot file hashes: %w", err)
	}
	defer rows.Close()

	var hashes []hashing.ContentHash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan snapshot file hash: %w", err)
		}
		hashes = append(hashes, hashing.ContentHash(h))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot file hashes: %w", err)
	}

	return hashes, nil
}

// PatchesByPath returns every patch record for a path in chronological order.
func (l *Log) PatchesByPath(path string) ([]PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE path = ?
		ORDER BY timestamp_ns ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("query patches by path: %w", err)
	}
	defer rows.Close()

	return scanPatches(rows)
}

// PatchesByPathUpTo returns patch records for a path with timestamps at or
// before ts, in chronological order.
func (l *Log) PatchesByPathUpTo(path string, ts int64) ([]PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE path = ? AND timestamp_ns <= ?
		ORDER BY timestamp_ns ASC`, path, ts)
	if err != nil {
		return nil, fmt.Errorf("query patches up to: %w", err)
	}
	defer rows.Close()

	return scanPatches(rows)
}

// PatchesByPathBetween returns patch records for a path within the inclusive
// timestamp range, in chronological order.
func (l *Log) PatchesByPathBetween(path string, startNs, endNs int64) ([]PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE path = ? AND timestamp_ns >= ? AND timestamp_ns <= ?
		ORDER BY timestamp_ns ASC`, path, startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("query patches by range: %w", err)
	}
	defer rows.Close()

	return scanPatches(rows)
}

// PatchesBySession returns every patch record in a session in chronological
// order.
func (l *Log) PatchesBySession(sessionID string) ([]PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE session_id = ?
		ORDER BY timestamp_ns ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query patches by session: %w", err)
	}
	defer rows.Close()

	return scanPatches(rows)
}

// EarliestPatch returns the first patch record for a path, or nil when the
// path has no history.
func (l *Log) EarliestPatch(path string) (*PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	row := l.db.QueryRow(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE path = ?
		ORDER BY timestamp_ns ASC
		LIMIT 1`, path)

	r, err := scanPatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get earliest patch: %w", err)
	}

	return r, nil
}

// LatestPatch returns the most recent patch record for a path, or nil when
// the path has no history.
func (l *Log) LatestPatch(path string) (*PatchRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	row := l.db.QueryRow(`
		SELECT id, session_id, path, script, base_content, timestamp_ns, cursor_line, cursor_column
		FROM patch_records
		WHERE path = ?
		ORDER BY timestamp_ns DESC
		LIMIT 1`, path)

	r, err := scanPatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest patch: %w", err)
	}

	return r, nil
}

// PatchTimestamps returns every patch timestamp for a path in ascending
// order.
func (l *Log) PatchTimestamps(path string) ([]int64, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT timestamp_ns
		FROM patch_records
		WHERE path = ?
		ORDER BY timestamp_ns ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("query patch timestamps: %w", err)
	}
	defer rows.Close()

	var timestamps []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan patch timestamp: %w", err)
		}
		timestamps = append(timestamps, ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patch timestamps: %w", err)
	}

	return timestamps, nil
}

// SnapshotTimestampsFor returns the timestamps of every snapshot containing
// path, ascending.
func (l *Log) SnapshotTimestampsFor(path string) ([]int64, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT s.timestamp_ns
		FROM snapshots s
		JOIN snapshot_files f ON f.snapshot_id = s.id
		WHERE f.path = ?
		ORDER BY s.timestamp_ns ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("query snapshot timestamps: %w", err)
	}
	defer rows.Close()

	var timestamps []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan snapshot timestamp: %w", err)
		}
		timestamps = append(timestamps, ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot timestamps: %w", err)
	}

	return timestamps, nil
}

// PatchCount returns the total number of stored patch records.
func (l *Log) PatchCount() (int, error) {
	if err := l.Flush(); err != nil {
		return 0, err
	}

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM patch_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patch records: %w", err)
	}

	return n, nil
}

// TrackedPaths returns every path known to the log, from patch records or
// snapshots, sorted ascending.
func (l *Log) TrackedPaths() ([]string, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT path FROM patch_records
		UNION
		SELECT path FROM snapshot_files
		ORDER BY path ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tracked paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan tracked path: %w", err)
		}
		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked paths: %w", err)
	}

	return paths, nil
}

// Sessions returns all sessions ordered by start time.
func (l *Log) Sessions() ([]Session, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, started_at_ns, last_activity_ns, active, repo, branch
		FROM sessions
		ORDER BY started_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ActiveSessions returns sessions not yet ended, ordered by start time.
func (l *Log) ActiveSessions() ([]Session, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, started_at_ns, last_activity_ns, active, repo, branch
		FROM sessions
		WHERE active = 1
		ORDER BY started_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// SessionByID returns one session, or nil when absent.
func (l *Log) SessionByID(id string) (*Session, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	var s Session
	err := l.db.QueryRow(`
		SELECT id, started_at_ns, last_activity_ns, active, repo, branch
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.StartedAt, &s.LastActivity, &s.Active, &s.Repo, &s.Branch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatch(row rowScanner) (*PatchRecord, error) {
	var r PatchRecord
	var sessionID sql.NullString
	var script string
	var line, column sql.NullInt64

	if err := row.Scan(&r.ID, &sessionID, &r.Path, &script, &r.BaseContent, &r.Timestamp, &line, &column); err != nil {
		return nil, err
	}

	if sessionID.Valid {
		r.SessionID = sessionID.String
	}

	s, err := diffcodec.Decode([]byte(script))
	if err != nil {
		return nil, fmt.Errorf("decode patch script: %w", err)
	}
	r.Script = s

	if line.Valid {
		r.Cursor = &Cursor{Line: int(line.Int64), Column: int(column.Int64)}
	}

	return &r, nil
}

func scanPatches(rows *sql.Rows) ([]PatchRecord, error) {
	var records []PatchRecord

	for rows.Next() {
		r, err := scanPatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch record: %w", err)
		}
		records = append(records, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patch records: %w", err)
	}

	return records, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session

	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.LastActivity, &s.Active, &s.Repo, &s.Branch); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}
