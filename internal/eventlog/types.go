// Package eventlog provides the SQLite-backed history log: sessions,
// snapshots, and patch records, appended in memory and flushed to disk on an
// interval.
package eventlog

import (
	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/hashing"
)

// Session is one tracked editing session.
type Session struct {
	ID           string
	StartedAt    int64
	LastActivity int64
	Active       bool
	Repo         string
	Branch       string
}

// Snapshot is a point-in-time capture of the tracked workspace. Files maps
// each captured path to the content hash held by the blob store. Snapshots
// never change once written, except for their description.
type Snapshot struct {
	ID          string
	Timestamp   int64
	Description string
	Files       map[string]hashing.ContentHash
}

// Cursor is an optional caret position attached to a patch record.
type Cursor struct {
	Line   int
	Column int
}

// PatchRecord is one captured edit step for a file. BaseContent is the exact
// text the script was produced against; replay falls back to it when a script
// no longer applies cleanly.
type PatchRecord struct {
	ID          string
	SessionID   string
	Path        string
	Script      *diffcodec.EditScript
	BaseContent string
	Timestamp   int64
	Cursor      *Cursor
}
