// Package diffcodec produces and applies reversible edit scripts between two
// text buffers.
//
// Two codec modes share one script container. Line mode emits line-level
// insert/delete/replace operations found by a bounded-lookahead scan; it is
// the storage workhorse for save-to-save deltas. Fuzzy mode wraps
// diff-match-patch character patches that tolerate small base drift; it is
// used for sub-line edits captured during live typing. Both modes obey the
// same law: applying a script to the exact base that produced it yields the
// target byte-for-byte.
package diffcodec

import (
	"encoding/json"
	"fmt"
)

// ScriptKind discriminates the codec mode of an EditScript.
type ScriptKind uint8

const (
	// ScriptLines is the line-operation codec.
	ScriptLines ScriptKind = iota + 1
	// ScriptFuzzy is the character-granular diff-match-patch codec.
	ScriptFuzzy
)

// String returns the string representation of the script kind.
func (k ScriptKind) String() string {
	switch k {
	case ScriptLines:
		return "lines"
	case ScriptFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// OpKind identifies a line operation.
type OpKind uint8

const (
	// OpInsert inserts Text at Line in the target coordinate space.
	OpInsert OpKind = iota + 1
	// OpDelete removes the base line at Line.
	OpDelete
	// OpReplace overwrites the base line at Line with Text.
	OpReplace
)

// String returns the string representation of the op kind.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Op is a single line operation. Replace and Delete address lines of the
// base text; Insert addresses the position the line occupies in the result.
// JSON keys are deliberately short: encoded scripts compete against full
// content under the codec's size threshold.
type Op struct {
	Kind OpKind `json:"k"`
	Line int    `json:"l"`
	Text string `json:"t,omitempty"`
}

// EditScript is a serialized edit between two text buffers. Exactly one of
// Ops (line mode) or Patch (fuzzy mode) carries the payload.
type EditScript struct {
	Kind  ScriptKind `json:"kind"`
	Ops   []Op       `json:"ops,omitempty"`
	Patch string     `json:"patch,omitempty"`
}

// Encode serializes the script for storage.
func (s *EditScript) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode script: %w", err)
	}
	return data, nil
}

// Decode parses a stored script.
func Decode(data []byte) (*EditScript, error) {
	var s EditScript
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	switch s.Kind {
	case ScriptLines, ScriptFuzzy:
	default:
		return nil, fmt.Errorf("decode script: unknown kind %d", s.Kind)
	}
	return &s, nil
}

// SerializedSize is the encoded byte length of the script.
func (s *EditScript) SerializedSize() int {
	data, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return len(data)
}

// IsEmpty reports whether the script performs no edits.
func (s *EditScript) IsEmpty() bool {
	return len(s.Ops) == 0 && s.Patch == ""
}

// ApplyError reports the first script operation that could not be applied to
// the given base. Op is the operation index in line mode and the patch region
// index in fuzzy mode; Line is -1 for fuzzy regions.
type ApplyError struct {
	Op     int
	Line   int
	Reason string
}

func (e *ApplyError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("apply op %d at line %d: %s", e.Op, e.Line, e.Reason)
	}
	return fmt.Sprintf("apply region %d: %s", e.Op, e.Reason)
}

// Apply transforms base with the script. It is the exact inverse of the
// producing Diff call when base matches the original old text; a mismatched
// base surfaces as an *ApplyError, never as partial output.
func Apply(base string, s *EditScript) (string, error) {
	switch s.Kind {
	case ScriptLines:
		return applyLines(base, s.Ops)
	case ScriptFuzzy:
		return applyFuzzy(base, s.Patch)
	default:
		return "", fmt.Errorf("apply script: unknown kind %d", s.Kind)
	}
}
