package diffcodec

import (
	"sort"
	"strings"
)

const (
	// lookaheadWindow bounds how far the scan searches for a realignment
	// point after a mismatched line.
	lookaheadWindow = 10

	// maxScriptPercent caps the script payload cost relative to the new
	// content. Scripts at or above the cap are flagged not worth storing
	// as a delta, so a pathological diff never costs more than the content
	// outright.
	maxScriptPercent = 60

	// perOpCost charges each line op a flat overhead on top of its text
	// payload when measured against the budget.
	perOpCost = 2
)

// Diff computes a line-level edit script transforming oldText into newText.
// The script is always valid; the second return reports whether it is
// compact enough to be worth storing in place of the full new content.
//
// The scan walks both texts by line index. On a mismatch it searches up to
// lookaheadWindow lines ahead on each side for the nearest realignment,
// preferring the side that costs fewer lines and preferring insertion on a
// tie. A mismatch with no realignment in the window becomes a single line
// replacement.
func Diff(oldText, newText string) (*EditScript, bool) {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	var ops []Op
	i, j := 0, 0
	for i < len(oldLines) && j < len(newLines) {
		if oldLines[i] == newLines[j] {
			i++
			j++
			continue
		}
		insDist := realignDistance(oldLines[i], newLines, j)
		delDist := realignDistance(newLines[j], oldLines, i)
		switch {
		case insDist > 0 && (delDist == 0 || insDist <= delDist):
			for k := 0; k < insDist; k++ {
				ops = append(ops, Op{Kind: OpInsert, Line: j + k, Text: newLines[j+k]})
			}
			j += insDist
		case delDist > 0:
			for k := 0; k < delDist; k++ {
				ops = append(ops, Op{Kind: OpDelete, Line: i + k})
			}
			i += delDist
		default:
			ops = append(ops, Op{Kind: OpReplace, Line: i, Text: newLines[j]})
			i++
			j++
		}
	}
	for ; i < len(oldLines); i++ {
		ops = append(ops, Op{Kind: OpDelete, Line: i})
	}
	for ; j < len(newLines); j++ {
		ops = append(ops, Op{Kind: OpInsert, Line: j, Text: newLines[j]})
	}

	script := &EditScript{Kind: ScriptLines, Ops: ops}
	return script, withinSizeBudget(script, len(newText))
}

// realignDistance returns the smallest d in [1, lookaheadWindow] for which
// lines[from+d] equals target, or 0 when the window holds no realignment.
func realignDistance(target string, lines []string, from int) int {
	limit := lookaheadWindow
	if rest := len(lines) - from - 1; rest < limit {
		limit = rest
	}
	for d := 1; d <= limit; d++ {
		if lines[from+d] == target {
			return d
		}
	}
	return 0
}

func withinSizeBudget(s *EditScript, newSize int) bool {
	return s.SerializedSize()*100 < newSize*maxScriptPercent
}

// applyLines applies line operations in the fixed order that keeps indices
// meaningful: replacements first (length-stable), then deletions from the
// highest base line down, then insertions ascending by target line. Any
// operation addressing a line outside the current buffer fails the whole
// apply.
func applyLines(base string, ops []Op) (string, error) {
	lines := splitLines(base)

	type indexed struct {
		pos int
		op  Op
	}
	var dels, ins []indexed
	for pos, op := range ops {
		switch op.Kind {
		case OpReplace:
			if op.Line < 0 || op.Line >= len(lines) {
				return "", &ApplyError{Op: pos, Line: op.Line, Reason: "replace target out of range"}
			}
			lines[op.Line] = op.Text
		case OpDelete:
			dels = append(dels, indexed{pos, op})
		case OpInsert:
			ins = append(ins, indexed{pos, op})
		default:
			return "", &ApplyError{Op: pos, Line: op.Line, Reason: "unknown op kind"}
		}
	}

	sort.Slice(dels, func(a, b int) bool { return dels[a].op.Line > dels[b].op.Line })
	for _, d := range dels {
		if d.op.Line < 0 || d.op.Line >= len(lines) {
			return "", &ApplyError{Op: d.pos, Line: d.op.Line, Reason: "delete target out of range"}
		}
		lines = append(lines[:d.op.Line], lines[d.op.Line+1:]...)
	}

	sort.SliceStable(ins, func(a, b int) bool { return ins[a].op.Line < ins[b].op.Line })
	for _, in := range ins {
		if in.op.Line < 0 || in.op.Line > len(lines) {
			return "", &ApplyError{Op: in.pos, Line: in.op.Line, Reason: "insert target out of range"}
		}
		lines = append(lines, "")
		copy(lines[in.op.Line+1:], lines[in.op.Line:])
		lines[in.op.Line] = in.op.Text
	}

	return strings.Join(lines, "\n"), nil
}

// splitLines splits on "\n" without dropping a trailing empty segment, so
// join(split(s)) == s for every input including the empty string.
func splitLines(s string) []string {
	return strings.Split(s, "\n")
}
