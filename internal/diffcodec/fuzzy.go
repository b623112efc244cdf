package diffcodec

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FuzzyDiff computes a character-granular script transforming oldText into
// newText. The patch text carries surrounding context, so application
// tolerates minor drift in the base. The script is always valid; the same
// size budget as Diff decides the second return.
func FuzzyDiff(oldText, newText string) (*EditScript, bool) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)
	patches := dmp.PatchMake(oldText, diffs)

	script := &EditScript{Kind: ScriptFuzzy, Patch: dmp.PatchToText(patches)}
	return script, withinSizeBudget(script, len(newText))
}

// applyFuzzy applies a diff-match-patch script. Every patch region must
// report a match; one unmatched region fails the whole apply so a partially
// patched buffer is never returned.
func applyFuzzy(base, patchText string) (string, error) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", &ApplyError{Op: 0, Line: -1, Reason: fmt.Sprintf("parse patch text: %v", err)}
	}

	result, applied := dmp.PatchApply(patches, base)
	for region, ok := range applied {
		if !ok {
			return "", &ApplyError{Op: region, Line: -1, Reason: "patch region did not match base"}
		}
	}
	return result, nil
}
