package diffcodec

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// RenderOptions controls unified-diff rendering.
type RenderOptions struct {
	// Context is the number of context lines per hunk. 0 means 3.
	Context int

	// MaxBytes is a guardrail on combined input size. When exceeded, a
	// placeholder body is returned and oversize is true. 0 means no limit.
	MaxBytes int
}

// RenderUnified produces a classic unified patch (---/+++ headers, @@ hunks)
// between two buffers for human display. It is presentation only; stored
// scripts use the EditScript codecs.
func RenderUnified(fromLabel, toLabel string, oldContent, newContent []byte, opt RenderOptions) (body string, oversize bool) {
	if opt.MaxBytes > 0 && len(oldContent)+len(newContent) > opt.MaxBytes {
		return omittedBody(fromLabel, toLabel), true
	}

	ctx := opt.Context
	if ctx <= 0 {
		ctx = 3
	}

	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(string(oldContent)),
		B:        splitLinesKeepNL(string(newContent)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  ctx,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil {
		return omittedBody(fromLabel, toLabel), false
	}
	return s, false
}

// splitLinesKeepNL splits into lines keeping each trailing newline, which
// produces well-formed unified hunks. A file without a final newline keeps
// its last chunk bare.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func omittedBody(fromLabel, toLabel string) string {
	return fmt.Sprintf("--- %s\n+++ %s\n@@\n# diff omitted (oversize)\n", fromLabel, toLabel)
}
