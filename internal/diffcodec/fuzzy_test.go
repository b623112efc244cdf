package diffcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fuzzyBase = `The quick brown fox jumps over the lazy dog.
Pack my box with five dozen liquor jugs.
How vexingly quick daft zebras jump.
Sphinx of black quartz, judge my vow.
The five boxing wizards jump quickly.`

func TestFuzzyDiffApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
	}{
		{"word replaced", fuzzyBase, strings.Replace(fuzzyBase, "brown fox", "crimson fox", 1)},
		{"characters deleted", fuzzyBase, strings.Replace(fuzzyBase, "vexingly ", "", 1)},
		{"sentence inserted", fuzzyBase, fuzzyBase + "\nJackdaws love my big sphinx of quartz."},
		{"no change", fuzzyBase, fuzzyBase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, ok := FuzzyDiff(tt.old, tt.new)
			require.True(t, ok, "expected a storable script")
			require.Equal(t, ScriptFuzzy, script.Kind)

			got, err := Apply(tt.old, script)
			require.NoError(t, err)
			assert.Equal(t, tt.new, got)
		})
	}
}

func TestFuzzyApplyToleratesDistantDrift(t *testing.T) {
	new := strings.Replace(fuzzyBase, "brown fox", "crimson fox", 1)
	script, ok := FuzzyDiff(fuzzyBase, new)
	require.True(t, ok)

	// The base drifted far from the patched region; fuzzy matching must
	// still place the edit.
	drifted := strings.Replace(fuzzyBase, "boxing wizards", "fencing wizards", 1)
	got, err := Apply(drifted, script)
	require.NoError(t, err)
	assert.Contains(t, got, "crimson fox")
	assert.Contains(t, got, "fencing wizards")
}

func TestFuzzyApplyReportsUnmatchedRegion(t *testing.T) {
	new := strings.Replace(fuzzyBase, "brown fox", "crimson fox", 1)
	script, ok := FuzzyDiff(fuzzyBase, new)
	require.True(t, ok)

	_, err := Apply(strings.Repeat("z", 400), script)
	require.Error(t, err)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, -1, applyErr.Line)
}

func TestFuzzyApplyRejectsGarbagePatchText(t *testing.T) {
	_, err := Apply(fuzzyBase, &EditScript{Kind: ScriptFuzzy, Patch: "@@ not a patch"})
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
}

func TestFuzzyDiffFlagsOversizeScript(t *testing.T) {
	script, ok := FuzzyDiff("short", "completely unrelated replacement text")
	assert.False(t, ok, "script should not be worth storing as a delta")

	require.NotNil(t, script)
	got, err := Apply("short", script)
	require.NoError(t, err)
	assert.Equal(t, "completely unrelated replacement text", got)
}
