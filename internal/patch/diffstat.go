package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// UnifiedDiff computes a unified-diff rendering of before -> after, labeled
// with relPath, for callers that want a human-readable preview of what a
// dry-run or applied update actually changed.
func UnifiedDiff(relPath, before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	patches := dmp.PatchMake(before, diffs)
	diffText := dmp.PatchToText(patches)
	if diffText == "" {
		return ""
	}

	var b2 strings.Builder
	if relPath != "" {
		b2.WriteString(fmt.Sprintf("--- %s\n", relPath))
		b2.WriteString(fmt.Sprintf("+++ %s\n", relPath))
	}
	b2.WriteString(diffText)
	return b2.String()
}
