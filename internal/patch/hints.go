package patch

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// closestBlock finds the block of lines in `lines` of the same length as
// oldLines with the smallest Levenshtein distance from it, for use as a
// "did you mean this?" hint when a hunk fails to match anywhere.
func closestBlock(lines, oldLines []string) (block string, similarity float64) {
	n := len(oldLines)
	if n == 0 || len(lines) < n {
		return "", 0
	}

	target := strings.Join(oldLines, "\n")
	best := ""
	bestSim := -1.0

	for i := 0; i <= len(lines)-n; i++ {
		candidate := strings.Join(lines[i:i+n], "\n")
		sim := stringSimilarity(candidate, target)
		if sim > bestSim {
			bestSim = sim
			best = candidate
		}
	}
	return best, bestSim
}

func stringSimilarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen, minLen := len(a), len(b)
		if minLen > maxLen {
			maxLen, minLen = minLen, maxLen
		}
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

// noMatchHint renders a ErrNoMatch hint naming the closest near-miss block,
// if one is similar enough to be worth surfacing.
func noMatchHint(lines, oldLines []string) string {
	block, sim := closestBlock(lines, oldLines)
	if block == "" || sim < 0.5 {
		return "no context in the hunk matched the file, even with whitespace fuzzing"
	}
	preview := block
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return fmt.Sprintf("no exact match found; closest candidate (%.0f%% similar): %q", sim*100, preview)
}
