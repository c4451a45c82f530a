package patch

import (
	"fmt"
	"strings"
)

const eofFuzzPenalty = 10000

// MatchResult is the outcome of matching a single hunk against file lines.
type MatchResult struct {
	Start int // index into file lines where old_lines begins
	End   int // index one past the last matched old_lines line
	Fuzz  int
}

// MatchHunk locates old_lines within lines starting the search at or after
// start, honoring optional scope signatures and the eof flag, per spec §4.3.
func MatchHunk(lines []string, oldLines []string, start int, eof bool, scopes []string) (MatchResult, error) {
	cursor := start
	fuzz := 0

	for _, sig := range scopes {
		pos, sigFuzz, err := matchScope(lines, sig, cursor)
		if err != nil {
			return MatchResult{}, err
		}
		if sigFuzz > fuzz {
			fuzz = sigFuzz
		}
		cursor = pos + 1
	}

	if len(oldLines) == 0 {
		pos := cursor
		if eof && len(scopes) == 0 {
			pos = len(lines)
		}
		if pos < start {
			return MatchResult{}, ErrOutOfOrderHunk
		}
		return MatchResult{Start: pos, End: pos, Fuzz: fuzz}, nil
	}

	type tier struct {
		fuzz int
		eq   func(a, b string) bool
	}
	tiers := []tier{
		{0, func(a, b string) bool { return a == b }},
		{1, func(a, b string) bool { return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t") }},
		{100, func(a, b string) bool { return collapseWhitespace(a) == collapseWhitespace(b) }},
	}

	for _, t := range tiers {
		candidates := findCandidates(lines, oldLines, cursor, t.eq)
		if len(candidates) == 0 {
			continue
		}

		if eof {
			best := -1
			bestAtEOF := false
			for _, c := range candidates {
				end := c + len(oldLines)
				atEOF := end == len(lines) || (end == len(lines)-1 && lines[len(lines)-1] == "")
				if atEOF {
					if c > best {
						best = c
						bestAtEOF = true
					}
				} else if !bestAtEOF && c > best {
					best = c
				}
			}
			if best == -1 {
				continue
			}
			total := fuzz + t.fuzz
			if !bestAtEOF {
				total += eofFuzzPenalty
			}
			if best < start {
				return MatchResult{}, ErrOutOfOrderHunk
			}
			return MatchResult{Start: best, End: best + len(oldLines), Fuzz: total}, nil
		}

		if len(candidates) > 1 {
			return MatchResult{}, ambiguousContextErr(candidates)
		}
		pos := candidates[0]
		if pos < start {
			return MatchResult{}, ErrOutOfOrderHunk
		}
		return MatchResult{Start: pos, End: pos + len(oldLines), Fuzz: fuzz + t.fuzz}, nil
	}

	// Nothing matched at or after the cursor; a match before start means the
	// hunks are out of file order.
	for _, t := range tiers {
		if c := findCandidates(lines, oldLines, 0, t.eq); len(c) > 0 && c[0] < start {
			return MatchResult{}, ErrOutOfOrderHunk
		}
	}

	return MatchResult{}, ErrNoMatch
}

func findCandidates(lines, pattern []string, from int, eq func(a, b string) bool) []int {
	var out []int
	if len(pattern) == 0 || len(lines) < len(pattern) {
		return out
	}
	for i := from; i <= len(lines)-len(pattern); i++ {
		match := true
		for j, p := range pattern {
			if !eq(lines[i+j], p) {
				match = false
				break
			}
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func matchScope(lines []string, sig string, from int) (int, int, error) {
	var startsWith []int
	for i := from; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimLeft(lines[i], " \t"), sig) {
			startsWith = append(startsWith, i)
		}
	}
	if len(startsWith) == 1 {
		return startsWith[0], 0, nil
	}
	if len(startsWith) > 1 {
		return 0, 0, ErrAmbiguousScope
	}

	var contains []int
	for i := from; i < len(lines); i++ {
		if strings.Contains(lines[i], sig) {
			contains = append(contains, i)
		}
	}
	if len(contains) == 1 {
		return contains[0], 1, nil
	}
	if len(contains) > 1 {
		return 0, 0, ErrAmbiguousScope
	}
	return 0, 0, ErrNoMatch
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func ambiguousContextErr(candidates []int) error {
	shown := candidates
	if len(shown) > 5 {
		shown = shown[:5]
	}
	lineNums := make([]string, len(shown))
	for i, c := range shown {
		lineNums[i] = fmt.Sprintf("%d", c+1)
	}
	return fmt.Errorf("%w: candidate lines %s", ErrAmbiguousContext, strings.Join(lineNums, ", "))
}
