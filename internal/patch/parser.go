package patch

import (
	"fmt"
	"strings"

	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	beginSentinel = "*** begin patch"
	endSentinel   = "*** end patch"
	eofMarker     = "*** end of file"
)

// ParseOptions controls envelope parsing leniency, per spec §4.2.
type ParseOptions struct {
	// Strict requires both *** Begin Patch and *** End Patch sentinels.
	// In lenient mode (Strict=false) their absence is tolerated as long as
	// at least one recognized file-action line is present.
	Strict bool
}

// Parse parses a single-file patch envelope into a ParsedPatch.
func Parse(envelope string, opts ParseOptions) (*types.ParsedPatch, error) {
	normalized := normalizeNewlines(envelope)
	lines := strings.Split(normalized, "\n")

	beginIdx, endIdx := -1, -1
	for i, l := range lines {
		switch strings.ToLower(strings.TrimSpace(l)) {
		case beginSentinel:
			if beginIdx == -1 {
				beginIdx = i
			}
		case endSentinel:
			endIdx = i
		}
	}

	if opts.Strict && (beginIdx == -1 || endIdx == -1) {
		return nil, ErrMissingSentinel
	}

	bodyStart := 0
	if beginIdx != -1 {
		bodyStart = beginIdx + 1
	}
	bodyEnd := len(lines)
	if endIdx != -1 {
		bodyEnd = endIdx
	}
	body := lines[bodyStart:bodyEnd]

	opLine, opIdx, err := findFileAction(body)
	if err != nil {
		return nil, err
	}

	patch := &types.ParsedPatch{Op: opLine.op, Path: opLine.path}

	rest := body[opIdx+1:]

	// Optional "*** Move to: <path>" directly after the file-action line.
	if len(rest) > 0 {
		if mv, ok := parseMoveTo(rest[0]); ok {
			if patch.Op != types.PatchUpdate {
				return nil, ErrInvalidMoveTarget
			}
			patch.MoveTo = mv
			rest = rest[1:]
		}
	}

	switch patch.Op {
	case types.PatchAdd:
		content, err := parseAddBody(rest)
		if err != nil {
			return nil, err
		}
		patch.AddContent = content
	case types.PatchDelete:
		if err := validateDeleteBody(rest); err != nil {
			return nil, err
		}
	case types.PatchUpdate:
		hunks, err := parseUpdateBody(rest)
		if err != nil {
			return nil, err
		}
		if len(hunks) == 0 {
			return nil, ErrNoHunks
		}
		patch.Hunks = hunks
	}

	return patch, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

type fileAction struct {
	op   types.PatchOp
	path string
}

func findFileAction(body []string) (fileAction, int, error) {
	found := -1
	var action fileAction
	count := 0

	for i, l := range body {
		trimmed := strings.TrimSpace(l)
		lower := strings.ToLower(trimmed)
		for _, prefix := range []struct {
			kw string
			op types.PatchOp
		}{
			{"*** add file:", types.PatchAdd},
			{"*** update file:", types.PatchUpdate},
			{"*** delete file:", types.PatchDelete},
		} {
			if strings.HasPrefix(lower, prefix.kw) {
				count++
				if found == -1 {
					path := strings.TrimSpace(trimmed[len(prefix.kw):])
					action = fileAction{op: prefix.op, path: path}
					found = i
				}
			}
		}
	}

	if found == -1 {
		return fileAction{}, -1, ErrEmptyPatch
	}
	if count > 1 {
		return fileAction{}, -1, ErrMultipleOps
	}
	return action, found, nil
}

func parseMoveTo(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	const kw = "*** move to:"
	if strings.HasPrefix(lower, kw) {
		return strings.TrimSpace(trimmed[len(kw):]), true
	}
	return "", false
}

func parseAddBody(lines []string) (string, error) {
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			out = append(out, "")
			continue
		}
		if !strings.HasPrefix(l, "+") {
			return "", fmt.Errorf("%w: Add File line must start with '+': %q", ErrInvalidLine, l)
		}
		out = append(out, l[1:])
	}
	return strings.Join(out, "\n"), nil
}

func validateDeleteBody(lines []string) error {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return fmt.Errorf("%w: Delete File body must be empty, got %q", ErrInvalidLine, l)
		}
	}
	return nil
}

func parseUpdateBody(lines []string) ([]types.Hunk, error) {
	var hunks []types.Hunk
	var cur *types.Hunk
	inScopeRun := false
	sawHeader := false

	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}

	for _, l := range lines {
		switch {
		case isScopeLine(l):
			sig := strings.TrimSpace(l[2:])
			if cur == nil || !inScopeRun {
				flush()
				cur = &types.Hunk{}
				inScopeRun = true
			}
			sawHeader = true
			if sig != "" {
				cur.ScopeLines = append(cur.ScopeLines, sig)
			}
		case strings.TrimSpace(strings.ToLower(l)) == eofMarker:
			if cur == nil {
				cur = &types.Hunk{}
			}
			cur.IsEOF = true
			inScopeRun = false
		case strings.TrimSpace(l) == "":
			if !sawHeader {
				continue
			}
			inScopeRun = false
			cur.OldLines = append(cur.OldLines, "")
			cur.NewLines = append(cur.NewLines, "")
		case strings.HasPrefix(l, " "):
			if !sawHeader {
				return nil, fmt.Errorf("%w: content outside of hunk: %q", ErrInvalidLine, l)
			}
			inScopeRun = false
			content := l[1:]
			cur.OldLines = append(cur.OldLines, content)
			cur.NewLines = append(cur.NewLines, content)
		case strings.HasPrefix(l, "-"):
			if !sawHeader {
				return nil, fmt.Errorf("%w: content outside of hunk: %q", ErrInvalidLine, l)
			}
			inScopeRun = false
			cur.OldLines = append(cur.OldLines, l[1:])
			cur.LinesRemoved++
		case strings.HasPrefix(l, "+"):
			if !sawHeader {
				return nil, fmt.Errorf("%w: content outside of hunk: %q", ErrInvalidLine, l)
			}
			inScopeRun = false
			cur.NewLines = append(cur.NewLines, l[1:])
			cur.LinesAdded++
		default:
			return nil, fmt.Errorf("%w: unrecognized hunk line %q", ErrInvalidLine, l)
		}
	}
	flush()
	return hunks, nil
}

func isScopeLine(l string) bool {
	return strings.HasPrefix(l, "@@")
}
