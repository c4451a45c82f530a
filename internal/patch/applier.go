package patch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	defaultMaxPatchSize = 1 << 20  // 1 MiB, per spec §4.4
	defaultMaxFileSize  = 10 << 20 // 10 MiB, per spec §4.4
)

// ApplierOptions bounds the sizes the applier will accept, per spec §4.4.
type ApplierOptions struct {
	MaxPatchSize int
	MaxFileSize  int
	DryRun       bool
}

func (o ApplierOptions) withDefaults() ApplierOptions {
	if o.MaxPatchSize <= 0 {
		o.MaxPatchSize = defaultMaxPatchSize
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaultMaxFileSize
	}
	return o
}

// Applier applies ParsedPatch values atomically relative to a Sandbox.
type Applier struct {
	sb   *sandbox.Sandbox
	opts ApplierOptions
}

// NewApplier constructs an Applier confined to sb.
func NewApplier(sb *sandbox.Sandbox, opts ApplierOptions) *Applier {
	return &Applier{sb: sb, opts: opts.withDefaults()}
}

// Apply runs the patch's operation against the sandboxed filesystem,
// returning a types.PatchResult describing the outcome. It never panics on
// a malformed patch; all failure paths are reported through the result.
func (a *Applier) Apply(p *types.ParsedPatch, envelopeSize int) *types.PatchResult {
	if envelopeSize > a.opts.MaxPatchSize {
		return errResult(p, ErrPatchTooLarge)
	}

	rel, abs, err := a.sb.Resolve(p.Path)
	if err != nil {
		return errResult(p, err)
	}
	if !a.sb.IsAllowed(rel) {
		return errResult(p, fmt.Errorf("%w: %s", sandbox.ErrDisallowedExtension, rel))
	}

	switch p.Op {
	case types.PatchAdd:
		return a.applyAdd(p, abs)
	case types.PatchDelete:
		return a.applyDelete(p, abs)
	case types.PatchUpdate:
		return a.applyUpdate(p, rel, abs)
	default:
		return errResult(p, fmt.Errorf("unknown patch op %q", p.Op))
	}
}

func (a *Applier) applyAdd(p *types.ParsedPatch, abs string) *types.PatchResult {
	if _, err := os.Stat(abs); err == nil {
		return errResult(p, ErrTargetExists)
	} else if !os.IsNotExist(err) {
		return errResult(p, err)
	}

	content := []byte(p.AddContent)
	if len(content) > a.opts.MaxFileSize {
		return errResult(p, ErrFileTooLarge)
	}

	if a.opts.DryRun {
		return okResult(p, 1, countNonEmptyLines(p.AddContent), 0, true, nil, "")
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errResult(p, err)
	}
	if err := atomicWrite(abs, content, 0o644); err != nil {
		return errResult(p, err)
	}
	return okResult(p, 1, countNonEmptyLines(p.AddContent), 0, false, nil, "")
}

func (a *Applier) applyDelete(p *types.ParsedPatch, abs string) *types.PatchResult {
	info, err := os.Stat(abs)
	if err != nil {
		return errResult(p, ErrTargetMissing)
	}
	if !info.Mode().IsRegular() {
		return errResult(p, ErrNotRegularFile)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return errResult(p, err)
	}
	if bytes.ContainsRune(data, 0) {
		return errResult(p, ErrContainsNUL)
	}

	if a.opts.DryRun {
		return okResult(p, 1, 0, countLines(data), true, nil, "")
	}
	if err := os.Remove(abs); err != nil {
		return errResult(p, err)
	}
	return okResult(p, 1, 0, countLines(data), false, nil, "")
}

func (a *Applier) applyUpdate(p *types.ParsedPatch, rel, abs string) *types.PatchResult {
	info, err := os.Stat(abs)
	if err != nil {
		return errResult(p, ErrTargetMissing)
	}
	if !info.Mode().IsRegular() {
		return errResult(p, ErrNotRegularFile)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return errResult(p, err)
	}
	if bytes.ContainsRune(raw, 0) {
		return errResult(p, ErrContainsNUL)
	}

	bom := []byte{}
	body := raw
	if bytes.HasPrefix(raw, utf8BOM) {
		bom = utf8BOM
		body = raw[len(utf8BOM):]
	}

	ending := detectLineEnding(body)
	lines := splitLines(body, ending)

	fuzz := 0
	cursor := 0
	linesAdded, linesRemoved := 0, 0

	for _, h := range p.Hunks {
		res, err := MatchHunk(lines, h.OldLines, cursor, h.IsEOF, h.ScopeLines)
		if err != nil {
			hint := hintFor(err)
			if isErr(err, ErrNoMatch) {
				hint = noMatchHint(lines, h.OldLines)
			}
			return errResultWithHint(p, err, hint)
		}
		if res.Fuzz > fuzz {
			fuzz = res.Fuzz
		}

		lines = append(lines[:res.Start], append(append([]string{}, h.NewLines...), lines[res.End:]...)...)
		cursor = res.Start + len(h.NewLines)
		linesAdded += h.LinesAdded
		linesRemoved += h.LinesRemoved
	}

	newBody := joinLines(lines, ending)
	out := append(append([]byte{}, bom...), newBody...)

	if len(out) > a.opts.MaxFileSize {
		return errResult(p, ErrFileTooLarge)
	}

	targetAbs := abs
	movedFrom := ""
	if p.MoveTo != "" {
		_, moveAbs, err := a.sb.Resolve(p.MoveTo)
		if err != nil {
			return errResult(p, err)
		}
		targetAbs = moveAbs
		movedFrom = rel
	}

	if a.opts.DryRun {
		return okResult(p, len(p.Hunks), linesAdded, linesRemoved, true, &fuzz, movedFrom)
	}

	if targetAbs != abs {
		if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
			return errResult(p, err)
		}
		if err := atomicWrite(targetAbs, out, info.Mode().Perm()); err != nil {
			return errResult(p, err)
		}
		if err := os.Remove(abs); err != nil {
			// Restore pre-move state: remove the newly-written target and
			// surface the original unlink failure.
			_ = os.Remove(targetAbs)
			return errResult(p, fmt.Errorf("move-with-update: failed to remove original after write: %w", err))
		}
		return okResult(p, len(p.Hunks), linesAdded, linesRemoved, false, &fuzz, movedFrom)
	}

	if err := atomicWrite(abs, out, info.Mode().Perm()); err != nil {
		return errResult(p, err)
	}
	return okResult(p, len(p.Hunks), linesAdded, linesRemoved, false, &fuzz, "")
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type lineEnding int

const (
	endingLF lineEnding = iota
	endingCRLF
	endingCR
)

func detectLineEnding(body []byte) lineEnding {
	crlf := bytes.Count(body, []byte("\r\n"))
	lf := bytes.Count(body, []byte("\n")) - crlf
	cr := bytes.Count(body, []byte("\r")) - crlf
	if crlf >= lf && crlf >= cr && crlf > 0 {
		return endingCRLF
	}
	if cr > lf {
		return endingCR
	}
	return endingLF
}

func splitLines(body []byte, ending lineEnding) []string {
	s := string(body)
	switch ending {
	case endingCRLF:
		s = strings.ReplaceAll(s, "\r\n", "\n")
	case endingCR:
		s = strings.ReplaceAll(s, "\r", "\n")
	}
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinLines(lines []string, ending lineEnding) []byte {
	joined := strings.Join(lines, "\n")
	switch ending {
	case endingCRLF:
		joined = strings.ReplaceAll(joined, "\n", "\r\n")
	case endingCR:
		joined = strings.ReplaceAll(joined, "\n", "\r")
	}
	return []byte(joined)
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return bytes.Count(data, []byte("\n")) + 1
}

func countNonEmptyLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func atomicWrite(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patch-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func hintFor(err error) string {
	switch {
	case isErr(err, ErrAmbiguousContext), isErr(err, ErrAmbiguousScope):
		return "narrow the hunk's context or add a @@ scope line to disambiguate"
	case isErr(err, ErrOutOfOrderHunk):
		return "hunks must target strictly increasing positions in file order"
	case isErr(err, ErrNoMatch):
		return "no context in the hunk matched the file, even with whitespace fuzzing"
	default:
		return ""
	}
}

func isErr(err, target error) bool {
	return errors.Is(err, target)
}

func errResult(p *types.ParsedPatch, err error) *types.PatchResult {
	return errResultWithHint(p, err, hintFor(err))
}

func errResultWithHint(p *types.ParsedPatch, err error, hint string) *types.PatchResult {
	path := ""
	op := types.PatchOp("")
	if p != nil {
		path = p.Path
		op = p.Op
	}
	return &types.PatchResult{
		Status: types.PatchStatusError,
		Op:     op,
		Path:   path,
		Error:  err.Error(),
		Hint:   hint,
	}
}

func okResult(p *types.ParsedPatch, hunksApplied, added, removed int, dryRun bool, fuzz *int, movedFrom string) *types.PatchResult {
	return &types.PatchResult{
		Status:       types.PatchStatusOK,
		Op:           p.Op,
		Path:         p.Path,
		HunksApplied: hunksApplied,
		LinesAdded:   added,
		LinesRemoved: removed,
		DryRun:       dryRun,
		FuzzLevel:    fuzz,
		MovedFrom:    movedFrom,
	}
}
