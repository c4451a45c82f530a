package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/opencode-ai/opencode/internal/sandbox"
)

const globDescription = `Fast file pattern matching tool that works with any codebase size.

Usage:
- Supports glob patterns like "**/*.go" or "internal/**/*_test.go"
- Returns matching file paths sorted by modification time, most recent first
- Only files whose extension the sandbox allowlist accepts are returned`

const defaultMaxGlobResults = 50

// GlobTool implements FileTools' GlobFileSearch per spec §4.5.
type GlobTool struct {
	sb *sandbox.Sandbox
}

// GlobInput represents the input for the glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewGlobTool creates a new glob tool confined to sb.
func NewGlobTool(sb *sandbox.Sandbox) *GlobTool {
	return &GlobTool{sb: sb}
}

func (t *GlobTool) ID() string          { return "glob_file_search" }
func (t *GlobTool) Description() string { return globDescription }

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The glob pattern to match files against"
			},
			"path": {
				"type": "string",
				"description": "Sandbox-relative base directory to search from (default: sandbox root)"
			}
		},
		"required": ["pattern"]
	}`)
}

type globMatch struct {
	rel     string
	modTime int64
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GlobInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	baseRel := ""
	if params.Path != "" {
		rel, _, err := t.sb.Resolve(params.Path)
		if err != nil {
			return nil, err
		}
		baseRel = rel
	}
	_, baseAbs, err := t.sb.Resolve(baseRel)
	if err != nil {
		return nil, err
	}

	var matches []globMatch
	walkErr := fs.WalkDir(os.DirFS(baseAbs), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ok, err := doublestar.Match(params.Pattern, p)
		if err != nil || !ok {
			return nil
		}
		rel := path.Join(baseRel, p)
		if !t.sb.IsAllowed(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, globMatch{rel: rel, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].modTime != matches[j].modTime {
			return matches[i].modTime > matches[j].modTime
		}
		return strings.ToLower(matches[i].rel) < strings.ToLower(matches[j].rel)
	})

	if len(matches) == 0 {
		return &Result{
			Title:  "Glob search",
			Output: "No files matched the pattern",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	maxResults := defaultMaxGlobResults
	truncated := len(matches) > maxResults
	shown := matches
	if truncated {
		shown = matches[:maxResults]
	}

	lines := make([]string, len(shown))
	for i, m := range shown {
		lines[i] = m.rel
	}
	output := strings.Join(lines, "\n")
	if truncated {
		output += "\n\n" + summarizeRemainder(matches[maxResults:])
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d files", len(matches)),
		Output: output,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(matches),
			"truncated": truncated,
		},
	}, nil
}

// summarizeRemainder groups truncated matches by extension and reports
// distinct parent directories, per spec §4.5's "extension-grouped summary
// and K more directories" truncation note.
func summarizeRemainder(rest []globMatch) string {
	byExt := map[string]int{}
	dirs := map[string]bool{}
	for _, m := range rest {
		ext := path.Ext(m.rel)
		if ext == "" {
			ext = "(no extension)"
		}
		byExt[ext]++
		dirs[path.Dir(m.rel)] = true
	}

	exts := make([]string, 0, len(byExt))
	for e := range byExt {
		exts = append(exts, e)
	}
	sort.Strings(exts)

	parts := make([]string, len(exts))
	for i, e := range exts {
		parts[i] = fmt.Sprintf("%s: %d", e, byExt[e])
	}

	return fmt.Sprintf("[... %d more files omitted (%s) across %d more directories]",
		len(rest), strings.Join(parts, ", "), len(dirs))
}

func (t *GlobTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
