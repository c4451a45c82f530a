package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"unicode/utf8"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/opencode-ai/opencode/internal/sandbox"
)

const grepDescription = `A content search tool backed by ripgrep.

Usage:
- Supports full regex syntax (e.g., "log.*Error", "func\\s+\\w+")
- Filter files with the include parameter (e.g. "*.go", "*.{ts,tsx}")
- Matches are grouped by file, with matched ranges wrapped in <match>...</match>`

const defaultMaxMatchLines = 20

// GrepTool implements FileTools' GrepSearch per spec §4.5.
type GrepTool struct {
	sb *sandbox.Sandbox
}

// GrepInput represents the input for the grep tool.
type GrepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

// NewGrepTool creates a new grep tool confined to sb.
func NewGrepTool(sb *sandbox.Sandbox) *GrepTool {
	return &GrepTool{sb: sb}
}

func (t *GrepTool) ID() string          { return "grep_search" }
func (t *GrepTool) Description() string { return grepDescription }

func (t *GrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The regex pattern to search for in file contents"
			},
			"path": {
				"type": "string",
				"description": "Sandbox-relative directory to search in (default: sandbox root)"
			},
			"include": {
				"type": "string",
				"description": "File glob to restrict the search to (e.g. \"*.go\")"
			}
		},
		"required": ["pattern"]
	}`)
}

// rgMatch mirrors the subset of ripgrep's --json "match" event this tool
// consumes.
type rgMatch struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		LineNumber int `json:"line_number"`
		Lines      struct {
			Text string `json:"text"`
		} `json:"lines"`
		Submatches []struct {
			Start int `json:"start"`
			End   int `json:"end"`
		} `json:"submatches"`
	} `json:"data"`
}

type fileMatches struct {
	file  string
	lines []string
}

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GrepInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	searchRel := ""
	if params.Path != "" {
		rel, _, err := t.sb.Resolve(params.Path)
		if err != nil {
			return nil, err
		}
		searchRel = rel
	}
	_, searchAbs, err := t.sb.Resolve(searchRel)
	if err != nil {
		return nil, err
	}

	args := []string{"--json", "--line-number"}
	if params.Include != "" {
		args = append(args, "--glob", params.Include)
	}
	args = append(args, params.Pattern, ".")

	cmd := exec.CommandContext(ctx, "rg", args...)
	cmd.Dir = searchAbs
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run() // rg exits 1 on no matches; treat non-fatal errors as zero matches

	byFile := map[string]*fileMatches{}
	var order []string
	totalMatches := 0

	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev rgMatch
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Type != "match" {
			continue
		}

		rel := ev.Data.Path.Text
		if searchRel != "" {
			rel = searchRel + "/" + strings.TrimPrefix(rel, "./")
		} else {
			rel = strings.TrimPrefix(rel, "./")
		}
		if !t.sb.IsAllowed(rel) {
			continue
		}

		line := highlightMatches(ev.Data.Lines.Text, ev.Data.Submatches)
		fm, ok := byFile[rel]
		if !ok {
			fm = &fileMatches{file: rel}
			byFile[rel] = fm
			order = append(order, rel)
		}
		fm.lines = append(fm.lines, fmt.Sprintf("%d: %s", ev.Data.LineNumber, line))
		totalMatches++
	}

	if totalMatches == 0 {
		return &Result{
			Title:  "Search results",
			Output: "No matches found",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	sort.Strings(order)

	var sb strings.Builder
	shown := 0
	truncated := false
	for _, file := range order {
		fm := byFile[file]
		sb.WriteString(file)
		sb.WriteString(":\n")
		for _, l := range fm.lines {
			if shown >= defaultMaxMatchLines {
				truncated = true
				break
			}
			sb.WriteString("  ")
			sb.WriteString(l)
			sb.WriteString("\n")
			shown++
		}
		if truncated {
			break
		}
	}
	if truncated {
		sb.WriteString(fmt.Sprintf("[... %d more matches omitted]\n", totalMatches-shown))
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d matches", totalMatches),
		Output: sb.String(),
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     totalMatches,
			"truncated": truncated,
		},
	}, nil
}

// highlightMatches wraps each submatch byte range (converted to a
// character range for UTF-8 safety) in <match>...</match>.
func highlightMatches(line string, submatches []struct {
	Start int `json:"start"`
	End   int `json:"end"`
}) string {
	line = strings.TrimRight(line, "\n")
	if len(submatches) == 0 {
		return line
	}

	var out strings.Builder
	prevByte := 0
	for _, m := range submatches {
		if m.Start < prevByte || m.End > len(line) || m.Start > m.End {
			continue
		}
		out.WriteString(line[prevByte:m.Start])
		out.WriteString("<match>")
		out.WriteString(line[m.Start:m.End])
		out.WriteString("</match>")
		prevByte = m.End
	}
	out.WriteString(line[prevByte:])

	result := out.String()
	if !utf8.ValidString(result) {
		result = strings.ToValidUTF8(result, "�")
	}
	return result
}

func (t *GrepTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
