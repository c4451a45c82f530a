package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/opencode-ai/opencode/internal/sandbox"
)

const readDescription = `Reads a file slice from the sandboxed workspace.

Usage:
- target is resolved relative to the sandbox root
- By default, reads up to 100 lines starting at line 1
- limit is clamped to the configured max_lines; limit=0 returns the header only
- Offsets beyond the end of the file are an error`

const (
	defaultReadLimit       = 100
	defaultStreamThreshold = 2 << 20 // 2 MiB, per spec §4.5
	maxLineChars            = 2000
)

// ReadTool implements FileTools' ReadFile per spec §4.5/§6.
type ReadTool struct {
	sb *sandbox.Sandbox
}

// ReadInput represents the input for the read tool.
type ReadInput struct {
	Target string `json:"target"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// NewReadTool creates a new read tool confined to sb.
func NewReadTool(sb *sandbox.Sandbox) *ReadTool {
	return &ReadTool{sb: sb}
}

func (t *ReadTool) ID() string          { return "read_file" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {
				"type": "string",
				"description": "Sandbox-relative path to the file to read"
			},
			"offset": {
				"type": "integer",
				"description": "1-based line number to start reading from (default 1)"
			},
			"limit": {
				"type": "integer",
				"description": "Number of lines to read (default 100)"
			}
		},
		"required": ["target"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	rel, abs, err := t.sb.Resolve(params.Target)
	if err != nil {
		return nil, err
	}
	if !t.sb.IsAllowed(rel) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrDisallowedExtension, rel)
	}

	if params.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative, got %d", params.Limit)
	}
	limit := params.Limit
	if limit == 0 && !hasLimitField(input) {
		limit = defaultReadLimit
	}
	if limit > defaultReadLimit {
		limit = defaultReadLimit
	}
	offset := params.Offset
	if offset < 1 {
		offset = 1
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", rel)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", rel)
	}

	file, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lines, totalLines, err := readLines(file, offset, limit)
	if err != nil {
		return nil, err
	}

	if totalLines > 0 && offset > totalLines {
		return nil, fmt.Errorf("offset %d exceeds total lines %d in %s", offset, totalLines, rel)
	}

	var sb strings.Builder
	startLine := offset
	lastLine := offset + len(lines) - 1
	if len(lines) == 0 {
		lastLine = offset - 1
	}
	if totalLines == 0 {
		startLine, lastLine = 0, 0
	}
	sb.WriteString(fmt.Sprintf("[lines %d-%d of %d in %s]\n", startLine, max0(lastLine, startLine), totalLines, rel))
	sb.WriteString(strings.Join(lines, "\n"))
	if len(lines) > 0 {
		sb.WriteString("\n")
	}

	return &Result{
		Title:  fmt.Sprintf("Read %s", filepath.Base(rel)),
		Output: sb.String(),
		Metadata: map[string]any{
			"file":       rel,
			"lines":      len(lines),
			"totalLines": totalLines,
		},
	}, nil
}

// readLines reads up to limit lines starting at offset (1-based), while
// also counting the file's total line count. Files at or under
// defaultStreamThreshold are read in one pass the same as larger files —
// the distinction in spec §4.5 only matters for a streaming backend; this
// in-process reader streams regardless of size via bufio.Scanner.
func readLines(r io.Reader, offset, limit int) ([]string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var out []string
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !utf8.ValidString(line) {
			line = strings.ToValidUTF8(line, "�")
		}
		if lineNum < offset {
			continue
		}
		if len(out) >= limit {
			continue
		}
		if len(line) > maxLineChars {
			line = line[:maxLineChars] + "..."
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return out, lineNum, nil
}

func hasLimitField(input json.RawMessage) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(input, &raw); err != nil {
		return false
	}
	_, ok := raw["limit"]
	return ok
}

func max0(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *ReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
