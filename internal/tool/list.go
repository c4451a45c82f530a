package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/opencode-ai/opencode/internal/sandbox"
)

const listDescription = `Renders an ASCII directory tree rooted at a sandboxed path.

Usage:
- Directories are listed before files, alphabetically (case-insensitive)
- Directories with no allowed file anywhere in their subtree are pruned
- ignore glob patterns are matched against POSIX-relative paths`

const (
	defaultMaxDepth          = 5
	defaultLargeDirThreshold = 50
	defaultShowDirs          = 10
	defaultShowFiles         = 10
)

// ListTool implements FileTools' ListDir per spec §4.5.
type ListTool struct {
	sb *sandbox.Sandbox
}

// ListInput represents the input for the list tool.
type ListInput struct {
	Path   string   `json:"path,omitempty"`
	Ignore []string `json:"ignore,omitempty"`
}

// NewListTool creates a new list tool confined to sb.
func NewListTool(sb *sandbox.Sandbox) *ListTool {
	return &ListTool{sb: sb}
}

func (t *ListTool) ID() string          { return "list_dir" }
func (t *ListTool) Description() string { return listDescription }

func (t *ListTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Sandbox-relative directory to list (default: sandbox root)"
			},
			"ignore": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Glob patterns (POSIX-relative) to prune from the tree"
			}
		}
	}`)
}

type treeNode struct {
	name     string
	relPath  string
	isDir    bool
	children []*treeNode
}

func (t *ListTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ListInput
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

	root := &treeNode{name: path.Base(baseAbs), relPath: baseRel, isDir: true}
	if err := t.buildTree(root, baseAbs, params.Ignore, 0); err != nil {
		return nil, err
	}
	pruneEmptyDirs(root, true, t.sb)

	var sb strings.Builder
	var fileCount, dirCount int
	renderTree(&sb, root, "", true, true, &fileCount, &dirCount)

	return &Result{
		Title:  fmt.Sprintf("Listed %s", displayPath(baseRel)),
		Output: sb.String(),
		Metadata: map[string]any{
			"path":  baseRel,
			"files": fileCount,
			"dirs":  dirCount,
		},
	}, nil
}

func (t *ListTool) buildTree(node *treeNode, abs string, ignore []string, depth int) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	if depth >= defaultMaxDepth {
		summarizeDepthCap(node, entries)
		return nil
	}

	large := len(entries) > defaultLargeDirThreshold
	shownDirs, shownFiles := 0, 0

	for _, e := range entries {
		rel := e.Name()
		if node.relPath != "" {
			rel = node.relPath + "/" + e.Name()
		}
		if isIgnored(rel, e.IsDir(), ignore) {
			continue
		}

		if e.IsDir() {
			if large && shownDirs >= defaultShowDirs {
				continue
			}
			child := &treeNode{name: e.Name(), relPath: rel, isDir: true}
			if err := t.buildTree(child, path.Join(abs, e.Name()), ignore, depth+1); err != nil {
				continue
			}
			node.children = append(node.children, child)
			shownDirs++
		} else {
			if large && shownFiles >= defaultShowFiles {
				continue
			}
			node.children = append(node.children, &treeNode{name: e.Name(), relPath: rel, isDir: false})
			shownFiles++
		}
	}

	if large {
		node.children = append(node.children, summaryLine(entries, shownDirs, shownFiles))
	}
	return nil
}

func summaryLine(entries []os.DirEntry, shownDirs, shownFiles int) *treeNode {
	totalDirs, totalFiles := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			totalDirs++
		} else {
			totalFiles++
		}
	}
	return &treeNode{
		name: fmt.Sprintf("[... %d more directories, %d more files]",
			max0i(totalDirs-shownDirs, 0), max0i(totalFiles-shownFiles, 0)),
	}
}

func summarizeDepthCap(node *treeNode, entries []os.DirEntry) {
	byExt := map[string]int{}
	subdirs := 0
	for _, e := range entries {
		if e.IsDir() {
			subdirs++
			continue
		}
		ext := path.Ext(e.Name())
		if ext == "" {
			ext = "(no extension)"
		}
		byExt[ext]++
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
	node.children = []*treeNode{{
		name: fmt.Sprintf("[depth limit reached: %d subdirectories, files by extension: %s]",
			subdirs, strings.Join(parts, ", ")),
	}}
}

// pruneEmptyDirs removes directories whose subtree contains no allowed
// file, per spec §4.5 ("except the root").
func pruneEmptyDirs(node *treeNode, isRoot bool, sb *sandbox.Sandbox) bool {
	if !node.isDir {
		return sb.IsAllowed(node.relPath)
	}

	var kept []*treeNode
	hasAllowed := false
	for _, c := range node.children {
		if c.name == "" || (!c.isDir && c.relPath == "") {
			kept = append(kept, c)
			continue
		}
		if c.isDir {
			if pruneEmptyDirs(c, false, sb) {
				kept = append(kept, c)
				hasAllowed = true
			}
		} else {
			if sb.IsAllowed(c.relPath) {
				kept = append(kept, c)
				hasAllowed = true
			}
		}
	}
	node.children = kept
	return isRoot || hasAllowed
}

func renderTree(sb *strings.Builder, node *treeNode, prefix string, isRoot, isLast bool, fileCount, dirCount *int) {
	if isRoot {
		sb.WriteString(displayPath(node.relPath))
		sb.WriteString("/\n")
	}

	for i, c := range node.children {
		last := i == len(node.children)-1
		connector := "├── "
		nextPrefix := prefix + "│   "
		if last {
			connector = "└── "
			nextPrefix = prefix + "    "
		}

		label := c.name
		if c.isDir {
			label += "/"
			*dirCount++
		} else if c.relPath != "" {
			*fileCount++
		}

		sb.WriteString(prefix)
		sb.WriteString(connector)
		sb.WriteString(label)
		sb.WriteString("\n")

		if c.isDir {
			renderTree(sb, c, nextPrefix, false, last, fileCount, dirCount)
		}
	}
}

func displayPath(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

// isIgnored applies ignore glob semantics: "**/name/**" hides a named
// directory anywhere along with all its children; "name/**" hides only the
// children of that directory at its exact relative location; any other
// pattern is matched against the POSIX-relative path directly.
func isIgnored(rel string, isDir bool, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if strings.HasPrefix(p, "**/") && strings.HasSuffix(p, "/**") {
			name := strings.TrimSuffix(strings.TrimPrefix(p, "**/"), "/**")
			segs := strings.Split(rel, "/")
			for _, s := range segs {
				if s == name {
					return true
				}
			}
		}
	}
	return false
}

func max0i(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *ListTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
