package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/opencode-ai/opencode/internal/formatter"
	"github.com/opencode-ai/opencode/internal/patch"
	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/pkg/types"
)

const applyPatchDescription = `Applies a structured patch envelope to a single file.

Usage:
- The envelope uses "*** Begin Patch" / "*** End Patch" sentinels wrapping
  exactly one "*** Add File:", "*** Update File:", or "*** Delete File:" action
- Update hunks use "@@ <scope>" lines to narrow ambiguous context, "-"/"+"
  for removed/added lines, and a leading space for unchanged context
- Set dry_run to validate and preview without touching the filesystem`

// ApplyPatchTool wraps the PatchParser/PatchMatcher/PatchApplier pipeline
// as a single tool, per spec §4.2-§4.4.
type ApplyPatchTool struct {
	sb        *sandbox.Sandbox
	formatMgr *formatter.Manager
}

// ApplyPatchInput represents the input for the apply_patch tool.
type ApplyPatchInput struct {
	Patch  string `json:"patch"`
	DryRun bool   `json:"dry_run,omitempty"`
	Strict bool   `json:"strict,omitempty"`
}

// NewApplyPatchTool creates a new patch-apply tool confined to sb.
func NewApplyPatchTool(sb *sandbox.Sandbox) *ApplyPatchTool {
	return &ApplyPatchTool{sb: sb}
}

// SetFormatter wires a formatter.Manager so successful add/update patches run
// the project's configured formatter (gofmt, prettier, ...) against the
// touched file before the tool result is returned. Left nil, patches apply
// exactly as written with no post-processing.
func (t *ApplyPatchTool) SetFormatter(m *formatter.Manager) {
	t.formatMgr = m
}

func (t *ApplyPatchTool) ID() string          { return "apply_patch" }
func (t *ApplyPatchTool) Description() string { return applyPatchDescription }

func (t *ApplyPatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {
				"type": "string",
				"description": "The patch envelope text"
			},
			"dry_run": {
				"type": "boolean",
				"description": "Validate and preview without writing to the filesystem"
			},
			"strict": {
				"type": "boolean",
				"description": "Require *** Begin/End Patch sentinels to be present"
			}
		},
		"required": ["patch"]
	}`)
}

func (t *ApplyPatchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ApplyPatchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	parsed, err := patch.Parse(params.Patch, patch.ParseOptions{Strict: params.Strict})
	if err != nil {
		out, _ := json.Marshal(map[string]any{"status": "error", "error": err.Error()})
		return &Result{Title: "Apply patch", Output: string(out), Error: err}, nil
	}

	applier := patch.NewApplier(t.sb, patch.ApplierOptions{DryRun: params.DryRun})
	result := applier.Apply(parsed, len(params.Patch))

	formatted := false
	if !params.DryRun && t.formatMgr != nil && t.formatMgr.IsEnabled() &&
		result.Status == types.PatchStatusOK && result.Op != types.PatchDelete {
		if _, abs, resolveErr := t.sb.Resolve(result.Path); resolveErr == nil {
			if fr, ferr := t.formatMgr.Format(ctx, abs); ferr == nil && fr.Success {
				formatted = fr.Changed
			}
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Patch %s %s", result.Op, result.Path)
	if result.Status == types.PatchStatusError {
		title = fmt.Sprintf("Patch failed: %s", result.Path)
	}

	return &Result{
		Title:  title,
		Output: string(out),
		Metadata: map[string]any{
			"status":    string(result.Status),
			"op":        string(result.Op),
			"path":      result.Path,
			"formatted": formatted,
		},
	}, nil
}

func (t *ApplyPatchTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
