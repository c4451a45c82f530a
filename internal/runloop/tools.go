package runloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// doomLoopThreshold is the number of prior identical (name, input) backend
// tool calls that trigger a doom-loop permission check before a repeat is
// allowed to run again.
const doomLoopThreshold = 3

// partitionToolCalls splits an assistant message's tool_use blocks into
// backend (executed in-process) and frontend (schema-only, client-executed)
// calls, per spec §4.8 step 5. Unknown tool names are treated as backend so
// they surface as a tool_result error rather than silently stalling.
func (l *Loop) partitionToolCalls(toolUses []types.ContentBlock) (backend, frontend []types.ContentBlock) {
	for _, b := range toolUses {
		if l.cfg.Registry != nil {
			if kind, ok := l.cfg.Registry.Kind(b.ToolName); ok && kind == tool.KindFrontend {
				frontend = append(frontend, b)
				continue
			}
		}
		backend = append(backend, b)
	}
	return backend, frontend
}

// executeBackendTools runs backend tool_use blocks concurrently under a
// semaphore sized by max_parallel_tool_calls, preserving the original
// assistant-turn order of results regardless of completion order, per spec
// §4.8 step 5 and §5's concurrency model.
func (l *Loop) executeBackendTools(ctx context.Context, st *types.AgentState, calls []types.ContentBlock, step int, runLogs *[]RunLogEntry) ([]types.ContentBlock, error) {
	results := make([]types.ContentBlock, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	sem := make(chan struct{}, l.cfg.MaxParallelToolCalls)
	var logMu sync.Mutex
	var sinkMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			defer func() { <-sem }()

			result, logDetails := l.executeOneBackendTool(gctx, st, call, i, step)

			logMu.Lock()
			*runLogs = append(*runLogs, l.logEvent(st.SessionID, step, "tool_execution", logDetails))
			logMu.Unlock()

			results[i] = result

			if l.cfg.Sink != nil {
				sinkMu.Lock()
				l.cfg.Sink.Block(step, i, result)
				sinkMu.Unlock()
			}
			return nil // partial results are preferred over aborting the whole batch
		})
	}
	_ = g.Wait()

	return results, nil
}

// executeOneBackendTool runs a single tool_use block: permission + doom-loop
// checks, lookup, execute, and wraps the outcome as a tool_result block.
// Tool errors never propagate past the run loop; they become
// tool_result{is_error:true}, per spec §7.
func (l *Loop) executeOneBackendTool(ctx context.Context, st *types.AgentState, call types.ContentBlock, index, step int) (types.ContentBlock, map[string]any) {
	logDetails := map[string]any{"tool": call.ToolName, "call_id": call.ToolUseID}

	if err := l.checkPermission(ctx, st, call); err != nil {
		logDetails["success"] = false
		logDetails["error"] = err.Error()
		return types.ToolResult(call.ToolUseID, types.NewTextResult(fmt.Sprintf("Permission denied: %v", err)), true), logDetails
	}

	t, ok := l.cfg.Registry.Get(call.ToolName)
	if !ok {
		logDetails["success"] = false
		logDetails["error"] = "unknown tool"
		return types.ToolResult(call.ToolUseID, types.NewTextResult(fmt.Sprintf("Error executing tool: unknown tool %q", call.ToolName)), true), logDetails
	}

	toolCtx := &tool.Context{
		SessionID: st.SessionID,
		CallID:    fmt.Sprintf("%s-step%d-%d", st.SessionID, step, index),
		WorkDir:   "",
		AbortCh:   ctx.Done(),
	}

	result, err := t.Execute(ctx, call.ToolInput, toolCtx)
	if err != nil {
		logDetails["success"] = false
		logDetails["error"] = err.Error()
		return types.ToolResult(call.ToolUseID, types.NewTextResult(fmt.Sprintf("Error executing tool: %v", err)), true), logDetails
	}

	logDetails["success"] = true
	return types.ToolResult(call.ToolUseID, types.NewTextResult(result.Output), false), logDetails
}

// checkPermission dispatches a call's bash/edit/webfetch/doom-loop
// permission checks through the persona Agent + permission.Checker, per
// spec §7's permission taxonomy. A nil Agent or Permissions means permission
// checks are disabled (e.g. in tests).
func (l *Loop) checkPermission(ctx context.Context, st *types.AgentState, call types.ContentBlock) error {
	if l.cfg.Agent == nil || l.cfg.Permissions == nil {
		return nil
	}

	if !l.cfg.Agent.ToolEnabled(call.ToolName) {
		return fmt.Errorf("tool %q is disabled for this agent", call.ToolName)
	}

	req := permission.Request{
		SessionID: st.SessionID,
		CallID:    call.ToolUseID,
		Title:     call.ToolName,
	}

	switch call.ToolName {
	case "bash":
		command := stringField(call.ToolInput, "command")
		action := l.cfg.Agent.CheckBashPermission(command)
		req.Type = permission.PermBash
		req.Pattern = []string{command}
		if err := l.cfg.Permissions.Check(ctx, req, action); err != nil {
			return err
		}
	case "apply_patch":
		action := l.cfg.Agent.GetPermission(permission.PermEdit)
		req.Type = permission.PermEdit
		if err := l.cfg.Permissions.Check(ctx, req, action); err != nil {
			return err
		}
	case "webfetch":
		action := l.cfg.Agent.GetPermission(permission.PermWebFetch)
		req.Type = permission.PermWebFetch
		if err := l.cfg.Permissions.Check(ctx, req, action); err != nil {
			return err
		}
	}

	if l.isDoomLoop(st, call) {
		action := l.cfg.Agent.GetPermission(permission.PermDoomLoop)
		req.Type = permission.PermDoomLoop
		req.Pattern = []string{call.ToolName}
		if err := l.cfg.Permissions.Check(ctx, req, action); err != nil {
			return err
		}
	}

	return nil
}

// isDoomLoop reports whether the same (name, input) backend call has
// already appeared doomLoopThreshold or more times in this run's history.
func (l *Loop) isDoomLoop(st *types.AgentState, call types.ContentBlock) bool {
	count := 0
	for _, m := range st.ConversationHistory {
		for _, b := range m.ToolUseBlocks() {
			if b.ToolName == call.ToolName && bytes.Equal(b.ToolInput, call.ToolInput) {
				count++
			}
		}
	}
	return count >= doomLoopThreshold
}

func stringField(input json.RawMessage, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[field], &s); err != nil {
		return ""
	}
	return s
}
