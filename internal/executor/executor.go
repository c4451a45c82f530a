package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// SubagentExecutor implements tool.TaskExecutor by driving a nested
// internal/runloop.Loop to completion for each subtask, scoped to the
// target agent's allowed tools and permissions, per spec §4.5's Task tool.
type SubagentExecutor struct {
	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	permissionChecker *permission.Checker
	agentRegistry     *agent.Registry
	store             runloop.StateStore

	defaultProviderID string
	defaultModelID    string

	maxDepth int
	depth    int
}

// Config holds the collaborators a SubagentExecutor needs.
type Config struct {
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	PermissionChecker *permission.Checker
	AgentRegistry     *agent.Registry
	Store             runloop.StateStore

	DefaultProviderID string
	DefaultModelID    string

	// MaxDepth bounds nested Task-tool-calls-Task-tool recursion, since a
	// subagent with Mode "all" can itself invoke the Task tool. 0 uses the
	// default of 3.
	MaxDepth int
}

// NewSubagentExecutor builds a SubagentExecutor from cfg.
func NewSubagentExecutor(cfg Config) *SubagentExecutor {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &SubagentExecutor{
		providerRegistry:  cfg.ProviderRegistry,
		toolRegistry:      cfg.ToolRegistry,
		permissionChecker: cfg.PermissionChecker,
		agentRegistry:     cfg.AgentRegistry,
		store:             cfg.Store,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
		maxDepth:          maxDepth,
	}
}

var _ tool.TaskExecutor = (*SubagentExecutor)(nil)

// ExecuteSubtask implements tool.TaskExecutor.ExecuteSubtask: it resolves
// agentName's configuration, builds it a scoped tool registry and a fresh
// session, and runs prompt to completion.
func (e *SubagentExecutor) ExecuteSubtask(ctx context.Context, parentSessionID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	if e.depth >= e.maxDepth {
		return nil, fmt.Errorf("subagent nesting depth %d exceeds max %d", e.depth, e.maxDepth)
	}

	sub, err := e.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentName, err)
	}
	if !sub.IsSubagent() {
		return nil, fmt.Errorf("agent %s cannot be used as subagent (mode: %s)", agentName, sub.Mode)
	}

	providerID, modelID := e.resolveModel(sub, opts.Model)
	prov, err := e.providerRegistry.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("resolve provider for subagent %s: %w", agentName, err)
	}

	childSessionID := opts.ResumeFrom
	if childSessionID == "" {
		childSessionID = uuid.NewString()
	}

	scoped := e.toolRegistry.Scoped(sub.ToolEnabled)
	scoped.SetTaskExecutor(&SubagentExecutor{
		providerRegistry:  e.providerRegistry,
		toolRegistry:      e.toolRegistry,
		permissionChecker: e.permissionChecker,
		agentRegistry:     e.agentRegistry,
		store:             e.store,
		defaultProviderID: e.defaultProviderID,
		defaultModelID:    e.defaultModelID,
		maxDepth:          e.maxDepth,
		depth:             e.depth + 1,
	})

	loop := runloop.New(runloop.Config{
		SystemPrompt: sub.Prompt,
		Temperature:  sub.Temperature,
		Provider:     prov,
		ProviderID:   providerID,
		ModelID:      modelID,
		Registry:     scoped,
		Permissions:  e.permissionChecker,
		Agent:        sub,
		Store:        e.store,
	})

	st := types.NewAgentState(childSessionID)
	result, err := loop.Run(ctx, st, prompt)
	if err != nil {
		return &tool.TaskResult{
			Output:    fmt.Sprintf("Error executing subtask: %s", err.Error()),
			SessionID: childSessionID,
			Error:     err.Error(),
			Metadata: map[string]any{
				"parentSessionID": parentSessionID,
			},
		}, nil
	}

	return &tool.TaskResult{
		Output:    result.FinalAnswer,
		SessionID: childSessionID,
		AgentID:   agentName,
		Metadata: map[string]any{
			"parentSessionID": parentSessionID,
			"stop_reason":     result.StopReason,
			"total_steps":     result.TotalSteps,
		},
	}, nil
}

// resolveModel resolves provider/model IDs, applying the short aliases the
// Task tool's schema advertises (sonnet/opus/haiku) over the subagent's own
// configured model, which in turn overrides the executor-wide default.
func (e *SubagentExecutor) resolveModel(sub *agent.Agent, modelOption string) (providerID, modelID string) {
	providerID, modelID = e.defaultProviderID, e.defaultModelID
	if sub.Model != nil {
		providerID, modelID = sub.Model.ProviderID, sub.Model.ModelID
	}

	switch modelOption {
	case "sonnet":
		modelID = "claude-sonnet-4-20250514"
	case "opus":
		modelID = "claude-opus-4-20250514"
	case "haiku":
		modelID = "claude-haiku-4-5-20251001"
	}

	return providerID, modelID
}
