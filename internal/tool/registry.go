package tool

import (
	"fmt"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/formatter"
	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/internal/storage"
)

// Kind distinguishes backend tools (executed in-process) from frontend
// tools (schema-only on the server; the client executes and returns
// results), per spec §4.6.
type Kind string

const (
	KindBackend  Kind = "backend"
	KindFrontend Kind = "frontend"
)

type registration struct {
	tool Tool
	kind Kind
}

// Registry holds the mapping from tool name to {callable, schema}, per
// spec §4.6.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registration
	order   []string
	workDir string
	sb      *sandbox.Sandbox
	storage *storage.Storage
}

// NewRegistry creates a new tool registry confined to sb.
func NewRegistry(workDir string, sb *sandbox.Sandbox, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]registration),
		workDir: workDir,
		sb:      sb,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a backend tool to the registry. Duplicate names are
// rejected per spec §4.6.
func (r *Registry) Register(t Tool) error {
	return r.register(t, KindBackend)
}

// RegisterFrontend registers a schema-only frontend tool.
func (r *Registry) RegisterFrontend(t Tool) error {
	return r.register(t, KindFrontend)
}

func (r *Registry) register(t Tool, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.ID()]; exists {
		return fmt.Errorf("tool %q is already registered", t.ID())
	}
	r.tools[t.ID()] = registration{tool: t, kind: kind}
	r.order = append(r.order, t.ID())
	log.Debug().Str("tool", t.ID()).Str("kind", string(kind)).Msg("registered tool")
	return nil
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[id]
	return reg.tool, ok
}

// Kind reports whether id is a backend or frontend tool.
func (r *Registry) Kind(id string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[id]
	return reg.kind, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		tools = append(tools, r.tools[id].tool)
	}
	return tools
}

// IDs returns all tool IDs, in stable registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// IDsByKind returns the stable-order IDs of tools of the given kind.
func (r *Registry) IDsByKind(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.tools[id].kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// EinoTools returns Eino-compatible tools in stable order.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.order))
	for _, id := range r.order {
		tools = append(tools, r.tools[id].tool.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools, in stable order.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, id := range r.order {
		t := r.tools[id].tool
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in backend tools wired
// against the sandbox confining this session's FileTools.
func DefaultRegistry(workDir string, sb *sandbox.Sandbox, store *storage.Storage) *Registry {
	r := NewRegistry(workDir, sb, store)

	must := func(err error) {
		if err != nil {
			log.Error().Err(err).Msg("failed to register built-in tool")
		}
	}

	must(r.Register(NewReadTool(sb)))
	must(r.Register(NewGlobTool(sb)))
	must(r.Register(NewGrepTool(sb)))
	must(r.Register(NewListTool(sb)))
	must(r.Register(NewApplyPatchTool(sb)))
	must(r.Register(NewBashTool(workDir)))
	must(r.Register(NewWebFetchTool(workDir)))

	must(r.Register(NewTodoWriteTool(workDir, store)))
	must(r.Register(NewTodoReadTool(workDir, store)))

	return r
}

// SetFormatter wires a formatter.Manager into the registry's apply_patch
// tool, if one is registered, so successful patches run the project's
// configured formatter against the touched file. No-op if apply_patch isn't
// present (e.g. a Scoped registry that excluded it).
func (r *Registry) SetFormatter(m *formatter.Manager) {
	t, ok := r.Get("apply_patch")
	if !ok {
		return
	}
	if p, ok := t.(*ApplyPatchTool); ok {
		p.SetFormatter(m)
	}
}

// Scoped returns a new Registry sharing this one's sandbox/storage/workDir
// but containing only the tools for which allowed(id) is true, preserving
// registration order. It lets a subagent executor hand a narrower tool set
// to a nested run loop without duplicating tool construction.
func (r *Registry) Scoped(allowed func(id string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scoped := &Registry{
		tools:   make(map[string]registration, len(r.order)),
		workDir: r.workDir,
		sb:      r.sb,
		storage: r.storage,
	}

	for _, id := range r.order {
		if !allowed(id) {
			continue
		}
		reg := r.tools[id]
		scoped.tools[id] = reg
		scoped.order = append(scoped.order, id)
	}

	return scoped
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	if err := r.Register(taskTool); err != nil {
		log.Error().Err(err).Msg("failed to register task tool")
	}
}

// SetTaskExecutor sets the executor for the task tool, enabling actual
// subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.tools["task"]; ok {
		if taskTool, ok := reg.tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
		}
	}
}
