package types

import "time"

// PendingToolCall is a tool_use block awaiting execution or awaiting a
// frontend-supplied result, per spec §3's pause state.
type PendingToolCall struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     []byte          `json:"input"`
}

// FileRegistryEntry tracks a file handle discovered in a tool_result block
// across the life of a session, per spec §3.
type FileRegistryEntry struct {
	Filename       string `json:"filename"`
	FirstSeenStep  int    `json:"first_seen_step"`
	LastSeenStep   int    `json:"last_seen_step"`
	StorageBackend string `json:"storage_backend,omitempty"`
}

// AgentState is the full per-session snapshot persisted by the persistence
// glue and reloaded on every run, per spec §3/§4.9.
type AgentState struct {
	SessionID string `json:"session_id"`

	Messages            []Message `json:"messages"`
	ConversationHistory  []Message `json:"conversation_history"`

	ContainerID string `json:"container_id,omitempty"`

	FileRegistry map[string]FileRegistryEntry `json:"file_registry"`

	LastKnownInputTokens  int `json:"last_known_input_tokens"`
	LastKnownOutputTokens int `json:"last_known_output_tokens"`

	// Pause state.
	AwaitingFrontendTools bool               `json:"awaiting_frontend_tools"`
	PendingFrontendTools  []PendingToolCall  `json:"pending_frontend_tools,omitempty"`
	PendingBackendResults []ContentBlock     `json:"pending_backend_results,omitempty"`
	CurrentStep           int               `json:"current_step"`

	TotalRuns int       `json:"total_runs"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastRunAt time.Time `json:"last_run_at"`
	Title     string    `json:"title,omitempty"`

	ProviderID string         `json:"provider_id,omitempty"`
	ModelID    string         `json:"model_id,omitempty"`
	Provider   map[string]any `json:"provider,omitempty"`
}

// NewAgentState returns a freshly-initialized state for a brand-new session,
// per spec §3's "absent UUID means a fresh session" rule.
func NewAgentState(sessionID string) *AgentState {
	now := time.Now()
	return &AgentState{
		SessionID:    sessionID,
		FileRegistry: make(map[string]FileRegistryEntry),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsSuspended reports whether the session is parked awaiting frontend tool
// results.
func (s *AgentState) IsSuspended() bool {
	return s.AwaitingFrontendTools
}
