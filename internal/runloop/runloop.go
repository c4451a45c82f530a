package runloop

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/compact"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// State is the run loop's state machine position, per spec §4.8.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateLooping      State = "looping"
	StateSuspended    State = "suspended"
	StateFinalizing   State = "finalizing"
)

const (
	// DefaultMaxSteps bounds one run before the max-steps fallback kicks in.
	DefaultMaxSteps = 50
	// DefaultMaxParallelToolCalls bounds concurrent backend tool execution.
	DefaultMaxParallelToolCalls = 5
	// DefaultMaxTokens is the provider completion token cap used when Config
	// doesn't set one.
	DefaultMaxTokens = 8192

	maxRetries           = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
)

// maxStepsSummaryInstruction is appended to the system prompt for the final,
// tools-disabled call once max_steps is exhausted.
const maxStepsSummaryInstruction = "\n\nIMPORTANT: You have reached the maximum number of steps. Please provide a final summary or response based on the work completed so far."

// FinalAnswerCheck validates an extracted final answer before the loop
// terminates. A false ok re-enters the loop with errMsg appended as a user
// message, per spec §4.8 step 6.
type FinalAnswerCheck func(answer string) (ok bool, errMsg string)

// EventSink receives normalized run events, letting a concrete streamfmt
// implementation render them without the loop depending on that package.
type EventSink interface {
	// Init fires once at the start of Looping.
	Init(sessionID, model, userQuery string)
	// Block reports a content block produced during this step, in arrival
	// order; index distinguishes concurrent blocks within one step (e.g. two
	// backend tool_result blocks).
	Block(step, index int, block types.ContentBlock)
	// AwaitingFrontendTools fires when the loop suspends for frontend tools.
	AwaitingFrontendTools(pending []types.PendingToolCall)
	// Final fires once, at natural termination or after the max-steps
	// fallback.
	Final(result *Result)
	// Error fires when a run-loop-level failure (LLM transport error after
	// retries exhausted) aborts the run, per spec §7's propagation policy.
	Error(step int, err error)
}

// StateStore persists an AgentState snapshot and appends to the run log
// and conversation history, per spec §4.9. RunLoop calls SaveState
// synchronously at suspend points and hands the rest to LaunchBackgroundSave
// at natural termination.
type StateStore interface {
	SaveState(ctx context.Context, state *types.AgentState) error
	AppendRunLog(ctx context.Context, sessionID string, entries []RunLogEntry) error
	AppendConversationHistory(ctx context.Context, sessionID string, messages []types.Message) error
	// LaunchBackgroundSave runs fn in the background and tracks it so a
	// later Drain(timeout) can await completion.
	LaunchBackgroundSave(name string, fn func(context.Context) error)
}

// RunLogEntry is one structured event captured during a run, per spec §4.9's
// run_logs artifact.
type RunLogEntry struct {
	Step      int            `json:"step"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Usage tracks token counters across a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of Run or ContinueWithToolResults: either a partial
// result (stop_reason "awaiting_frontend_tools") or a final one.
type Result struct {
	FinalAnswer string    `json:"final_answer,omitempty"`
	StopReason  string    `json:"stop_reason"`
	TotalSteps  int       `json:"total_steps"`
	Usage       Usage     `json:"usage"`
	RunLogs     []RunLogEntry `json:"-"`
}

// FrontendToolResult is a caller-supplied result for a tool_use block the
// loop could not execute itself, per spec §4.8's resumption path.
type FrontendToolResult struct {
	ToolUseID string
	Content   *types.ToolResultContent
	IsError   bool
}

// Config wires a Loop's collaborators and policy. Zero-value numeric fields
// fall back to spec defaults.
type Config struct {
	SystemPrompt string
	MaxSteps     int
	MaxTokens    int
	Temperature  float64

	MaxParallelToolCalls int

	Provider   provider.Provider
	ProviderID string
	ModelID    string

	Registry    *tool.Registry
	Compactor   *compact.Compactor
	MemoryHook  compact.MemoryHook
	Permissions *permission.Checker
	Agent       *agent.Agent

	Sink  EventSink
	Store StateStore

	FinalAnswerCheck FinalAnswerCheck
}

func (c Config) withDefaults() Config {
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxParallelToolCalls == 0 {
		c.MaxParallelToolCalls = DefaultMaxParallelToolCalls
	}
	return c
}

// Loop is one session's run-loop instance. It is not safe for concurrent
// calls to Run/ContinueWithToolResults on the same Loop; spec §5 models the
// agent as a single-threaded cooperative scheduler.
type Loop struct {
	cfg   Config
	state State
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg.withDefaults(), state: StateIdle}
}

// State reports the loop's current state machine position.
func (l *Loop) State() State { return l.state }

// Run starts a fresh run: appends prompt as a user message, resets per-run
// state, and drives the step loop from step 0, per spec §4.8.
func (l *Loop) Run(ctx context.Context, st *types.AgentState, prompt string) (*Result, error) {
	l.state = StateInitializing

	st.Messages = append(st.Messages, types.Message{Role: types.RoleUser, Content: []types.ContentBlock{types.Text(prompt)}})
	st.ConversationHistory = append(st.ConversationHistory, st.Messages[len(st.Messages)-1])
	st.CurrentStep = 0
	st.AwaitingFrontendTools = false
	st.PendingFrontendTools = nil
	st.PendingBackendResults = nil

	if l.cfg.Sink != nil {
		l.cfg.Sink.Init(st.SessionID, l.cfg.ModelID, prompt)
	}

	l.state = StateLooping
	return l.runSteps(ctx, st, nil)
}

// ContinueWithToolResults resumes a suspended loop: the caller supplies
// results for every pending frontend tool_use_id. Per spec §4.8's
// resumption path this validates the id set exactly, combines backend
// results (computed before suspension) with the frontend results in pending
// order, clears pause state, and re-enters the loop at current_step.
func (l *Loop) ContinueWithToolResults(ctx context.Context, st *types.AgentState, results []FrontendToolResult) (*Result, error) {
	if !st.AwaitingFrontendTools || len(st.PendingFrontendTools) == 0 {
		return nil, fmt.Errorf("runloop: ContinueWithToolResults called with no pending frontend tools")
	}

	pendingIDs := make(map[string]bool, len(st.PendingFrontendTools))
	for _, p := range st.PendingFrontendTools {
		pendingIDs[p.ToolUseID] = true
	}
	resultIDs := make(map[string]bool, len(results))
	for _, r := range results {
		resultIDs[r.ToolUseID] = true
	}
	if !sameIDSet(pendingIDs, resultIDs) {
		return nil, fmt.Errorf("runloop: frontend tool result ids %v do not match pending ids %v", sortedKeys(resultIDs), sortedKeys(pendingIDs))
	}

	byID := make(map[string]FrontendToolResult, len(results))
	for _, r := range results {
		byID[r.ToolUseID] = r
	}

	content := append([]types.ContentBlock{}, st.PendingBackendResults...)
	for _, p := range st.PendingFrontendTools {
		r := byID[p.ToolUseID]
		resultContent := r.Content
		if resultContent == nil {
			resultContent = types.NewTextResult("")
		}
		content = append(content, types.ToolResult(p.ToolUseID, resultContent, r.IsError))
	}

	toolResultMsg := types.Message{Role: types.RoleUser, Content: content}
	st.Messages = append(st.Messages, toolResultMsg)
	st.ConversationHistory = append(st.ConversationHistory, toolResultMsg)

	st.AwaitingFrontendTools = false
	st.PendingFrontendTools = nil
	st.PendingBackendResults = nil

	l.state = StateLooping
	return l.runSteps(ctx, st, nil)
}

func sameIDSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// runSteps drives the Looping state from st.CurrentStep until suspension,
// natural termination, or max_steps, per spec §4.8.
func (l *Loop) runSteps(ctx context.Context, st *types.AgentState, runLogs []RunLogEntry) (*Result, error) {
	step := st.CurrentStep

	for step < l.cfg.MaxSteps {
		step++
		st.CurrentStep = step

		l.compact(st)

		assistantMsg, stopReason, err := l.streamStep(ctx, st, l.cfg.SystemPrompt, true, step)
		if err != nil {
			l.state = StateIdle
			if l.cfg.Sink != nil {
				l.cfg.Sink.Error(step, err)
			}
			return nil, err
		}

		st.Messages = append(st.Messages, assistantMsg)
		st.ConversationHistory = append(st.ConversationHistory, assistantMsg)
		runLogs = append(runLogs, l.logEvent(st.SessionID, step, "api_response_received", map[string]any{"stop_reason": stopReason}))

		toolUses := assistantMsg.ToolUseBlocks()
		if len(toolUses) == 0 {
			result, done, err := l.tryFinalize(ctx, st, assistantMsg, step, &runLogs)
			if err != nil {
				l.state = StateIdle
				return nil, err
			}
			if done {
				return result, nil
			}
			continue
		}

		backendCalls, frontendCalls := l.partitionToolCalls(toolUses)

		backendResults, err := l.executeBackendTools(ctx, st, backendCalls, step, &runLogs)
		if err != nil {
			l.state = StateIdle
			return nil, err
		}

		if len(frontendCalls) > 0 {
			st.PendingBackendResults = backendResults
			st.PendingFrontendTools = make([]types.PendingToolCall, len(frontendCalls))
			for i, b := range frontendCalls {
				st.PendingFrontendTools[i] = types.PendingToolCall{ToolUseID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}
			}
			st.AwaitingFrontendTools = true
			runLogs = append(runLogs, l.logEvent(st.SessionID, step, "awaiting_frontend_tools", map[string]any{"count": len(frontendCalls)}))

			if l.cfg.Sink != nil {
				l.cfg.Sink.AwaitingFrontendTools(st.PendingFrontendTools)
			}
			if l.cfg.Store != nil {
				if err := l.cfg.Store.SaveState(ctx, st); err != nil {
					logging.Error().Err(err).Str("session", st.SessionID).Msg("failed to persist state at frontend-tool suspend point")
				}
			}

			l.state = StateSuspended
			return &Result{StopReason: "awaiting_frontend_tools", TotalSteps: step, Usage: usageFrom(st), RunLogs: runLogs}, nil
		}

		toolResultMsg := types.Message{Role: types.RoleUser, Content: backendResults}
		st.Messages = append(st.Messages, toolResultMsg)
		st.ConversationHistory = append(st.ConversationHistory, toolResultMsg)
	}

	return l.generateFinalSummary(ctx, st, runLogs)
}

// tryFinalize runs the optional final-answer check for a tool-call-free
// assistant message. It returns done=false when the check rejects the
// answer and the loop should continue.
func (l *Loop) tryFinalize(ctx context.Context, st *types.AgentState, assistantMsg types.Message, step int, runLogs *[]RunLogEntry) (*Result, bool, error) {
	answer := extractFinalAnswer(assistantMsg)

	if l.cfg.FinalAnswerCheck != nil {
		if ok, errMsg := l.cfg.FinalAnswerCheck(answer); !ok {
			*runLogs = append(*runLogs, l.logEvent(st.SessionID, step, "final_answer_validation_failed", map[string]any{"error": errMsg}))
			errorMsg := types.Message{Role: types.RoleUser, Content: []types.ContentBlock{types.Text(errMsg)}}
			st.Messages = append(st.Messages, errorMsg)
			st.ConversationHistory = append(st.ConversationHistory, errorMsg)
			return nil, false, nil
		}
	}

	result := &Result{FinalAnswer: answer, StopReason: "end_turn", TotalSteps: step, Usage: usageFrom(st), RunLogs: *runLogs}
	*runLogs = append(*runLogs, l.logEvent(st.SessionID, step, "run_completed", map[string]any{"total_steps": step}))
	l.finalize(ctx, st, result)
	return result, true, nil
}

// generateFinalSummary implements the max-steps fallback: one final,
// tools-disabled call with the system prompt's summary instruction
// appended, per spec §4.8.
func (l *Loop) generateFinalSummary(ctx context.Context, st *types.AgentState, runLogs []RunLogEntry) (*Result, error) {
	runLogs = append(runLogs, l.logEvent(st.SessionID, l.cfg.MaxSteps, "max_steps_reached", map[string]any{"max_steps": l.cfg.MaxSteps}))

	l.compact(st)

	summaryPrompt := l.cfg.SystemPrompt + maxStepsSummaryInstruction
	assistantMsg, _, err := l.streamStep(ctx, st, summaryPrompt, false, l.cfg.MaxSteps)
	if err != nil {
		l.state = StateIdle
		if l.cfg.Sink != nil {
			l.cfg.Sink.Error(l.cfg.MaxSteps, err)
		}
		return nil, err
	}

	st.Messages = append(st.Messages, assistantMsg)
	st.ConversationHistory = append(st.ConversationHistory, assistantMsg)
	runLogs = append(runLogs, l.logEvent(st.SessionID, l.cfg.MaxSteps, "max_steps_summary", map[string]any{"tools_disabled": true}))

	result := &Result{
		FinalAnswer: assistantMsg.EstimatedText(),
		StopReason:  "max_steps",
		TotalSteps:  l.cfg.MaxSteps,
		Usage:       usageFrom(st),
		RunLogs:     runLogs,
	}
	l.finalize(ctx, st, result)
	return result, nil
}

// finalize persists the run in the background and emits the Final event.
// It does not block Run/ContinueWithToolResults's return on persistence
// completing, per spec §4.9's background-task model.
func (l *Loop) finalize(ctx context.Context, st *types.AgentState, result *Result) {
	l.state = StateFinalizing
	st.TotalRuns++
	st.LastRunAt = time.Now()
	st.UpdatedAt = st.LastRunAt

	if l.cfg.Store != nil {
		snapshot := *st
		runLogs := result.RunLogs
		l.cfg.Store.LaunchBackgroundSave("agent_config", func(ctx context.Context) error {
			return l.cfg.Store.SaveState(ctx, &snapshot)
		})
		l.cfg.Store.LaunchBackgroundSave("conversation_history", func(ctx context.Context) error {
			return l.cfg.Store.AppendConversationHistory(ctx, snapshot.SessionID, snapshot.ConversationHistory)
		})
		l.cfg.Store.LaunchBackgroundSave("run_logs", func(ctx context.Context) error {
			if err := l.cfg.Store.AppendRunLog(ctx, snapshot.SessionID, runLogs); err != nil {
				return err
			}
			event.Publish(event.Event{Type: event.RunPersisted, Data: event.RunPersistedData{SessionID: snapshot.SessionID}})
			return nil
		})
	}

	if l.cfg.Sink != nil {
		l.cfg.Sink.Final(result)
	}

	l.state = StateIdle
}

func (l *Loop) compact(st *types.AgentState) {
	if l.cfg.Compactor == nil {
		return
	}
	var estimated *int
	if st.LastKnownInputTokens > 0 {
		v := st.LastKnownInputTokens + st.LastKnownOutputTokens
		estimated = &v
	}
	compacted, res := l.cfg.Compactor.Compact(st.Messages, l.cfg.ModelID, estimated, l.cfg.MemoryHook)
	if res.Applied {
		st.Messages = compacted
		event.Publish(event.Event{Type: event.RunCompaction, Data: event.RunCompactionData{
			SessionID:            st.SessionID,
			Reason:               res.Reason,
			PhasesApplied:        res.PhasesApplied,
			MessagesRemoved:      res.MessagesRemoved,
			EstimatedTokensSaved: res.EstimatedTokensSaved,
		}})
	}
}

// logEvent records a RunLogEntry and mirrors it onto the event bus so a
// subscriber (the SSE stream, a test harness) can follow a run live without
// waiting on the StateStore's run_logs artifact.
func (l *Loop) logEvent(sessionID string, step int, action string, details map[string]any) RunLogEntry {
	event.Publish(event.Event{Type: event.RunStepCompleted, Data: event.RunStepCompletedData{
		SessionID: sessionID,
		Step:      step,
		Action:    action,
		Details:   details,
	}})
	return RunLogEntry{Step: step, Action: action, Details: details, Timestamp: time.Now()}
}

func usageFrom(st *types.AgentState) Usage {
	return Usage{InputTokens: st.LastKnownInputTokens, OutputTokens: st.LastKnownOutputTokens}
}

// streamStep builds the provider request for the current message list and
// returns the accumulated assistant message, per spec §4.8 steps 2-4.
// toolsEnabled false is used only by the max-steps fallback call.
func (l *Loop) streamStep(ctx context.Context, st *types.AgentState, systemPrompt string, toolsEnabled bool, step int) (types.Message, string, error) {
	messages := make([]*schema.Message, 0, len(st.Messages)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	messages = append(messages, provider.ConvertToEinoMessages(st.Messages)...)

	req := &provider.CompletionRequest{
		Model:       l.cfg.ModelID,
		Messages:    messages,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	}
	if toolsEnabled && l.cfg.Registry != nil {
		tools, err := l.cfg.Registry.ToolInfos()
		if err != nil {
			return types.Message{}, "", fmt.Errorf("runloop: building tool schemas: %w", err)
		}
		req.Tools = tools
	}

	assistantMsg, stopReason, usage, err := l.callAndAccumulate(ctx, req)
	if err != nil {
		return types.Message{}, "", err
	}

	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		st.LastKnownInputTokens = usage.InputTokens
		st.LastKnownOutputTokens = usage.OutputTokens
	}

	if l.cfg.Sink != nil {
		for i, b := range assistantMsg.Content {
			l.cfg.Sink.Block(step, i, b)
		}
	}

	return assistantMsg, stopReason, nil
}

// callAndAccumulate wraps one provider call + stream accumulation in the
// retry/backoff policy of spec §5: exponential backoff with jitter for
// transient errors, bounded by maxRetries and retryMaxElapsedTime.
func (l *Loop) callAndAccumulate(ctx context.Context, req *provider.CompletionRequest) (types.Message, string, Usage, error) {
	var (
		msg    types.Message
		reason string
		usage  Usage
	)

	op := func() error {
		stream, err := l.cfg.Provider.CreateCompletion(ctx, req)
		if err != nil {
			return err
		}
		defer stream.Close()

		m, r, u, err := accumulateStream(ctx, stream)
		if err != nil {
			return err
		}
		msg, reason, usage = m, r, u
		return nil
	}

	b := newRetryBackoff(ctx)
	if err := backoff.Retry(op, b); err != nil {
		return types.Message{}, "", Usage{}, fmt.Errorf("runloop: provider call failed: %w", err)
	}
	return msg, reason, usage, nil
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// extractFinalAnswer concatenates the text blocks of a tool-call-free
// assistant message, per spec §4.8 step 6.
func extractFinalAnswer(assistantMsg types.Message) string {
	return assistantMsg.EstimatedText()
}
