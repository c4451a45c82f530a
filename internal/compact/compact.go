// Package compact implements the progressive context-window compactor of
// spec §4.7: four phases applied in order, stopping as soon as the message
// list's estimated token count drops under a per-model threshold.
package compact

import (
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	placeholderText   = "[content removed during compaction]"
	truncationSuffix  = "\n\n[... truncated ...]"
	defaultThreshold  = 160000 // ~80% of a 200k-token context window
	defaultKeepRecent = 10
	defaultMaxChars   = 2000
	messageOverhead   = 24 // rough per-message JSON structure (role key, braces)
)

// MemoryHook lets a memory store observe and rewrite the message list around
// a compaction pass, per spec §4.7's "memory hook". Both methods are
// optional to use: a RunLoop without a configured memory store simply never
// constructs one.
type MemoryHook interface {
	// BeforeCompact observes the pre-compaction messages; it may not mutate
	// the slice.
	BeforeCompact(messages []types.Message)
	// AfterCompact may rewrite or reorder the compacted list, e.g. to inject
	// a retrieved summary.
	AfterCompact(messages []types.Message) []types.Message
}

// ContextWindowLookup resolves a model ID to its provider-advertised context
// window, letting the Compactor derive a default threshold (~80% of that
// window) without importing the provider package directly.
type ContextWindowLookup func(model string) (contextWindow int, ok bool)

// Config controls one Compactor's policy. Zero-value fields fall back to
// spec-default behavior.
type Config struct {
	// Threshold overrides the model-default token budget. Zero means
	// "use the model default".
	Threshold int
	// KeepRecentTurns is the minimum number of recent tool-result-bearing
	// turns phases 2-4 must leave untouched. Zero means defaultKeepRecent.
	KeepRecentTurns int
	// MaxResultChars is the truncation length for phase 2. Zero means
	// defaultMaxChars.
	MaxResultChars int
	// RemoveThinking disables phase 1 when explicitly set false via
	// RemoveThinkingSet; by default phase 1 runs.
	RemoveThinking    bool
	RemoveThinkingSet bool
	// ContextWindowLookup resolves a model's context window for the default
	// threshold. Nil falls back to defaultThreshold.
	ContextWindowLookup ContextWindowLookup
}

// Compactor implements the four-phase strategy of spec §4.7.
type Compactor struct {
	cfg Config
}

// New builds a Compactor from cfg, applying spec defaults for zero fields.
func New(cfg Config) *Compactor {
	if cfg.KeepRecentTurns == 0 {
		cfg.KeepRecentTurns = defaultKeepRecent
	}
	if cfg.MaxResultChars == 0 {
		cfg.MaxResultChars = defaultMaxChars
	}
	if !cfg.RemoveThinkingSet {
		cfg.RemoveThinking = true
	}
	return &Compactor{cfg: cfg}
}

// Result reports what a Compact call did, for the run log's "compaction"
// event per spec §4.9.
type Result struct {
	Applied               bool
	Reason                string
	PhasesApplied         []string
	ThinkingBlocksRemoved int
	ToolResultsTruncated  int
	ToolResultsReplaced   int
	MessagesRemoved       int
	OriginalTokenEstimate int
	FinalTokenEstimate    int
	EstimatedTokensSaved  int
	Threshold             int
	StillOverThreshold    bool
}

func (c *Compactor) effectiveThreshold(model string) int {
	if c.cfg.Threshold > 0 {
		return c.cfg.Threshold
	}
	if c.cfg.ContextWindowLookup != nil {
		if window, ok := c.cfg.ContextWindowLookup(model); ok && window > 0 {
			return window * 8 / 10
		}
	}
	return defaultThreshold
}

// EstimateTokens applies the chars/4 heuristic of spec §4.7 over a message
// list's serialized content.
func EstimateTokens(messages []types.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role) + messageOverhead
		chars += m.EstimatedChars()
	}
	return chars / 4
}

// Compact applies the progressive strategy to messages. estimatedTokens, if
// non-nil, is an authoritative count from the provider's last response and
// is used instead of the heuristic. hook may be nil.
func (c *Compactor) Compact(messages []types.Message, model string, estimatedTokens *int, hook MemoryHook) ([]types.Message, Result) {
	threshold := c.effectiveThreshold(model)
	original := EstimateTokens(messages)
	if estimatedTokens != nil {
		original = *estimatedTokens
	}

	result := Result{
		OriginalTokenEstimate: original,
		Threshold:             threshold,
	}

	if original <= threshold {
		result.Reason = "below_threshold"
		return messages, result
	}
	if len(messages) <= 1 {
		result.Reason = "insufficient_messages"
		return messages, result
	}

	if hook != nil {
		hook.BeforeCompact(messages)
	}

	compacted := cloneMessages(messages)
	current := original

	if c.cfg.RemoveThinking {
		var removed int
		compacted, removed = removeThinkingBlocks(compacted)
		if removed > 0 {
			result.PhasesApplied = append(result.PhasesApplied, "remove_thinking")
			result.ThinkingBlocksRemoved = removed
			current = EstimateTokens(compacted)
			logging.Info().Int("removed", removed).Int("tokens", current).Msg("compaction phase 1: removed thinking blocks")
			if current <= threshold {
				return finish(compacted, &result, original, current, hook)
			}
		}
	}

	var truncated int
	compacted, truncated = truncateToolResults(compacted, c.cfg.MaxResultChars, c.cfg.KeepRecentTurns)
	if truncated > 0 {
		result.PhasesApplied = append(result.PhasesApplied, "truncate_results")
		result.ToolResultsTruncated = truncated
		current = EstimateTokens(compacted)
		logging.Info().Int("truncated", truncated).Int("tokens", current).Msg("compaction phase 2: truncated tool results")
		if current <= threshold {
			return finish(compacted, &result, original, current, hook)
		}
	}

	var replaced int
	compacted, replaced = replaceOldToolResults(compacted, c.cfg.KeepRecentTurns)
	if replaced > 0 {
		result.PhasesApplied = append(result.PhasesApplied, "replace_results")
		result.ToolResultsReplaced = replaced
		current = EstimateTokens(compacted)
		logging.Info().Int("replaced", replaced).Int("tokens", current).Msg("compaction phase 3: replaced tool results")
		if current <= threshold {
			return finish(compacted, &result, original, current, hook)
		}
	}

	var turnsRemoved int
	compacted, turnsRemoved = removeOldTurns(compacted, threshold, c.cfg.KeepRecentTurns)
	if turnsRemoved > 0 {
		result.PhasesApplied = append(result.PhasesApplied, "remove_turns")
		result.MessagesRemoved = turnsRemoved
		current = EstimateTokens(compacted)
		logging.Info().Int("removed", turnsRemoved).Int("tokens", current).Msg("compaction phase 4: removed messages")
	}

	if current > threshold {
		result.StillOverThreshold = true
		logging.Warn().Int("tokens", current).Int("threshold", threshold).Msg("compaction complete but still over threshold")
	}

	return finish(compacted, &result, original, current, hook)
}

func finish(compacted []types.Message, result *Result, original, final int, hook MemoryHook) ([]types.Message, Result) {
	if hook != nil {
		compacted = hook.AfterCompact(compacted)
	}
	result.Applied = true
	result.FinalTokenEstimate = final
	result.EstimatedTokensSaved = original - final
	return compacted, *result
}

func cloneMessages(messages []types.Message) []types.Message {
	out := make([]types.Message, len(messages))
	for i, m := range messages {
		content := make([]types.ContentBlock, len(m.Content))
		copy(content, m.Content)
		out[i] = types.Message{Role: m.Role, Content: content}
	}
	return out
}

// removeThinkingBlocks strips thinking blocks from every assistant message
// except the last one, per spec §4.7 phase 1.
func removeThinkingBlocks(messages []types.Message) ([]types.Message, int) {
	lastAssistant := -1
	for i, m := range messages {
		if m.Role == types.RoleAssistant {
			lastAssistant = i
		}
	}
	if lastAssistant == -1 {
		return messages, 0
	}

	removed := 0
	for i, m := range messages {
		if i == lastAssistant || m.Role != types.RoleAssistant {
			continue
		}
		before := len(m.Content)
		messages[i] = m.WithoutThinking()
		removed += before - len(messages[i].Content)
	}
	return messages, removed
}

// toolResultTurnIndices returns the indices of user messages carrying at
// least one tool_result block, in order.
func toolResultTurnIndices(messages []types.Message) []int {
	var idx []int
	for i, m := range messages {
		if m.Role == types.RoleUser && len(m.ToolResultBlocks()) > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// indicesToTouch returns the prefix of idx that lies outside the most recent
// keepRecent entries, i.e. the old turns phases 2-3 are allowed to modify.
func indicesToTouch(idx []int, keepRecent int) []int {
	if len(idx) <= keepRecent {
		return nil
	}
	return idx[:len(idx)-keepRecent]
}

// truncateToolResults implements phase 2: shrink old tool_result content to
// maxChars, leaving the most recent keepRecent tool-result turns untouched.
func truncateToolResults(messages []types.Message, maxChars, keepRecent int) ([]types.Message, int) {
	truncated := 0
	for _, i := range indicesToTouch(toolResultTurnIndices(messages), keepRecent) {
		content := messages[i].Content
		for j, b := range content {
			if b.Kind != types.BlockToolResult || b.ResultContent == nil {
				continue
			}
			rc := *b.ResultContent // copy: ResultContent is shared with the pre-compaction message
			switch {
			case rc.Blocks != nil:
				blocks := make([]types.TextBlockLiteral, len(rc.Blocks))
				copy(blocks, rc.Blocks)
				for k, tb := range blocks {
					if len(tb.Text) > maxChars {
						blocks[k].Text = tb.Text[:maxChars] + truncationSuffix
						truncated++
					}
				}
				rc.Blocks = blocks
				content[j].ResultContent = &rc
			case len(rc.Text) > maxChars:
				rc.Text = rc.Text[:maxChars] + truncationSuffix
				truncated++
				content[j].ResultContent = &rc
			}
		}
	}
	return messages, truncated
}

// replaceOldToolResults implements phase 3: replace old tool_result content
// with a placeholder, preserving the block and its tool_use_id.
func replaceOldToolResults(messages []types.Message, keepRecent int) ([]types.Message, int) {
	replaced := 0
	for _, i := range indicesToTouch(toolResultTurnIndices(messages), keepRecent) {
		content := messages[i].Content
		for j, b := range content {
			if b.Kind != types.BlockToolResult {
				continue
			}
			if b.ResultContent != nil && b.ResultContent.Text == placeholderText && b.ResultContent.Blocks == nil {
				continue
			}
			content[j].ResultContent = types.NewTextResult(placeholderText)
			replaced++
		}
	}
	return messages, replaced
}

// isToolTurnPair reports whether (a, b) is a removable assistant/user turn:
// an assistant message with at least one tool_use block immediately
// followed by the user message carrying its tool_result(s).
func isToolTurnPair(a, b types.Message) bool {
	if a.Role != types.RoleAssistant || b.Role != types.RoleUser {
		return false
	}
	return len(a.ToolUseBlocks()) > 0 && len(b.ToolResultBlocks()) > 0
}

// removeOldTurns implements phase 4: drop the oldest assistant(tool_use)/
// user(tool_result) pairs together, while the current estimate is still
// over threshold and at least 2*keepRecent messages remain, per spec §4.7
// ("drop the oldest assistant/user pairs") and
// original_source/anthropic_agent/core/compaction.py's `_remove_old_turns`.
// A message is never dropped on its own: stopping at an unpaired message
// preserves spec §8's "no dangling results" invariant rather than leaving a
// user message whose tool_result.tool_use_id no longer resolves earlier in
// the trimmed history.
func removeOldTurns(messages []types.Message, threshold, keepRecent int) ([]types.Message, int) {
	if len(messages) <= 2 {
		return messages, 0
	}

	first := messages[0]
	remaining := messages[1:]
	minKeep := keepRecent * 2
	removed := 0

	for len(remaining)-2 >= minKeep && len(remaining) >= 2 && isToolTurnPair(remaining[0], remaining[1]) {
		current := append([]types.Message{first}, remaining...)
		if EstimateTokens(current) <= threshold {
			break
		}
		remaining = remaining[2:]
		removed += 2
	}

	return append([]types.Message{first}, remaining...), removed
}
