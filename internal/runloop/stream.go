package runloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/pkg/types"
)

// toolCallAccum tracks one in-progress tool call across chunks, keyed by
// index (preferred) or ID (fallback), mirroring the teacher's dual lookup.
type toolCallAccum struct {
	id, name string
	args     strings.Builder
}

// accumState accumulates one streamed assistant message across chunks. It
// is kept separate from the Recv loop so the per-chunk logic can be unit
// tested without constructing a real provider stream.
type accumState struct {
	accumulatedText string
	reasoningText   string
	finishReason    string
	usage           Usage

	toolAccums map[string]*toolCallAccum
	toolOrder  []string
}

func newAccumState() *accumState {
	return &accumState{toolAccums: make(map[string]*toolCallAccum)}
}

// ingest folds one stream chunk into the accumulator. Eino providers differ
// on whether a chunk's Content is the full accumulated text so far or just
// the new delta; both modes are detected the same way the teacher's
// session/stream.go does, via a prefix check against the text accumulated
// so far. Tool call argument fragments are always deltas, keyed by Index
// (falling back to ID), and simply appended.
func (s *accumState) ingest(msg *schema.Message) {
	if msg.Content != "" {
		if strings.HasPrefix(msg.Content, s.accumulatedText) {
			s.accumulatedText = msg.Content
		} else {
			s.accumulatedText += msg.Content
		}
	}

	if msg.ReasoningContent != "" {
		s.reasoningText = msg.ReasoningContent
	}

	for _, tc := range msg.ToolCalls {
		lookupKey, ok := toolCallLookupKey(tc)
		if !ok {
			continue
		}

		accum, exists := s.toolAccums[lookupKey]
		if !exists && tc.ID != "" && tc.Function.Name != "" {
			accum = &toolCallAccum{id: tc.ID, name: tc.Function.Name}
			s.toolAccums[lookupKey] = accum
			s.toolOrder = append(s.toolOrder, lookupKey)
		}
		if accum != nil && tc.Function.Arguments != "" {
			accum.args.WriteString(tc.Function.Arguments)
		}
	}

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.Usage != nil {
			s.usage.InputTokens = msg.ResponseMeta.Usage.PromptTokens
			s.usage.OutputTokens = msg.ResponseMeta.Usage.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			s.finishReason = msg.ResponseMeta.FinishReason
		}
	}
}

// finalize renders the accumulated state as a canonical assistant message,
// per spec §3's content-block schema.
func (s *accumState) finalize() (types.Message, string, Usage) {
	out := types.Message{Role: types.RoleAssistant}
	if s.accumulatedText != "" {
		out.Content = append(out.Content, types.Text(s.accumulatedText))
	}
	if s.reasoningText != "" {
		out.Content = append(out.Content, types.Thinking(s.reasoningText, ""))
	}
	for _, key := range s.toolOrder {
		accum := s.toolAccums[key]
		input := json.RawMessage(accum.args.String())
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		out.Content = append(out.Content, types.ToolUse(accum.id, accum.name, input))
	}

	reason := normalizeFinishReason(s.finishReason, len(s.toolOrder) > 0)
	return out, reason, s.usage
}

// accumulateStream drains a provider stream into one canonical assistant
// message, per spec §4.8 step 3.
func accumulateStream(ctx context.Context, stream *provider.CompletionStream) (types.Message, string, Usage, error) {
	state := newAccumState()

	for {
		select {
		case <-ctx.Done():
			return types.Message{}, "", Usage{}, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Message{}, "", Usage{}, fmt.Errorf("runloop: receiving stream chunk: %w", err)
		}

		state.ingest(msg)
	}

	msg, reason, usage := state.finalize()
	return msg, reason, usage, nil
}

// toolCallLookupKey derives the accumulation key for a tool-call chunk: the
// eino streaming model keys deltas by Index when present, falling back to
// ID for providers that don't set it.
func toolCallLookupKey(tc schema.ToolCall) (string, bool) {
	switch {
	case tc.Index != nil:
		return fmt.Sprintf("idx:%d", *tc.Index), true
	case tc.ID != "":
		return tc.ID, true
	default:
		return "", false
	}
}

// normalizeFinishReason collapses the various provider spellings for
// "stopped because of a tool call" down to one canonical value.
func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_use", "tool-calls", "tool_calls":
		return "tool_use"
	case "":
		if hasToolCalls {
			return "tool_use"
		}
		return "stop"
	default:
		return reason
	}
}
