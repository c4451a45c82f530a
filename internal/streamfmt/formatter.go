package streamfmt

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/pkg/types"
)

// Formatter renders runloop.EventSink calls as the normalized XML event
// tagset onto w. A single mutex serializes every write so two backend tool
// results racing through executeBackendTools never interleave mid-tag, per
// spec §5's atomicity requirement.
type Formatter struct {
	mu sync.Mutex
	w  io.Writer
}

// New builds a Formatter writing to w.
func New(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

var _ runloop.EventSink = (*Formatter)(nil)

func (f *Formatter) write(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = io.WriteString(f.w, s)
}

// Init emits <meta_init data="..."/> once at the start of a run.
func (f *Formatter) Init(sessionID, model, userQuery string) {
	data, _ := json.Marshal(map[string]string{
		"format":     "xml",
		"user_query": userQuery,
		"uuid":       sessionID,
		"model":      model,
	})
	f.write(fmt.Sprintf(`<meta_init data="%s"/>`, escapeAttr(string(data))))
}

// Block renders one content block in the normalized tagset. index is
// unused by the wire format; it exists so callers can reason about
// ordering across concurrent tool results before they reach here.
func (f *Formatter) Block(step, index int, block types.ContentBlock) {
	switch block.Kind {
	case types.BlockText:
		f.write("<content-block-text>" + escapeBody(block.Text) + "</content-block-text>")
	case types.BlockThinking:
		f.write("<content-block-thinking>" + escapeBody(block.Text) + "</content-block-thinking>")
	case types.BlockToolUse:
		f.write(fmt.Sprintf(
			`<content-block-tool_call id="%s" name="%s" arguments="%s"></content-block-tool_call>`,
			escapeAttr(block.ToolUseID), escapeAttr(block.ToolName), escapeAttr(string(block.ToolInput)),
		))
	case types.BlockToolResult:
		f.write(fmt.Sprintf(
			`<content-block-tool_result id="%s">%s</content-block-tool_result>`,
			escapeAttr(block.ToolResultFor), wrapCDATA(toolResultText(block)),
		))
	}
}

// AwaitingFrontendTools emits <awaiting_frontend_tools data="..."></awaiting_frontend_tools>
// when the run suspends for client-executed tools.
func (f *Formatter) AwaitingFrontendTools(pending []types.PendingToolCall) {
	data, _ := json.Marshal(pending)
	f.write(fmt.Sprintf(`<awaiting_frontend_tools data="%s"></awaiting_frontend_tools>`, escapeAttr(string(data))))
}

// Final emits <meta_final data="..."></meta_final> once, at natural
// termination or after the max-steps fallback.
func (f *Formatter) Final(result *runloop.Result) {
	data, _ := json.Marshal(result)
	f.write(fmt.Sprintf(`<meta_final data="%s"></meta_final>`, escapeAttr(string(data))))
}

// Error emits <content-block-error><![CDATA[...]]></content-block-error>
// for a run-loop-level failure, per spec §7.
func (f *Formatter) Error(step int, err error) {
	f.write("<content-block-error>" + wrapCDATA(err.Error()) + "</content-block-error>")
}

func toolResultText(b types.ContentBlock) string {
	if b.ResultContent == nil {
		return ""
	}
	if b.ResultContent.Blocks != nil {
		var sb []byte
		for _, tb := range b.ResultContent.Blocks {
			sb = append(sb, []byte(tb.Text)...)
		}
		return string(sb)
	}
	return b.ResultContent.Text
}
