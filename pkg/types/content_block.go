package types

import (
	"encoding/json"
	"fmt"
)

// BlockKind discriminates the content block variants of the canonical
// message schema. Unlike the SDK-shaped Part hierarchy this replaces, a
// ContentBlock never carries a sessionID/messageID of its own: it only ever
// exists inside a Message's Content slice.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockImage      BlockKind = "image"
	BlockDocument   BlockKind = "document"
)

// ContentBlock is the tagged union described in spec §3. Exactly one of the
// Kind-specific fields is populated for a given Kind; callers type-switch on
// Kind rather than on a Go interface, matching how the block travels through
// JSON (provider wire formats, persisted snapshots, the streaming formatter).
type ContentBlock struct {
	Kind BlockKind `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Signature string `json:"signature,omitempty"`

	// tool_use
	ToolUseID   string          `json:"id,omitempty"`
	ToolName    string          `json:"name,omitempty"`
	ToolInput   json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolResultFor string            `json:"tool_use_id,omitempty"`
	ResultContent *ToolResultContent `json:"content,omitempty"`
	IsError       bool              `json:"is_error,omitempty"`

	// image / document
	Src       string `json:"src,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolResultContent models the union spec §3 assigns to tool_result.content:
// either a plain string or an ordered list of text blocks. Exactly one of
// Text/Blocks is set; MarshalJSON collapses back to whichever shape was
// populated so round-tripping through a provider that expects a bare string
// doesn't grow spurious structure.
type ToolResultContent struct {
	Text   string
	Blocks []TextBlockLiteral
}

// TextBlockLiteral is the minimal {type:"text", text:"..."} shape allowed
// inside a tool_result's content list.
type TextBlockLiteral struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *ToolResultContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []TextBlockLiteral
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("tool_result content must be a string or text-block array: %w", err)
	}
	c.Blocks = blocks
	c.Text = ""
	return nil
}

// NewTextResult builds a tool_result content value carrying a plain string,
// the common case for FileTools output.
func NewTextResult(s string) *ToolResultContent {
	return &ToolResultContent{Text: s}
}

// Text builds a text content block.
func Text(s string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: s}
}

// Thinking builds a reasoning content block.
func Thinking(text, signature string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Text: text, Signature: signature}
}

// ToolUse builds an assistant tool-call request block.
func ToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResult builds a reply block to a prior tool_use.
func ToolResult(toolUseID string, content *ToolResultContent, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultFor: toolUseID, ResultContent: content, IsError: isError}
}
