// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/opencode/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertFromEinoMessage converts an assembled Eino message back into a
// canonical content-block Message (spec §3). Tool calls become tool_use
// blocks; any tool-call-result content routed through the Tool role becomes
// a tool_result block.
func ConvertFromEinoMessage(msg *schema.Message) types.Message {
	role := types.RoleAssistant
	switch msg.Role {
	case schema.User:
		role = types.RoleUser
	case schema.Tool:
		role = types.RoleTool
	}

	out := types.Message{Role: role}
	if msg.Content != "" {
		out.Content = append(out.Content, types.Text(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		out.Content = append(out.Content, types.ToolUse(id, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	if msg.Role == schema.Tool && msg.ToolCallID != "" {
		out.Content = append(out.Content, types.ToolResult(msg.ToolCallID, types.NewTextResult(msg.Content), false))
	}
	return out
}

// ConvertToEinoMessages converts canonical content-block messages into the
// Eino wire schema. A message may expand into more than one Eino message
// (e.g. a user turn carrying multiple tool_result blocks becomes one Eino
// "tool" message per block, which is what the Eino chat-model adapters
// expect).
func ConvertToEinoMessages(messages []types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser:
			text, toolResults := splitUserContent(msg)
			if text != "" || len(toolResults) == 0 {
				result = append(result, &schema.Message{Role: schema.User, Content: text})
			}
			for _, tr := range toolResults {
				result = append(result, &schema.Message{
					Role:       schema.Tool,
					Content:    toolResultText(tr),
					ToolCallID: tr.ToolResultFor,
				})
			}
		case types.RoleAssistant:
			einoMsg := &schema.Message{Role: schema.Assistant}
			for _, b := range msg.Content {
				switch b.Kind {
				case types.BlockText:
					einoMsg.Content += b.Text
				case types.BlockToolUse:
					einoMsg.ToolCalls = append(einoMsg.ToolCalls, schema.ToolCall{
						ID: b.ToolUseID,
						Function: schema.FunctionCall{
							Name:      b.ToolName,
							Arguments: string(b.ToolInput),
						},
					})
				}
			}
			result = append(result, einoMsg)
		default:
			result = append(result, &schema.Message{Role: schema.System, Content: msg.EstimatedText()})
		}
	}

	return result
}

func splitUserContent(msg types.Message) (text string, toolResults []types.ContentBlock) {
	for _, b := range msg.Content {
		switch b.Kind {
		case types.BlockText:
			text += b.Text
		case types.BlockToolResult:
			toolResults = append(toolResults, b)
		}
	}
	return text, toolResults
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
