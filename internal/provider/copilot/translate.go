package copilot

import (
	"encoding/json"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

// chatRequest is the Copilot chat completions request body. The canonical
// shapes map almost one to one; only the tool schemas need sanitizing.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function functionDecl `json:"function"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// encodeRequest projects the canonical request onto the chat completions
// body. Stream is always on.
func encodeRequest(req *proxy.Request) *chatRequest {
	out := &chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}

	for _, m := range req.Messages {
		msg := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tool{
			Type: "function",
			Function: functionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  provider.SanitizeToolSchema(t.Parameters),
			},
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = encodeToolChoice(req.ToolChoice)
	}
	return out
}

// encodeToolChoice maps the canonical modes onto the chat tool_choice.
func encodeToolChoice(tc *proxy.ToolChoice) any {
	switch tc.Mode {
	case "function":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	case "required", "none", "auto":
		return tc.Mode
	default:
		return "auto"
	}
}
