package openai

import (
	"encoding/json"
	"strings"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

// responsesRequest is the Responses API request body the codex backend
// accepts. The endpoint rejects non-streaming calls, so stream is always
// true and store is pinned off.
type responsesRequest struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions,omitempty"`
	Input           []inputItem      `json:"input"`
	Tools           []tool           `json:"tools,omitempty"`
	ToolChoice      any              `json:"tool_choice,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Reasoning       *reasoningConfig `json:"reasoning,omitempty"`
	Stream          bool             `json:"stream"`
	Store           bool             `json:"store"`
}

type inputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type reasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// encodeRequest projects the canonical request onto the Responses API body.
// System messages become instructions; assistant tool calls and tool results
// become their own input items.
func encodeRequest(req *proxy.Request) *responsesRequest {
	out := &responsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          true,
		Store:           false,
	}

	var instructions []string
	for _, m := range req.Messages {
		switch m.Role {
		case proxy.RoleSystem:
			instructions = append(instructions, m.Content)
		case proxy.RoleUser:
			out.Input = append(out.Input, inputItem{
				Type:    "message",
				Role:    "user",
				Content: []contentPart{{Type: "input_text", Text: m.Content}},
			})
		case proxy.RoleAssistant:
			if m.Content != "" {
				out.Input = append(out.Input, inputItem{
					Type:    "message",
					Role:    "assistant",
					Content: []contentPart{{Type: "output_text", Text: m.Content}},
				})
			}
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, inputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		case proxy.RoleTool:
			out.Input = append(out.Input, inputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		}
	}
	if len(instructions) > 0 {
		out.Instructions = strings.Join(instructions, "\n\n")
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  provider.SanitizeToolSchema(t.Parameters),
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	if req.IncludeReasoning {
		out.Reasoning = &reasoningConfig{Effort: "medium", Summary: "auto"}
	}

	return out
}

// encodeToolChoice maps the canonical modes onto the Responses tool_choice.
func encodeToolChoice(tc *proxy.ToolChoice) any {
	switch tc.Mode {
	case "function":
		return map[string]any{"type": "function", "name": tc.Name}
	case "required", "none", "auto":
		return tc.Mode
	default:
		return "auto"
	}
}
