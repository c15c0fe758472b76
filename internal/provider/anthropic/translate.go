package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

// Anthropic requires max_tokens on every request.
const defaultMaxTokens = 8192

// Extended thinking needs a budget below max_tokens and above the upstream
// floor of 1024.
const defaultThinkingBudget = 4096

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []message       `json:"messages"`
	Tools       []tool          `json:"tools,omitempty"`
	ToolChoice  map[string]any  `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Thinking    *thinkingConfig `json:"thinking,omitempty"`
	Stream      bool            `json:"stream"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// encodeRequest projects the canonical request onto the Messages API body.
// The upstream call always streams.
func encodeRequest(req *proxy.Request) *messagesRequest {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case proxy.RoleSystem:
			system = append(system, m.Content)
		case proxy.RoleUser:
			out.Messages = append(out.Messages, message{
				Role:    "user",
				Content: []block{{Type: "text", Text: m.Content}},
			})
		case proxy.RoleAssistant:
			var blocks []block
			if m.Content != "" {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, block{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: toolInput(tc.Arguments),
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, message{Role: "assistant", Content: blocks})
			}
		case proxy.RoleTool:
			// Tool results travel on the user side of the conversation.
			out.Messages = append(out.Messages, message{
				Role: "user",
				Content: []block{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}
	if len(system) > 0 {
		out.System = strings.Join(system, "\n\n")
	}

	for _, t := range req.Tools {
		schema := provider.SanitizeToolSchema(t.Parameters)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	if req.IncludeReasoning {
		budget := defaultThinkingBudget
		if out.MaxTokens <= budget {
			budget = out.MaxTokens / 2
		}
		if budget >= 1024 {
			out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		}
	}

	return out
}

// encodeToolChoice maps the canonical modes onto Anthropic's tool_choice.
func encodeToolChoice(tc *proxy.ToolChoice) map[string]any {
	switch tc.Mode {
	case "required":
		return map[string]any{"type": "any"}
	case "none":
		return map[string]any{"type": "none"}
	case "function":
		return map[string]any{"type": "tool", "name": tc.Name}
	default:
		return map[string]any{"type": "auto"}
	}
}

// toolInput returns the argument string as a JSON object, or an empty
// object when the accumulated arguments do not parse.
func toolInput(args string) json.RawMessage {
	if args != "" && gjson.Valid(args) {
		return json.RawMessage(args)
	}
	return json.RawMessage(`{}`)
}
