package translator

import (
	"encoding/json"
	"io"
	"time"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
)

// decodeChat parses an OpenAI Chat Completions request body.
func decodeChat(body []byte) (*Decoded, error) {
	r := gjson.ParseBytes(body)

	req := &proxy.Request{
		Model:       r.Get("model").String(),
		MaxTokens:   int(r.Get("max_tokens").Int()),
		Temperature: optFloat(r.Get("temperature")),
		TopP:        optFloat(r.Get("top_p")),
		Stream:      streamFlag(r),
	}
	if req.Model == "" {
		return nil, invalidRequest("model is required")
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = int(r.Get("max_completion_tokens").Int())
	}
	// Reasoning output is opt-in; the OpenAI surface signals it through the
	// reasoning_effort parameter (or a reasoning object on newer callers).
	req.IncludeReasoning = r.Get("reasoning_effort").Exists() || r.Get("reasoning").Exists()

	msgs := r.Get("messages").Array()
	if len(msgs) == 0 {
		return nil, invalidRequest("messages is required")
	}
	for _, m := range msgs {
		role := m.Get("role").String()
		switch role {
		case proxy.RoleSystem, "developer":
			req.Messages = append(req.Messages, proxy.Message{
				Role:    proxy.RoleSystem,
				Content: textContent(m.Get("content")),
			})
		case proxy.RoleUser:
			req.Messages = append(req.Messages, proxy.Message{
				Role:    proxy.RoleUser,
				Content: textContent(m.Get("content")),
			})
		case proxy.RoleAssistant:
			msg := proxy.Message{
				Role:    proxy.RoleAssistant,
				Content: textContent(m.Get("content")),
			}
			for _, tc := range m.Get("tool_calls").Array() {
				msg.ToolCalls = append(msg.ToolCalls, proxy.ToolCall{
					ID:        tc.Get("id").String(),
					Name:      tc.Get("function.name").String(),
					Arguments: tc.Get("function.arguments").String(),
				})
			}
			req.Messages = append(req.Messages, msg)
		case proxy.RoleTool:
			req.Messages = append(req.Messages, proxy.Message{
				Role:       proxy.RoleTool,
				Content:    textContent(m.Get("content")),
				ToolCallID: m.Get("tool_call_id").String(),
			})
		default:
			return nil, invalidRequest("unknown message role " + role)
		}
	}

	for _, t := range r.Get("tools").Array() {
		fn := t.Get("function")
		tool := proxy.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		req.Tools = append(req.Tools, tool)
	}
	req.ToolChoice = decodeToolChoice(r.Get("tool_choice"), "function.name")

	return &Decoded{Request: req}, nil
}

// decodeToolChoice handles the string and object forms shared by the Chat
// and Responses dialects; namePath locates the function name in the object
// form ("function.name" for Chat, "name" for Responses).
func decodeToolChoice(r gjson.Result, namePath string) *proxy.ToolChoice {
	if !r.Exists() {
		return nil
	}
	if r.Type == gjson.String {
		switch r.String() {
		case "auto", "required", "none":
			return &proxy.ToolChoice{Mode: r.String()}
		}
		return nil
	}
	if name := r.Get(namePath).String(); name != "" {
		return &proxy.ToolChoice{Mode: "function", Name: name}
	}
	return nil
}

// --- Stream encoding ---

// chatEncoder replays canonical events as Chat Completions chunks. A role
// preamble opens the stream, every event maps to at most one chunk, and
// "data: [DONE]" closes it exactly once.
type chatEncoder struct {
	id               string
	model            string
	includeReasoning bool
	toolIndex        map[string]int
	finished         bool
	done             bool
}

func newChatEncoder(model string, includeReasoning bool) *chatEncoder {
	return &chatEncoder{
		id:               newID("chatcmpl-"),
		model:            model,
		includeReasoning: includeReasoning,
		toolIndex:        make(map[string]int),
	}
}

func (e *chatEncoder) Start(w io.Writer) error {
	return writeData(w, buildChatDelta(e.id, e.model, map[string]any{"role": "assistant"}))
}

func (e *chatEncoder) Encode(w io.Writer, ev proxy.Event) error {
	switch ev.Kind {
	case proxy.EventText:
		return writeData(w, buildChatDelta(e.id, e.model, map[string]any{"content": ev.Text}))

	case proxy.EventReasoning:
		if !e.includeReasoning {
			return nil
		}
		return writeData(w, buildChatDelta(e.id, e.model, map[string]any{"reasoning_content": ev.Text}))

	case proxy.EventToolCallStart:
		idx := len(e.toolIndex)
		e.toolIndex[ev.ToolID] = idx
		delta := map[string]any{
			"tool_calls": []map[string]any{{
				"index": idx,
				"id":    ev.ToolID,
				"type":  "function",
				"function": map[string]any{
					"name":      ev.ToolName,
					"arguments": "",
				},
			}},
		}
		return writeData(w, buildChatDelta(e.id, e.model, delta))

	case proxy.EventToolCallDelta:
		idx, ok := e.toolIndex[ev.ToolID]
		if !ok {
			idx = len(e.toolIndex)
			e.toolIndex[ev.ToolID] = idx
		}
		delta := map[string]any{
			"tool_calls": []map[string]any{{
				"index": idx,
				"function": map[string]any{
					"arguments": ev.Text,
				},
			}},
		}
		return writeData(w, buildChatDelta(e.id, e.model, delta))

	case proxy.EventFinish:
		e.finished = true
		return writeData(w, buildChatFinish(e.id, e.model, ev.FinishReason))

	case proxy.EventUsage:
		if ev.Usage == nil {
			return nil
		}
		return writeData(w, buildChatUsage(e.id, e.model, ev.Usage))
	}
	return nil
}

func (e *chatEncoder) Finish(w io.Writer) error {
	if e.done {
		return nil
	}
	e.done = true
	if !e.finished {
		reason := proxy.FinishStop
		if len(e.toolIndex) > 0 {
			reason = proxy.FinishToolCalls
		}
		if err := writeData(w, buildChatFinish(e.id, e.model, reason)); err != nil {
			return err
		}
	}
	_, err := w.Write(sseDone)
	return err
}

// buildChatDelta builds a Chat Completions streaming chunk JSON.
func buildChatDelta(id, model string, delta map[string]any) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildChatFinish builds a chunk with finish_reason set.
func buildChatFinish(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildChatUsage builds a chunk with usage statistics.
func buildChatUsage(id, model string, usage *proxy.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// renderChat serializes a completion as a non-streaming Chat Completions
// response body.
func renderChat(model string, c *proxy.Completion, includeReasoning bool) []byte {
	msg := map[string]any{
		"role":    "assistant",
		"content": nilOrString(c.Text),
	}
	if includeReasoning && c.Reasoning != "" {
		msg["reasoning_content"] = c.Reasoning
	}
	if len(c.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(c.ToolCalls))
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		msg["tool_calls"] = calls
	}

	out := map[string]any{
		"id":      newID("chatcmpl-"),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": c.FinishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     c.Usage.PromptTokens,
			"completion_tokens": c.Usage.CompletionTokens,
			"total_tokens":      c.Usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}
