package translator

import (
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
)

// decodeAnthropic parses an Anthropic Messages request body. Message content
// may be a plain string or an array of typed blocks; tool_result blocks
// split into canonical tool messages and thinking blocks are dropped.
func decodeAnthropic(body []byte) (*Decoded, error) {
	r := gjson.ParseBytes(body)

	req := &proxy.Request{
		Model:            r.Get("model").String(),
		MaxTokens:        int(r.Get("max_tokens").Int()),
		Temperature:      optFloat(r.Get("temperature")),
		TopP:             optFloat(r.Get("top_p")),
		Stream:           streamFlag(r),
		IncludeReasoning: r.Get("thinking.type").String() == "enabled",
	}
	if req.Model == "" {
		return nil, invalidRequest("model is required")
	}

	if sys := r.Get("system"); sys.Exists() {
		req.Messages = append(req.Messages, proxy.Message{
			Role:    proxy.RoleSystem,
			Content: textContent(sys),
		})
	}

	msgs := r.Get("messages").Array()
	if len(msgs) == 0 {
		return nil, invalidRequest("messages is required")
	}
	for _, m := range msgs {
		role := m.Get("role").String()
		if role != proxy.RoleUser && role != proxy.RoleAssistant {
			return nil, invalidRequest("unknown message role " + role)
		}
		content := m.Get("content")
		if !content.IsArray() {
			req.Messages = append(req.Messages, proxy.Message{Role: role, Content: content.String()})
			continue
		}

		msg := proxy.Message{Role: role}
		var toolResults []proxy.Message
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				msg.Content += block.Get("text").String()
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, proxy.ToolCall{
					ID:        block.Get("id").String(),
					Name:      block.Get("name").String(),
					Arguments: block.Get("input").Raw,
				})
			case "tool_result":
				toolResults = append(toolResults, proxy.Message{
					Role:       proxy.RoleTool,
					Content:    textContent(block.Get("content")),
					ToolCallID: block.Get("tool_use_id").String(),
				})
			case "thinking", "redacted_thinking":
				// Prior-turn reasoning is never forwarded upstream.
			}
			return true
		})

		// Tool results answer the previous assistant turn, so they go first.
		req.Messages = append(req.Messages, toolResults...)
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}

	for _, t := range r.Get("tools").Array() {
		tool := proxy.Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if p := t.Get("input_schema"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		req.Tools = append(req.Tools, tool)
	}
	req.ToolChoice = anthropicToolChoice(r.Get("tool_choice"))

	return &Decoded{Request: req}, nil
}

func anthropicToolChoice(r gjson.Result) *proxy.ToolChoice {
	switch r.Get("type").String() {
	case "auto":
		return &proxy.ToolChoice{Mode: "auto"}
	case "any":
		return &proxy.ToolChoice{Mode: "required"}
	case "none":
		return &proxy.ToolChoice{Mode: "none"}
	case "tool":
		return &proxy.ToolChoice{Mode: "function", Name: r.Get("name").String()}
	}
	return nil
}

// --- Stream encoding ---

// anthropicEncoder replays canonical events as Anthropic Messages stream
// frames. Content blocks carry monotone gap-free indices: a text run is one
// block, each tool call is its own block, and reasoning (when requested)
// occupies a thinking block. Finish closes the open block and emits
// message_delta plus message_stop exactly once.
type anthropicEncoder struct {
	id               string
	model            string
	includeReasoning bool
	index            int    // index of the open block
	blockType        string // "" when no block is open
	toolID           string
	stopReason       string
	usage            proxy.Usage
	done             bool
}

func newAnthropicEncoder(model string, includeReasoning bool) *anthropicEncoder {
	return &anthropicEncoder{
		id:               newID("msg_"),
		model:            model,
		includeReasoning: includeReasoning,
		index:            -1,
	}
}

func (e *anthropicEncoder) Start(w io.Writer) error {
	payload := buildFrame(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	return writeEvent(w, "message_start", payload)
}

func (e *anthropicEncoder) Encode(w io.Writer, ev proxy.Event) error {
	switch ev.Kind {
	case proxy.EventText:
		if err := e.ensureBlock(w, "text", "", ""); err != nil {
			return err
		}
		return e.writeBlockDelta(w, map[string]any{"type": "text_delta", "text": ev.Text})

	case proxy.EventReasoning:
		if !e.includeReasoning {
			return nil
		}
		if err := e.ensureBlock(w, "thinking", "", ""); err != nil {
			return err
		}
		return e.writeBlockDelta(w, map[string]any{"type": "thinking_delta", "thinking": ev.Text})

	case proxy.EventToolCallStart:
		return e.ensureBlock(w, "tool_use", ev.ToolID, ev.ToolName)

	case proxy.EventToolCallDelta:
		if err := e.ensureBlock(w, "tool_use", ev.ToolID, ev.ToolName); err != nil {
			return err
		}
		return e.writeBlockDelta(w, map[string]any{"type": "input_json_delta", "partial_json": ev.Text})

	case proxy.EventToolCallEnd:
		if e.blockType == "tool_use" && e.toolID == ev.ToolID {
			return e.closeBlock(w)
		}
		return nil

	case proxy.EventFinish:
		e.stopReason = anthropicStopReason(ev.FinishReason)
		return nil

	case proxy.EventUsage:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil
	}
	return nil
}

func (e *anthropicEncoder) Finish(w io.Writer) error {
	if e.done {
		return nil
	}
	e.done = true
	if err := e.closeBlock(w); err != nil {
		return err
	}
	if e.stopReason == "" {
		e.stopReason = "end_turn"
	}
	delta := buildFrame(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   e.stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":  e.usage.PromptTokens,
			"output_tokens": e.usage.CompletionTokens,
		},
	})
	if err := writeEvent(w, "message_delta", delta); err != nil {
		return err
	}
	return writeEvent(w, "message_stop", buildFrame(map[string]any{"type": "message_stop"}))
}

// ensureBlock opens a content block of the wanted type, closing the current
// one first when the type (or the tool call) changes.
func (e *anthropicEncoder) ensureBlock(w io.Writer, blockType, toolID, toolName string) error {
	if e.blockType == blockType && (blockType != "tool_use" || e.toolID == toolID) {
		return nil
	}
	if err := e.closeBlock(w); err != nil {
		return err
	}

	e.index++
	e.blockType = blockType
	e.toolID = toolID

	var block map[string]any
	switch blockType {
	case "text":
		block = map[string]any{"type": "text", "text": ""}
	case "thinking":
		block = map[string]any{"type": "thinking", "thinking": ""}
	case "tool_use":
		block = map[string]any{"type": "tool_use", "id": toolID, "name": toolName, "input": map[string]any{}}
	}
	payload := buildFrame(map[string]any{
		"type":          "content_block_start",
		"index":         e.index,
		"content_block": block,
	})
	return writeEvent(w, "content_block_start", payload)
}

func (e *anthropicEncoder) closeBlock(w io.Writer) error {
	if e.blockType == "" {
		return nil
	}
	e.blockType = ""
	e.toolID = ""
	payload := buildFrame(map[string]any{
		"type":  "content_block_stop",
		"index": e.index,
	})
	return writeEvent(w, "content_block_stop", payload)
}

func (e *anthropicEncoder) writeBlockDelta(w io.Writer, delta map[string]any) error {
	payload := buildFrame(map[string]any{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": delta,
	})
	return writeEvent(w, "content_block_delta", payload)
}

func anthropicStopReason(finish string) string {
	switch finish {
	case proxy.FinishToolCalls:
		return "tool_use"
	case proxy.FinishLength:
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func buildFrame(v map[string]any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// renderAnthropic serializes a completion as a non-streaming Anthropic
// Messages response body.
func renderAnthropic(model string, c *proxy.Completion, includeReasoning bool) []byte {
	content := []map[string]any{}
	if includeReasoning && c.Reasoning != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": c.Reasoning})
	}
	if c.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": c.Text})
	}
	for _, tc := range c.ToolCalls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": toolInput(tc.Arguments),
		})
	}

	out := map[string]any{
		"id":            newID("msg_"),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   anthropicStopReason(c.FinishReason),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  c.Usage.PromptTokens,
			"output_tokens": c.Usage.CompletionTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}

// toolInput re-emits accumulated tool arguments as a JSON object; fragments
// that never formed valid JSON degrade to an empty object.
func toolInput(args string) json.RawMessage {
	if gjson.Valid(args) && args != "" {
		return json.RawMessage(args)
	}
	return json.RawMessage("{}")
}
