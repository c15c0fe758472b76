package translator

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
)

// decodeResponses parses a Responses API request body. The input array mixes
// message, function_call, and function_call_output items; function_call
// items fold into the preceding assistant message's tool-call list and
// function_call_output items become canonical tool messages.
func decodeResponses(body []byte) (*Decoded, error) {
	r := gjson.ParseBytes(body)

	req := &proxy.Request{
		Model:            r.Get("model").String(),
		MaxTokens:        int(r.Get("max_output_tokens").Int()),
		Temperature:      optFloat(r.Get("temperature")),
		TopP:             optFloat(r.Get("top_p")),
		Stream:           streamFlag(r),
		IncludeReasoning: r.Get("reasoning").Exists(),
	}
	if req.Model == "" {
		return nil, invalidRequest("model is required")
	}

	if inst := r.Get("instructions").String(); inst != "" {
		req.Messages = append(req.Messages, proxy.Message{Role: proxy.RoleSystem, Content: inst})
	}

	input := r.Get("input")
	switch {
	case input.Type == gjson.String:
		req.Messages = append(req.Messages, proxy.Message{Role: proxy.RoleUser, Content: input.String()})
	case input.IsArray():
		for _, item := range input.Array() {
			decodeResponsesItem(req, item)
		}
	}
	if len(req.Messages) == 0 {
		return nil, invalidRequest("input is required")
	}

	for _, t := range r.Get("tools").Array() {
		// Responses declares functions flat; the nested Chat form is
		// accepted as a fallback.
		fn := t
		if t.Get("name").String() == "" && t.Get("function").Exists() {
			fn = t.Get("function")
		}
		tool := proxy.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		req.Tools = append(req.Tools, tool)
	}
	req.ToolChoice = decodeToolChoice(r.Get("tool_choice"), "name")

	return &Decoded{
		Request:       req,
		PinnedAccount: r.Get("provider_account_id").String(),
	}, nil
}

func decodeResponsesItem(req *proxy.Request, item gjson.Result) {
	typ := item.Get("type").String()
	if typ == "" && item.Get("role").Exists() {
		typ = "message"
	}
	switch typ {
	case "message":
		role := item.Get("role").String()
		if role == "developer" {
			role = proxy.RoleSystem
		}
		switch role {
		case proxy.RoleSystem, proxy.RoleUser, proxy.RoleAssistant:
			req.Messages = append(req.Messages, proxy.Message{
				Role:    role,
				Content: textContent(item.Get("content")),
			})
		}

	case "function_call":
		id := item.Get("call_id").String()
		if id == "" {
			id = item.Get("id").String()
		}
		tc := proxy.ToolCall{
			ID:        NormalizeCallID(id),
			Name:      item.Get("name").String(),
			Arguments: item.Get("arguments").String(),
		}
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == proxy.RoleAssistant {
			req.Messages[n-1].ToolCalls = append(req.Messages[n-1].ToolCalls, tc)
			return
		}
		req.Messages = append(req.Messages, proxy.Message{
			Role:      proxy.RoleAssistant,
			ToolCalls: []proxy.ToolCall{tc},
		})

	case "function_call_output":
		req.Messages = append(req.Messages, proxy.Message{
			Role:       proxy.RoleTool,
			Content:    textContent(item.Get("output")),
			ToolCallID: NormalizeCallID(item.Get("call_id").String()),
		})

	case "reasoning":
		// Prior-turn reasoning items are never forwarded upstream.
	}
}

// --- Stream encoding ---

// responsesEncoder replays canonical events as Responses API stream frames.
// Output items mirror the decode direction: one message item for the text
// run, one reasoning item when requested, one function_call item per tool
// call. response.completed carries the accumulated output exactly once.
type responsesEncoder struct {
	id               string
	model            string
	includeReasoning bool
	created          int64

	itemType string // "" when no item is open
	itemID   string
	toolName string
	text     strings.Builder
	summary  strings.Builder
	args     strings.Builder

	output           []map[string]any
	status           string
	incompleteReason string
	usage            proxy.Usage
	done             bool
}

func newResponsesEncoder(model string, includeReasoning bool) *responsesEncoder {
	return &responsesEncoder{
		id:               newID("resp_"),
		model:            model,
		includeReasoning: includeReasoning,
		created:          time.Now().Unix(),
		status:           "completed",
	}
}

func (e *responsesEncoder) Start(w io.Writer) error {
	snapshot := map[string]any{
		"id":         e.id,
		"object":     "response",
		"created_at": e.created,
		"model":      e.model,
		"status":     "in_progress",
		"output":     []any{},
	}
	created := buildFrame(map[string]any{"type": "response.created", "response": snapshot})
	if err := writeEvent(w, "response.created", created); err != nil {
		return err
	}
	progress := buildFrame(map[string]any{"type": "response.in_progress", "response": snapshot})
	return writeEvent(w, "response.in_progress", progress)
}

func (e *responsesEncoder) Encode(w io.Writer, ev proxy.Event) error {
	switch ev.Kind {
	case proxy.EventText:
		if err := e.ensureItem(w, "message", "", ""); err != nil {
			return err
		}
		e.text.WriteString(ev.Text)
		return e.writeItemEvent(w, "response.output_text.delta", map[string]any{
			"content_index": 0,
			"delta":         ev.Text,
		})

	case proxy.EventReasoning:
		if !e.includeReasoning {
			return nil
		}
		if err := e.ensureItem(w, "reasoning", "", ""); err != nil {
			return err
		}
		e.summary.WriteString(ev.Text)
		return e.writeItemEvent(w, "response.reasoning_summary_text.delta", map[string]any{
			"summary_index": 0,
			"delta":         ev.Text,
		})

	case proxy.EventToolCallStart:
		return e.ensureItem(w, "function_call", ev.ToolID, ev.ToolName)

	case proxy.EventToolCallDelta:
		if err := e.ensureItem(w, "function_call", ev.ToolID, ev.ToolName); err != nil {
			return err
		}
		e.args.WriteString(ev.Text)
		return e.writeItemEvent(w, "response.function_call_arguments.delta", map[string]any{
			"delta": ev.Text,
		})

	case proxy.EventToolCallEnd:
		if e.itemType == "function_call" && e.itemID == ev.ToolID {
			return e.closeItem(w)
		}
		return nil

	case proxy.EventFinish:
		if ev.FinishReason == proxy.FinishLength {
			e.status = "incomplete"
			e.incompleteReason = "max_output_tokens"
		}
		return nil

	case proxy.EventUsage:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil
	}
	return nil
}

func (e *responsesEncoder) Finish(w io.Writer) error {
	if e.done {
		return nil
	}
	e.done = true
	if err := e.closeItem(w); err != nil {
		return err
	}

	response := map[string]any{
		"id":         e.id,
		"object":     "response",
		"created_at": e.created,
		"model":      e.model,
		"status":     e.status,
		"output":     e.output,
		"usage": map[string]any{
			"input_tokens":  e.usage.PromptTokens,
			"output_tokens": e.usage.CompletionTokens,
			"total_tokens":  e.usage.TotalTokens,
		},
	}
	if e.incompleteReason != "" {
		response["incomplete_details"] = map[string]any{"reason": e.incompleteReason}
	}
	payload := buildFrame(map[string]any{"type": "response.completed", "response": response})
	return writeEvent(w, "response.completed", payload)
}

// ensureItem opens an output item of the wanted type, closing the current
// one first when the type (or the tool call) changes.
func (e *responsesEncoder) ensureItem(w io.Writer, itemType, toolID, toolName string) error {
	if e.itemType == itemType && (itemType != "function_call" || e.itemID == toolID) {
		return nil
	}
	if err := e.closeItem(w); err != nil {
		return err
	}

	e.itemType = itemType
	var item map[string]any
	switch itemType {
	case "message":
		e.itemID = newID("msg_")
		item = map[string]any{
			"type":    "message",
			"id":      e.itemID,
			"role":    "assistant",
			"status":  "in_progress",
			"content": []any{},
		}
	case "reasoning":
		e.itemID = newID("rs_")
		item = map[string]any{
			"type":    "reasoning",
			"id":      e.itemID,
			"summary": []any{},
		}
	case "function_call":
		e.itemID = toolID
		e.toolName = toolName
		item = map[string]any{
			"type":      "function_call",
			"id":        toolID,
			"call_id":   toolID,
			"name":      toolName,
			"arguments": "",
			"status":    "in_progress",
		}
	}
	payload := buildFrame(map[string]any{
		"type":         "response.output_item.added",
		"output_index": len(e.output),
		"item":         item,
	})
	return writeEvent(w, "response.output_item.added", payload)
}

// closeItem finalizes the open item, emits its terminal events, and appends
// it to the accumulated output.
func (e *responsesEncoder) closeItem(w io.Writer) error {
	if e.itemType == "" {
		return nil
	}

	var item map[string]any
	switch e.itemType {
	case "message":
		item = map[string]any{
			"type":   "message",
			"id":     e.itemID,
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text",
				"text": e.text.String(),
			}},
		}
	case "reasoning":
		item = map[string]any{
			"type": "reasoning",
			"id":   e.itemID,
			"summary": []map[string]any{{
				"type": "summary_text",
				"text": e.summary.String(),
			}},
		}
	case "function_call":
		if err := e.writeItemEvent(w, "response.function_call_arguments.done", map[string]any{
			"arguments": e.args.String(),
		}); err != nil {
			return err
		}
		item = map[string]any{
			"type":      "function_call",
			"id":        e.itemID,
			"call_id":   e.itemID,
			"name":      e.toolName,
			"arguments": e.args.String(),
			"status":    "completed",
		}
	}

	payload := buildFrame(map[string]any{
		"type":         "response.output_item.done",
		"output_index": len(e.output),
		"item":         item,
	})
	if err := writeEvent(w, "response.output_item.done", payload); err != nil {
		return err
	}

	e.output = append(e.output, item)
	e.itemType = ""
	e.itemID = ""
	e.toolName = ""
	e.text.Reset()
	e.summary.Reset()
	e.args.Reset()
	return nil
}

func (e *responsesEncoder) writeItemEvent(w io.Writer, name string, fields map[string]any) error {
	payload := map[string]any{
		"type":         name,
		"item_id":      e.itemID,
		"output_index": len(e.output),
	}
	for k, v := range fields {
		payload[k] = v
	}
	return writeEvent(w, name, buildFrame(payload))
}

// renderResponses serializes a completion as a non-streaming Responses API
// response body. Tool arguments stay the raw accumulated string.
func renderResponses(model string, c *proxy.Completion, includeReasoning bool) []byte {
	output := []map[string]any{}
	if includeReasoning && c.Reasoning != "" {
		output = append(output, map[string]any{
			"type": "reasoning",
			"id":   newID("rs_"),
			"summary": []map[string]any{{
				"type": "summary_text",
				"text": c.Reasoning,
			}},
		})
	}
	if c.Text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     newID("msg_"),
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text",
				"text": c.Text,
			}},
		})
	}
	for _, tc := range c.ToolCalls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        tc.ID,
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
			"status":    "completed",
		})
	}

	out := map[string]any{
		"id":         newID("resp_"),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      model,
		"status":     "completed",
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  c.Usage.PromptTokens,
			"output_tokens": c.Usage.CompletionTokens,
			"total_tokens":  c.Usage.TotalTokens,
		},
	}
	if c.FinishReason == proxy.FinishLength {
		out["status"] = "incomplete"
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	b, _ := json.Marshal(out)
	return b
}
