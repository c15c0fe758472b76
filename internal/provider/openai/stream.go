package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider/sseutil"
)

// DecodeStream parses a Responses SSE body into canonical events.
func (c *Client) DecodeStream(ctx context.Context, body io.Reader) <-chan proxy.Event {
	ch := make(chan proxy.Event, 8)
	go readStream(ctx, body, ch)
	return ch
}

// streamState maps open function-call items back to their call ids and
// remembers whether the response produced any tool calls.
type streamState struct {
	calls       map[string]string // item_id -> call_id
	sawToolCall bool
	done        bool
}

func readStream(ctx context.Context, body io.Reader, ch chan<- proxy.Event) {
	defer close(ch)

	state := streamState{calls: make(map[string]string)}
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		for _, ev := range state.handleEvent(data) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if state.done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- proxy.Event{Err: fmt.Errorf("openai: read stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// handleEvent maps one Responses SSE payload to zero or more canonical
// events. The payload's type field names the event; event: lines repeat it.
func (s *streamState) handleEvent(data string) []proxy.Event {
	r := gjson.Parse(data)

	switch r.Get("type").String() {
	case "response.output_item.added":
		return s.onItemAdded(r)
	case "response.output_text.delta":
		return []proxy.Event{{Kind: proxy.EventText, Text: r.Get("delta").String()}}
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []proxy.Event{{Kind: proxy.EventReasoning, Text: r.Get("delta").String()}}
	case "response.function_call_arguments.delta":
		return []proxy.Event{{
			Kind:   proxy.EventToolCallDelta,
			ToolID: s.callID(r.Get("item_id").String()),
			Text:   r.Get("delta").String(),
		}}
	case "response.output_item.done":
		if r.Get("item.type").String() != "function_call" {
			return nil
		}
		return []proxy.Event{{Kind: proxy.EventToolCallEnd, ToolID: s.callID(r.Get("item.id").String())}}
	case "response.completed", "response.incomplete":
		return s.onTerminal(r)
	case "response.failed":
		msg := r.Get("response.error.message").String()
		s.done = true
		return []proxy.Event{{Err: fmt.Errorf("openai: response failed: %s", msg)}}
	case "error":
		s.done = true
		return []proxy.Event{{Err: fmt.Errorf("openai: stream error: %s", r.Get("message").String())}}
	default:
		return nil
	}
}

func (s *streamState) onItemAdded(r gjson.Result) []proxy.Event {
	if r.Get("item.type").String() != "function_call" {
		return nil
	}
	itemID := r.Get("item.id").String()
	callID := r.Get("item.call_id").String()
	if callID == "" {
		callID = itemID
	}
	s.calls[itemID] = callID
	s.sawToolCall = true
	return []proxy.Event{{
		Kind:     proxy.EventToolCallStart,
		ToolID:   callID,
		ToolName: r.Get("item.name").String(),
	}}
}

func (s *streamState) onTerminal(r gjson.Result) []proxy.Event {
	s.done = true

	reason := proxy.FinishStop
	switch {
	case r.Get("type").String() == "response.incomplete",
		r.Get("response.incomplete_details.reason").String() == "max_output_tokens":
		reason = proxy.FinishLength
	case s.sawToolCall:
		reason = proxy.FinishToolCalls
	}
	events := []proxy.Event{{Kind: proxy.EventFinish, FinishReason: reason}}

	if u := r.Get("response.usage"); u.Exists() {
		prompt := int(u.Get("input_tokens").Int())
		completion := int(u.Get("output_tokens").Int())
		total := int(u.Get("total_tokens").Int())
		if total == 0 {
			total = prompt + completion
		}
		events = append(events, proxy.Event{Kind: proxy.EventUsage, Usage: &proxy.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      total,
		}})
	}
	return events
}

// callID resolves an item id to the call id recorded when the item opened.
func (s *streamState) callID(itemID string) string {
	if id, ok := s.calls[itemID]; ok {
		return id
	}
	return itemID
}
