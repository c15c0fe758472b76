package copilot

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider/sseutil"
)

// DecodeStream parses a chat completions SSE body into canonical events.
func (c *Client) DecodeStream(ctx context.Context, body io.Reader) <-chan proxy.Event {
	ch := make(chan proxy.Event, 8)
	go readStream(ctx, body, ch)
	return ch
}

// streamState tracks open tool calls by choice index and buffers the
// finish reason and usage, which chat streams deliver on trailing chunks.
type streamState struct {
	calls        map[int64]string // tool_calls index -> call id
	sawToolCall  bool
	finishReason string
	usage        *proxy.Usage
	done         bool
}

func readStream(ctx context.Context, body io.Reader, ch chan<- proxy.Event) {
	defer close(ch)

	state := streamState{calls: make(map[int64]string)}
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		for _, ev := range state.handleChunk(data) {
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
		case ch <- proxy.Event{Err: fmt.Errorf("copilot: read stream: %w", err)}:
		case <-ctx.Done():
		}
		return
	}

	for _, ev := range state.flush() {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// handleChunk maps one chat completions chunk to canonical events.
func (s *streamState) handleChunk(data string) []proxy.Event {
	r := gjson.Parse(data)

	if errMsg := r.Get("error.message"); errMsg.Exists() {
		s.done = true
		return []proxy.Event{{Err: fmt.Errorf("copilot: stream error: %s", errMsg.String())}}
	}

	var events []proxy.Event
	delta := r.Get("choices.0.delta")
	if text := delta.Get("content").String(); text != "" {
		events = append(events, proxy.Event{Kind: proxy.EventText, Text: text})
	}
	if text := delta.Get("reasoning_content").String(); text != "" {
		events = append(events, proxy.Event{Kind: proxy.EventReasoning, Text: text})
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := tc.Get("index").Int()
		if id := tc.Get("id").String(); id != "" && s.calls[idx] == "" {
			s.calls[idx] = id
			s.sawToolCall = true
			events = append(events, proxy.Event{
				Kind:     proxy.EventToolCallStart,
				ToolID:   id,
				ToolName: tc.Get("function.name").String(),
			})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			events = append(events, proxy.Event{
				Kind:   proxy.EventToolCallDelta,
				ToolID: s.calls[idx],
				Text:   args,
			})
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason").String(); fr != "" {
		s.finishReason = fr
	}
	if u := r.Get("usage"); u.IsObject() {
		prompt := int(u.Get("prompt_tokens").Int())
		completion := int(u.Get("completion_tokens").Int())
		total := int(u.Get("total_tokens").Int())
		if total == 0 {
			total = prompt + completion
		}
		s.usage = &proxy.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}
	return events
}

// flush closes open tool calls and emits the buffered terminal events.
func (s *streamState) flush() []proxy.Event {
	var events []proxy.Event
	for _, idx := range slices.Sorted(maps.Keys(s.calls)) {
		events = append(events, proxy.Event{Kind: proxy.EventToolCallEnd, ToolID: s.calls[idx]})
	}

	reason := proxy.FinishStop
	switch {
	case s.finishReason == "length":
		reason = proxy.FinishLength
	case s.finishReason == "tool_calls" || s.sawToolCall:
		reason = proxy.FinishToolCalls
	}
	events = append(events, proxy.Event{Kind: proxy.EventFinish, FinishReason: reason})

	if s.usage != nil {
		events = append(events, proxy.Event{Kind: proxy.EventUsage, Usage: s.usage})
	}
	return events
}
