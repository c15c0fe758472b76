package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider/sseutil"
)

// DecodeStream parses a Cloud Code SSE body into canonical events. The
// stream has no terminal sentinel; finish and usage are emitted at EOF from
// the last observed values.
func (c *Client) DecodeStream(ctx context.Context, body io.Reader) <-chan proxy.Event {
	ch := make(chan proxy.Event, 8)
	go readStream(ctx, body, ch)
	return ch
}

// streamState accumulates the cumulative fields Gemini repeats per chunk.
type streamState struct {
	finishReason string
	usage        *proxy.Usage
	sawToolCall  bool
	done         bool
}

func readStream(ctx context.Context, body io.Reader, ch chan<- proxy.Event) {
	defer close(ch)

	var state streamState
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
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
		case ch <- proxy.Event{Err: fmt.Errorf("gemini: read stream: %w", err)}:
		case <-ctx.Done():
		}
		return
	}

	finish := proxy.FinishStop
	switch {
	case state.finishReason == "MAX_TOKENS":
		finish = proxy.FinishLength
	case state.sawToolCall:
		finish = proxy.FinishToolCalls
	}
	tail := []proxy.Event{{Kind: proxy.EventFinish, FinishReason: finish}}
	if state.usage != nil {
		tail = append(tail, proxy.Event{Kind: proxy.EventUsage, Usage: state.usage})
	}
	for _, ev := range tail {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// handleChunk maps one Cloud Code payload to canonical events. Function
// calls arrive whole, so each expands to start/delta/end with a synthesized
// call id.
func (s *streamState) handleChunk(data string) []proxy.Event {
	r := gjson.Parse(data)
	if resp := r.Get("response"); resp.Exists() {
		r = resp
	}

	if errMsg := r.Get("error.message"); errMsg.Exists() {
		s.done = true
		return []proxy.Event{{Err: fmt.Errorf("gemini: stream error: %s", errMsg.String())}}
	}

	var events []proxy.Event
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			id := "call_" + uuid.NewString()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			s.sawToolCall = true
			events = append(events,
				proxy.Event{Kind: proxy.EventToolCallStart, ToolID: id, ToolName: fc.Get("name").String()},
				proxy.Event{Kind: proxy.EventToolCallDelta, ToolID: id, Text: args},
				proxy.Event{Kind: proxy.EventToolCallEnd, ToolID: id},
			)
		case p.Get("thought").Bool():
			if text := p.Get("text").String(); text != "" {
				events = append(events, proxy.Event{Kind: proxy.EventReasoning, Text: text})
			}
		default:
			if text := p.Get("text").String(); text != "" {
				events = append(events, proxy.Event{Kind: proxy.EventText, Text: text})
			}
		}
		return true
	})

	if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
		s.finishReason = fr
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		prompt := int(u.Get("promptTokenCount").Int())
		completion := int(u.Get("candidatesTokenCount").Int())
		total := int(u.Get("totalTokenCount").Int())
		if total == 0 {
			total = prompt + completion
		}
		s.usage = &proxy.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}
	return events
}
