package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider/sseutil"
)

// DecodeStream parses a Messages SSE body into canonical events.
func (c *Client) DecodeStream(ctx context.Context, body io.Reader) <-chan proxy.Event {
	ch := make(chan proxy.Event, 8)
	go readStream(ctx, body, ch)
	return ch
}

// streamState tracks open content blocks so deltas can be attributed to the
// tool call that opened them.
type streamState struct {
	blocks map[int64]blockState
	usage  proxy.Usage
}

type blockState struct {
	kind   string
	toolID string
}

func readStream(ctx context.Context, body io.Reader, ch chan<- proxy.Event) {
	defer close(ch)

	state := streamState{blocks: make(map[int64]blockState)}
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, ev := range state.handleEvent(currentEvent, data) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- proxy.Event{Err: fmt.Errorf("anthropic: read stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// handleEvent maps one Messages SSE event to zero or more canonical events.
func (s *streamState) handleEvent(event, data string) []proxy.Event {
	switch event {
	case "message_start":
		s.usage.PromptTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		return nil
	case "content_block_start":
		return s.onBlockStart(data)
	case "content_block_delta":
		return s.onBlockDelta(data)
	case "content_block_stop":
		return s.onBlockStop(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "error":
		msg := gjson.Get(data, "error.message").String()
		return []proxy.Event{{Err: fmt.Errorf("anthropic: stream error: %s", msg)}}
	default:
		// ping, message_stop, and unknown events carry nothing canonical.
		return nil
	}
}

func (s *streamState) onBlockStart(data string) []proxy.Event {
	r := gjson.Parse(data)
	index := r.Get("index").Int()
	kind := r.Get("content_block.type").String()

	bs := blockState{kind: kind}
	if kind == "tool_use" {
		bs.toolID = r.Get("content_block.id").String()
	}
	s.blocks[index] = bs

	if kind == "tool_use" {
		return []proxy.Event{{
			Kind:     proxy.EventToolCallStart,
			ToolID:   bs.toolID,
			ToolName: r.Get("content_block.name").String(),
		}}
	}
	return nil
}

func (s *streamState) onBlockDelta(data string) []proxy.Event {
	r := gjson.Parse(data)
	switch r.Get("delta.type").String() {
	case "text_delta":
		return []proxy.Event{{Kind: proxy.EventText, Text: r.Get("delta.text").String()}}
	case "thinking_delta":
		return []proxy.Event{{Kind: proxy.EventReasoning, Text: r.Get("delta.thinking").String()}}
	case "input_json_delta":
		bs := s.blocks[r.Get("index").Int()]
		return []proxy.Event{{
			Kind:   proxy.EventToolCallDelta,
			ToolID: bs.toolID,
			Text:   r.Get("delta.partial_json").String(),
		}}
	default:
		return nil
	}
}

func (s *streamState) onBlockStop(data string) []proxy.Event {
	index := gjson.Get(data, "index").Int()
	bs, ok := s.blocks[index]
	delete(s.blocks, index)
	if !ok || bs.kind != "tool_use" {
		return nil
	}
	return []proxy.Event{{Kind: proxy.EventToolCallEnd, ToolID: bs.toolID}}
}

func (s *streamState) onMessageDelta(data string) []proxy.Event {
	r := gjson.Parse(data)
	s.usage.CompletionTokens = int(r.Get("usage.output_tokens").Int())
	s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens

	events := []proxy.Event{{
		Kind:         proxy.EventFinish,
		FinishReason: mapStopReason(r.Get("delta.stop_reason").String()),
	}}
	usage := s.usage
	return append(events, proxy.Event{Kind: proxy.EventUsage, Usage: &usage})
}

// mapStopReason converts Messages stop reasons to canonical finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return proxy.FinishToolCalls
	case "max_tokens":
		return proxy.FinishLength
	default:
		return proxy.FinishStop
	}
}
