package translator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	proxy "github.com/opendum/opendum/internal"
)

// frame is one parsed SSE frame; event is empty for unnamed data frames.
type frame struct {
	event string
	data  string
}

func parseSSE(t *testing.T, raw string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(strings.TrimSpace(raw), "\n\n") {
		var f frame
		for _, line := range strings.Split(block, "\n") {
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				f.event = after
			} else if after, ok := strings.CutPrefix(line, "data: "); ok {
				f.data = after
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// encodeStream runs the full encoder lifecycle over events and returns the
// parsed frames.
func encodeStream(t *testing.T, enc Encoder, events ...proxy.Event) []frame {
	t.Helper()
	var buf bytes.Buffer
	if err := enc.Start(&buf); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, ev := range events {
		if err := enc.Encode(&buf, ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := enc.Finish(&buf); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return parseSSE(t, buf.String())
}

func eventChan(events ...proxy.Event) <-chan proxy.Event {
	ch := make(chan proxy.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestDecodeRequestRejectsBadJSON(t *testing.T) {
	t.Parallel()

	_, err := DecodeRequest(proxy.DialectChat, []byte(`{"model": `))
	var apiErr *proxy.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != 400 || apiErr.Type != proxy.ErrTypeInvalidRequest {
		t.Errorf("got %d %s, want 400 %s", apiErr.Status, apiErr.Type, proxy.ErrTypeInvalidRequest)
	}
}

func TestNormalizeCallID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"fc_123", "call_123"},
		{"fc-abc", "call_abc"},
		{"call_123", "call_123"},
		{"toolu_9", "toolu_9"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeCallID(tc.in); got != tc.want {
			t.Errorf("NormalizeCallID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCollectAggregates(t *testing.T) {
	t.Parallel()

	events := eventChan(
		proxy.Event{Kind: proxy.EventReasoning, Text: "hmm "},
		proxy.Event{Kind: proxy.EventReasoning, Text: "ok"},
		proxy.Event{Kind: proxy.EventText, Text: "The answer"},
		proxy.Event{Kind: proxy.EventText, Text: " is 4."},
		proxy.Event{Kind: proxy.EventToolCallStart, ToolID: "call_1", ToolName: "lookup"},
		proxy.Event{Kind: proxy.EventToolCallDelta, ToolID: "call_1", Text: `{"q":`},
		proxy.Event{Kind: proxy.EventToolCallDelta, ToolID: "call_1", Text: `"x"}`},
		proxy.Event{Kind: proxy.EventToolCallEnd, ToolID: "call_1"},
		proxy.Event{Kind: proxy.EventFinish, FinishReason: proxy.FinishToolCalls},
		proxy.Event{Kind: proxy.EventUsage, Usage: &proxy.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}},
	)

	c, err := Collect(context.Background(), events)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if c.Text != "The answer is 4." {
		t.Errorf("text = %q", c.Text)
	}
	if c.Reasoning != "hmm ok" {
		t.Errorf("reasoning = %q", c.Reasoning)
	}
	if len(c.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(c.ToolCalls))
	}
	tc := c.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "lookup" || tc.Arguments != `{"q":"x"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if c.FinishReason != proxy.FinishToolCalls {
		t.Errorf("finish = %q", c.FinishReason)
	}
	if c.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", c.Usage)
	}
}

func TestCollectDefaultsFinishReason(t *testing.T) {
	t.Parallel()

	c, err := Collect(context.Background(), eventChan(
		proxy.Event{Kind: proxy.EventText, Text: "hi"},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if c.FinishReason != proxy.FinishStop {
		t.Errorf("finish = %q, want stop", c.FinishReason)
	}

	c, err = Collect(context.Background(), eventChan(
		proxy.Event{Kind: proxy.EventToolCallStart, ToolID: "call_1", ToolName: "f"},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if c.FinishReason != proxy.FinishToolCalls {
		t.Errorf("finish = %q, want tool_calls", c.FinishReason)
	}
}

func TestCollectPropagatesStreamError(t *testing.T) {
	t.Parallel()

	streamErr := errors.New("upstream reset")
	_, err := Collect(context.Background(), eventChan(
		proxy.Event{Kind: proxy.EventText, Text: "partial"},
		proxy.Event{Err: streamErr},
	))
	if !errors.Is(err, streamErr) {
		t.Fatalf("err = %v, want %v", err, streamErr)
	}
}

func TestCollectHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, make(chan proxy.Event))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
