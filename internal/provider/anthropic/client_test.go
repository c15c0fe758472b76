package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	proxy "github.com/opendum/opendum/internal"
)

func TestEncodeRequest(t *testing.T) {
	t.Parallel()

	req := &proxy.Request{
		Model: "claude-sonnet-4-5",
		Messages: []proxy.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "what's the weather in Oslo?"},
			{Role: "assistant", Content: "checking", ToolCalls: []proxy.ToolCall{
				{ID: "toolu_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
			{Role: "tool", ToolCallID: "toolu_1", Content: "12C"},
		},
		Tools: []proxy.Tool{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","additionalProperties":false}`),
		}},
		ToolChoice: &proxy.ToolChoice{Mode: "required"},
	}

	out := encodeRequest(req)
	if out.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", out.Model)
	}
	if out.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", out.MaxTokens, defaultMaxTokens)
	}
	if !out.Stream {
		t.Error("upstream request must stream")
	}
	if out.System != "be brief" {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system extracted)", len(out.Messages))
	}

	asst := out.Messages[1]
	if asst.Role != "assistant" || len(asst.Content) != 2 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.Content[1].Type != "tool_use" || asst.Content[1].ID != "toolu_1" {
		t.Errorf("tool_use block = %+v", asst.Content[1])
	}

	result := out.Messages[2]
	if result.Role != "user" || result.Content[0].Type != "tool_result" {
		t.Fatalf("tool result = %+v", result)
	}
	if result.Content[0].ToolUseID != "toolu_1" || result.Content[0].Content != "12C" {
		t.Errorf("tool_result block = %+v", result.Content[0])
	}

	if strings.Contains(string(out.Tools[0].InputSchema), "additionalProperties") {
		t.Error("schema not sanitized")
	}
	if out.ToolChoice["type"] != "any" {
		t.Errorf("tool_choice = %v, want any", out.ToolChoice)
	}
	if out.Thinking != nil {
		t.Error("thinking should be off without opt-in")
	}
}

func TestEncodeRequestThinking(t *testing.T) {
	t.Parallel()

	out := encodeRequest(&proxy.Request{
		Model:            "claude-opus-4-5",
		Messages:         []proxy.Message{{Role: "user", Content: "hi"}},
		IncludeReasoning: true,
	})
	if out.Thinking == nil || out.Thinking.Type != "enabled" {
		t.Fatalf("thinking = %+v", out.Thinking)
	}
	if out.Thinking.BudgetTokens >= out.MaxTokens {
		t.Errorf("budget %d must stay below max_tokens %d", out.Thinking.BudgetTokens, out.MaxTokens)
	}

	// A tiny response cap cannot fit the upstream thinking floor.
	small := encodeRequest(&proxy.Request{
		Model:            "claude-opus-4-5",
		Messages:         []proxy.Message{{Role: "user", Content: "hi"}},
		MaxTokens:        256,
		IncludeReasoning: true,
	})
	if small.Thinking != nil {
		t.Errorf("thinking = %+v, want nil under small max_tokens", small.Thinking)
	}
}

func TestEncodeToolChoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode, name string
		wantType   string
	}{
		{"auto", "", "auto"},
		{"required", "", "any"},
		{"none", "", "none"},
		{"function", "get_weather", "tool"},
	}
	for _, tt := range tests {
		got := encodeToolChoice(&proxy.ToolChoice{Mode: tt.mode, Name: tt.name})
		if got["type"] != tt.wantType {
			t.Errorf("mode %q: type = %v, want %q", tt.mode, got["type"], tt.wantType)
		}
		if tt.mode == "function" && got["name"] != "get_weather" {
			t.Errorf("mode function: name = %v", got["name"])
		}
	}
}

func TestToolInput(t *testing.T) {
	t.Parallel()

	if got := toolInput(`{"a":1}`); string(got) != `{"a":1}` {
		t.Errorf("valid input = %s", got)
	}
	if got := toolInput(`{"a":`); string(got) != `{}` {
		t.Errorf("broken input = %s", got)
	}
	if got := toolInput(""); string(got) != `{}` {
		t.Errorf("empty input = %s", got)
	}
}

func TestAuthURL(t *testing.T) {
	t.Parallel()

	c := New("", nil)
	raw, err := c.AuthURL("state-1", "verifier-1")
	if err != nil {
		t.Fatalf("AuthURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != oauthClientID {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != "state-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge = %q method = %q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
	if q.Get("scope") != oauthScope {
		t.Errorf("scope = %q", q.Get("scope"))
	}
}

func TestDeviceFlowUnsupported(t *testing.T) {
	t.Parallel()

	c := New("", nil)
	if _, err := c.InitiateDeviceCode(context.Background()); err != proxy.ErrUnsupportedFlow {
		t.Errorf("InitiateDeviceCode err = %v", err)
	}
	if _, err := c.PollDeviceCode(context.Background(), &proxy.DeviceAuth{}); err != proxy.ErrUnsupportedFlow {
		t.Errorf("PollDeviceCode err = %v", err)
	}
}

func TestMakeRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("beta") != "true" {
			t.Error("missing beta=true")
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Error("missing anthropic-version")
		}
		if r.Header.Get("anthropic-beta") != oauthBeta {
			t.Error("missing anthropic-beta")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["model"] != "claude-sonnet-4-5" {
			t.Errorf("model = %v", body["model"])
		}
		if body["stream"] != true {
			t.Error("stream must be true upstream")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	resp, err := c.MakeRequest(context.Background(), proxy.Credential{AccessToken: "tok-1"}, nil, &proxy.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []proxy.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("MakeRequest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDecodeStream(t *testing.T) {
	t.Parallel()

	sse := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":10}}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":0}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"text"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":1}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"Oslo\"}"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":2}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	c := New("", nil)
	var events []proxy.Event
	for ev := range c.DecodeStream(context.Background(), strings.NewReader(sse)) {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		events = append(events, ev)
	}

	wantKinds := []proxy.EventKind{
		proxy.EventReasoning,
		proxy.EventText,
		proxy.EventToolCallStart,
		proxy.EventToolCallDelta,
		proxy.EventToolCallEnd,
		proxy.EventFinish,
		proxy.EventUsage,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Errorf("events[%d].Kind = %d, want %d", i, events[i].Kind, want)
		}
	}

	if events[0].Text != "hmm" {
		t.Errorf("reasoning = %q", events[0].Text)
	}
	if events[2].ToolID != "toolu_1" || events[2].ToolName != "get_weather" {
		t.Errorf("tool start = %+v", events[2])
	}
	if events[3].ToolID != "toolu_1" || events[3].Text != `{"city":"Oslo"}` {
		t.Errorf("tool delta = %+v", events[3])
	}
	if events[5].FinishReason != proxy.FinishToolCalls {
		t.Errorf("finish = %q", events[5].FinishReason)
	}
	u := events[6].Usage
	if u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
}

func TestDecodeStreamError(t *testing.T) {
	t.Parallel()

	sse := "event: error\n" +
		`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}` + "\n\n"

	c := New("", nil)
	var last proxy.Event
	for ev := range c.DecodeStream(context.Background(), strings.NewReader(sse)) {
		last = ev
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "overloaded") {
		t.Fatalf("err = %v", last.Err)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"end_turn", proxy.FinishStop},
		{"stop_sequence", proxy.FinishStop},
		{"tool_use", proxy.FinishToolCalls},
		{"max_tokens", proxy.FinishLength},
		{"", proxy.FinishStop},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
