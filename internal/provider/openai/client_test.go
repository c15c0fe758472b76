package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
		Model: "gpt-5",
		Messages: []proxy.Message{
			{Role: "system", Content: "be brief"},
			{Role: "system", Content: "answer in metric"},
			{Role: "user", Content: "what's the weather in Oslo?"},
			{Role: "assistant", Content: "checking", ToolCalls: []proxy.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "12C"},
		},
		Tools: []proxy.Tool{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","additionalProperties":false}`),
		}},
		ToolChoice: &proxy.ToolChoice{Mode: "function", Name: "get_weather"},
		MaxTokens:  512,
	}

	out := encodeRequest(req)
	if out.Model != "gpt-5" {
		t.Errorf("model = %q", out.Model)
	}
	if !out.Stream || out.Store {
		t.Errorf("stream = %v store = %v, want true/false", out.Stream, out.Store)
	}
	if out.Instructions != "be brief\n\nanswer in metric" {
		t.Errorf("instructions = %q", out.Instructions)
	}
	if out.MaxOutputTokens != 512 {
		t.Errorf("max_output_tokens = %d", out.MaxOutputTokens)
	}

	// user message, assistant message, function_call, function_call_output
	if len(out.Input) != 4 {
		t.Fatalf("got %d input items, want 4", len(out.Input))
	}
	if out.Input[0].Type != "message" || out.Input[0].Content[0].Type != "input_text" {
		t.Errorf("user item = %+v", out.Input[0])
	}
	if out.Input[1].Content[0].Type != "output_text" || out.Input[1].Content[0].Text != "checking" {
		t.Errorf("assistant item = %+v", out.Input[1])
	}
	call := out.Input[2]
	if call.Type != "function_call" || call.CallID != "call_1" || call.Name != "get_weather" {
		t.Errorf("function_call item = %+v", call)
	}
	result := out.Input[3]
	if result.Type != "function_call_output" || result.CallID != "call_1" || result.Output != "12C" {
		t.Errorf("function_call_output item = %+v", result)
	}

	if strings.Contains(string(out.Tools[0].Parameters), "additionalProperties") {
		t.Error("schema not sanitized")
	}
	tc, ok := out.ToolChoice.(map[string]any)
	if !ok || tc["type"] != "function" || tc["name"] != "get_weather" {
		t.Errorf("tool_choice = %v", out.ToolChoice)
	}
	if out.Reasoning != nil {
		t.Error("reasoning should be off without opt-in")
	}
}

func TestEncodeRequestReasoning(t *testing.T) {
	t.Parallel()

	out := encodeRequest(&proxy.Request{
		Model:            "gpt-5",
		Messages:         []proxy.Message{{Role: "user", Content: "hi"}},
		IncludeReasoning: true,
	})
	if out.Reasoning == nil || out.Reasoning.Effort != "medium" || out.Reasoning.Summary != "auto" {
		t.Fatalf("reasoning = %+v", out.Reasoning)
	}
}

func TestEncodeToolChoice(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"auto", "required", "none"} {
		if got := encodeToolChoice(&proxy.ToolChoice{Mode: mode}); got != mode {
			t.Errorf("encodeToolChoice(%q) = %v", mode, got)
		}
	}
	if got := encodeToolChoice(&proxy.ToolChoice{Mode: "bogus"}); got != "auto" {
		t.Errorf("unknown mode = %v, want auto", got)
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
	if u.Host != "auth.openai.com" || u.Path != "/oauth/authorize" {
		t.Errorf("endpoint = %s%s", u.Host, u.Path)
	}

	q := u.Query()
	if q.Get("client_id") != oauthClientID {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != "state-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Error("missing PKCE challenge")
	}
	if q.Get("id_token_add_organizations") != "true" || q.Get("codex_cli_simplified_flow") != "true" {
		t.Error("missing codex flow parameters")
	}
	if q.Get("redirect_uri") != defaultRedirectURI {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
}

func TestParseIDToken(t *testing.T) {
	t.Parallel()

	payload, _ := json.Marshal(map[string]any{
		"email": "dev@example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct_123",
			"organizations":      []map[string]any{{"title": "Acme"}},
		},
	})
	token := "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	accountID, email, org := parseIDToken(token)
	if accountID != "acct_123" {
		t.Errorf("accountID = %q", accountID)
	}
	if email != "dev@example.com" {
		t.Errorf("email = %q", email)
	}
	if org != "Acme" {
		t.Errorf("org = %q", org)
	}

	if id, _, _ := parseIDToken("garbage"); id != "" {
		t.Errorf("malformed token yielded %q", id)
	}
}

func TestDeviceFlowUnsupported(t *testing.T) {
	t.Parallel()

	c := New("", nil)
	if _, err := c.InitiateDeviceCode(context.Background()); !errors.Is(err, proxy.ErrUnsupportedFlow) {
		t.Errorf("InitiateDeviceCode err = %v", err)
	}
	if _, err := c.PollDeviceCode(context.Background(), &proxy.DeviceAuth{}); !errors.Is(err, proxy.ErrUnsupportedFlow) {
		t.Errorf("PollDeviceCode err = %v", err)
	}
}

func TestMakeRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("chatgpt-account-id"); got != "acct_123" {
			t.Errorf("chatgpt-account-id = %q", got)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "responses=experimental" {
			t.Errorf("openai-beta = %q", got)
		}
		if r.Header.Get("session_id") == "" {
			t.Error("missing session_id")
		}

		var body responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !body.Stream || body.Store {
			t.Errorf("stream = %v store = %v", body.Stream, body.Store)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\",\"response\":{}}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	resp, err := c.MakeRequest(context.Background(),
		proxy.Credential{AccessToken: "tok-1"},
		&proxy.ProviderAccount{UpstreamAccountID: "acct_123"},
		&proxy.Request{Model: "gpt-5", Messages: []proxy.Message{{Role: "user", Content: "hi"}}},
	)
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

	sse := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		``,
		`data: {"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"get_weather"}}`,
		``,
		`data: {"type":"response.reasoning_summary_text.delta","delta":"weighing options"}`,
		``,
		`data: {"type":"response.output_text.delta","delta":"Hello"}`,
		``,
		`data: {"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"city\":\"Oslo\"}"}`,
		``,
		`data: {"type":"response.output_item.done","item":{"type":"function_call","id":"item_1"}}`,
		``,
		`data: {"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`,
		``,
	}, "\n")

	c := New("", nil)
	var events []proxy.Event
	for ev := range c.DecodeStream(context.Background(), strings.NewReader(sse)) {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		events = append(events, ev)
	}

	wantKinds := []proxy.EventKind{
		proxy.EventToolCallStart,
		proxy.EventReasoning,
		proxy.EventText,
		proxy.EventToolCallDelta,
		proxy.EventToolCallEnd,
		proxy.EventFinish,
		proxy.EventUsage,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Errorf("event[%d].Kind = %d, want %d", i, events[i].Kind, kind)
		}
	}

	if events[0].ToolID != "call_1" || events[0].ToolName != "get_weather" {
		t.Errorf("tool start = %+v", events[0])
	}
	if events[3].ToolID != "call_1" || events[3].Text != `{"city":"Oslo"}` {
		t.Errorf("tool delta = %+v", events[3])
	}
	if events[4].ToolID != "call_1" {
		t.Errorf("tool end = %+v", events[4])
	}
	if events[5].FinishReason != proxy.FinishToolCalls {
		t.Errorf("finish = %q", events[5].FinishReason)
	}
	u := events[6].Usage
	if u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
}

func TestDecodeStreamIncomplete(t *testing.T) {
	t.Parallel()

	sse := `data: {"type":"response.incomplete","response":{"incomplete_details":{"reason":"max_output_tokens"}}}` + "\n\n"

	c := New("", nil)
	var events []proxy.Event
	for ev := range c.DecodeStream(context.Background(), strings.NewReader(sse)) {
		events = append(events, ev)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != proxy.EventFinish || events[0].FinishReason != proxy.FinishLength {
		t.Errorf("finish = %+v", events[0])
	}
}

func TestDecodeStreamError(t *testing.T) {
	t.Parallel()

	sse := `data: {"type":"response.failed","response":{"error":{"message":"quota exceeded"}}}` + "\n\n"

	c := New("", nil)
	var last proxy.Event
	for ev := range c.DecodeStream(context.Background(), strings.NewReader(sse)) {
		last = ev
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v", last.Err)
	}
}
