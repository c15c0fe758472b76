// Package translator converts the three caller dialects to and from the
// canonical form. Decoding parses a dialect JSON body into a proxy.Request;
// encoding replays a canonical event stream as the dialect's wire frames.
//
// Encoders are single-use state machines: Start writes the stream preamble,
// Encode handles one canonical event, Finish writes the terminal frames.
// Finish is idempotent and must be called even when the upstream closed
// without a finish marker, so every stream ends with exactly one terminal.
package translator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
)

// Decoded is the outcome of parsing one dialect request body.
type Decoded struct {
	Request *proxy.Request

	// PinnedAccount carries the provider_account_id body field. Only the
	// Responses dialect supports pinning; empty means normal rotation.
	PinnedAccount string
}

// DecodeRequest parses body according to the caller's dialect. Errors are
// *proxy.APIError values ready for the dialect error envelope.
func DecodeRequest(d proxy.Dialect, body []byte) (*Decoded, error) {
	if !gjson.ValidBytes(body) {
		return nil, invalidRequest("request body is not valid JSON")
	}
	switch d {
	case proxy.DialectChat:
		return decodeChat(body)
	case proxy.DialectAnthropic:
		return decodeAnthropic(body)
	case proxy.DialectResponses:
		return decodeResponses(body)
	default:
		return nil, fmt.Errorf("translator: unknown dialect %q", d)
	}
}

// Encoder replays canonical events as one dialect's stream frames.
type Encoder interface {
	Start(w io.Writer) error
	Encode(w io.Writer, e proxy.Event) error
	Finish(w io.Writer) error
}

// NewEncoder returns a fresh stream encoder for the dialect. Reasoning
// events are dropped unless the caller opted in on the request.
func NewEncoder(d proxy.Dialect, model string, includeReasoning bool) Encoder {
	switch d {
	case proxy.DialectAnthropic:
		return newAnthropicEncoder(model, includeReasoning)
	case proxy.DialectResponses:
		return newResponsesEncoder(model, includeReasoning)
	default:
		return newChatEncoder(model, includeReasoning)
	}
}

// RenderCompletion serializes an aggregated completion as the dialect's
// non-streaming response body.
func RenderCompletion(d proxy.Dialect, model string, c *proxy.Completion, includeReasoning bool) []byte {
	switch d {
	case proxy.DialectAnthropic:
		return renderAnthropic(model, c, includeReasoning)
	case proxy.DialectResponses:
		return renderResponses(model, c, includeReasoning)
	default:
		return renderChat(model, c, includeReasoning)
	}
}

// Collect drains a canonical event stream into a single Completion for
// non-streaming callers. A stream error or context cancellation aborts the
// aggregation and is returned as-is.
func Collect(ctx context.Context, events <-chan proxy.Event) (*proxy.Completion, error) {
	var (
		c         proxy.Completion
		text      strings.Builder
		reasoning strings.Builder
		toolIdx   = make(map[string]int)
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.Text = text.String()
				c.Reasoning = reasoning.String()
				if c.FinishReason == "" {
					c.FinishReason = proxy.FinishStop
					if len(c.ToolCalls) > 0 {
						c.FinishReason = proxy.FinishToolCalls
					}
				}
				return &c, nil
			}
			if ev.Err != nil {
				return nil, ev.Err
			}
			switch ev.Kind {
			case proxy.EventText:
				text.WriteString(ev.Text)
			case proxy.EventReasoning:
				reasoning.WriteString(ev.Text)
			case proxy.EventToolCallStart:
				toolIdx[ev.ToolID] = len(c.ToolCalls)
				c.ToolCalls = append(c.ToolCalls, proxy.ToolCall{ID: ev.ToolID, Name: ev.ToolName})
			case proxy.EventToolCallDelta:
				if i, ok := toolIdx[ev.ToolID]; ok {
					c.ToolCalls[i].Arguments += ev.Text
				}
			case proxy.EventFinish:
				c.FinishReason = ev.FinishReason
			case proxy.EventUsage:
				if ev.Usage != nil {
					c.Usage = *ev.Usage
				}
			}
		}
	}
}

// NormalizeCallID maps provider-side function-call ids (fc_X, fc-X) onto the
// call_X form so tool-call linkage survives cross-dialect round trips.
func NormalizeCallID(id string) string {
	if rest, ok := strings.CutPrefix(id, "fc_"); ok {
		return "call_" + rest
	}
	if rest, ok := strings.CutPrefix(id, "fc-"); ok {
		return "call_" + rest
	}
	return id
}

// Pre-allocated byte slices for SSE framing in the streaming hot path.
var (
	sseDataPrefix  = []byte("data: ")
	sseEventPrefix = []byte("event: ")
	sseLineBreak   = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
)

// writeData writes one unnamed SSE frame: "data: <payload>\n\n".
func writeData(w io.Writer, payload []byte) error {
	if _, err := w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write(sseNewline)
	return err
}

// writeEvent writes one named SSE frame: "event: <name>\ndata: <payload>\n\n".
func writeEvent(w io.Writer, name string, payload []byte) error {
	if _, err := w.Write(sseEventPrefix); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if _, err := w.Write(sseLineBreak); err != nil {
		return err
	}
	return writeData(w, payload)
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

func invalidRequest(msg string) *proxy.APIError {
	return proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, msg)
}

// streamFlag reads the stream field; absent means streaming.
func streamFlag(r gjson.Result) bool {
	if v := r.Get("stream"); v.Exists() {
		return v.Bool()
	}
	return true
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() {
		return nil
	}
	f := r.Float()
	return &f
}

// textContent flattens a content value that may be a plain string or an
// array of typed parts into the concatenated text.
func textContent(r gjson.Result) string {
	if !r.IsArray() {
		return r.String()
	}
	var b strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text", "input_text", "output_text":
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
