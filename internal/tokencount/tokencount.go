// Package tokencount provides token estimation for usage recording when an
// upstream omits usage metadata. Uses a character-based heuristic (~4 chars
// per token for English) which is sufficient for accounting. Can be replaced
// with tiktoken for exact counts if needed.
package tokencount

import (
	proxy "github.com/opendum/opendum/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a relay request.
// Accounts for per-message overhead (role, formatting) following the
// OpenAI tokenization convention.
func (c *Counter) EstimateRequest(model string, messages []proxy.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(string(m.Role))
		total += estimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + estimateTokens(tc.Arguments)
		}
		if m.ToolCallID != "" {
			total += estimateTokens(m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// CountBytes estimates tokens for n bytes of text already streamed out,
// so callers can account for long streams without retaining them.
func (c *Counter) CountBytes(_ string, n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
// GPT-4o and newer use 4 tokens per message; older models use 3.
func messageOverhead(_ string) int {
	return 4
}
