package ledger

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// retryAfterCap bounds header-derived waits; anything longer is treated
// as a misconfigured upstream clock.
const retryAfterCap = 24 * time.Hour

// defaultCooldown is used when a rate-limit body carries no parseable
// reset hint.
const defaultCooldown = time.Hour

// UpstreamLimit is the reset hint extracted from a provider's 429 payload.
type UpstreamLimit struct {
	RetryAfter time.Duration
	Model      string
	Message    string
}

// ParseRetryAfterMs extracts a wait from rate-limit response headers.
// retry-after-ms carries milliseconds and wins over retry-after, which
// carries seconds. The result is capped at 24h. ok is false when neither
// header parses.
func ParseRetryAfterMs(h http.Header) (time.Duration, bool) {
	if raw := h.Get("retry-after-ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			return capWait(time.Duration(ms) * time.Millisecond), true
		}
	}
	if raw := h.Get("retry-after"); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			return capWait(time.Duration(secs) * time.Second), true
		}
	}
	return 0, false
}

func capWait(d time.Duration) time.Duration {
	if d > retryAfterCap {
		return retryAfterCap
	}
	return d
}

// ParseRateLimitError extracts the reset hint from a provider error body.
// Google-style payloads carry a details array whose ErrorInfo entry holds
// the limited model and a quotaResetDelay duration, and whose RetryInfo
// entry holds a retryDelay. Durations combine h/m/s with fractional
// seconds, e.g. "128h12m18.72s". Anthropic subscription limits instead put
// a root-level resets_at unix timestamp next to the error object. Returns
// nil when the body has no error object; falls back to one hour when the
// object carries no parseable delay.
func ParseRateLimitError(body []byte) *UpstreamLimit {
	errObj := gjson.GetBytes(body, "error")
	if !errObj.Exists() {
		return nil
	}
	out := &UpstreamLimit{Message: errObj.Get("message").String()}

	var delay time.Duration
	errObj.Get("details").ForEach(func(_, d gjson.Result) bool {
		typ := d.Get("@type").String()
		switch {
		case strings.HasSuffix(typ, "ErrorInfo"):
			if m := d.Get("metadata.model").String(); m != "" {
				out.Model = m
			}
			if v, err := time.ParseDuration(d.Get("metadata.quotaResetDelay").String()); err == nil && v > 0 {
				delay = v
			}
		case strings.HasSuffix(typ, "RetryInfo"):
			if v, err := time.ParseDuration(d.Get("retryDelay").String()); err == nil && v > 0 && delay == 0 {
				delay = v
			}
		}
		return true
	})

	if delay <= 0 {
		if resetsAt := gjson.GetBytes(body, "resets_at").Int(); resetsAt > 0 {
			delay = time.Until(time.Unix(resetsAt, 0))
		}
	}
	if delay <= 0 {
		delay = defaultCooldown
	}
	out.RetryAfter = delay
	return out
}

// FormatWait renders a wait duration for caller-facing messages, rounded
// to whole seconds with trailing zero units trimmed: 2m0s becomes "2m",
// 1h0m0s becomes "1h".
func FormatWait(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	s := d.Round(time.Second).String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
