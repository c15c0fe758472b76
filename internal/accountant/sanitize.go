package accountant

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// maxErrorMessage bounds what lands in provider_accounts.last_error_message.
const maxErrorMessage = 500

// SanitizeMessage reduces an upstream error body to a storable summary.
// JSON arrays (tool echoes, validation detail lists) collapse to item
// counts and nested objects to their keys, then the result is truncated at
// a rune boundary.
func SanitizeMessage(message string) string {
	msg := strings.TrimSpace(message)
	if gjson.Valid(msg) {
		if v := gjson.Parse(msg); v.IsObject() || v.IsArray() {
			msg = summarize(v, 0)
		}
	}
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func summarize(v gjson.Result, depth int) string {
	switch {
	case v.IsArray():
		return "[" + strconv.Itoa(len(v.Array())) + " items]"
	case v.IsObject():
		if depth >= 2 {
			return "{...}"
		}
		var b strings.Builder
		b.WriteByte('{')
		first := true
		v.ForEach(func(key, value gjson.Result) bool {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(key.String())
			b.WriteByte('=')
			b.WriteString(summarize(value, depth+1))
			return true
		})
		b.WriteByte('}')
		return b.String()
	default:
		return v.String()
	}
}
