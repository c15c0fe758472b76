package provider

import "encoding/json"

// SanitizeToolSchema strips JSON-schema decorations that stricter upstreams
// reject: "additionalProperties" and "strict", at every nesting level.
// Unparseable input is returned unchanged; the upstream will produce the
// authoritative error.
func SanitizeToolSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	stripSchemaFields(v)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func stripSchemaFields(v any) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, "additionalProperties")
		delete(t, "strict")
		for _, child := range t {
			stripSchemaFields(child)
		}
	case []any:
		for _, child := range t {
			stripSchemaFields(child)
		}
	}
}
