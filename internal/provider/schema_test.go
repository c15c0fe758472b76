package provider

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestSanitizeToolSchema(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"type": "object",
		"strict": true,
		"additionalProperties": false,
		"properties": {
			"location": {"type": "string"},
			"options": {
				"type": "object",
				"additionalProperties": false,
				"properties": {"unit": {"type": "string"}}
			},
			"tags": {
				"type": "array",
				"items": {"type": "object", "additionalProperties": false, "strict": true}
			}
		},
		"required": ["location"]
	}`)

	got := string(SanitizeToolSchema(raw))

	if gjson.Get(got, "additionalProperties").Exists() {
		t.Error("top-level additionalProperties survived")
	}
	if gjson.Get(got, "strict").Exists() {
		t.Error("top-level strict survived")
	}
	if gjson.Get(got, "properties.options.additionalProperties").Exists() {
		t.Error("nested additionalProperties survived")
	}
	if gjson.Get(got, "properties.tags.items.additionalProperties").Exists() {
		t.Error("additionalProperties inside array items survived")
	}
	if gjson.Get(got, "properties.tags.items.strict").Exists() {
		t.Error("strict inside array items survived")
	}

	// The useful schema content stays intact.
	if gjson.Get(got, "properties.location.type").String() != "string" {
		t.Error("property definitions were damaged")
	}
	if gjson.Get(got, "required.0").String() != "location" {
		t.Error("required list was damaged")
	}
}

func TestSanitizeToolSchemaInvalidJSON(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"type": "object", broken`)
	got := SanitizeToolSchema(raw)
	if string(got) != string(raw) {
		t.Errorf("invalid JSON should pass through unchanged, got %s", got)
	}

	if out := SanitizeToolSchema(nil); out != nil {
		t.Errorf("nil input should stay nil, got %s", out)
	}
}
