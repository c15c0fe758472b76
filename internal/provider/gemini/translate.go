package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

// generateRequest is the inner generateContent body; MakeRequest wraps it
// with the project/model routing fields.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolDecls       `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolDecls struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// encodeRequest projects the canonical request onto the generateContent
// body. Function responses carry the function name rather than a call id,
// so the encoder tracks names across assistant turns.
func encodeRequest(req *proxy.Request) *generateRequest {
	out := &generateRequest{}

	var system []string
	callNames := make(map[string]string) // call id -> function name

	for _, m := range req.Messages {
		switch m.Role {
		case proxy.RoleSystem:
			system = append(system, m.Content)
		case proxy.RoleUser:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		case proxy.RoleAssistant:
			var parts []part
			if m.Content != "" {
				parts = append(parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: callArgs(tc.Arguments)}})
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, content{Role: "model", Parts: parts})
			}
		case proxy.RoleTool:
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			out.Contents = append(out.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: encodeFunctionResponse(name, m.Content)}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  provider.SanitizeToolSchema(t.Parameters),
			})
		}
		out.Tools = []toolDecls{{FunctionDeclarations: decls}}
	}

	if req.ToolChoice != nil {
		out.ToolConfig = encodeToolConfig(req.ToolChoice)
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || req.IncludeReasoning {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
		if req.IncludeReasoning {
			out.GenerationConfig.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
		}
	}

	return out
}

// encodeFunctionResponse wraps a tool result for the functionResponse part.
// Object results pass through; anything else nests under "result".
func encodeFunctionResponse(name, result string) *functionResponse {
	if gjson.Valid(result) && gjson.Parse(result).IsObject() {
		return &functionResponse{Name: name, Response: json.RawMessage(result)}
	}
	wrapped, _ := json.Marshal(map[string]string{"result": result})
	return &functionResponse{Name: name, Response: wrapped}
}

// encodeToolConfig maps canonical tool-choice modes onto functionCallingConfig.
func encodeToolConfig(tc *proxy.ToolChoice) *toolConfig {
	cfg := functionCallingConfig{Mode: "AUTO"}
	switch tc.Mode {
	case "required":
		cfg.Mode = "ANY"
	case "none":
		cfg.Mode = "NONE"
	case "function":
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	}
	return &toolConfig{FunctionCallingConfig: cfg}
}

// callArgs validates raw argument JSON, defaulting to an empty object.
func callArgs(raw string) json.RawMessage {
	if raw != "" && gjson.Valid(raw) {
		return json.RawMessage(raw)
	}
	return json.RawMessage(`{}`)
}
