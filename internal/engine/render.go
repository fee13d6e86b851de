package engine

import (
	"encoding/json"
	"fmt"
)

// Provider names used for rendering, adapter selection, and metrics rows.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// legacyToolEnvelope is the Chat Completions function-call shape, with the
// definition nested under "function". The Ollama-compatible path requires
// exactly this shape.
type legacyToolEnvelope struct {
	Type     string         `json:"type"`
	Function legacyFunction `json:"function"`
}

type legacyFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// responsesToolEnvelope is the flat Responses API shape: name sits beside
// type instead of nesting under "function".
type responsesToolEnvelope struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

type anthropicToolEnvelope struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// RenderFor emits the named tools in the given provider's native envelope.
// Strict mode closes the parameter schemas with additionalProperties=false at
// the top level.
func (r Registry) RenderFor(provider string, names []string, strict bool) ([]json.RawMessage, error) {
	return RenderTools(provider, r.Definitions(names), strict)
}

// RenderTools shapes canonical definitions into one provider's envelope.
func RenderTools(provider string, defs []ToolDefinition, strict bool) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		params, err := renderParams(def, strict)
		if err != nil {
			return nil, err
		}

		var envelope any
		switch provider {
		case ProviderOllama:
			envelope = legacyToolEnvelope{
				Type: "function",
				Function: legacyFunction{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  params,
				},
			}
		case ProviderOpenAI:
			envelope = responsesToolEnvelope{
				Type:        "function",
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
				Strict:      strict,
			}
		case ProviderAnthropic:
			envelope = anthropicToolEnvelope{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: params,
			}
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}

		raw, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("render tool %s for %s: %w", def.Name, provider, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func renderParams(def ToolDefinition, strict bool) (json.RawMessage, error) {
	if !strict {
		if !json.Valid([]byte(def.SchemaJSON)) {
			return nil, fmt.Errorf("tool %s: invalid parameter schema", def.Name)
		}
		return json.RawMessage(def.SchemaJSON), nil
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(def.SchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", def.Name, err)
	}
	schema["additionalProperties"] = false
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: re-encode schema: %w", def.Name, err)
	}
	return raw, nil
}
