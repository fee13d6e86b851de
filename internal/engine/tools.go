package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Tool categories drive both request gating and per-call timeouts.
const (
	CategoryDate    = "date"
	CategoryMemory  = "memory"
	CategorySandbox = "sandbox"
	CategorySearch  = "search"
	CategoryImage   = "image"
	CategoryRecall  = "recall"
)

// ToolFunc executes one tool call. Implementations return the result text
// placed in the tool message, or an error the dispatcher serializes into a
// tool-result error. The request context carries per-request valves and the
// event emitter.
type ToolFunc func(ctx context.Context, rc *RequestContext, args map[string]any) (string, error)

// Tool couples a canonical definition with its body.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string
	Category    string
	Timeout     time.Duration // 0 means the dispatcher default for the category
	Fn          ToolFunc
}

// Definition returns the canonical ToolDefinition for rendering.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.Name, Description: t.Description, SchemaJSON: t.SchemaJSON}
}

// ValidateArgs validates the provided arguments against the tool's JSON
// schema. Failures come back as *ToolValidationError with every violation
// collected.
func (t Tool) ValidateArgs(args map[string]any) error {
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errorMsgs []string
		for _, verr := range result.Errors() {
			errorMsgs = append(errorMsgs, verr.String())
		}
		return &ToolValidationError{
			ToolName: t.Name,
			Errors:   errorMsgs,
		}
	}

	return nil
}

// Registry is the immutable canonical tool catalog, keyed by tool name.
// Names are globally unique; the catalog never changes within a process
// lifetime.
type Registry map[string]Tool

// Get looks a tool up by name.
func (r Registry) Get(name string) (Tool, bool) {
	t, ok := r[name]
	return t, ok
}

// Enabled returns the sorted names of tools exposed to a request under its
// valves. Gating is by category: date and memory tools need only their
// switch, sandbox and file-recall tools need their feature switches (recall
// additionally a tenant id), search tools need an upstream API key, image
// tools a backend URL.
func (r Registry) Enabled(cfg RequestConfig) []string {
	var names []string
	for name, t := range r {
		if r.enabledFor(t, cfg) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r Registry) enabledFor(t Tool, cfg RequestConfig) bool {
	switch t.Category {
	case CategoryDate:
		return cfg.DateTime
	case CategoryMemory:
		return cfg.Memory
	case CategorySandbox:
		return cfg.Sandbox
	case CategorySearch:
		return cfg.SearchAPIKey != ""
	case CategoryImage:
		return cfg.ImageBackendURL != ""
	case CategoryRecall:
		return cfg.FileRecall && cfg.TenantID != ""
	default:
		return false
	}
}

// Definitions returns canonical definitions for the named tools, preserving
// the given order. Unknown names are skipped.
func (r Registry) Definitions(names []string) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r[name]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}
