// Package tools holds the built-in tool bodies and assembles the canonical
// registry. Each body receives the per-request context, so valves like the
// search API key never live in process-wide state.
package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/memory"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/recall"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/sandbox"
)

// SandboxRunner is the slice of the sandbox manager the tools use.
type SandboxRunner interface {
	Exec(ctx context.Context, key sandbox.Key, command, workdir string) (sandbox.ExecResult, error)
	WriteFile(key sandbox.Key, path, content string) error
	ReadFile(key sandbox.Key, path string, maxLines int) (string, error)
	ListFiles(key sandbox.Key, path string, recursive bool) ([]sandbox.FileEntry, error)
	EditFile(key sandbox.Key, path, search, replace string, allOccurrences bool) (int, error)
	Stats(ctx context.Context, key sandbox.Key) (sandbox.Stats, error)
}

// MemoryStore is the slice of the memory store the tools use.
type MemoryStore interface {
	Retrieve(ctx context.Context, userID string) ([]memory.Memory, error)
	Create(ctx context.Context, userID, text string) (memory.Memory, error)
	Update(ctx context.Context, userID, id, text string) (memory.Memory, error)
	Delete(ctx context.Context, userID, id string) error
}

// RecallSearcher is the slice of the file-recall manager the tools use.
type RecallSearcher interface {
	Search(ctx context.Context, tenantID, query string, maxResults int) ([]recall.SearchResult, error)
}

// ImageConfig bounds the image tool body.
type ImageConfig struct {
	StepsMin     int
	StepsMax     int
	OutputDir    string
	PublicDomain string
}

// Deps wires the tool bodies to their sub-components. A nil field disables
// the corresponding tools regardless of request valves.
type Deps struct {
	Sandbox SandboxRunner
	Memory  MemoryStore
	Recall  RecallSearcher
	Image   ImageConfig

	// HTTPClient serves the search and image bodies; nil gets a default.
	HTTPClient *http.Client
}

// NewRegistry assembles the canonical tool catalog. The catalog is immutable
// for the process lifetime; per-request gating happens in Registry.Enabled.
func NewRegistry(deps Deps) engine.Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 3 * time.Minute}
	}

	reg := make(engine.Registry)
	add := func(t engine.Tool) { reg[t.Name] = t }

	add(NewDateTimeTool())
	add(NewWebSearchTool(deps.HTTPClient))
	add(NewGenerateImageTool(deps.HTTPClient, deps.Image))

	if deps.Memory != nil {
		add(NewMemoryRetrieveTool(deps.Memory))
		add(NewMemoryCreateTool(deps.Memory))
		add(NewMemoryUpdateTool(deps.Memory))
		add(NewMemoryDeleteTool(deps.Memory))
	}
	if deps.Sandbox != nil {
		add(NewSandboxExecuteTool(deps.Sandbox))
		add(NewSandboxWriteFileTool(deps.Sandbox))
		add(NewSandboxReadFileTool(deps.Sandbox))
		add(NewSandboxListFilesTool(deps.Sandbox))
		add(NewSandboxEditFileTool(deps.Sandbox))
		add(NewSandboxStatsTool(deps.Sandbox))
	}
	if deps.Recall != nil {
		add(NewFileRecallSearchTool(deps.Recall))
	}
	return reg
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, fallback int) int {
	// JSON numbers decode as float64.
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	if n, ok := args[key].(int); ok {
		return n
	}
	return fallback
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
