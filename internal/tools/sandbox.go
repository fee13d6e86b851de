package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/sandbox"
)

func sandboxKey(rc *engine.RequestContext) sandbox.Key {
	return sandbox.Key{User: rc.UserID, Conversation: rc.ConversationID}
}

// NewSandboxExecuteTool runs a shell command in the conversation's container.
// Non-zero exits, timeouts, and OOM kills are normal results the model is
// expected to inspect, not tool errors.
func NewSandboxExecuteTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_execute",
		Description: "Runs a shell command inside the conversation's persistent Linux sandbox. The workspace at /workspace survives across calls. Returns stdout, stderr, and the exit code.",
		SchemaJSON:  `{"type":"object","properties":{"command":{"type":"string","description":"Shell command to run"},"workdir":{"type":"string","description":"Working directory, defaults to /workspace"}},"required":["command"]}`,
		Category:    engine.CategorySandbox,
		Timeout:     6 * time.Minute,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			res, err := runner.Exec(ctx, sandboxKey(rc), stringArg(args, "command"), stringArg(args, "workdir"))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(res)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// NewSandboxWriteFileTool writes a file into the workspace.
func NewSandboxWriteFileTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_write_file",
		Description: "Creates or overwrites a file in the sandbox workspace. Paths are relative to /workspace; parent directories are created.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"File path under /workspace"},"content":{"type":"string","description":"Full file content"}},"required":["path","content"]}`,
		Category:    engine.CategorySandbox,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if err := runner.WriteFile(sandboxKey(rc), path, stringArg(args, "content")); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %s.", path), nil
		},
	}
}

// NewSandboxReadFileTool reads a workspace file, optionally truncated.
func NewSandboxReadFileTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_read_file",
		Description: "Reads a file from the sandbox workspace. Pass max_lines to truncate long files.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"File path under /workspace"},"max_lines":{"type":"integer","description":"Maximum lines to return; 0 means all"}},"required":["path"]}`,
		Category:    engine.CategorySandbox,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			return runner.ReadFile(sandboxKey(rc), stringArg(args, "path"), intArg(args, "max_lines", 0))
		},
	}
}

// NewSandboxListFilesTool lists workspace contents.
func NewSandboxListFilesTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_list_files",
		Description: "Lists files in the sandbox workspace. Pass recursive:true to walk subdirectories.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"Directory under /workspace, defaults to the root"},"recursive":{"type":"boolean"}}}`,
		Category:    engine.CategorySandbox,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			entries, err := runner.ListFiles(sandboxKey(rc), stringArg(args, "path"), boolArg(args, "recursive"))
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "The workspace is empty.", nil
			}
			out, err := json.Marshal(entries)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// NewSandboxEditFileTool applies a search/replace edit to a workspace file.
func NewSandboxEditFileTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_edit_file",
		Description: "Edits a workspace file by exact text replacement. The search text must match exactly once unless all_occurrences is true.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"File path under /workspace"},"search":{"type":"string","description":"Exact text to find"},"replace":{"type":"string","description":"Replacement text"},"all_occurrences":{"type":"boolean","description":"Replace every match instead of requiring a unique one"}},"required":["path","search","replace"]}`,
		Category:    engine.CategorySandbox,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			n, err := runner.EditFile(sandboxKey(rc), stringArg(args, "path"),
				stringArg(args, "search"), stringArg(args, "replace"), boolArg(args, "all_occurrences"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s).", n), nil
		},
	}
}

// NewSandboxStatsTool reports the instance's resource usage.
func NewSandboxStatsTool(runner SandboxRunner) engine.Tool {
	return engine.Tool{
		Name:        "sandbox_stats",
		Description: "Reports the sandbox's current memory, CPU, process count, and workspace disk usage.",
		SchemaJSON:  `{"type":"object","properties":{}}`,
		Category:    engine.CategorySandbox,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			stats, err := runner.Stats(ctx, sandboxKey(rc))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(map[string]any{
				"memory":      units.BytesSize(float64(stats.MemBytes)),
				"cpu_percent": fmt.Sprintf("%.1f", stats.CPUPercent),
				"processes":   stats.PidCount,
				"disk":        units.BytesSize(float64(stats.DiskBytes)),
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
