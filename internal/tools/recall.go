package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// NewFileRecallSearchTool queries the request's file-recall tenant. The
// tenant id comes from the request valves, never from the model.
func NewFileRecallSearchTool(searcher RecallSearcher) engine.Tool {
	return engine.Tool{
		Name:        "file_recall_search",
		Description: "Searches the documents uploaded to this assistant's knowledge base and returns the most relevant passages.",
		SchemaJSON:  `{"type":"object","properties":{"query":{"type":"string","description":"What to look for"},"max_results":{"type":"integer","description":"Maximum passages to return, default 5"}},"required":["query"]}`,
		Category:    engine.CategoryRecall,
		Timeout:     60 * time.Second,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			results, err := searcher.Search(ctx, rc.Config.TenantID,
				stringArg(args, "query"), intArg(args, "max_results", 5))
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No matching passages found.", nil
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
