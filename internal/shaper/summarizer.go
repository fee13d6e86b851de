package shaper

import (
	"context"
	"fmt"
	"strings"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/prompts"
)

// Summarizer produces a compact replacement for the head of a long history.
type Summarizer interface {
	Summarize(ctx context.Context, window []engine.Message) (string, error)
}

// LLMSummarizer asks a provider to write the summary. The model is the
// request's summary_model valve when set, otherwise the chat model itself.
type LLMSummarizer struct {
	Client    engine.ProviderClient
	Model     string
	MaxTokens int
}

// Summarize renders the window into a transcript and asks the model for a
// bounded summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, window []engine.Message) (string, error) {
	if len(window) == 0 {
		return "", nil
	}

	base, err := prompts.Default().Latest(prompts.CompactionSummaryID)
	if err != nil {
		return "", fmt.Errorf("load compaction prompt: %w", err)
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msgs := []engine.Message{
		engine.Text(engine.RoleSystem, base.Content),
		engine.Text(engine.RoleUser, fmt.Sprintf("Summarize the following conversation in at most %d tokens, preserving facts and decisions:\n\n%s", maxTokens, RenderForSummary(window))),
	}

	resp, err := s.Client.Chat(ctx, s.Model, msgs, nil, engine.ChatOptions{
		MaxOutputTokens: maxTokens,
		Temperature:     0.1,
	})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	return strings.TrimSpace(resp.Message.TextContent()), nil
}

// RenderForSummary flattens messages into a labeled transcript for the
// summary request.
func RenderForSummary(ms []engine.Message) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString("[" + string(m.Role) + "] ")
		b.WriteString(m.TextContent())
		for _, tc := range m.ToolCalls {
			b.WriteString(fmt.Sprintf("\n-> called %s(%s)", tc.Name, tc.ArgsJSON))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}
