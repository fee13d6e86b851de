package shaper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/prompts"
)

const (
	summaryOpenTag  = "<history_summary>"
	summaryCloseTag = "</history_summary>"

	truncationMarker = "\n[... truncated ...]\n"

	// estimated characters per token, used to size character-level cuts
	charsPerToken = 4
)

// BudgetError indicates the shaped history still exceeds the input token
// budget after trimming and compaction.
type BudgetError struct {
	RequiredTokens int
	Limit          int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("input of %d tokens exceeds the %d token budget", e.RequiredTokens, e.Limit)
}

// Shaper prepares a history for one provider call.
type Shaper struct {
	Tok                  Tokenizer
	MaxInputTokens       int
	MaxUserMessageTokens int
	CompactionThreshold  int
	MaxSummaryTokens     int
	KeepTurns            int
	Logger               *slog.Logger
}

// Request carries the per-request shaping inputs.
type Request struct {
	Model      string
	Memories   []string
	FileCount  int
	Summarizer Summarizer
}

// Report describes what shaping did.
type Report struct {
	InputTokens     int
	TrimmedMessages int
	Compacted       bool
}

// Shape runs the full pipeline: memory injection, per-message trimming,
// compaction, and the final input budget check.
func (s *Shaper) Shape(ctx context.Context, history []engine.Message, req Request) ([]engine.Message, Report, error) {
	out := s.InjectMemories(history, req.Memories)

	out, trimmed := s.TrimUserMessages(out, req.Model, req.FileCount)

	out, compacted, err := s.Compact(ctx, out, req.Model, req.Summarizer)
	if err != nil {
		// Compaction needs an upstream round trip; when that fails the
		// request still stands a chance under the budget check below.
		s.logger().Warn("compaction failed, continuing with full history", "error", err)
	}

	tokens := CountMessages(s.Tok, out, req.Model)
	if s.MaxInputTokens > 0 && tokens > s.MaxInputTokens {
		return nil, Report{}, &BudgetError{RequiredTokens: tokens, Limit: s.MaxInputTokens}
	}

	return out, Report{InputTokens: tokens, TrimmedMessages: trimmed, Compacted: compacted}, nil
}

// InjectMemories prepends the rendered memory header to the system message,
// creating one when the history has none. The input slice is not mutated.
func (s *Shaper) InjectMemories(history []engine.Message, memories []string) []engine.Message {
	if len(memories) == 0 {
		return history
	}

	builder, err := prompts.NewBuilder(prompts.Default(), prompts.MemoryHeaderID)
	if err != nil {
		s.logger().Warn("memory header prompt missing", "error", err)
		return history
	}

	var bullets strings.Builder
	for _, m := range memories {
		bullets.WriteString("- ")
		bullets.WriteString(m)
		bullets.WriteString("\n")
	}
	block := builder.SetVariable("memories", strings.TrimRight(bullets.String(), "\n")).Build()

	out := make([]engine.Message, len(history))
	copy(out, history)

	if len(out) > 0 && out[0].Role == engine.RoleSystem {
		out[0] = engine.Text(engine.RoleSystem, block+"\n\n"+out[0].TextContent())
		return out
	}
	return append([]engine.Message{engine.Text(engine.RoleSystem, block)}, out...)
}

// TrimUserMessages truncates oversized user messages to the per-message cap.
// The cap scales with the number of attached files so extracted attachment
// text gets the same headroom as the message body. Returns the shaped history
// and how many messages were trimmed.
func (s *Shaper) TrimUserMessages(history []engine.Message, model string, fileCount int) ([]engine.Message, int) {
	if s.MaxUserMessageTokens <= 0 {
		return history, 0
	}
	capTokens := s.MaxUserMessageTokens * (1 + fileCount)

	out := make([]engine.Message, len(history))
	copy(out, history)

	trimmed := 0
	for i, msg := range out {
		if msg.Role != engine.RoleUser {
			continue
		}
		content := msg.TextContent()
		if Count(s.Tok, content, model) <= capTokens {
			continue
		}

		parts := []engine.Part{{Type: engine.PartText, Text: truncateMiddle(content, capTokens)}}
		for _, p := range msg.Parts {
			if p.Type != engine.PartText {
				parts = append(parts, p)
			}
		}
		out[i].Parts = parts
		trimmed++
	}
	return out, trimmed
}

// truncateMiddle keeps the head and tail of the content with a marker in
// between, sized to roughly capTokens.
func truncateMiddle(content string, capTokens int) string {
	runes := []rune(content)
	budget := capTokens * charsPerToken
	if len(runes) <= budget {
		return content
	}
	half := budget / 2
	return string(runes[:half]) + truncationMarker + string(runes[len(runes)-half:])
}

// Compact folds the head of an over-threshold history into a summary message,
// keeping the most recent turns verbatim. Running it again on its own output
// changes nothing: the keep window is computed from the trailing structure
// only, so a second pass finds nothing left to fold. On error the input is
// returned unchanged.
func (s *Shaper) Compact(ctx context.Context, history []engine.Message, model string, sum Summarizer) ([]engine.Message, bool, error) {
	if s.CompactionThreshold <= 0 || sum == nil {
		return history, false, nil
	}
	if CountMessages(s.Tok, history, model) <= s.CompactionThreshold {
		return history, false, nil
	}

	sysEnd := 0
	for sysEnd < len(history) && history[sysEnd].Role == engine.RoleSystem {
		sysEnd++
	}

	keep := s.KeepTurns
	if keep < 1 {
		keep = 1
	}
	start := len(history) - keep
	if start <= sysEnd {
		return history, false, nil
	}

	// Grow the keep window backward: always retain the last user turn with
	// the assistant message it answered, and never split an assistant turn
	// from its tool results.
	lastUser := -1
	for i := len(history) - 1; i >= sysEnd; i-- {
		if history[i].Role == engine.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 && lastUser < start {
		start = lastUser
	}
	if start > sysEnd && start == lastUser && history[start-1].Role == engine.RoleAssistant {
		start--
	}
	for start > sysEnd && history[start].Role == engine.RoleTool {
		start--
	}
	if start <= sysEnd {
		return history, false, nil
	}

	head := history[sysEnd:start]
	summaryText, err := sum.Summarize(ctx, head)
	if err != nil {
		return history, false, err
	}
	summaryText = s.capSummary(summaryText, model)

	summary := engine.Text(engine.RoleSystem, summaryOpenTag+"\n"+summaryText+"\n"+summaryCloseTag)

	out := make([]engine.Message, 0, sysEnd+1+len(history)-start)
	out = append(out, history[:sysEnd]...)
	out = append(out, summary)
	out = append(out, history[start:]...)

	s.logger().Info("history compacted",
		"folded_messages", len(head),
		"kept_messages", len(history)-start,
	)
	return out, true, nil
}

// capSummary enforces the summary token ceiling with character-level cuts.
func (s *Shaper) capSummary(text, model string) string {
	if s.MaxSummaryTokens <= 0 {
		return text
	}
	if Count(s.Tok, text, model) <= s.MaxSummaryTokens {
		return text
	}

	runes := []rune(text)
	if budget := s.MaxSummaryTokens * charsPerToken; len(runes) > budget {
		runes = runes[:budget]
	}
	for len(runes) > 0 && Count(s.Tok, string(runes), model) > s.MaxSummaryTokens {
		runes = runes[:len(runes)*9/10]
	}
	return string(runes)
}

func (s *Shaper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
