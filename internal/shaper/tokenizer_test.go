package shaper

import (
	"testing"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single word", "hi", 1},
		{"short sentence", "hello world foo", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.text); got != tt.want {
				t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCountFallsBackToEstimate(t *testing.T) {
	if got := Count(nil, "hello world foo", "any-model"); got != 3 {
		t.Errorf("Count(nil, ...) = %d, want 3", got)
	}
}

func TestCountMessages(t *testing.T) {
	msgs := []engine.Message{
		engine.Text(engine.RoleSystem, "be helpful"),
		engine.Text(engine.RoleUser, "what time is it"),
		{
			Role:      engine.RoleAssistant,
			ToolCalls: []engine.ToolCall{{Name: "date_time_now", ArgsJSON: `{"timezone":"UTC"}`}},
		},
		engine.ToolResult("call_1", "2026-08-24T10:00:00Z"),
	}

	total := CountMessages(Heuristic{}, msgs, "test-model")
	if total <= 0 {
		t.Fatalf("CountMessages() = %d, want > 0", total)
	}

	// Dropping a message must drop the count.
	shorter := CountMessages(Heuristic{}, msgs[:2], "test-model")
	if shorter >= total {
		t.Errorf("CountMessages(subset) = %d, want < %d", shorter, total)
	}
}
