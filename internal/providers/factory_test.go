package providers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name  string
		cfg   engine.RequestConfig
		model string
		want  string
	}{
		{"explicit valve wins", engine.RequestConfig{Provider: "ollama"}, "gpt-4o", "ollama"},
		{"claude prefix", engine.RequestConfig{}, "claude-sonnet-4-20250514", "anthropic"},
		{"gpt prefix", engine.RequestConfig{}, "gpt-4o-mini", "openai"},
		{"o3 prefix", engine.RequestConfig{}, "o3-mini", "openai"},
		{"chatgpt prefix", engine.RequestConfig{}, "chatgpt-4o-latest", "openai"},
		{"unknown model with ollama url", engine.RequestConfig{OllamaBaseURL: "http://localhost:11434"}, "qwen2.5-coder", "ollama"},
		{"unknown model without ollama url", engine.RequestConfig{}, "qwen2.5-coder", "openai"},
		{"case insensitive", engine.RequestConfig{}, "Claude-Opus-4", "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.cfg, tt.model); got != tt.want {
				t.Errorf("Select(%+v, %q) = %q, want %q", tt.cfg, tt.model, got, tt.want)
			}
		})
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New("openai", engine.RequestConfig{}, 4096); err == nil {
		t.Error("openai without key: want error")
	}
	if _, err := New("anthropic", engine.RequestConfig{}, 4096); err == nil {
		t.Error("anthropic without key: want error")
	}
	if _, err := New("ollama", engine.RequestConfig{}, 4096); err != nil {
		t.Errorf("ollama runs without credentials, got %v", err)
	}
	if _, err := New("openai", engine.RequestConfig{OpenAIAPIKey: "sk-x"}, 4096); err != nil {
		t.Errorf("openai with key: %v", err)
	}
	if _, err := New("bedrock", engine.RequestConfig{}, 4096); err == nil {
		t.Error("unknown provider: want error")
	}
}

func TestExtractHTTPStatus(t *testing.T) {
	if got := extractHTTPStatus(fmt.Errorf("request failed: status 429, retry later")); got != 429 {
		t.Errorf("got %d, want 429", got)
	}
	if got := extractHTTPStatus(errors.New("connection refused")); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}
