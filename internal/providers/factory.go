package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// Select resolves which provider serves a request. An explicit provider
// valve always wins; otherwise the model name decides, and models that match
// no family fall back to the Ollama path when a base URL is configured for
// it, since local runtimes serve arbitrary model names.
func Select(cfg engine.RequestConfig, model string) string {
	if cfg.Provider != "" {
		return cfg.Provider
	}

	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return engine.ProviderAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt"):
		return engine.ProviderOpenAI
	}
	if cfg.OllamaBaseURL != "" {
		return engine.ProviderOllama
	}
	return engine.ProviderOpenAI
}

// New builds the adapter for a resolved provider from per-request valves.
// Hosted providers require their API key valve; the Ollama path runs without
// credentials.
func New(provider string, cfg engine.RequestConfig, anthropicMaxTokens int) (engine.ProviderClient, error) {
	switch provider {
	case engine.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but openai_api_key is not set")
		}
		return NewResponsesClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case engine.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but anthropic_api_key is not set")
		}
		return NewAnthropicClient(cfg.AnthropicAPIKey, anthropicMaxTokens), nil
	case engine.ProviderOllama:
		return NewOllamaClient(cfg.OllamaAPIKey, cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: openai, anthropic, ollama)", provider)
	}
}

// extractHTTPStatus pulls an HTTP status out of an upstream error message.
// The SDKs flatten responses into error strings, so pattern matching is the
// only portable route.
func extractHTTPStatus(err error) int {
	if err == nil {
		return 0
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "429"):
		return http.StatusTooManyRequests
	case strings.Contains(errStr, "500"):
		return http.StatusInternalServerError
	case strings.Contains(errStr, "502"):
		return http.StatusBadGateway
	case strings.Contains(errStr, "503"):
		return http.StatusServiceUnavailable
	case strings.Contains(errStr, "504"):
		return http.StatusGatewayTimeout
	case strings.Contains(errStr, "401"):
		return http.StatusUnauthorized
	case strings.Contains(errStr, "403"):
		return http.StatusForbidden
	case strings.Contains(errStr, "400"):
		return http.StatusBadRequest
	case strings.Contains(errStr, "402"):
		return http.StatusPaymentRequired
	}
	return 0
}
