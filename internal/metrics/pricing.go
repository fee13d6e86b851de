package metrics

import (
	"strings"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// rate is USD per 1M tokens. Cached input is billed at the provider's cache
// read rate, distinct from fresh input.
type rate struct {
	input       float64
	cachedInput float64
	output      float64
}

// rates is keyed by model name prefix; dated snapshot suffixes resolve to
// their base model. Unknown models cost zero rather than guessing.
var rates = map[string]rate{
	"gpt-4o-mini":       {0.15, 0.075, 0.60},
	"gpt-4o":            {2.50, 1.25, 10.00},
	"gpt-4.1-nano":      {0.10, 0.025, 0.40},
	"gpt-4.1-mini":      {0.40, 0.10, 1.60},
	"gpt-4.1":           {2.00, 0.50, 8.00},
	"gpt-5-mini":        {0.25, 0.025, 2.00},
	"gpt-5":             {1.25, 0.125, 10.00},
	"o3-mini":           {1.10, 0.55, 4.40},
	"o3":                {2.00, 0.50, 8.00},
	"o4-mini":           {1.10, 0.275, 4.40},
	"claude-opus-4":     {15.00, 1.50, 75.00},
	"claude-sonnet-4":   {3.00, 0.30, 15.00},
	"claude-3-7-sonnet": {3.00, 0.30, 15.00},
	"claude-3-5-haiku":  {0.80, 0.08, 4.00},
}

// Cost prices one request's usage in USD. Tokens reported as cached input
// are excluded from the fresh-input count upstream, so the two buckets sum
// without double billing. Locally hosted models have no rate and cost zero.
func Cost(model string, u engine.Usage) float64 {
	r, ok := lookupRate(model)
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(u.InputTokens)*r.input/million +
		float64(u.CachedInputTokens)*r.cachedInput/million +
		float64(u.OutputTokens)*r.output/million
}

func lookupRate(model string) (rate, bool) {
	model = strings.ToLower(model)
	best := ""
	for prefix := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return rate{}, false
	}
	return rates[best], true
}
