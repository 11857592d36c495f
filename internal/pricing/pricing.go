// Package pricing computes the cost of completions from token counts.
// Prices are per-token USD rates loaded from an embedded table; unknown
// models cost nothing rather than failing the run.
package pricing

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed model_prices.json
var modelPricesJSON []byte

// BatchDiscount is the provider discount applied to batch-mode requests.
const BatchDiscount = 0.5

// ModelInfo holds pricing data for a model.
type ModelInfo struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	MaxTokens          int     `json:"max_tokens"`
	Provider           string  `json:"provider"`
}

// Calculator calculates request costs from token counts.
type Calculator struct {
	mu        sync.RWMutex
	models    map[string]ModelInfo
	overrides map[string]ModelInfo
}

var defaultCalculator *Calculator
var once sync.Once

// Default returns the singleton calculator loaded from embedded data.
func Default() *Calculator {
	once.Do(func() {
		defaultCalculator = &Calculator{
			models:    make(map[string]ModelInfo),
			overrides: make(map[string]ModelInfo),
		}
		var raw map[string]ModelInfo
		if err := json.Unmarshal(modelPricesJSON, &raw); err == nil {
			defaultCalculator.models = raw
		}
	})
	return defaultCalculator
}

// CompletionCost returns the total USD cost of one completion, or nil
// when the model has no known pricing. Batch-mode completions get the
// provider batch discount.
func (c *Calculator) CompletionCost(model string, promptTokens, completionTokens int, batchMode bool) *float64 {
	info := c.lookup(model)
	if info == nil {
		return nil
	}
	cost := float64(promptTokens)*info.InputCostPerToken +
		float64(completionTokens)*info.OutputCostPerToken
	if batchMode {
		cost *= BatchDiscount
	}
	return &cost
}

// MaxTokens returns the output token cap for a model, or 0 when unknown.
func (c *Calculator) MaxTokens(model string) int {
	info := c.lookup(model)
	if info == nil {
		return 0
	}
	return info.MaxTokens
}

// SetCustomPricing registers a pricing override for a model.
func (c *Calculator) SetCustomPricing(model string, info ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[model] = info
}

// lookup finds model info, checking overrides first, then embedded data.
// Tries exact match, then with a provider prefix stripped.
func (c *Calculator) lookup(model string) *ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if info, ok := c.overrides[model]; ok {
		return &info
	}
	if info, ok := c.models[model]; ok {
		return &info
	}

	if idx := strings.Index(model, "/"); idx >= 0 {
		bare := model[idx+1:]
		if info, ok := c.overrides[bare]; ok {
			return &info
		}
		if info, ok := c.models[bare]; ok {
			return &info
		}
	}
	return nil
}
