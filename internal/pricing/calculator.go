// Package pricing estimates the cost of a request from its token usage.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// ModelPricing is the price of one model, in USD per 1000 tokens.
//
// Model may end in "*" to match every model with that prefix, and may be
// qualified as "provider/model" to price one provider's offering separately.
type ModelPricing struct {
	Model           string  `json:"model" yaml:"model"`
	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

// DefaultPricing covers common hosted models.
var DefaultPricing = []ModelPricing{
	{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-3.5-turbo*", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
	{Model: "text-embedding-3-small", InputCostPer1K: 0.00002},
	{Model: "text-embedding-3-large", InputCostPer1K: 0.00013},

	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},

	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},

	{Model: "deepseek-chat", InputCostPer1K: 0.00014, OutputCostPer1K: 0.00028},
	{Model: "mistral-large*", InputCostPer1K: 0.004, OutputCostPer1K: 0.012},
	{Model: "llama-3*", InputCostPer1K: 0.0002, OutputCostPer1K: 0.0002},
}

type wildcard struct {
	prefix  string
	pricing ModelPricing
}

// Calculator looks up prices by exact name first, then by the longest
// matching wildcard prefix.
type Calculator struct {
	mu        sync.RWMutex
	exact     map[string]ModelPricing
	wildcards []wildcard // longest prefix first
}

// NewCalculator returns a calculator seeded with pricing, or DefaultPricing
// when pricing is nil.
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}
	c := &Calculator{exact: make(map[string]ModelPricing)}
	for _, p := range pricing {
		c.addLocked(p)
	}
	c.sortLocked()
	return c
}

// AddPricing adds or replaces the price of one model pattern.
func (c *Calculator) AddPricing(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(p)
	c.sortLocked()
}

func (c *Calculator) addLocked(p ModelPricing) {
	key := strings.ToLower(p.Model)
	if prefix, ok := strings.CutSuffix(key, "*"); ok {
		for i := range c.wildcards {
			if c.wildcards[i].prefix == prefix {
				c.wildcards[i].pricing = p
				return
			}
		}
		c.wildcards = append(c.wildcards, wildcard{prefix: prefix, pricing: p})
		return
	}
	c.exact[key] = p
}

func (c *Calculator) sortLocked() {
	sort.SliceStable(c.wildcards, func(i, j int) bool {
		return len(c.wildcards[i].prefix) > len(c.wildcards[j].prefix)
	})
}

// LoadFile merges prices from a JSON array of ModelPricing.
func (c *Calculator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var prices []ModelPricing
	if err := json.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prices {
		c.addLocked(p)
	}
	c.sortLocked()
	return nil
}

// GetPricing returns the price for model served by provider. The
// provider-qualified entry wins over the bare model name.
func (c *Calculator) GetPricing(provider, model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if provider != "" {
		if p, ok := c.findLocked(strings.ToLower(provider + "/" + model)); ok {
			return p, true
		}
	}
	return c.findLocked(strings.ToLower(model))
}

func (c *Calculator) findLocked(name string) (ModelPricing, bool) {
	if p, ok := c.exact[name]; ok {
		return p, true
	}
	for _, w := range c.wildcards {
		if strings.HasPrefix(name, w.prefix) {
			return w.pricing, true
		}
	}
	return ModelPricing{}, false
}

// Calculate returns the USD cost of a call. Unknown models cost 0.
func (c *Calculator) Calculate(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := c.GetPricing(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*p.InputCostPer1K + float64(outputTokens)/1000.0*p.OutputCostPer1K
}
