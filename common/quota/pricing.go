// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package quota

import "fmt"

// Model pricing as of mid 2026. Prices stored in cents per 1K tokens to
// avoid floating point issues. All prices are USD.

// ModelPricing contains pricing for a specific model.
type ModelPricing struct {
	PromptCostPer1K     int // cents per 1K prompt tokens
	CompletionCostPer1K int // cents per 1K completion tokens
}

// modelPricing maps provider-model combinations to pricing.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"openai-gpt-4o":      {250, 1000},
	"openai-gpt-4o-mini": {15, 60},
	"openai-gpt-4-turbo": {1000, 3000},
	"openai-gpt-4":       {3000, 6000},

	// Anthropic
	"anthropic-claude-3-opus":     {1500, 7500},
	"anthropic-claude-3-5-sonnet": {300, 1500},
	"anthropic-claude-3-5-haiku":  {80, 400},
	"anthropic-claude-3-haiku":    {25, 125},

	// Bedrock managed models bill at the underlying vendor rates
	"bedrock-anthropic.claude-3-5-sonnet-20240620-v1:0": {300, 1500},
	"bedrock-amazon.titan-text-express-v1":              {20, 60},

	// Conservative fallback for unknown models
	"default": {1000, 3000},
}

// CalculateCost returns the cost in cents for one exchange. Integer cents
// avoids floating point precision drift in aggregation.
func CalculateCost(provider, model string, promptTokens, completionTokens int) int {
	pricing, ok := modelPricing[provider+"-"+model]
	if !ok {
		pricing = modelPricing["default"]
	}

	promptCost := (promptTokens * pricing.PromptCostPer1K) / 1000
	completionCost := (completionTokens * pricing.CompletionCostPer1K) / 1000
	return promptCost + completionCost
}

// PricingFor returns the pricing for a provider-model combination.
func PricingFor(provider, model string) (ModelPricing, bool) {
	pricing, ok := modelPricing[provider+"-"+model]
	return pricing, ok
}

// FormatCostToDollars converts cents to a dollar string (135 -> "$1.35").
func FormatCostToDollars(cents int) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
