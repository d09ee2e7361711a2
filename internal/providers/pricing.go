package providers

import "strings"

// ModelPricing holds per-1K-token USD rates for one model family.
type ModelPricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// pricingTable maps model-name prefixes to rates. Longest prefix wins.
// Rates are approximations of published list prices; they feed the request
// record's cost breakdown and the cache savings counters, not billing.
var pricingTable = map[string]ModelPricing{
	// OpenAI
	"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4o":        {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4.1-mini":  {PromptPer1K: 0.0004, CompletionPer1K: 0.0016},
	"gpt-4.1-nano":  {PromptPer1K: 0.0001, CompletionPer1K: 0.0004},
	"gpt-4.1":       {PromptPer1K: 0.002, CompletionPer1K: 0.008},
	"gpt-4":         {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"o1-mini":       {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
	"o1":            {PromptPer1K: 0.015, CompletionPer1K: 0.06},
	"o3-mini":       {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
	"o3":            {PromptPer1K: 0.002, CompletionPer1K: 0.008},
	"o4-mini":       {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},

	// Anthropic
	"claude-3-5-haiku":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-haiku":    {PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
	"claude-3-opus":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-haiku-4":    {PromptPer1K: 0.001, CompletionPer1K: 0.005},
	"claude-sonnet-4":   {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-opus-4":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},

	// Google Gemini
	"gemini-1.5-flash": {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
	"gemini-1.5-pro":   {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
	"gemini-2.0-flash": {PromptPer1K: 0.0001, CompletionPer1K: 0.0004},
	"gemini-2.5-flash": {PromptPer1K: 0.0003, CompletionPer1K: 0.0025},
	"gemini-2.5-pro":   {PromptPer1K: 0.00125, CompletionPer1K: 0.01},

	// Groq / Mistral
	"llama-3.3-70b":        {PromptPer1K: 0.00059, CompletionPer1K: 0.00079},
	"llama-3.1-8b":         {PromptPer1K: 0.00005, CompletionPer1K: 0.00008},
	"mistral-large":        {PromptPer1K: 0.002, CompletionPer1K: 0.006},
	"mistral-small":        {PromptPer1K: 0.0002, CompletionPer1K: 0.0006},
	"open-mistral-nemo":    {PromptPer1K: 0.00015, CompletionPer1K: 0.00015},
}

// defaultPricing applies to models with no table entry.
var defaultPricing = ModelPricing{PromptPer1K: 0.001, CompletionPer1K: 0.002}

// PricingFor returns the rates for model using longest-prefix matching.
func PricingFor(model string) ModelPricing {
	best := ""
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPricing
	}
	return pricingTable[best]
}

// Cost returns the prompt, completion, and total USD cost for a call.
func Cost(model string, promptTokens, completionTokens int) (prompt, completion, total float64) {
	p := PricingFor(model)
	prompt = float64(promptTokens) / 1000 * p.PromptPer1K
	completion = float64(completionTokens) / 1000 * p.CompletionPer1K
	return prompt, completion, prompt + completion
}
