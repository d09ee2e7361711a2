// Package providers defines the common interfaces and types used by all
// upstream model-provider adapters (OpenAI, Anthropic, Gemini, and
// OpenAI-compatible vendors).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. Adapters normalise vendor requests/responses to the shared
// ProxyRequest/ProxyResponse shapes and surface HTTP status codes through
// StatusCoder so the orchestrator can drive fallback decisions.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		TenantID    string
		APIKey      string // tenant's upstream credential; empty → adapter default
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider — upstream model provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Canonical provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderGroq      = "groq"
	ProviderMistral   = "mistral"
)

// ModelAliases maps model names to provider names. Used to pick the initial
// provider for a request when the tenant has no preferred provider.
var ModelAliases = map[string]string{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":         "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",
	"gpt-4-turbo":   "openai",
	"gpt-4.1":       "openai",
	"gpt-4.1-mini":  "openai",
	"gpt-4.1-nano":  "openai",
	"gpt-3.5-turbo": "openai",
	"o1":            "openai",
	"o1-mini":       "openai",
	"o3":            "openai",
	"o3-mini":       "openai",
	"o4-mini":       "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",
	"claude-opus-4-5":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",

	// ─── Google Gemini ────────────────────────────────────────────────────────
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",

	// ─── Groq (OpenAI-compatible) ─────────────────────────────────────────────
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",

	// ─── Mistral (OpenAI-compatible) ──────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"open-mistral-nemo":    "mistral",
}

// ResolveProvider returns the provider name for a model.
// Unknown models fall back to "openai".
func ResolveProvider(model string) string {
	if name, ok := ModelAliases[model]; ok {
		return name
	}
	return ProviderOpenAI
}

// ProviderForModel returns the provider that natively serves model, or ""
// when the model is not in the alias table.
func ProviderForModel(model string) string {
	return ModelAliases[model]
}

// DefaultFallbackOrder is the default provider failover chain. When the
// primary provider fails, the gateway walks this list in order, translating
// the model name at each hop.
var DefaultFallbackOrder = []string{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderGroq,
	ProviderMistral,
}

// Default health tracker and failover constants.
const (
	FailureThreshold = 5
	RecoveryTimeout  = 30 * time.Second
	DegradedLatency  = 5 * time.Second
	LatencySmoothing = 0.1
	ProviderTimeout  = 30 * time.Second
)
