package proxy

import (
	"strings"

	"github.com/modelfront/gateway/internal/providers"
)

// modelClass identifies a capability tier shared across providers. A request
// that falls back to another provider is rewritten to that provider's model
// in the same class.
type modelClass int

const (
	classNone modelClass = iota
	classLarge
	classSmall
)

// classPrefixes maps model-name prefixes to capability classes. Prefix
// matching keeps the table stable across dated model revisions
// (gpt-4o-2024-11-20 still matches gpt-4o). Longer prefixes are checked
// first so gpt-4o-mini does not match the gpt-4o row.
var classPrefixes = []struct {
	prefix string
	class  modelClass
}{
	{"gpt-4o-mini", classSmall},
	{"gpt-4o", classLarge},
	{"claude-sonnet-4", classLarge},
	{"claude-3-5-haiku", classSmall},
	{"gemini-2.5-pro", classLarge},
	{"gemini-2.5-flash", classSmall},
	{"llama-3.3-70b", classLarge},
	{"llama-3.1-8b", classSmall},
	{"mistral-large", classLarge},
	{"mistral-small", classSmall},
}

// classModels maps (provider, class) to that provider's concrete model name.
var classModels = map[string]map[modelClass]string{
	providers.ProviderOpenAI: {
		classLarge: "gpt-4o",
		classSmall: "gpt-4o-mini",
	},
	providers.ProviderAnthropic: {
		classLarge: "claude-sonnet-4-5",
		classSmall: "claude-3-5-haiku-latest",
	},
	providers.ProviderGemini: {
		classLarge: "gemini-2.5-pro",
		classSmall: "gemini-2.5-flash",
	},
	providers.ProviderGroq: {
		classLarge: "llama-3.3-70b-versatile",
		classSmall: "llama-3.1-8b-instant",
	},
	providers.ProviderMistral: {
		classLarge: "mistral-large-latest",
		classSmall: "mistral-small-latest",
	},
}

func classOf(model string) modelClass {
	for _, row := range classPrefixes {
		if strings.HasPrefix(model, row.prefix) {
			return row.class
		}
	}
	return classNone
}

// EquivalentModel returns target provider's model in the same capability
// class as model, or ("", false) when no mapping exists.
func EquivalentModel(target, model string) (string, bool) {
	class := classOf(model)
	if class == classNone {
		return "", false
	}
	m, ok := classModels[target][class]
	return m, ok
}

// FallbackChain walks an ordered provider list, translating the requested
// model to each candidate provider's equivalent.
type FallbackChain struct {
	order     []string
	translate bool
}

// NewFallbackChain builds a chain over order. With translate false the
// original model name is sent to every candidate unchanged, for tenants whose
// clients cannot tolerate a different model answering.
func NewFallbackChain(order []string, translate bool) *FallbackChain {
	if len(order) == 0 {
		order = providers.DefaultFallbackOrder
	}
	return &FallbackChain{order: order, translate: translate}
}

// Order returns the chain's provider sequence.
func (f *FallbackChain) Order() []string { return f.order }

// GetFallback returns the provider after current in the chain and the model
// to request from it. It returns ok=false when current is last in the chain,
// absent from it, or (with translation on) no equivalent model exists.
func (f *FallbackChain) GetFallback(current, model string) (next, nextModel string, ok bool) {
	idx := -1
	for i, name := range f.order {
		if name == current {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(f.order) {
		return "", "", false
	}

	next = f.order[idx+1]
	if !f.translate {
		return next, model, true
	}

	nextModel, found := EquivalentModel(next, model)
	if !found {
		return "", "", false
	}
	return next, nextModel, true
}

// First returns the chain's preferred starting point for model: the provider
// that natively serves it when one can be inferred, otherwise the chain head.
func (f *FallbackChain) First(model string) string {
	if native := providers.ProviderForModel(model); native != "" {
		for _, name := range f.order {
			if name == native {
				return name
			}
		}
	}
	return f.order[0]
}
