// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — persistence sinks (Redis hot store, ClickHouse) + fan-out
//  2. initProviders — upstream provider clients
//  3. initServices  — tenant directory, limiter, cache, metrics registry
//  4. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/modelfront/gateway/internal/cache"
	"github.com/modelfront/gateway/internal/config"
	"github.com/modelfront/gateway/internal/metrics"
	"github.com/modelfront/gateway/internal/persist"
	"github.com/modelfront/gateway/internal/providers"
	anthropicprov "github.com/modelfront/gateway/internal/providers/anthropic"
	geminiprov "github.com/modelfront/gateway/internal/providers/gemini"
	openaiprov "github.com/modelfront/gateway/internal/providers/openai"
	openaicompatprov "github.com/modelfront/gateway/internal/providers/openaicompat"
	"github.com/modelfront/gateway/internal/proxy"
	"github.com/modelfront/gateway/internal/ratelimit"
	"github.com/modelfront/gateway/internal/tenant"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Persistence — nil when not configured.
	hotStore  *persist.HotStore
	analytics *persist.AnalyticsStore
	fanout    *persist.Fanout

	directory *tenant.StaticDirectory
	limiter   *ratelimit.Limiter
	respCache *cache.ResponseCache
	excl      *cache.ExclusionList

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("tenants", a.directory.Len()),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	// Drain buffered records before the sinks go away.
	if a.fanout != nil {
		if err := a.fanout.Close(); err != nil {
			a.log.Error("fanout close error", slog.String("error", err.Error()))
		}
		a.fanout = nil
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.analytics = nil
	}
	if a.hotStore != nil {
		if err := a.hotStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.hotStore = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// buildProviders creates a provider map from non-empty API keys.
// Mistral and Groq speak the OpenAI wire protocol and share the
// openaicompat adapter.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs[providers.ProviderOpenAI] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs[providers.ProviderAnthropic] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs[providers.ProviderGemini] = geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
	}

	type ocEntry struct {
		key     string
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.Groq.APIKey, providers.ProviderGroq, "https://api.groq.com/openai/v1"},
		{cfg.Mistral.APIKey, providers.ProviderMistral, "https://api.mistral.ai/v1"},
	}
	for _, e := range ocProviders {
		if e.key != "" {
			baseURL := e.baseURL
			if e.name == providers.ProviderMistral && cfg.Mistral.BaseURL != "" {
				baseURL = cfg.Mistral.BaseURL
			}
			if e.name == providers.ProviderGroq && cfg.Groq.BaseURL != "" {
				baseURL = cfg.Groq.BaseURL
			}
			provs[e.name] = openaicompatprov.New(e.name, e.key, baseURL)
		}
	}

	return provs
}

// buildTiers merges configured tier overrides onto the built-in table.
// Zero-valued override fields keep the built-in limit.
func buildTiers(overrides map[string]config.TierLimitsConfig) map[tenant.Tier]ratelimit.TierLimits {
	if len(overrides) == 0 {
		return nil // ratelimit.New(nil) uses the defaults
	}

	tiers := make(map[tenant.Tier]ratelimit.TierLimits, len(ratelimit.DefaultTiers))
	for tier, lim := range ratelimit.DefaultTiers {
		tiers[tier] = lim
	}

	for name, o := range overrides {
		tier := tenant.ParseTier(name)
		lim := tiers[tier]
		if o.RequestsPerMinute > 0 {
			lim.RequestsPerMinute = o.RequestsPerMinute
		}
		if o.TokensPerMinute > 0 {
			lim.TokensPerMinute = o.TokensPerMinute
		}
		if o.RequestsPerDay > 0 {
			lim.RequestsPerDay = o.RequestsPerDay
		}
		if o.TokensPerDay > 0 {
			lim.TokensPerDay = o.TokensPerDay
		}
		if o.BurstMultiplier > 0 {
			lim.BurstMultiplier = o.BurstMultiplier
		}
		tiers[tier] = lim
	}

	return tiers
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
