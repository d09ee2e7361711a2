package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/modelfront/gateway/internal/cache"
	"github.com/modelfront/gateway/internal/metrics"
	"github.com/modelfront/gateway/internal/persist"
	"github.com/modelfront/gateway/internal/proxy"
	"github.com/modelfront/gateway/internal/ratelimit"
	"github.com/modelfront/gateway/internal/tenant"
)

// initInfra establishes the persistence sinks and starts the record fan-out.
// Both sinks are optional; with neither configured records are drained and
// discarded.
func (a *App) initInfra(ctx context.Context) error {
	var sinks []persist.Sink

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		hs, err := persist.NewHotStoreFromURL(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.hotStore = hs
		sinks = append(sinks, hs)
		a.log.Info("redis hot store connected")
	}

	if a.cfg.ClickHouse.Addr != "" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		as, err := persist.NewAnalyticsStore(ctx, persist.AnalyticsConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.analytics = as
		sinks = append(sinks, as)
		a.log.Info("clickhouse analytics store connected")
	}

	f, err := persist.NewFanout(ctx, a.log, sinks...)
	if err != nil {
		return err
	}
	a.fanout = f

	if len(sinks) == 0 {
		a.log.Warn("no persistence sinks configured; request records will be discarded")
	}

	return nil
}

// initProviders builds the upstream provider map. At least one provider must
// be configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the tenant directory, rate limiter, response cache,
// and Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	entries := make([]tenant.Entry, 0, len(a.cfg.Tenants))
	for _, t := range a.cfg.Tenants {
		entries = append(entries, tenant.Entry{
			ID:          t.ID,
			Name:        t.Name,
			APIKey:      t.APIKey,
			KeyHash:     t.KeyHash,
			Tier:        t.Tier,
			Provider:    t.Provider,
			Credentials: t.Credentials,
		})
	}
	dir, err := tenant.NewStaticDirectory(entries)
	if err != nil {
		return err
	}
	a.directory = dir
	a.log.Info("tenant directory loaded", slog.Int("tenants", dir.Len()))

	a.limiter = ratelimit.New(buildTiers(a.cfg.Tiers))

	if a.cfg.Cache.Enabled {
		a.respCache = cache.New(cache.Config{
			DefaultTTL:   a.cfg.Cache.TTL,
			MaxEntries:   a.cfg.Cache.MaxEntries,
			MaxBodyBytes: a.cfg.Cache.MaxBodyBytes,
		})
		a.log.Info("response cache enabled",
			slog.Duration("ttl", a.cfg.Cache.TTL),
			slog.Int("max_entries", a.cfg.Cache.MaxEntries),
		)

		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			a.excl = el
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
	} else {
		a.log.Info("response cache disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	chainOrder := a.cfg.Failover.Order
	a.gw = proxy.New(proxy.Config{
		Providers:   a.provs,
		Tenants:     a.directory,
		Credentials: a.directory,
		Cache:       a.respCache,
		Exclusions:  a.excl,
		Limiter:     a.limiter,
		Health: proxy.NewHealthTracker(proxy.TrackerConfig{
			FailureThreshold: a.cfg.Health.FailureThreshold,
			RecoveryTimeout:  a.cfg.Health.RecoveryTimeout,
			DegradedLatency:  a.cfg.Health.DegradedLatency,
		}),
		Chain:           proxy.NewFallbackChain(chainOrder, a.cfg.Failover.TranslateModels),
		Metrics:         a.prom,
		Records:         a.fanout,
		Logger:          a.log,
		Readiness:       a.readiness,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	if a.hotStore != nil {
		a.mgmt.Recent = a.handleRecent
	}

	return nil
}

// readiness verifies the configured persistence sinks are reachable.
func (a *App) readiness(ctx context.Context) error {
	if a.hotStore != nil {
		if err := a.hotStore.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.analytics != nil {
		if err := a.analytics.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	return nil
}

// handleRecent serves GET /admin/tenants/{id}/recent from the Redis hot store.
func (a *App) handleRecent(ctx *fasthttp.RequestCtx) {
	tenantID, _ := ctx.UserValue("id").(string)
	if tenantID == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	n := 50
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	records, err := a.hotStore.Recent(ctx, tenantID, n)
	if err != nil {
		a.log.Error("recent records query failed",
			slog.String("tenant", tenantID),
			slog.String("error", err.Error()),
		)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	ctx.SetContentType("application/json")
	data, _ := json.Marshal(map[string]any{"tenant": tenantID, "records": records})
	ctx.SetBody(data)
}
