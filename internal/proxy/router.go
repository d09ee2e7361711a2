package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelfront/gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler

	// Recent serves GET /admin/tenants/{id}/recent from the hot store.
	Recent RouteHandler
}

// Handler builds the full middleware-wrapped request handler. Exposed
// separately from Start so tests can drive it without a listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	r.DELETE("/admin/cache", g.handleCacheInvalidate)
	r.GET("/admin/cache/stats", g.handleCacheStats)

	if mgmt != nil {
		if mgmt.Metrics != nil {
			r.GET("/metrics", mgmt.Metrics)
		}
		if mgmt.Recent != nil {
			r.GET("/admin/tenants/{id}/recent", mgmt.Recent)
		}
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	}
	if g.metrics != nil {
		mws = append(mws, httpMetrics(g.metrics))
	}

	return applyMiddleware(r.Handler, mws...)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"providers": g.health.Snapshot(),
	})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.ready != nil {
		if err := g.ready(ctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleCacheInvalidate removes cached entries.
//
//	DELETE /admin/cache?tenant=<id>                  — clear one tenant
//	DELETE /admin/cache?tenant=<id>&fingerprint=<fp> — remove one entry
func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "cache disabled",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	tenantID := string(ctx.QueryArgs().Peek("tenant"))
	if tenantID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "tenant query parameter is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	fp := string(ctx.QueryArgs().Peek("fingerprint"))

	removed := g.cache.Invalidate(tenantID, fp)
	writeJSON(ctx, map[string]any{"removed": removed})
}

// handleCacheStats reports cache effectiveness.
//
//	GET /admin/cache/stats             — aggregate across tenants
//	GET /admin/cache/stats?tenant=<id> — one tenant's view
func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "cache disabled",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	tenantID := string(ctx.QueryArgs().Peek("tenant"))
	writeJSON(ctx, g.cache.Stats(tenantID))
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
