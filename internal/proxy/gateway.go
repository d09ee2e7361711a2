// Package proxy contains the request orchestrator: authentication, caching,
// rate limiting, provider selection with failover, and the HTTP surface.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/modelfront/gateway/internal/cache"
	"github.com/modelfront/gateway/internal/fingerprint"
	"github.com/modelfront/gateway/internal/metrics"
	"github.com/modelfront/gateway/internal/persist"
	"github.com/modelfront/gateway/internal/providers"
	"github.com/modelfront/gateway/internal/ratelimit"
	"github.com/modelfront/gateway/internal/tenant"
	"github.com/modelfront/gateway/pkg/apierr"
)

const routeChat = "chat_completions"

// RecordPublisher receives finished request records. Satisfied by
// persist.Fanout; tests substitute an in-memory collector.
type RecordPublisher interface {
	Publish(persist.Record) bool
}

// Config wires a Gateway's collaborators. Providers, Tenants, and Limiter are
// required; everything else degrades gracefully when nil.
type Config struct {
	Providers   map[string]providers.Provider
	Tenants     tenant.Resolver
	Credentials tenant.CredentialStore

	Cache      *cache.ResponseCache
	Exclusions *cache.ExclusionList
	Limiter    *ratelimit.Limiter
	Health     *HealthTracker
	Chain      *FallbackChain

	Metrics *metrics.Registry
	Records RecordPublisher
	Logger  *slog.Logger

	// Readiness is consulted by GET /readiness. Nil means always ready.
	Readiness func(ctx context.Context) error

	// ProviderTimeout bounds each upstream attempt.
	// Default: providers.ProviderTimeout.
	ProviderTimeout time.Duration

	CORSOrigins []string
}

// Gateway is the proxy orchestrator. One instance serves all tenants.
type Gateway struct {
	providers   map[string]providers.Provider
	tenants     tenant.Resolver
	creds       tenant.CredentialStore
	cache       *cache.ResponseCache
	exclusions  *cache.ExclusionList
	limiter     *ratelimit.Limiter
	health      *HealthTracker
	chain       *FallbackChain
	metrics     *metrics.Registry
	records     RecordPublisher
	log         *slog.Logger
	ready       func(ctx context.Context) error
	timeout     time.Duration
	corsOrigins []string
	nowFn       func() time.Time
}

// New assembles a Gateway from cfg.
func New(cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthTracker(TrackerConfig{})
	}
	chain := cfg.Chain
	if chain == nil {
		chain = NewFallbackChain(nil, true)
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}

	return &Gateway{
		providers:   cfg.Providers,
		tenants:     cfg.Tenants,
		creds:       cfg.Credentials,
		cache:       cfg.Cache,
		exclusions:  cfg.Exclusions,
		limiter:     cfg.Limiter,
		health:      health,
		chain:       chain,
		metrics:     cfg.Metrics,
		records:     cfg.Records,
		log:         log,
		ready:       cfg.Readiness,
		timeout:     timeout,
		corsOrigins: cfg.CORSOrigins,
		nowFn:       time.Now,
	}
}

// chatRequest is the subset of the inbound body the orchestrator needs for
// routing decisions. The fingerprint package reads the body independently.
type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

// chatResponse is the OpenAI-compatible response envelope returned to clients
// regardless of which upstream served the request.
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      providers.Message `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := g.nowFn()
	requestID, _ := ctx.UserValue("request_id").(string)

	// ── Authentication ────────────────────────────────────────────────────
	tn, ok := g.authenticate(ctx)
	if !ok {
		return
	}
	log := g.log.With(
		slog.String("tenant", tn.ID),
		slog.String("request_id", requestID),
	)

	// ── Parse + fingerprint ───────────────────────────────────────────────
	body := ctx.PostBody()
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" || len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request must include a model and at least one message",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	fp, err := fingerprint.Compute(body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	rec := persist.Record{
		ID:        uuid.New(),
		TenantID:  tn.ID,
		Route:     routeChat,
		Model:     req.Model,
		Status:    persist.StatusPending,
		CreatedAt: start.UTC(),
	}

	// ── Cache ─────────────────────────────────────────────────────────────
	// A hit ends the pipeline here: cached answers cost no upstream call, so
	// they are never charged against the rate limiter.
	cacheable := g.cacheable(&req)
	cacheStatus := "bypass"
	if cacheable {
		entry, result := g.cache.Lookup(tn.ID, fp)
		cacheStatus = result.String()
		if result == cache.Hit {
			g.serveCacheHit(ctx, entry, rec, start)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}
	rec.CacheStatus = cacheStatus

	// ── Rate limits ───────────────────────────────────────────────────────
	if outcome, ok := g.checkLimits(ctx, tn, &req); !ok {
		rec.Status = persist.StatusFailed
		rec.ErrorType = outcome.String()
		rec.ErrorMessage = "rejected: " + outcome.String()
		rec.LatencyMs = g.nowFn().Sub(start).Milliseconds()
		g.publish(rec)
		return
	}

	// ── Upstream with failover ────────────────────────────────────────────
	rec.Status = persist.StatusForwarding
	resp, servedBy, servedModel, upstreamErr := g.forward(ctx, tn, &req, requestID, log)
	rec.Provider = servedBy
	if servedModel != "" {
		rec.Model = servedModel
	}

	latency := g.nowFn().Sub(start)
	rec.LatencyMs = latency.Milliseconds()

	if upstreamErr != nil {
		rec.Status = persist.StatusFailed
		rec.ErrorType = errorType(upstreamErr)
		rec.ErrorMessage = upstreamErr.Error()
		g.publish(rec)

		log.Error("upstream_exhausted",
			slog.String("model", req.Model),
			slog.Any("error", upstreamErr),
		)
		g.writeUpstreamError(ctx, upstreamErr)
		return
	}

	if req.Stream {
		// Streams are not cached and exact usage is unknown until the stream
		// ends, so the pre-flight estimate is charged instead.
		rec.Status = persist.StatusSucceeded
		g.limiter.RecordRequest(tn.ID, "", tn.Tier, estimateTokens(&req))
		g.publish(rec)
		g.streamResponse(ctx, servedModel, resp)
		return
	}

	// ── Serialize, cache, account ─────────────────────────────────────────
	out := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   servedModel,
		Choices: []chatChoice{{
			Message:      providers.Message{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	payload, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "response encoding failed",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	promptCost, completionCost, totalCost := providers.Cost(
		servedModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if cacheable {
		_, stored := g.cache.Store(tn.ID, fp, cache.StoreInput{
			Body:             payload,
			StatusCode:       fasthttp.StatusOK,
			Model:            servedModel,
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			Cost:             totalCost,
		})
		if g.metrics != nil {
			if stored {
				g.metrics.CacheSetOK()
			} else {
				g.metrics.CacheSetError()
			}
		}
	}

	totalTokens := int64(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	g.limiter.RecordRequest(tn.ID, "", tn.Tier, totalTokens)

	rec.Status = persist.StatusSucceeded
	rec.PromptTokens = resp.Usage.InputTokens
	rec.CompletionTokens = resp.Usage.OutputTokens
	rec.TotalTokens = int(totalTokens)
	rec.PromptCost = promptCost
	rec.CompletionCost = completionCost
	rec.TotalCost = totalCost
	g.publish(rec)

	if g.metrics != nil {
		g.metrics.RecordRequest(servedBy, fasthttp.StatusOK, rec.LatencyMs)
		g.metrics.AddTokens(servedBy, routeChat, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		g.metrics.ObserveGatewayRequest(servedBy, routeChat, cacheStatus, latency)
	}

	ctx.Response.Header.Set("X-Cache", cacheStatus)
	ctx.Response.Header.Set("X-Provider", servedBy)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

// authenticate resolves the Bearer token to a tenant, writing a 401 on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*tenant.Tenant, bool) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	key := strings.TrimPrefix(auth, "Bearer ")
	if key == auth {
		key = "" // no Bearer prefix
	}

	tn, err := g.tenants.Resolve(ctx, key)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing API key",
			apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return nil, false
	}
	return tn, true
}

// checkLimits runs the request and token pre-flight checks, writing the
// appropriate 429 response on rejection. The returned Outcome labels the
// rejection for the request record.
func (g *Gateway) checkLimits(ctx *fasthttp.RequestCtx, tn *tenant.Tenant, req *chatRequest) (ratelimit.Outcome, bool) {
	d := g.limiter.CheckRequest(tn.ID, "", tn.Tier)
	if d.Outcome == ratelimit.Allowed {
		est := estimateTokens(req)
		d = g.limiter.CheckTokens(tn.ID, "", tn.Tier, est)
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit(d.Outcome.String())
	}

	switch d.Outcome {
	case ratelimit.Allowed:
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		return d.Outcome, true

	case ratelimit.RateLimited:
		retry := int(d.RetryAfter.Seconds()) + 1
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retry))
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
		apierr.Write(ctx, fasthttp.StatusTooManyRequests,
			fmt.Sprintf("rate limit exceeded; retry in %ds", retry),
			apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
		return d.Outcome, false

	default: // QuotaExceeded
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
		ctx.Response.Header.Set("X-RateLimit-Reset", d.ResetsAt.UTC().Format(time.RFC3339))
		apierr.Write(ctx, fasthttp.StatusTooManyRequests,
			fmt.Sprintf("daily quota exceeded; resets at %s", d.ResetsAt.UTC().Format(time.RFC3339)),
			apierr.TypeRateLimitError, apierr.CodeQuotaExceeded)
		return d.Outcome, false
	}
}

// cacheable reports whether this request may be served from / written to the
// response cache. Streams and excluded models always bypass.
func (g *Gateway) cacheable(req *chatRequest) bool {
	if g.cache == nil || req.Stream {
		return false
	}
	return !g.exclusions.Matches(req.Model)
}

func (g *Gateway) serveCacheHit(ctx *fasthttp.RequestCtx, entry *cache.Entry, rec persist.Record, start time.Time) {
	if g.metrics != nil {
		g.metrics.CacheGetHit()
		g.metrics.AddTokens("cache", routeChat, entry.PromptTokens, entry.CompletionTokens, true)
		g.metrics.ObserveGatewayRequest("cache", routeChat, "hit", g.nowFn().Sub(start))
	}

	promptCost, completionCost, _ := providers.Cost(entry.Model, entry.PromptTokens, entry.CompletionTokens)

	rec.Status = persist.StatusServedFromCache
	rec.CacheStatus = "hit"
	rec.Model = entry.Model
	rec.PromptTokens = entry.PromptTokens
	rec.CompletionTokens = entry.CompletionTokens
	rec.TotalTokens = entry.PromptTokens + entry.CompletionTokens
	rec.PromptCost = promptCost
	rec.CompletionCost = completionCost
	rec.TotalCost = entry.Cost
	rec.LatencyMs = g.nowFn().Sub(start).Milliseconds()
	g.publish(rec)

	ctx.Response.Header.Set("X-Cache", "hit")
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(entry.StatusCode)
	ctx.SetBody(entry.Body)
}

// forward walks the fallback chain until a provider answers or the chain is
// exhausted. Returns the response, the provider that served it, and the
// (possibly translated) model it served.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, tn *tenant.Tenant, req *chatRequest, requestID string, log *slog.Logger) (*providers.ProxyResponse, string, string, error) {
	current := g.firstProvider(tn, req.Model)
	model := req.Model
	primary := current

	var lastErr error
	for attempt := 0; attempt < len(g.chain.Order()); attempt++ {
		prov, registered := g.providers[current]
		available := registered && g.health.IsAvailable(current)

		if available {
			resp, latency, err := g.callProvider(ctx, prov, tn, req, model, requestID)
			if err == nil {
				g.health.RecordSuccess(current, latency)
				if g.metrics != nil {
					g.metrics.ObserveUpstreamAttempt(current, routeChat, "success", latency)
					g.metrics.SetProviderHealth(current, true)
					g.metrics.SetCircuitBreaker(current, 0)
					if current != primary {
						g.metrics.RecordFailoverSuccess(primary, current)
					}
				}
				return resp, current, model, nil
			}

			lastErr = err
			g.health.RecordFailure(current, err)
			status := upstreamStatus(err)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(current, routeChat, "error", latency)
				g.metrics.RecordError(current, errorType(err))
				g.metrics.SetProviderHealth(current, false)
				if g.health.Status(current) == StatusUnhealthy {
					g.metrics.SetCircuitBreaker(current, 1)
				}
			}
			if !g.health.ShouldFallback(current, err, status) {
				// Non-retriable (4xx etc): surface immediately.
				return nil, current, model, err
			}
			log.Warn("provider_attempt_failed",
				slog.String("provider", current),
				slog.String("model", model),
				slog.Any("error", err),
			)
		} else {
			if registered && g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(current, "open")
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("provider %s unavailable", current)
			}
		}

		next, nextModel, ok := g.chain.GetFallback(current, model)
		if !ok {
			break
		}
		if g.metrics != nil {
			g.metrics.RecordFailover(primary, current, next, errorType(lastErr))
		}
		current, model = next, nextModel
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	if lastErr == nil {
		lastErr = errors.New("no provider available")
	}
	return nil, primary, req.Model, lastErr
}

// firstProvider picks the starting provider: the tenant's preferred provider
// when set and registered, otherwise the chain's choice for the model.
func (g *Gateway) firstProvider(tn *tenant.Tenant, model string) string {
	if tn.Provider != "" {
		if _, ok := g.providers[tn.Provider]; ok {
			return tn.Provider
		}
	}
	return g.chain.First(model)
}

// callProvider performs one bounded upstream attempt.
func (g *Gateway) callProvider(ctx *fasthttp.RequestCtx, prov providers.Provider, tn *tenant.Tenant, req *chatRequest, model, requestID string) (*providers.ProxyResponse, time.Duration, error) {
	apiKey := ""
	if g.creds != nil {
		apiKey, _ = g.creds.ProviderKey(ctx, tn.ID, prov.Name())
	}

	// Streams outlive this call, so only non-streaming attempts get the
	// per-attempt timeout. For streams the request context itself bounds the
	// adapter's goroutine.
	callCtx := context.Context(ctx)
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	pr := &providers.ProxyRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TenantID:    tn.ID,
		APIKey:      apiKey,
		RequestID:   requestID,
	}

	begin := g.nowFn()
	resp, err := prov.Request(callCtx, pr)
	return resp, g.nowFn().Sub(begin), err
}

// streamResponse relays provider chunks to the client as server-sent events
// in the OpenAI delta format.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, model string, resp *providers.ProxyResponse) {
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Cache", "bypass")

	created := g.nowFn().Unix()
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for chunk := range resp.Stream {
			event := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]any{{
					"index":         0,
					"delta":         map[string]string{"content": chunk.Content},
					"finish_reason": nullable(chunk.FinishReason),
				}},
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return // client went away
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (g *Gateway) publish(rec persist.Record) {
	if g.records == nil {
		return
	}
	if !g.records.Publish(rec) {
		g.log.Warn("record_dropped", slog.String("record_id", rec.ID.String()))
	}
}

// writeUpstreamError maps the final failover error onto a client response.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.WriteProviderError(ctx, upstreamStatus(err), "all providers failed: "+err.Error())
}

// upstreamStatus extracts the HTTP status carried by a provider error, 0 when
// none is present.
func upstreamStatus(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// errorType buckets an error for metrics and records.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case upstreamStatus(err) == 429:
		return "rate_limited"
	case upstreamStatus(err) >= 500:
		return "upstream_error"
	case upstreamStatus(err) >= 400:
		return "client_error"
	default:
		return "connection_error"
	}
}

// estimateTokens is the pre-flight token estimate used by the token bucket:
// roughly one token per four characters of prompt, plus the completion budget
// the client asked for.
func estimateTokens(req *chatRequest) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := int64(chars/4) + int64(len(req.Messages))*4
	if req.MaxTokens > 0 {
		est += int64(req.MaxTokens)
	}
	return est
}
