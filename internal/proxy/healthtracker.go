package proxy

import (
	"strings"
	"sync"
	"time"

	"github.com/modelfront/gateway/internal/providers"
)

// ProviderStatus is the health classification of one upstream provider.
//
//	StatusUnknown   — no completed calls yet.
//	StatusHealthy   — recent calls succeed with acceptable latency.
//	StatusDegraded  — calls succeed but average latency is above threshold.
//	StatusUnhealthy — consecutive failures tripped the circuit.
type ProviderStatus int

const (
	StatusUnknown ProviderStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

// String returns the label used in logs, metrics, and the health endpoint.
func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// TrackerConfig holds health tracker tuning parameters. Zero values fall back
// to the package-level defaults in providers/provider.go.
type TrackerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Default: providers.FailureThreshold (5).
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before one probe
	// request is permitted. Default: providers.RecoveryTimeout (30s).
	RecoveryTimeout time.Duration

	// DegradedLatency is the EMA latency above which a succeeding provider
	// is classified degraded rather than healthy.
	// Default: providers.DegradedLatency (5s).
	DegradedLatency time.Duration
}

func (c TrackerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.FailureThreshold
}

func (c TrackerConfig) recoveryTimeout() time.Duration {
	if c.RecoveryTimeout > 0 {
		return c.RecoveryTimeout
	}
	return providers.RecoveryTimeout
}

func (c TrackerConfig) degradedLatency() time.Duration {
	if c.DegradedLatency > 0 {
		return c.DegradedLatency
	}
	return providers.DegradedLatency
}

// maxLatencyDecay shrinks the running-maximum latency on every success so an
// old outlier fades instead of pinning the maximum forever.
const maxLatencyDecay = 0.95

// providerHealth is the tracked state for one provider.
type providerHealth struct {
	status ProviderStatus

	requests  int64
	successes int64
	failures  int64

	avgLatencyMs float64 // exponential moving average
	maxLatencyMs float64 // decayed running maximum

	consecutiveFailures int
	openUntil           time.Time // zero when the circuit is closed
	lastError           string
}

// HealthTracker records the outcome of every completed upstream call and
// answers availability and fallback questions. Entries are created on first
// reference and never removed. Safe for concurrent use.
type HealthTracker struct {
	mu    sync.Mutex
	provs map[string]*providerHealth
	cfg   TrackerConfig
	nowFn func() time.Time
}

// NewHealthTracker creates a HealthTracker with the given thresholds.
func NewHealthTracker(cfg TrackerConfig) *HealthTracker {
	return &HealthTracker{
		provs: make(map[string]*providerHealth),
		cfg:   cfg,
		nowFn: time.Now,
	}
}

// get returns (creating if needed) the state for provider. Caller holds mu.
func (t *HealthTracker) get(provider string) *providerHealth {
	ph, ok := t.provs[provider]
	if !ok {
		ph = &providerHealth{status: StatusUnknown}
		t.provs[provider] = ph
	}
	return ph
}

// RecordSuccess notes a successful upstream call. The consecutive-failure
// counter resets, latency statistics update, and the provider is classified
// healthy or degraded by its average latency.
func (t *HealthTracker) RecordSuccess(provider string, latency time.Duration) {
	ms := float64(latency.Milliseconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	ph := t.get(provider)
	ph.requests++
	ph.successes++
	ph.consecutiveFailures = 0
	ph.openUntil = time.Time{}
	ph.lastError = ""

	if ph.avgLatencyMs == 0 {
		ph.avgLatencyMs = ms
	} else {
		alpha := providers.LatencySmoothing
		ph.avgLatencyMs = alpha*ms + (1-alpha)*ph.avgLatencyMs
	}

	ph.maxLatencyMs *= maxLatencyDecay
	if ms > ph.maxLatencyMs {
		ph.maxLatencyMs = ms
	}

	if ph.avgLatencyMs < float64(t.cfg.degradedLatency().Milliseconds()) {
		ph.status = StatusHealthy
	} else {
		ph.status = StatusDegraded
	}
}

// RecordFailure notes a failed upstream call. When the consecutive-failure
// counter reaches the threshold the provider becomes unhealthy and the
// circuit opens until now + recovery timeout.
func (t *HealthTracker) RecordFailure(provider string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph := t.get(provider)
	ph.requests++
	ph.failures++
	ph.consecutiveFailures++
	if err != nil {
		ph.lastError = err.Error()
	}

	if ph.consecutiveFailures >= t.cfg.failureThreshold() {
		ph.status = StatusUnhealthy
		ph.openUntil = t.nowFn().Add(t.cfg.recoveryTimeout())
	}
}

// IsAvailable reports whether provider may receive a request.
//
// While the circuit is open and the recovery timeout has not elapsed the
// provider is unavailable. Once the timeout elapses the open-until marker is
// cleared and exactly this call returns true — a one-shot half-open probe.
// The status stays unhealthy until a subsequent RecordSuccess; a failed probe
// re-opens the circuit via the (still saturated) consecutive-failure counter.
func (t *HealthTracker) IsAvailable(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.provs[provider]
	if !ok {
		return true // never seen — optimistic allow
	}

	if !ph.openUntil.IsZero() {
		if t.nowFn().Before(ph.openUntil) {
			return false
		}
		ph.openUntil = time.Time{}
		return true
	}

	return ph.status != StatusUnhealthy
}

// Status returns the current classification for provider.
func (t *HealthTracker) Status(provider string) ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.provs[provider]
	if !ok {
		return StatusUnknown
	}
	return ph.status
}

// ShouldFallback reports whether a request against provider should move to
// the next provider in the chain. True when the provider is unavailable, the
// upstream answered 5xx or 429, or the error text matches the retriable
// vocabulary (timeouts, connection failures, service unavailability).
func (t *HealthTracker) ShouldFallback(provider string, err error, statusCode int) bool {
	if !t.IsAvailable(provider) {
		return true
	}
	if statusCode == 429 || (statusCode >= 500 && statusCode < 600) {
		return true
	}
	if err != nil && isRetriableErrorText(err.Error()) {
		return true
	}
	return false
}

// BestProvider returns the first available provider in chain order, or
// ("", false) when every provider's circuit is open.
func (t *HealthTracker) BestProvider(chain []string) (string, bool) {
	for _, name := range chain {
		if t.IsAvailable(name) {
			return name, true
		}
	}
	return "", false
}

// ProviderSnapshot is a point-in-time view of one provider's health, exposed
// by GET /health.
type ProviderSnapshot struct {
	Status              string  `json:"status"`
	Requests            int64   `json:"requests"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	MaxLatencyMs        float64 `json:"max_latency_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CircuitOpen         bool    `json:"circuit_open"`
	LastError           string  `json:"last_error,omitempty"`
}

// Snapshot returns the health view of every tracked provider.
func (t *HealthTracker) Snapshot() map[string]ProviderSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	out := make(map[string]ProviderSnapshot, len(t.provs))
	for name, ph := range t.provs {
		out[name] = ProviderSnapshot{
			Status:              ph.status.String(),
			Requests:            ph.requests,
			Successes:           ph.successes,
			Failures:            ph.failures,
			AvgLatencyMs:        ph.avgLatencyMs,
			MaxLatencyMs:        ph.maxLatencyMs,
			ConsecutiveFailures: ph.consecutiveFailures,
			CircuitOpen:         !ph.openUntil.IsZero() && now.Before(ph.openUntil),
			LastError:           ph.lastError,
		}
	}
	return out
}

// retriableErrorTerms is the vocabulary of error fragments that indicate a
// transient infrastructure failure worth retrying elsewhere.
var retriableErrorTerms = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"temporarily",
	"deadline exceeded",
}

func isRetriableErrorText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, term := range retriableErrorTerms {
		if strings.Contains(msg, term) {
			return true
		}
	}
	return false
}
