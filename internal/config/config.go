// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML. Structured sections (tenants, tiers) are YAML-only.
//
// Only one upstream provider key is strictly required for the gateway to
// start. Redis and ClickHouse are optional — without them the gateway runs
// with request-record persistence disabled.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig
	Groq      ProviderConfig

	// Tenants is the static tenant directory (YAML-only). When empty, a
	// single "default" tenant is synthesised from GATEWAY_API_KEY so the
	// gateway can run from env vars alone.
	Tenants []TenantEntry

	// Tiers overrides the built-in per-tier rate limits (YAML-only). Keys are
	// tier names: free, starter, pro, enterprise.
	Tiers map[string]TierLimitsConfig

	// Cache controls the in-process response cache.
	Cache CacheConfig

	// Health controls per-provider circuit breaker thresholds.
	Health HealthConfig

	// Failover controls the provider fallback chain.
	Failover FailoverConfig

	// Redis holds the connection URL for the hot request-record store.
	// Empty disables the Redis sink.
	Redis RedisConfig

	// ClickHouse holds the analytics store connection. Empty Addr disables
	// the ClickHouse sink.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// TenantEntry is one tenant row from the YAML tenants list.
type TenantEntry struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`

	// APIKey is the tenant's plaintext gateway key; KeyHash is the
	// pre-hashed (sha256 hex) alternative. Exactly one should be set.
	APIKey  string `mapstructure:"api_key"`
	KeyHash string `mapstructure:"key_hash"`

	// Tier is the pricing tier: free, starter, pro, or enterprise.
	Tier string `mapstructure:"tier"`

	// Provider is the tenant's preferred upstream provider. Optional.
	Provider string `mapstructure:"provider"`

	// Credentials maps provider name → the tenant's own upstream API key.
	// When absent the gateway's shared keys are used.
	Credentials map[string]string `mapstructure:"credentials"`
}

// TierLimitsConfig overrides the built-in limits for one tier. Zero fields
// keep the built-in value.
type TierLimitsConfig struct {
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
	RequestsPerDay    int64   `mapstructure:"requests_per_day"`
	TokensPerDay      int64   `mapstructure:"tokens_per_day"`
	BurstMultiplier   float64 `mapstructure:"burst_multiplier"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled toggles the cache. Default: true.
	Enabled bool

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the total entry count across all tenants. Default: 10000.
	MaxEntries int

	// MaxBodyBytes is the largest response body the cache accepts. Default: 1 MiB.
	MaxBodyBytes int

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// HealthConfig controls per-provider health tracking.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before allowing a
	// single probe request. Default: 30s.
	RecoveryTimeout time.Duration

	// DegradedLatency is the average latency above which a provider is
	// classified degraded. Default: 5s.
	DegradedLatency time.Duration
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// Order is the provider chain walked on failure. Empty uses the built-in
	// default order.
	Order []string

	// TranslateModels rewrites the model name to each fallback provider's
	// equivalent. When false the original model is sent unchanged. Default: true.
	TranslateModels bool

	// ProviderTimeout is the per-provider request timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds ClickHouse analytics store configuration.
type ClickHouseConfig struct {
	// Addr is the native-protocol host:port, e.g. "localhost:9000".
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key and at least one tenant key must be
// configured.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Cache defaults.
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CACHE_MAX_BODY_BYTES", 1<<20)

	// Health tracker defaults.
	v.SetDefault("HEALTH_FAILURE_THRESHOLD", 5)
	v.SetDefault("HEALTH_RECOVERY_TIMEOUT", "30s")
	v.SetDefault("HEALTH_DEGRADED_LATENCY", "5s")

	// Failover defaults.
	v.SetDefault("FAILOVER_TRANSLATE_MODELS", true)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("DEFAULT_TENANT_TIER", "free")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		Groq:      ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},

		Cache: CacheConfig{
			Enabled:         v.GetBool("CACHE_ENABLED"),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			MaxBodyBytes:    v.GetInt("CACHE_MAX_BODY_BYTES"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Health: HealthConfig{
			FailureThreshold: v.GetInt("HEALTH_FAILURE_THRESHOLD"),
			RecoveryTimeout:  v.GetDuration("HEALTH_RECOVERY_TIMEOUT"),
			DegradedLatency:  v.GetDuration("HEALTH_DEGRADED_LATENCY"),
		},

		Failover: FailoverConfig{
			Order:           v.GetStringSlice("FAILOVER_ORDER"),
			TranslateModels: v.GetBool("FAILOVER_TRANSLATE_MODELS"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// Structured sections come from YAML only.
	if err := v.UnmarshalKey("tenants", &cfg.Tenants); err != nil {
		return nil, fmt.Errorf("config: tenants: %w", err)
	}
	if err := v.UnmarshalKey("tiers", &cfg.Tiers); err != nil {
		return nil, fmt.Errorf("config: tiers: %w", err)
	}

	// Env-only single-tenant mode for local development.
	if len(cfg.Tenants) == 0 {
		if key := v.GetString("GATEWAY_API_KEY"); key != "" {
			cfg.Tenants = []TenantEntry{{
				ID:     "default",
				Name:   "Default Tenant",
				APIKey: key,
				Tier:   v.GetString("DEFAULT_TENANT_TIER"),
			}}
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, " +
				"MISTRAL_API_KEY, or GROQ_API_KEY)",
		)
	}

	if len(c.Tenants) == 0 {
		return fmt.Errorf(
			"config: no tenants configured; add a tenants section to " +
				"config.yaml or set GATEWAY_API_KEY for single-tenant mode",
		)
	}
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("config: tenants[%d] is missing an id", i)
		}
		if t.APIKey == "" && t.KeyHash == "" {
			return fmt.Errorf("config: tenant %q needs api_key or key_hash", t.ID)
		}
	}

	for name := range c.Tiers {
		switch strings.ToLower(name) {
		case "free", "starter", "pro", "enterprise":
		default:
			return fmt.Errorf("config: unknown tier %q in tiers section", name)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("config: HEALTH_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Health.FailureThreshold)
	}
	if c.Health.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_RECOVERY_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.Groq.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
