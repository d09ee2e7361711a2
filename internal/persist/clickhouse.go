package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const analyticsTable = "gateway_requests"

// analyticsSchema is applied at startup. MergeTree ordered by tenant + time
// suits the dominant query shape: per-tenant aggregation over time ranges.
const analyticsSchema = `
CREATE TABLE IF NOT EXISTS ` + analyticsTable + ` (
	id                UUID,
	tenant_id         String,
	route             LowCardinality(String),
	provider          LowCardinality(String),
	model             LowCardinality(String),
	status            LowCardinality(String),
	cache_status      LowCardinality(String),
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	total_tokens      UInt32,
	prompt_cost       Float64,
	completion_cost   Float64,
	total_cost        Float64,
	latency_ms        UInt32,
	error_type        String,
	error_message     String,
	created_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (tenant_id, created_at)
TTL toDateTime(created_at) + INTERVAL 180 DAY
`

// AnalyticsConfig holds ClickHouse connection settings.
type AnalyticsConfig struct {
	Addr     string // host:port of the native protocol endpoint
	Database string
	Username string
	Password string
}

// AnalyticsStore is the ClickHouse-backed high-volume sink. Batches arrive
// from the Fanout already grouped, matching ClickHouse's preference for
// large, infrequent inserts.
type AnalyticsStore struct {
	conn driver.Conn
}

// NewAnalyticsStore connects to ClickHouse, verifies the connection, and
// ensures the analytics table exists.
func NewAnalyticsStore(ctx context.Context, cfg AnalyticsConfig) (*AnalyticsStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("persist: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("persist: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, analyticsSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("persist: clickhouse schema: %w", err)
	}

	return &AnalyticsStore{conn: conn}, nil
}

func (a *AnalyticsStore) Name() string { return "clickhouse_analytics" }

// Write inserts the batch in one native-protocol insert.
func (a *AnalyticsStore) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+analyticsTable)
	if err != nil {
		return fmt.Errorf("persist: clickhouse prepare: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.ID,
			r.TenantID,
			r.Route,
			r.Provider,
			r.Model,
			string(r.Status),
			r.CacheStatus,
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			uint32(r.TotalTokens),
			r.PromptCost,
			r.CompletionCost,
			r.TotalCost,
			uint32(r.LatencyMs),
			r.ErrorType,
			r.ErrorMessage,
			r.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("persist: clickhouse append %s: %w", r.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("persist: clickhouse send: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (a *AnalyticsStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return a.conn.Ping(ctx)
}

// Close releases the connection pool.
func (a *AnalyticsStore) Close() error {
	return a.conn.Close()
}
