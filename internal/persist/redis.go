package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	hotListPrefix   = "recent:"
	hotListMaxLen   = 1_000
	hotListTTL      = 24 * time.Hour
	hotStoreTimeout = 500 * time.Millisecond
)

// HotStore is the Redis-backed low-latency sink. It keeps a capped
// per-tenant list of the most recent request records for dashboard-style
// "recent activity" queries. Older entries fall off the end of the list;
// the whole list expires after 24 hours of tenant inactivity.
type HotStore struct {
	client *redis.Client
}

// NewHotStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewHotStoreFromClient(rdb *redis.Client) *HotStore {
	return &HotStore{client: rdb}
}

// NewHotStoreFromURL parses redisURL, verifies the connection with a PING,
// and returns a HotStore. The returned store owns the client.
func NewHotStoreFromURL(ctx context.Context, redisURL string) (*HotStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("persist: redis parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("persist: redis ping: %w", err)
	}

	return &HotStore{client: cli}, nil
}

func (h *HotStore) Name() string { return "redis_hot" }

// Write pushes each record onto its tenant's recent-activity list and trims
// the list to the cap. The whole batch goes out in one pipeline round trip.
func (h *HotStore) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, hotStoreTimeout)
	defer cancel()

	pipe := h.client.Pipeline()
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("persist: marshal record %s: %w", r.ID, err)
		}
		key := hotListPrefix + r.TenantID
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, hotListMaxLen-1)
		pipe.Expire(ctx, key, hotListTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist: redis pipeline: %w", err)
	}
	return nil
}

// Recent returns up to n of the tenant's most recent records, newest first.
func (h *HotStore) Recent(ctx context.Context, tenantID string, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}

	ctx, cancel := context.WithTimeout(ctx, hotStoreTimeout)
	defer cancel()

	raws, err := h.client.LRange(ctx, hotListPrefix+tenantID, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("persist: redis lrange: %w", err)
	}

	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue // skip corrupt entries rather than failing the query
		}
		records = append(records, r)
	}
	return records, nil
}

// Ping verifies connectivity.
func (h *HotStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return h.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (h *HotStore) Close() error {
	return h.client.Close()
}
