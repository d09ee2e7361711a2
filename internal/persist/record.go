// Package persist owns the gateway request record and its asynchronous
// dual-sink persistence.
//
// Every request produces exactly one Record. The orchestrator moves it
// through the pending → forwarding → terminal state machine, finalises it,
// and hands it to the Fanout — after which the record is immutable. The
// Fanout writes it to a low-latency hot store (Redis, recent activity) and a
// high-volume analytics store (ClickHouse, historical aggregation),
// independently and best-effort.
package persist

import (
	"time"

	"github.com/google/uuid"
)

// Status is the request-log state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusForwarding      Status = "forwarding"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusServedFromCache Status = "served_from_cache"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusServedFromCache:
		return true
	}
	return false
}

// Record is the canonical per-request accounting record.
type Record struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	Route    string    `json:"route"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	Status      Status `json:"status"`
	CacheStatus string `json:"cache_status"` // hit | miss | bypass | expired

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`

	LatencyMs int64 `json:"latency_ms"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
