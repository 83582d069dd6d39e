// Package repository defines the persistence contracts. Implementations
// live in sqlite (gorm, with mysql/postgres DSN switching) and mongo.
package repository

import (
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/signature"
)

// SignatureMirror persists signature-cache entries behind the in-memory
// store. Best-effort: callers log failures and continue.
type SignatureMirror = signature.Mirror

// ConversationRepository persists conversation state across restarts.
type ConversationRepository interface {
	Save(state *domain.ConversationState) error
	Get(scid string) (*domain.ConversationState, error)
	DeleteExpired(now time.Time) (int64, error)
}

// UsageRecord is one request's token accounting.
type UsageRecord struct {
	Timestamp        time.Time
	ClientType       string
	Profile          string
	BackendKey       string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Success          bool
}

// HourlyStat is one aggregated bucket.
type HourlyStat struct {
	Hour             time.Time `json:"hour"`
	ClientType       string    `json:"clientType"`
	BackendKey       string    `json:"backendKey"`
	Model            string    `json:"model"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	CacheReadTokens  int64     `json:"cacheReadTokens"`
	CacheWriteTokens int64     `json:"cacheWriteTokens"`
}

// UsageFilter bounds an hourly query.
type UsageFilter struct {
	Start      *time.Time
	End        *time.Time
	BackendKey string
	Model      string
	ClientType string
}

// UsageRepository records raw usage rows and maintains the hourly
// aggregate table.
type UsageRepository interface {
	Record(rec *UsageRecord) error
	AggregateHour(hour time.Time) error
	QueryHourly(filter UsageFilter) ([]*HourlyStat, error)
}
