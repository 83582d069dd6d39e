package sqlite

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// LongText maps to LONGTEXT on MySQL and TEXT elsewhere.
type LongText string

func (LongText) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "longtext"
	default:
		return "text"
	}
}

// BaseModel contains common fields for all entities.
type BaseModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt int64
	UpdatedAt int64
}

func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	return nil
}

func (m *BaseModel) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// SignatureEntry mirrors one signature-cache entry. Indexed on every
// lookup key the in-memory store uses.
type SignatureEntry struct {
	BaseModel
	Signature   LongText `gorm:"not null"`
	Content     LongText
	ContentHash string `gorm:"size:64;index"`
	ToolID      string `gorm:"size:255;index"`
	SessionFP   string `gorm:"size:64;index"`
	OwnerID     string `gorm:"size:64;index"`
	ModelFamily string `gorm:"size:64"`
	TTLSeconds  int64
	StoredAt    int64
}

// Conversation persists one authoritative history.
type Conversation struct {
	BaseModel
	SCID          string `gorm:"column:scid;size:64;uniqueIndex"`
	ClientType    string `gorm:"size:16"`
	History       LongText
	LastSignature LongText
	AccessCount   int64
	ExpiresAt     int64 `gorm:"index"`
}

// TokenUsage is one raw usage row.
type TokenUsage struct {
	BaseModel
	Timestamp        int64  `gorm:"index"`
	ClientType       string `gorm:"size:16;index"`
	Profile          string `gorm:"size:16"`
	BackendKey       string `gorm:"size:32;index"`
	Model            string `gorm:"size:64;index"`
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Success          bool
}

// TokenStatsHourly is the aggregated bucket, one row per
// (hour, client_type, backend, model).
type TokenStatsHourly struct {
	BaseModel
	Hour             int64  `gorm:"index:idx_hourly_key,unique"`
	ClientType       string `gorm:"size:16;index:idx_hourly_key,unique"`
	BackendKey       string `gorm:"size:32;index:idx_hourly_key,unique"`
	Model            string `gorm:"size:64;index:idx_hourly_key,unique"`
	Requests         int64
	Failures         int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// AllModels lists everything AutoMigrate manages.
func AllModels() []interface{} {
	return []interface{}{
		&SignatureEntry{},
		&Conversation{},
		&TokenUsage{},
		&TokenStatsHourly{},
	}
}
