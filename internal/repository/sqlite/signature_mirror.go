package sqlite

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/awsl-project/agproxy/internal/signature"
)

// SignatureMirrorRepository is the persistent write-through behind the
// in-memory signature store.
type SignatureMirrorRepository struct {
	db *DB
}

func NewSignatureMirrorRepository(db *DB) *SignatureMirrorRepository {
	return &SignatureMirrorRepository{db: db}
}

func (r *SignatureMirrorRepository) Put(e *signature.Entry) error {
	row := &SignatureEntry{
		Signature:   LongText(e.Signature),
		Content:     LongText(e.Content),
		ContentHash: e.ContentHash,
		ToolID:      e.ToolID,
		SessionFP:   e.SessionFP,
		OwnerID:     e.OwnerID,
		ModelFamily: e.ModelFamily,
		TTLSeconds:  int64(e.TTL / time.Second),
		StoredAt:    e.CreatedAt.UnixMilli(),
	}
	// One row per content hash; later captures of the same content
	// replace the earlier signature.
	return r.db.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (r *SignatureMirrorRepository) GetByContentHash(hash string) (*signature.Entry, error) {
	return r.getBy("content_hash = ?", hash)
}

func (r *SignatureMirrorRepository) GetByToolID(toolID string) (*signature.Entry, error) {
	return r.getBy("tool_id = ?", toolID)
}

func (r *SignatureMirrorRepository) GetBySessionFingerprint(fp string) (*signature.Entry, error) {
	return r.getBy("session_fp = ?", fp)
}

func (r *SignatureMirrorRepository) getBy(cond string, arg string) (*signature.Entry, error) {
	var row SignatureEntry
	err := r.db.gorm.Where(cond, arg).Order("stored_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &signature.Entry{
		Signature:   string(row.Signature),
		Content:     string(row.Content),
		ContentHash: row.ContentHash,
		ToolID:      row.ToolID,
		SessionFP:   row.SessionFP,
		OwnerID:     row.OwnerID,
		ModelFamily: row.ModelFamily,
		TTL:         time.Duration(row.TTLSeconds) * time.Second,
		CreatedAt:   time.UnixMilli(row.StoredAt),
	}
	if entry.TTL > 0 && time.Since(entry.CreatedAt) > entry.TTL {
		return nil, nil
	}
	return entry, nil
}

// DeleteExpired prunes rows past their TTL.
func (r *SignatureMirrorRepository) DeleteExpired() (int64, error) {
	cutoff := time.Now().UnixMilli()
	res := r.db.gorm.Where("ttl_seconds > 0 AND stored_at + ttl_seconds * 1000 < ?", cutoff).
		Delete(&SignatureEntry{})
	return res.RowsAffected, res.Error
}
