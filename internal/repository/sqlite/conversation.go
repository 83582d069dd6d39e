package sqlite

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

type ConversationRepository struct {
	db *DB
}

func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Save(state *domain.ConversationState) error {
	history, err := jsonx.SafeMarshal(state.History)
	if err != nil {
		return err
	}
	row := &Conversation{
		SCID:          state.SCID,
		ClientType:    string(state.ClientType),
		History:       LongText(history),
		LastSignature: LongText(state.LastSignature),
		AccessCount:   int64(state.AccessCount),
		ExpiresAt:     state.ExpiresAt.UnixMilli(),
	}
	return r.db.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scid"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (r *ConversationRepository) Get(scid string) (*domain.ConversationState, error) {
	var row Conversation
	err := r.db.gorm.Where("scid = ?", scid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state := &domain.ConversationState{
		SCID:          row.SCID,
		ClientType:    domain.ClientType(row.ClientType),
		LastSignature: string(row.LastSignature),
		AccessCount:   uint64(row.AccessCount),
		CreatedAt:     time.UnixMilli(row.CreatedAt),
		ExpiresAt:     time.UnixMilli(row.ExpiresAt),
	}
	if row.History != "" {
		if err := jsonx.SafeUnmarshal([]byte(row.History), &state.History); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (r *ConversationRepository) DeleteExpired(now time.Time) (int64, error) {
	res := r.db.gorm.Where("expires_at < ?", now.UnixMilli()).Delete(&Conversation{})
	return res.RowsAffected, res.Error
}
