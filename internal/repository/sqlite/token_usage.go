package sqlite

import (
	"time"

	"gorm.io/gorm/clause"

	"github.com/awsl-project/agproxy/internal/repository"
)

type UsageRepository struct {
	db *DB
}

func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Record(rec *repository.UsageRecord) error {
	row := &TokenUsage{
		Timestamp:        rec.Timestamp.UnixMilli(),
		ClientType:       rec.ClientType,
		Profile:          rec.Profile,
		BackendKey:       rec.BackendKey,
		Model:            rec.Model,
		InputTokens:      int64(rec.InputTokens),
		OutputTokens:     int64(rec.OutputTokens),
		CacheReadTokens:  int64(rec.CacheReadTokens),
		CacheWriteTokens: int64(rec.CacheWriteTokens),
		Success:          rec.Success,
	}
	return r.db.gorm.Create(row).Error
}

// AggregateHour recomputes the hourly buckets covering the given hour
// from the raw rows and upserts them.
func (r *UsageRepository) AggregateHour(hour time.Time) error {
	start := hour.Truncate(time.Hour)
	end := start.Add(time.Hour)

	var rows []struct {
		ClientType       string
		BackendKey       string
		Model            string
		Requests         int64
		Failures         int64
		InputTokens      int64
		OutputTokens     int64
		CacheReadTokens  int64
		CacheWriteTokens int64
	}
	err := r.db.gorm.Model(&TokenUsage{}).
		Select(`client_type, backend_key, model,
			COUNT(*) AS requests,
			SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens,
			SUM(cache_read_tokens) AS cache_read_tokens,
			SUM(cache_write_tokens) AS cache_write_tokens`).
		Where("timestamp >= ? AND timestamp < ?", start.UnixMilli(), end.UnixMilli()).
		Group("client_type, backend_key, model").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	for _, agg := range rows {
		bucket := &TokenStatsHourly{
			Hour:             start.UnixMilli(),
			ClientType:       agg.ClientType,
			BackendKey:       agg.BackendKey,
			Model:            agg.Model,
			Requests:         agg.Requests,
			Failures:         agg.Failures,
			InputTokens:      agg.InputTokens,
			OutputTokens:     agg.OutputTokens,
			CacheReadTokens:  agg.CacheReadTokens,
			CacheWriteTokens: agg.CacheWriteTokens,
		}
		err := r.db.gorm.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "hour"}, {Name: "client_type"}, {Name: "backend_key"}, {Name: "model"},
			},
			UpdateAll: true,
		}).Create(bucket).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *UsageRepository) QueryHourly(filter repository.UsageFilter) ([]*repository.HourlyStat, error) {
	q := r.db.gorm.Model(&TokenStatsHourly{})
	if filter.Start != nil {
		q = q.Where("hour >= ?", filter.Start.UnixMilli())
	}
	if filter.End != nil {
		q = q.Where("hour <= ?", filter.End.UnixMilli())
	}
	if filter.BackendKey != "" {
		q = q.Where("backend_key = ?", filter.BackendKey)
	}
	if filter.Model != "" {
		q = q.Where("model = ?", filter.Model)
	}
	if filter.ClientType != "" {
		q = q.Where("client_type = ?", filter.ClientType)
	}

	var rows []TokenStatsHourly
	if err := q.Order("hour DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	stats := make([]*repository.HourlyStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, &repository.HourlyStat{
			Hour:             time.UnixMilli(row.Hour),
			ClientType:       row.ClientType,
			BackendKey:       row.BackendKey,
			Model:            row.Model,
			Requests:         row.Requests,
			Failures:         row.Failures,
			InputTokens:      row.InputTokens,
			OutputTokens:     row.OutputTokens,
			CacheReadTokens:  row.CacheReadTokens,
			CacheWriteTokens: row.CacheWriteTokens,
		})
	}
	return stats, nil
}
