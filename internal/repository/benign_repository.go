package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// BenignErrorRepository 良性错误汇总仓储接口
type BenignErrorRepository interface {
	// IncrDaily 累加某日某 key 的计数 (upsert)
	IncrDaily(ctx context.Context, day, key string, n int64) error
	ListByDay(ctx context.Context, day string) ([]*model.BenignError, error)
}

// benignErrorRepository 良性错误汇总仓储实现
type benignErrorRepository struct {
	*Repository
}

// NewBenignErrorRepository 创建良性错误汇总仓储
func NewBenignErrorRepository(db *gorm.DB) BenignErrorRepository {
	return &benignErrorRepository{Repository: NewRepository(db)}
}

func (r *benignErrorRepository) IncrDaily(ctx context.Context, day, key string, n int64) error {
	if n <= 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	row := &model.BenignError{
		Day:       day,
		ErrorKey:  key,
		Count:     n,
		UpdatedAt: now,
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "error_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":      gorm.Expr("indexer_benign_errors.count + excluded.count"),
			"updated_at": now,
		}),
	}).Create(row).Error
}

func (r *benignErrorRepository) ListByDay(ctx context.Context, day string) ([]*model.BenignError, error) {
	var rows []*model.BenignError
	err := r.DB(ctx).
		Where("day = ?", day).
		Order("error_key ASC").
		Find(&rows).Error
	return rows, err
}
