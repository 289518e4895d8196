package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// 游标表只有一行，固定 cursor_id
const factoryCursorID = 1

// CursorRepository 工厂游标仓储接口
type CursorRepository interface {
	// Get 返回当前游标; 行不存在时返回 0
	Get(ctx context.Context) (int64, error)
	// AdvanceTo 以 GREATEST(existing, seq) 语义推进游标，永不回退
	AdvanceTo(ctx context.Context, seq int64) error
}

// cursorRepository 工厂游标仓储实现
type cursorRepository struct {
	*Repository
}

// NewCursorRepository 创建工厂游标仓储
func NewCursorRepository(db *gorm.DB) CursorRepository {
	return &cursorRepository{Repository: NewRepository(db)}
}

func (r *cursorRepository) Get(ctx context.Context) (int64, error) {
	var cursor model.FactoryCursor
	err := r.DB(ctx).Where("cursor_id = ?", factoryCursorID).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.Sequence, nil
}

func (r *cursorRepository) AdvanceTo(ctx context.Context, seq int64) error {
	now := time.Now().UnixMilli()
	cursor := &model.FactoryCursor{
		CursorID:  factoryCursorID,
		Sequence:  seq,
		UpdatedAt: now,
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cursor_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sequence":   gorm.Expr("GREATEST(indexer_factory_cursor.sequence, excluded.sequence)"),
			"updated_at": now,
		}),
	}).Create(cursor).Error
}
