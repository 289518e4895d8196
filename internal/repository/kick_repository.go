package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// KickRepository 踢醒队列仓储接口
type KickRepository interface {
	Enqueue(ctx context.Context, kick *model.MissionKick) error
	// DrainBatch 取出并删除至多 limit 行 (delete-and-return)。
	// 同一任务地址在一次排水内只保留最新一行。
	DrainBatch(ctx context.Context, limit int) ([]*model.MissionKick, error)
}

// kickRepository 踢醒队列仓储实现
type kickRepository struct {
	*Repository
}

// NewKickRepository 创建踢醒队列仓储
func NewKickRepository(db *gorm.DB) KickRepository {
	return &kickRepository{Repository: NewRepository(db)}
}

func (r *kickRepository) Enqueue(ctx context.Context, kick *model.MissionKick) error {
	if kick.CreatedAt == 0 {
		kick.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(kick).Error
}

func (r *kickRepository) DrainBatch(ctx context.Context, limit int) ([]*model.MissionKick, error) {
	if limit <= 0 {
		limit = 100
	}

	var drained []*model.MissionKick
	err := r.Transaction(ctx, func(txCtx context.Context) error {
		var rows []*model.MissionKick
		if err := r.DB(txCtx).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := r.DB(txCtx).Where("id IN ?", ids).Delete(&model.MissionKick{}).Error; err != nil {
			return err
		}

		drained = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 同一地址去重，保留最后一行 (带最新 tx hash)
	byAddress := make(map[string]*model.MissionKick, len(drained))
	order := make([]string, 0, len(drained))
	for _, k := range drained {
		if _, seen := byAddress[k.MissionAddress]; !seen {
			order = append(order, k.MissionAddress)
		}
		byAddress[k.MissionAddress] = k
	}

	result := make([]*model.MissionKick, 0, len(order))
	for _, addr := range order {
		result = append(result, byAddress[addr])
	}
	return result, nil
}
