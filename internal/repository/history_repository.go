package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// HistoryRepository 状态历史仓储接口
type HistoryRepository interface {
	// AppendTransition 追加一次状态迁移，同一时刻的重放静默跳过
	AppendTransition(ctx context.Context, missionAddress string, from, to model.MissionStatus) error
	ListByMission(ctx context.Context, missionAddress string) ([]*model.StatusHistory, error)
}

// historyRepository 状态历史仓储实现
type historyRepository struct {
	*Repository
}

// NewHistoryRepository 创建状态历史仓储
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{Repository: NewRepository(db)}
}

func (r *historyRepository) AppendTransition(ctx context.Context, missionAddress string, from, to model.MissionStatus) error {
	now := time.Now().UnixMilli()
	row := &model.StatusHistory{
		MissionAddress: missionAddress,
		FromStatus:     from,
		ToStatus:       to,
		ChangedAt:      now,
		CreatedAt:      now,
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mission_address"}, {Name: "from_status"}, {Name: "to_status"}, {Name: "changed_at"}},
		DoNothing: true,
	}).Create(row).Error
}

func (r *historyRepository) ListByMission(ctx context.Context, missionAddress string) ([]*model.StatusHistory, error) {
	var rows []*model.StatusHistory
	err := r.DB(ctx).
		Where("mission_address = ?", missionAddress).
		Order("changed_at ASC").
		Find(&rows).Error
	return rows, err
}
