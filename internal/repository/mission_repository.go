package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

var (
	ErrMissionNotFound = errors.New("mission not found")
)

// MissionRepository 任务仓储接口
type MissionRepository interface {
	GetByAddress(ctx context.Context, address string) (*model.Mission, error)
	Upsert(ctx context.Context, mission *model.Mission) error
	// ListWatchable 返回还需要调度器观察的任务: 状态低于 Success，
	// 外加退款尚未定格的 Failed (重启后有界退款重试要能恢复)
	ListWatchable(ctx context.Context) ([]*model.Mission, error)
	SetFinalized(ctx context.Context, address string) error
}

// missionRepository 任务仓储实现
type missionRepository struct {
	*Repository
}

// NewMissionRepository 创建任务仓储
func NewMissionRepository(db *gorm.DB) MissionRepository {
	return &missionRepository{Repository: NewRepository(db)}
}

func (r *missionRepository) GetByAddress(ctx context.Context, address string) (*model.Mission, error) {
	var mission model.Mission
	err := r.DB(ctx).Where("address = ?", address).First(&mission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mission, nil
}

func (r *missionRepository) Upsert(ctx context.Context, mission *model.Mission) error {
	now := time.Now().UnixMilli()
	mission.UpdatedAt = now
	if mission.CreatedAt == 0 {
		mission.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "mission_type", "status",
			"created_onchain_at", "enrollment_start", "enrollment_end",
			"mission_start", "mission_end",
			"round_total", "round_count", "round_cooldown", "last_round_cooldown",
			"pool_initial", "pool_start", "pool_current",
			"paused_at", "creator", "finalized", "all_refunded", "updated_at",
		}),
	}).Create(mission).Error
}

func (r *missionRepository) ListWatchable(ctx context.Context) ([]*model.Mission, error) {
	var missions []*model.Mission
	err := r.DB(ctx).
		Where("status < ? OR (status = ? AND finalized = false)", model.StatusSuccess, model.StatusFailed).
		Order("mission_end ASC").
		Find(&missions).Error
	return missions, err
}

func (r *missionRepository) SetFinalized(ctx context.Context, address string) error {
	result := r.DB(ctx).Model(&model.Mission{}).
		Where("address = ? AND finalized = false", address).
		Updates(map[string]interface{}{
			"finalized":  true,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	// RowsAffected == 0 表示已经定格过，幂等成功
	return nil
}
