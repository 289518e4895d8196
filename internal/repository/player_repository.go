package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// PlayerRepository 玩家仓储接口
type PlayerRepository interface {
	ListByMission(ctx context.Context, missionAddress string) ([]*model.MissionPlayer, error)
	// Mirror 将持久化集合与快照玩家列表对齐:
	// 快照中的玩家逐个 upsert，快照中不存在的地址删除。
	// 返回成员变化数 (新增 + 删除)。
	Mirror(ctx context.Context, missionAddress string, players []*model.MissionPlayer) (int, error)
}

// playerRepository 玩家仓储实现
type playerRepository struct {
	*Repository
}

// NewPlayerRepository 创建玩家仓储
func NewPlayerRepository(db *gorm.DB) PlayerRepository {
	return &playerRepository{Repository: NewRepository(db)}
}

func (r *playerRepository) ListByMission(ctx context.Context, missionAddress string) ([]*model.MissionPlayer, error) {
	var players []*model.MissionPlayer
	err := r.DB(ctx).
		Where("mission_address = ?", missionAddress).
		Order("enrolled_at ASC, player_address ASC").
		Find(&players).Error
	return players, err
}

func (r *playerRepository) Mirror(ctx context.Context, missionAddress string, players []*model.MissionPlayer) (int, error) {
	existing, err := r.ListByMission(ctx, missionAddress)
	if err != nil {
		return 0, err
	}

	existingSet := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		existingSet[p.PlayerAddress] = struct{}{}
	}

	changes := 0
	now := time.Now().UnixMilli()

	snapshotSet := make(map[string]struct{}, len(players))
	for _, p := range players {
		snapshotSet[p.PlayerAddress] = struct{}{}

		p.MissionAddress = missionAddress
		p.UpdatedAt = now
		if p.CreatedAt == 0 {
			p.CreatedAt = now
		}
		if _, ok := existingSet[p.PlayerAddress]; !ok {
			changes++
		}

		err := r.DB(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mission_address"}, {Name: "player_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enrolled_at", "amount_won", "won_at",
				"refunded", "refund_failed", "refunded_at", "updated_at",
			}),
		}).Create(p).Error
		if err != nil {
			return changes, err
		}
	}

	// 删除快照中不存在的玩家 (严格镜像)
	for _, p := range existing {
		if _, ok := snapshotSet[p.PlayerAddress]; ok {
			continue
		}
		err := r.DB(ctx).
			Where("mission_address = ? AND player_address = ?", missionAddress, p.PlayerAddress).
			Delete(&model.MissionPlayer{}).Error
		if err != nil {
			return changes, err
		}
		changes++
	}

	return changes, nil
}
