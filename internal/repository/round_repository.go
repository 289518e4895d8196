package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// RoundRepository 回合仓储接口
type RoundRepository interface {
	ListByMission(ctx context.Context, missionAddress string) ([]*model.MissionRound, error)
	// UpsertRounds 按 (mission, round_number) 幂等写入。
	// 调用方总是传入 1..N 的完整回合列表，回填缺口而不仅是增量。
	UpsertRounds(ctx context.Context, rounds []*model.MissionRound) error
}

// roundRepository 回合仓储实现
type roundRepository struct {
	*Repository
}

// NewRoundRepository 创建回合仓储
func NewRoundRepository(db *gorm.DB) RoundRepository {
	return &roundRepository{Repository: NewRepository(db)}
}

func (r *roundRepository) ListByMission(ctx context.Context, missionAddress string) ([]*model.MissionRound, error) {
	var rounds []*model.MissionRound
	err := r.DB(ctx).
		Where("mission_address = ?", missionAddress).
		Order("round_number ASC").
		Find(&rounds).Error
	return rounds, err
}

func (r *roundRepository) UpsertRounds(ctx context.Context, rounds []*model.MissionRound) error {
	now := time.Now().UnixMilli()
	for _, round := range rounds {
		round.UpdatedAt = now
		if round.CreatedAt == 0 {
			round.CreatedAt = now
		}
		err := r.DB(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mission_address"}, {Name: "round_number"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"winner", "payout", "won_at", "updated_at",
			}),
		}).Create(round).Error
		if err != nil {
			return err
		}
	}
	return nil
}
