package app

import (
	"gorm.io/gorm"

	"github.com/missionprotocol/mission-indexer/internal/model"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Mission{},
		&model.MissionPlayer{},
		&model.MissionRound{},
		&model.StatusHistory{},
		&model.FactoryCursor{},
		&model.MissionKick{},
		&model.BenignError{},
	)
}
