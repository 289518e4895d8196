package model

import "github.com/shopspring/decimal"

// MissionPlayer 任务报名记录
//
// 每个 (任务, 玩家地址) 一行。持久化集合是链上玩家列表的严格镜像:
// 快照中消失的地址在本地同步删除。
type MissionPlayer struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	MissionAddress string          `gorm:"column:mission_address;type:varchar(42);uniqueIndex:uk_mission_player;not null" json:"mission_address"`
	PlayerAddress  string          `gorm:"column:player_address;type:varchar(42);uniqueIndex:uk_mission_player;not null" json:"player_address"`
	EnrolledAt     int64           `gorm:"column:enrolled_at;type:bigint;not null" json:"enrolled_at"`
	AmountWon      decimal.Decimal `gorm:"column:amount_won;type:decimal(78,0);not null" json:"amount_won"`
	WonAt          int64           `gorm:"column:won_at;type:bigint;not null;default:0" json:"won_at"`
	Refunded       bool            `gorm:"column:refunded;type:boolean;not null;default:false" json:"refunded"`
	RefundFailed   bool            `gorm:"column:refund_failed;type:boolean;not null;default:false" json:"refund_failed"`
	RefundedAt     int64           `gorm:"column:refunded_at;type:bigint;not null;default:0" json:"refunded_at"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (MissionPlayer) TableName() string {
	return "players"
}
