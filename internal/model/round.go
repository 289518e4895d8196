package model

import "github.com/shopspring/decimal"

// MissionRound 已完成回合
//
// 回合号从 1 开始连续编号: 按获胜时间戳升序排序所有有非零获胜时间的
// 玩家后顺序编号。该推导是确定性的，与玩家数组顺序和历史写入无关，
// 重放时可以安全回填。回合永不删除; upsert 可以修正 winner/payout，
// 但不会重新编号。
type MissionRound struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	MissionAddress string          `gorm:"column:mission_address;type:varchar(42);uniqueIndex:uk_mission_round;not null" json:"mission_address"`
	RoundNumber    int             `gorm:"column:round_number;type:int;uniqueIndex:uk_mission_round;not null" json:"round_number"`
	Winner         string          `gorm:"column:winner;type:varchar(42);not null" json:"winner"`
	Payout         decimal.Decimal `gorm:"column:payout;type:decimal(78,0);not null" json:"payout"`
	WonAt          int64           `gorm:"column:won_at;type:bigint;not null" json:"won_at"`
	BlockNumber    int64           `gorm:"column:block_number;type:bigint;not null;default:0" json:"block_number"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(66);not null;default:''" json:"tx_hash"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (MissionRound) TableName() string {
	return "mission_rounds"
}
