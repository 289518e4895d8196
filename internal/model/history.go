package model

// StatusHistory 状态变更历史 (仅追加)
//
// 每次观测到的状态迁移一行。唯一索引带 changed_at: Active ⇄ Paused
// 会在多轮冷却中反复出现，只有同一时刻的重放才算重复。
type StatusHistory struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	MissionAddress string        `gorm:"column:mission_address;type:varchar(42);uniqueIndex:uk_status_transition;not null" json:"mission_address"`
	FromStatus     MissionStatus `gorm:"column:from_status;type:smallint;uniqueIndex:uk_status_transition;not null" json:"from_status"`
	ToStatus       MissionStatus `gorm:"column:to_status;type:smallint;uniqueIndex:uk_status_transition;not null" json:"to_status"`
	ChangedAt      int64         `gorm:"column:changed_at;type:bigint;uniqueIndex:uk_status_transition;not null" json:"changed_at"`
	CreatedAt      int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (StatusHistory) TableName() string {
	return "mission_status_history"
}
