package model

// KickChannel 踢醒通知使用的 PostgreSQL NOTIFY 频道
const KickChannel = "mission_kicks"

// MissionKick 外部协作方写入的"踢一下"事件 (持久队列)
//
// 排水采用 delete-and-return，保证至少一次投递; 快照刷新本身幂等，
// 重复投递无害。
type MissionKick struct {
	ID             int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	MissionAddress string `gorm:"column:mission_address;type:varchar(42);index;not null" json:"mission_address"`
	TxHash         string `gorm:"column:tx_hash;type:varchar(66);not null;default:''" json:"tx_hash"`
	EventType      string `gorm:"column:event_type;type:varchar(50);not null;default:''" json:"event_type"`
	CreatedAt      int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (MissionKick) TableName() string {
	return "indexer_kicks"
}
