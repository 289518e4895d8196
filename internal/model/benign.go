package model

// BenignError 良性 RPC 错误日汇总
//
// 按 {operation-kind}.{code} 每日聚合，仅用于观测，不参与正确性。
type BenignError struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Day       string `gorm:"column:day;type:varchar(10);uniqueIndex:uk_benign_day_key;not null" json:"day"`
	ErrorKey  string `gorm:"column:error_key;type:varchar(100);uniqueIndex:uk_benign_day_key;not null" json:"error_key"`
	Count     int64  `gorm:"column:count;type:bigint;not null;default:0" json:"count"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BenignError) TableName() string {
	return "indexer_benign_errors"
}
