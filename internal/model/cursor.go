package model

// FactoryCursor 工厂变更序号游标 (单行)
//
// 记录最近处理过的单调递增变更序号。写入采用 GREATEST(existing, new)
// 语义，永不回退，重复/乱序投递下重放安全。
type FactoryCursor struct {
	ID        int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	CursorID  int16 `gorm:"column:cursor_id;type:smallint;uniqueIndex;not null;default:1" json:"cursor_id"`
	Sequence  int64 `gorm:"column:sequence;type:bigint;not null;default:0" json:"sequence"`
	UpdatedAt int64 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (FactoryCursor) TableName() string {
	return "indexer_factory_cursor"
}
