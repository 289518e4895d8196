package model

import "github.com/shopspring/decimal"

// MissionStatus 任务合约状态
//
// 序数顺序是回退保护 (anti-regression guard) 的依据:
// 一旦持久化状态超过 PartlySuccess，快照中更低的状态不再被接受。
// 如果合约引入新的终态，这里的序数比较需要重新评估。
type MissionStatus int16

const (
	StatusPending       MissionStatus = 0 // 已创建，报名未开始
	StatusEnrolling     MissionStatus = 1 // 报名中
	StatusArming        MissionStatus = 2 // 报名结束，等待开始
	StatusActive        MissionStatus = 3 // 进行中
	StatusPaused        MissionStatus = 4 // 回合冷却中 (Active 的覆盖态)
	StatusPartlySuccess MissionStatus = 5 // 部分成功 (终态)
	StatusSuccess       MissionStatus = 6 // 成功 (终态)
	StatusFailed        MissionStatus = 7 // 失败 (终态)
)

func (s MissionStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusEnrolling:
		return "ENROLLING"
	case StatusArming:
		return "ARMING"
	case StatusActive:
		return "ACTIVE"
	case StatusPaused:
		return "PAUSED"
	case StatusPartlySuccess:
		return "PARTLY_SUCCESS"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 是否为终态
func (s MissionStatus) Terminal() bool {
	return s >= StatusPartlySuccess
}

// Mission 链上任务合约镜像
//
// 每个任务合约一行，以合约地址为主键。只由快照合并流程写入，
// 发现后永不删除。schedule 字段为链上时间戳 (epoch 秒)。
type Mission struct {
	Address           string          `gorm:"column:address;type:varchar(42);primaryKey" json:"address"`
	Name              string          `gorm:"column:name;type:varchar(256);not null" json:"name"`
	MissionType       int16           `gorm:"column:mission_type;type:smallint;not null" json:"mission_type"`
	Status            MissionStatus   `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatedOnchainAt  int64           `gorm:"column:created_onchain_at;type:bigint;not null" json:"created_onchain_at"`
	EnrollmentStart   int64           `gorm:"column:enrollment_start;type:bigint;not null" json:"enrollment_start"`
	EnrollmentEnd     int64           `gorm:"column:enrollment_end;type:bigint;not null" json:"enrollment_end"`
	MissionStart      int64           `gorm:"column:mission_start;type:bigint;not null" json:"mission_start"`
	MissionEnd        int64           `gorm:"column:mission_end;type:bigint;index;not null" json:"mission_end"`
	RoundTotal        int             `gorm:"column:round_total;type:int;not null" json:"round_total"`
	RoundCount        int             `gorm:"column:round_count;type:int;not null;default:0" json:"round_count"`
	RoundCooldown     int64           `gorm:"column:round_cooldown;type:bigint;not null" json:"round_cooldown"`
	LastRoundCooldown int64           `gorm:"column:last_round_cooldown;type:bigint;not null;default:0" json:"last_round_cooldown"`
	PoolInitial       decimal.Decimal `gorm:"column:pool_initial;type:decimal(78,0);not null" json:"pool_initial"`
	PoolStart         decimal.Decimal `gorm:"column:pool_start;type:decimal(78,0);not null" json:"pool_start"`
	PoolCurrent       decimal.Decimal `gorm:"column:pool_current;type:decimal(78,0);not null" json:"pool_current"`
	// PausedAt 保留最近一次非零值: 快照中的 0 不会抹掉已观测到的冷却开始时间
	PausedAt    int64  `gorm:"column:paused_at;type:bigint;not null;default:0" json:"paused_at"`
	Creator     string `gorm:"column:creator;type:varchar(42);not null" json:"creator"`
	Finalized   bool   `gorm:"column:finalized;type:boolean;not null;default:false" json:"finalized"`
	AllRefunded bool   `gorm:"column:all_refunded;type:boolean;not null;default:false" json:"all_refunded"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Mission) TableName() string {
	return "missions"
}
