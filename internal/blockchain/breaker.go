package blockchain

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

// CycleBreaker 周期级熔断器
//
// 统计的是整个扫描周期的失败 (不是单次已重试的调用)。连续失败超过
// 阈值后打开一个暂停窗口，窗口内上层扫描/调度工作整体跳过; 跳闸次数
// 超过上限时主动崩溃进程，交给进程守护重启 —— 宁可快速失败也不空转。
type CycleBreaker struct {
	mu            sync.Mutex
	consecutive   int
	trips         int
	openUntil     time.Time
	failThreshold int
	suspend       time.Duration
	maxTrips      int
	onFatal       func()
}

// CycleBreakerConfig 熔断器配置
type CycleBreakerConfig struct {
	FailThreshold int           // 连续失败多少个周期后跳闸 (默认 5)
	Suspend       time.Duration // 跳闸后的暂停窗口 (默认 60s)
	MaxTrips      int           // 跳闸多少次后视为不可恢复 (默认 12)
	OnFatal       func()        // 不可恢复时的处理，默认 logger.Fatal
}

// NewCycleBreaker 创建熔断器
func NewCycleBreaker(cfg *CycleBreakerConfig) *CycleBreaker {
	if cfg == nil {
		cfg = &CycleBreakerConfig{}
	}
	failThreshold := cfg.FailThreshold
	if failThreshold == 0 {
		failThreshold = 5
	}
	suspend := cfg.Suspend
	if suspend == 0 {
		suspend = 60 * time.Second
	}
	maxTrips := cfg.MaxTrips
	if maxTrips == 0 {
		maxTrips = 12
	}
	onFatal := cfg.OnFatal
	if onFatal == nil {
		onFatal = func() {
			logger.Fatal("rpc circuit breaker exceeded max trips, exiting for supervisor restart")
		}
	}
	return &CycleBreaker{
		failThreshold: failThreshold,
		suspend:       suspend,
		maxTrips:      maxTrips,
		onFatal:       onFatal,
	}
}

// Allow 当前是否允许执行扫描周期
func (b *CycleBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().After(b.openUntil)
}

// Success 记录一个成功周期
func (b *CycleBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Failure 记录一个失败周期
func (b *CycleBreaker) Failure() {
	b.mu.Lock()
	b.consecutive++
	if b.consecutive < b.failThreshold {
		b.mu.Unlock()
		return
	}

	b.consecutive = 0
	b.trips++
	b.openUntil = time.Now().Add(b.suspend)
	trips := b.trips
	fatal := trips >= b.maxTrips
	onFatal := b.onFatal
	b.mu.Unlock()

	if fatal {
		onFatal()
		return
	}
	logger.Warn("rpc circuit breaker tripped, suspending scan work",
		zap.Int("trips", trips),
		zap.Duration("suspend", b.suspend))
}

// Trips 返回累计跳闸次数
func (b *CycleBreaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
