package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/blockchain"
	"github.com/missionprotocol/mission-indexer/internal/metrics"
	"github.com/missionprotocol/mission-indexer/internal/model"
	"github.com/missionprotocol/mission-indexer/internal/repository"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

// 通知原因常量 (mission-updated 回调的 reason 字段)
const (
	ReasonFactorySync       = "FactorySync"
	ReasonKick              = "Kick"
	ReasonCooldownStart     = "CooldownStart"
	ReasonCooldownEnd       = "CooldownEnd"
	ReasonMissionEndSuccess = "MissionEnd.Success"
	ReasonFinalizeTriggered = "MissionEnd.PartlySuccess.FinalizeTriggered"
	ReasonRefundTriggered   = "MissionEnd.Failed.RefundTriggered"
	ReasonRefundExhausted   = "MissionEnd.Failed.RefundExhausted"
)

// 链上动作的有界退避表; 越界即放弃
var (
	finalizeBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}
	refundBackoff   = []time.Duration{5 * time.Second, 10 * time.Second}
)

// 快照读可能落后于踢醒信号，同一次踢最多刷这么多次
const kickRefreshMax = 3

// Notifier 推送回调接口 (由 notify.Client 实现)
type Notifier interface {
	MissionUpdated(ctx context.Context, address, reason, txHash string)
	StatusChanged(ctx context.Context, address string, newStatus int16)
	RoundCompleted(ctx context.Context, address string, round int, winner, amountWei string)
}

// ActionTrigger 链上动作接口 (由 ActionService 实现)
type ActionTrigger interface {
	AttemptFinalize(ctx context.Context, address string) (string, error)
	AttemptRefund(ctx context.Context, address string) (string, error)
}

// FactorySyncer 工厂同步接口 (由 FactorySyncService 实现)
type FactorySyncer interface {
	Sync(ctx context.Context) ([]SyncResult, error)
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	TickInterval     time.Duration // 默认 1s
	FactoryPollTicks int           // 每多少个 tick 做一次工厂同步 (默认 60)
	KickBatchSize    int           // 默认 100
	PhaseWindow      time.Duration // 阶段处理窗口 (默认 30s)
}

// watchState 单个任务在调度器内存中的运行状态
//
// 只记录"处理到哪了"，任务数据本身永远以持久化镜像为准。
type watchState struct {
	mission *model.Mission

	busy bool // 阶段处理 goroutine 在途
	done bool // 不再需要观察，下次 tick 移出

	enrollEndHandled bool
	// cooldownStartAt / cooldownEndAt 记录已处理过的 pausedAt 值，
	// 同一次冷却只处理一次，新的冷却带来新的 pausedAt
	cooldownStartAt int64
	cooldownEndAt   int64

	endNotified      bool
	finalizeAttempts int
	refundAttempts   int
	retryAt          time.Time
}

// SchedulerService 核心调度器
//
// 单实例运行 (入口处由 Redis 领导锁保证)。每秒一个 tick:
// 排水踢醒队列、按配置间隔做工厂游标同步、对每个被观察任务
// 判定到期阶段并派发处理。阶段处理在独立 goroutine 中执行，
// panic 被隔离，单个任务的故障不会拖垮调度循环。
type SchedulerService struct {
	cfg         *SchedulerConfig
	reconciler  *ReconcilerService
	actions     ActionTrigger
	factorySync FactorySyncer
	missionRepo repository.MissionRepository
	kickRepo    repository.KickRepository
	notifier    Notifier
	breaker     *blockchain.CycleBreaker

	mu        sync.Mutex
	watch     map[string]*watchState
	tickCount int64

	kickCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewSchedulerService 创建调度器
func NewSchedulerService(
	cfg *SchedulerConfig,
	reconciler *ReconcilerService,
	actions ActionTrigger,
	factorySync FactorySyncer,
	missionRepo repository.MissionRepository,
	kickRepo repository.KickRepository,
	notifier Notifier,
	breaker *blockchain.CycleBreaker,
) *SchedulerService {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.FactoryPollTicks == 0 {
		cfg.FactoryPollTicks = 60
	}
	if cfg.KickBatchSize == 0 {
		cfg.KickBatchSize = 100
	}
	if cfg.PhaseWindow == 0 {
		cfg.PhaseWindow = 30 * time.Second
	}
	return &SchedulerService{
		cfg:         cfg,
		reconciler:  reconciler,
		actions:     actions,
		factorySync: factorySync,
		missionRepo: missionRepo,
		kickRepo:    kickRepo,
		notifier:    notifier,
		breaker:     breaker,
		watch:       make(map[string]*watchState),
		kickCh:      make(chan struct{}, 1),
		now:         time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (s *SchedulerService) SetClock(now func() time.Time) {
	s.now = now
}

// OnKick 踢醒信号: 让调度循环立即醒来排水
func (s *SchedulerService) OnKick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Run 调度主循环，阻塞到 ctx 取消
func (s *SchedulerService) Run(ctx context.Context) error {
	if err := s.loadWatchSet(ctx); err != nil {
		return err
	}

	// 启动即做一轮工厂同步，不等第一个轮询间隔
	s.syncFactory(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.kickCh:
			s.Tick(ctx)
		}
	}
}

// loadWatchSet 从持久化镜像重建观察集
func (s *SchedulerService) loadWatchSet(ctx context.Context) error {
	missions, err := s.missionRepo.ListWatchable(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range missions {
		s.watch[m.Address] = &watchState{
			mission: m,
			// 重启前已过的阶段不补处理，幂等刷新会把状态追平
			enrollEndHandled: s.now().Unix() >= m.EnrollmentEnd+int64(s.cfg.PhaseWindow/time.Second),
		}
	}
	metrics.WatchedMissionsGauge.Set(float64(len(s.watch)))
	logger.Info("watch set loaded", zap.Int("missions", len(s.watch)))
	return nil
}

// Tick 执行一个调度周期
func (s *SchedulerService) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	s.drainKicks(ctx)

	s.mu.Lock()
	s.tickCount++
	pollDue := s.tickCount%int64(s.cfg.FactoryPollTicks) == 0
	s.mu.Unlock()

	if pollDue {
		s.syncFactory(ctx)
	}

	s.dispatchPhases(ctx)
	s.prune()
}

// drainKicks 排水踢醒队列并为每个地址派发一次刷新
func (s *SchedulerService) drainKicks(ctx context.Context) {
	kicks, err := s.kickRepo.DrainBatch(ctx, s.cfg.KickBatchSize)
	if err != nil {
		logger.Error("kick drain failed", zap.Error(err))
		return
	}
	if len(kicks) == 0 {
		return
	}
	metrics.KicksDrainedTotal.Add(float64(len(kicks)))

	for _, kick := range kicks {
		k := kick
		s.spawn(func() {
			s.handleKick(ctx, k)
		})
	}
}

// handleKick 处理一次踢醒: 刷新至有意义变化为止 (有界)，再发回调
func (s *SchedulerService) handleKick(ctx context.Context, kick *model.MissionKick) {
	var changes *Changes
	for attempt := 0; attempt < kickRefreshMax; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Second); err != nil {
				return
			}
		}

		applied, err := s.reconciler.Refresh(ctx, kick.MissionAddress)
		if err != nil {
			logger.Warn("kick refresh failed",
				zap.String("mission", kick.MissionAddress),
				zap.String("event", kick.EventType),
				zap.Error(err))
			s.breaker.Failure()
			return
		}
		s.breaker.Success()

		changes = applied
		if applied.HasMeaningfulChange {
			break
		}
		// 踢醒意味着链上刚变过; 读到无变化多半是 RPC 节点滞后
	}

	s.applyWatched(kick.MissionAddress, changes)
	s.notifyChanges(ctx, kick.MissionAddress, changes, "", "")
	// 踢醒回调无条件发送: 即使快照读不出差异，前端也要拿到
	// 触发交易的哈希做关联
	s.notifier.MissionUpdated(ctx, kick.MissionAddress, ReasonKick, kick.TxHash)
}

// syncFactory 执行一轮熔断保护下的工厂游标同步
func (s *SchedulerService) syncFactory(ctx context.Context) {
	if !s.breaker.Allow() {
		return
	}

	results, err := s.factorySync.Sync(ctx)
	if err != nil {
		logger.Error("factory sync failed", zap.Error(err))
		s.breaker.Failure()
		return
	}
	s.breaker.Success()

	for _, result := range results {
		s.applyWatched(result.Address, result.Changes)
		if result.Changes.HasMeaningfulChange {
			s.notifyChanges(ctx, result.Address, result.Changes, ReasonFactorySync, "")
		}
	}
}

// dispatchPhases 判定每个被观察任务的到期阶段并派发处理
func (s *SchedulerService) dispatchPhases(ctx context.Context) {
	now := s.now()
	nowU := now.Unix()
	window := int64(s.cfg.PhaseWindow / time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	for address, st := range s.watch {
		if st.busy || st.done {
			continue
		}
		m := st.mission

		// 任务结束: 无窗口上限，链上动作必须执行 (幂等保护在动作层)
		if m.MissionEnd > 0 && nowU >= m.MissionEnd {
			if now.Before(st.retryAt) {
				continue
			}
			s.dispatchLocked(st, address, func() {
				s.handleMissionEnd(ctx, address, st)
			})
			continue
		}

		// 报名截止
		if !st.enrollEndHandled && m.EnrollmentEnd > 0 && nowU >= m.EnrollmentEnd {
			if nowU >= m.EnrollmentEnd+window {
				st.enrollEndHandled = true // 窗口已过，等快照自然追平
				continue
			}
			s.dispatchLocked(st, address, func() {
				s.handleEnrollmentEnd(ctx, address, st)
			})
			continue
		}

		// 冷却开始
		if m.PausedAt != 0 && st.cooldownStartAt != m.PausedAt && nowU >= m.PausedAt {
			if nowU >= m.PausedAt+window {
				st.cooldownStartAt = m.PausedAt
			} else {
				s.dispatchLocked(st, address, func() {
					s.handleCooldownStart(ctx, address, st)
				})
				continue
			}
		}

		// 冷却结束: 末回合用 last_round_cooldown，其余用 round_cooldown
		if m.PausedAt != 0 && st.cooldownEndAt != m.PausedAt {
			cooldown := m.RoundCooldown
			if m.RoundTotal > 0 && m.RoundCount >= m.RoundTotal {
				cooldown = m.LastRoundCooldown
			}
			endAt := m.PausedAt + cooldown
			if nowU >= endAt {
				if nowU >= endAt+window {
					st.cooldownEndAt = m.PausedAt
					continue
				}
				s.dispatchLocked(st, address, func() {
					s.handleCooldownEnd(ctx, address, st)
				})
			}
		}
	}
}

// dispatchLocked 在持锁状态下标记在途并启动处理 goroutine
func (s *SchedulerService) dispatchLocked(st *watchState, address string, fn func()) {
	st.busy = true
	s.spawn(func() {
		defer func() {
			s.mu.Lock()
			st.busy = false
			s.mu.Unlock()
		}()
		fn()
	})
}

// spawn 启动 panic 隔离的工作 goroutine
func (s *SchedulerService) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("scheduler worker panic", zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

// handleEnrollmentEnd 报名截止: 刷新并按结果状态分流。
// Arming 走正常流程 (状态迁移回调已足够，不单独发 mission-updated);
// Failed 说明报名人数不足，立即触发退款，不等 mission_end。
func (s *SchedulerService) handleEnrollmentEnd(ctx context.Context, address string, st *watchState) {
	changes, err := s.reconciler.Refresh(ctx, address)
	if err != nil {
		logger.Warn("enrollment end refresh failed", zap.String("mission", address), zap.Error(err))
		return
	}

	s.applyWatched(address, changes)
	s.notifyChanges(ctx, address, changes, "", "")

	switch changes.Mission.Status {
	case model.StatusFailed:
		s.mu.Lock()
		st.enrollEndHandled = true
		s.mu.Unlock()
		s.attemptRefund(ctx, address, st)
	case model.StatusPending, model.StatusEnrolling:
		// 链上还没翻页，窗口内下个 tick 再看
	default:
		s.mu.Lock()
		st.enrollEndHandled = true
		s.mu.Unlock()
	}
}

// handleCooldownStart 冷却开始: 刷新并通知客户端进入暂停
func (s *SchedulerService) handleCooldownStart(ctx context.Context, address string, st *watchState) {
	changes, err := s.reconciler.Refresh(ctx, address)
	if err != nil {
		logger.Warn("cooldown start refresh failed", zap.String("mission", address), zap.Error(err))
		return
	}

	s.mu.Lock()
	st.cooldownStartAt = changes.Mission.PausedAt
	s.mu.Unlock()

	s.applyWatched(address, changes)
	s.notifyChanges(ctx, address, changes, ReasonCooldownStart, "")
}

// handleCooldownEnd 冷却结束: 刷新至链上恢复 Active，再显式通知。
// 状态还停在 Paused 时不标记，窗口内每个 tick 重试。
func (s *SchedulerService) handleCooldownEnd(ctx context.Context, address string, st *watchState) {
	s.mu.Lock()
	pausedAt := st.mission.PausedAt
	s.mu.Unlock()

	changes, err := s.reconciler.Refresh(ctx, address)
	if err != nil {
		logger.Warn("cooldown end refresh failed", zap.String("mission", address), zap.Error(err))
		return
	}

	s.applyWatched(address, changes)
	if changes.Mission.Status != model.StatusActive {
		s.notifyChanges(ctx, address, changes, "", "")
		return
	}

	s.mu.Lock()
	st.cooldownEndAt = pausedAt
	s.mu.Unlock()

	s.notifyChanges(ctx, address, changes, "", "")
	// 恢复通知显式发送，重复无害
	s.notifier.MissionUpdated(ctx, address, ReasonCooldownEnd, "")
}

// handleMissionEnd 任务结束: 按刷新后的状态触发链上动作
//
//	Failed        → refundPlayers (退避 5s/10s，耗尽则本地定格放弃)
//	PartlySuccess → finalizeMission (退避 5s/10s/30s，耗尽则移出观察)
//	Success 且余池 > 0 → 同 PartlySuccess
//	Success 且已清空   → 只发通知
func (s *SchedulerService) handleMissionEnd(ctx context.Context, address string, st *watchState) {
	changes, err := s.reconciler.Refresh(ctx, address)
	if err != nil {
		logger.Warn("mission end refresh failed", zap.String("mission", address), zap.Error(err))
		s.scheduleRetry(st, 5*time.Second)
		return
	}
	s.applyWatched(address, changes)
	s.notifyChanges(ctx, address, changes, "", "")
	m := changes.Mission

	if m.Finalized {
		s.finishMissionEnd(ctx, address, st, m)
		return
	}

	switch m.Status {
	case model.StatusFailed:
		s.attemptRefund(ctx, address, st)
	case model.StatusPartlySuccess:
		s.attemptFinalize(ctx, address, st)
	case model.StatusSuccess:
		if m.PoolCurrent.Sign() > 0 {
			s.attemptFinalize(ctx, address, st)
		} else {
			s.finishMissionEnd(ctx, address, st, m)
		}
	default:
		// 链上尚未进入终态，稍后再看
		s.scheduleRetry(st, 5*time.Second)
	}
}

// finishMissionEnd 任务收尾: 通知一次并移出观察
func (s *SchedulerService) finishMissionEnd(ctx context.Context, address string, st *watchState, m *model.Mission) {
	s.mu.Lock()
	notified := st.endNotified
	st.endNotified = true
	st.done = true
	s.mu.Unlock()

	if !notified && m.Status == model.StatusSuccess {
		s.notifier.MissionUpdated(ctx, address, ReasonMissionEndSuccess, "")
	}
}

// attemptFinalize 触发 finalizeMission，带有界退避
func (s *SchedulerService) attemptFinalize(ctx context.Context, address string, st *watchState) {
	txHash, err := s.actions.AttemptFinalize(ctx, address)
	if err == nil {
		after, rerr := s.reconciler.Refresh(ctx, address)
		if rerr == nil {
			s.applyWatched(address, after)
		}
		s.notifier.MissionUpdated(ctx, address, ReasonFinalizeTriggered, txHash)
		return
	}

	switch {
	case err == ErrActionNotEligible:
		// 链上已被别人结算或状态变了，下个 tick 重新判定
		s.scheduleRetry(st, 5*time.Second)
	case err == ErrNoSigner:
		logger.Warn("finalize needed but no wallet configured", zap.String("mission", address))
		s.markDone(st)
	default:
		s.mu.Lock()
		st.finalizeAttempts++
		attempts := st.finalizeAttempts
		s.mu.Unlock()

		if attempts >= len(finalizeBackoff) {
			logger.Error("finalize attempts exhausted, dropping from watch",
				zap.String("mission", address),
				zap.Int("attempts", attempts),
				zap.Error(err))
			s.markDone(st)
			return
		}
		logger.Warn("finalize attempt failed",
			zap.String("mission", address),
			zap.Int("attempt", attempts),
			zap.Error(err))
		s.scheduleRetry(st, finalizeBackoff[attempts-1])
	}
}

// attemptRefund 触发 refundPlayers，带有界退避。
// 耗尽后本地定格 (finalized=true): 退款永远打不通的任务不该
// 无限期占用观察集，链上修复后踢醒会重新拉起。
func (s *SchedulerService) attemptRefund(ctx context.Context, address string, st *watchState) {
	txHash, err := s.actions.AttemptRefund(ctx, address)
	if err == nil {
		after, rerr := s.reconciler.Refresh(ctx, address)
		if rerr == nil {
			s.applyWatched(address, after)
		}
		s.notifier.MissionUpdated(ctx, address, ReasonRefundTriggered, txHash)
		return
	}

	switch {
	case err == ErrActionNotEligible:
		s.scheduleRetry(st, 5*time.Second)
	case err == ErrNoSigner:
		logger.Warn("refund needed but no wallet configured", zap.String("mission", address))
		s.markDone(st)
	default:
		s.mu.Lock()
		st.refundAttempts++
		attempts := st.refundAttempts
		s.mu.Unlock()

		if attempts >= len(refundBackoff) {
			logger.Error("refund attempts exhausted, finalizing locally",
				zap.String("mission", address),
				zap.Int("attempts", attempts),
				zap.Error(err))
			if perr := s.missionRepo.SetFinalized(ctx, address); perr != nil {
				logger.Error("failed to persist local finalize", zap.String("mission", address), zap.Error(perr))
			}
			s.notifier.MissionUpdated(ctx, address, ReasonRefundExhausted, "")
			s.markDone(st)
			return
		}
		logger.Warn("refund attempt failed",
			zap.String("mission", address),
			zap.Int("attempt", attempts),
			zap.Error(err))
		s.scheduleRetry(st, refundBackoff[attempts-1])
	}
}

func (s *SchedulerService) scheduleRetry(st *watchState, after time.Duration) {
	s.mu.Lock()
	st.retryAt = s.now().Add(after)
	s.mu.Unlock()
}

func (s *SchedulerService) markDone(st *watchState) {
	s.mu.Lock()
	st.done = true
	s.mu.Unlock()
}

// applyWatched 用刷新结果更新观察集 (新发现的任务自动纳入)
func (s *SchedulerService) applyWatched(address string, changes *Changes) {
	if changes == nil || changes.Mission == nil {
		return
	}
	m := changes.Mission

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.watch[address]
	if !ok {
		if m.Finalized {
			return
		}
		st = &watchState{}
		s.watch[address] = st
		metrics.WatchedMissionsGauge.Set(float64(len(s.watch)))
	}
	st.mission = m
	if m.Finalized && m.Status == model.StatusSuccess && st.endNotified {
		st.done = true
	}
}

// notifyChanges 根据刷新增量发送回调。reason 为空时不发 mission-updated。
func (s *SchedulerService) notifyChanges(ctx context.Context, address string, changes *Changes, reason, txHash string) {
	if changes == nil {
		return
	}
	if changes.StatusTransition != nil {
		s.notifier.StatusChanged(ctx, address, int16(changes.StatusTransition.To))
	}
	for _, round := range changes.NewRounds {
		s.notifier.RoundCompleted(ctx, address, round.RoundNumber, round.Winner, round.Payout.String())
	}
	if reason != "" && changes.HasMeaningfulChange {
		s.notifier.MissionUpdated(ctx, address, reason, txHash)
	}
}

// prune 移出已完成的任务并更新观察数
func (s *SchedulerService) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for address, st := range s.watch {
		if st.done && !st.busy {
			delete(s.watch, address)
		}
	}
	metrics.WatchedMissionsGauge.Set(float64(len(s.watch)))
}

// WatchedCount 当前观察中的任务数 (诊断用)
func (s *SchedulerService) WatchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watch)
}
