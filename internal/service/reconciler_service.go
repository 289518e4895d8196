package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/contract"
	"github.com/missionprotocol/mission-indexer/internal/metrics"
	"github.com/missionprotocol/mission-indexer/internal/model"
	"github.com/missionprotocol/mission-indexer/internal/repository"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

var (
	ErrNilSnapshot = errors.New("nil mission snapshot")
)

// TxRunner 事务执行器 (由 repository.Repository 实现)
type TxRunner interface {
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// 快照合并事务的重试预算: 序列化失败/死锁这类可重试错误重来，
// 其余原样上抛
const applyTxRetries = 3

// SnapshotSource 任务快照读取接口
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, mission common.Address) (*contract.MissionSnapshot, error)
}

// StatusTransition 一次观测到的状态迁移
type StatusTransition struct {
	From model.MissionStatus
	To   model.MissionStatus
}

// Changes 一次快照合并产生的增量
//
// 合并失败时不返回部分结果: 要么整个事务落库并返回 Changes，要么报错。
type Changes struct {
	FirstSeen           bool
	HasMeaningfulChange bool
	StatusTransition    *StatusTransition
	// NewRoundCount 回合数发生变化时为新的回合总数，否则为 0
	NewRoundCount int
	// NewRounds 本次合并新检测到的回合 (用于 round-completed 回调)
	NewRounds         []*model.MissionRound
	MembershipChanges int
	Mission           *model.Mission
}

// ReconcilerService 快照调和服务
//
// 把一次完整的链上任务快照幂等地合并进持久化状态，推导状态迁移、
// 新完成回合和成员增减。对同一快照重复应用产生零增量。
type ReconcilerService struct {
	source      SnapshotSource
	tx          TxRunner
	missionRepo repository.MissionRepository
	playerRepo  repository.PlayerRepository
	roundRepo   repository.RoundRepository
	historyRepo repository.HistoryRepository

	// now 可注入的时钟，测试用
	now func() time.Time
}

// NewReconcilerService 创建快照调和服务
func NewReconcilerService(
	source SnapshotSource,
	tx TxRunner,
	missionRepo repository.MissionRepository,
	playerRepo repository.PlayerRepository,
	roundRepo repository.RoundRepository,
	historyRepo repository.HistoryRepository,
) *ReconcilerService {
	return &ReconcilerService{
		source:      source,
		tx:          tx,
		missionRepo: missionRepo,
		playerRepo:  playerRepo,
		roundRepo:   roundRepo,
		historyRepo: historyRepo,
		now:         time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (s *ReconcilerService) SetClock(now func() time.Time) {
	s.now = now
}

// Refresh 读取链上快照并合并
func (s *ReconcilerService) Refresh(ctx context.Context, address string) (*Changes, error) {
	snapshot, err := s.source.GetSnapshot(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	return s.ApplySnapshot(ctx, address, snapshot)
}

// ApplySnapshot 把一次完整快照合并进持久化状态
func (s *ReconcilerService) ApplySnapshot(ctx context.Context, address string, snapshot *contract.MissionSnapshot) (*Changes, error) {
	if snapshot == nil {
		return nil, ErrNilSnapshot
	}

	var changes *Changes
	err := s.tx.TransactionWithRetry(ctx, applyTxRetries, func(txCtx context.Context) error {
		var err error
		changes, err = s.apply(txCtx, address, snapshot)
		return err
	})
	if err != nil {
		metrics.SnapshotAppliesTotal.WithLabelValues("error").Inc()
		logger.Error("snapshot apply failed",
			zap.String("mission", address),
			zap.Error(err))
		return nil, err
	}

	if changes.HasMeaningfulChange {
		metrics.SnapshotAppliesTotal.WithLabelValues("changed").Inc()
	} else {
		metrics.SnapshotAppliesTotal.WithLabelValues("unchanged").Inc()
	}
	return changes, nil
}

func (s *ReconcilerService) apply(ctx context.Context, address string, snap *contract.MissionSnapshot) (*Changes, error) {
	changes := &Changes{}

	current, err := s.missionRepo.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrMissionNotFound) {
		current = nil
		changes.FirstSeen = true
	} else if err != nil {
		return nil, err
	}

	missionEnd := bigToInt64(snap.MissionEnd)
	newRoundCount := int(bigToInt64(snap.RoundCount))

	// 回退保护: 超过 PartlySuccess 后状态只进不退;
	// mission_end 已过时，低于阈值的候选状态视为陈旧读，保留持久化值
	oldStatus := model.StatusPending
	oldRoundCount := 0
	oldPoolText := ""
	oldPausedAt := int64(0)
	alreadyFinalized := false
	if current != nil {
		oldStatus = current.Status
		oldRoundCount = current.RoundCount
		oldPoolText = current.PoolCurrent.String()
		oldPausedAt = current.PausedAt
		alreadyFinalized = current.Finalized
	}

	newStatus := model.MissionStatus(snap.Status)
	if current != nil {
		if oldStatus > model.StatusPartlySuccess && newStatus < oldStatus {
			newStatus = oldStatus
		}
		if s.now().Unix() >= missionEnd && newStatus < model.StatusPartlySuccess {
			newStatus = oldStatus
		}
	}

	// 暂停时间戳: 保留最近一次非零值
	pausedAt := bigToInt64(snap.PausedAt)
	if pausedAt == 0 && oldPausedAt != 0 {
		pausedAt = oldPausedAt
	}

	poolStart := bigToDecimal(snap.PoolStart)
	poolCurrent := bigToDecimal(snap.PoolCurrent)

	// 回合推导: 获胜时间戳非零的玩家按该时间戳升序编号 1..N。
	// 与数组顺序和历史部分写入无关，重放可安全回填缺口。
	var backfillRounds []*model.MissionRound
	if newRoundCount != oldRoundCount {
		derived := deriveRounds(address, snap.Players)
		for _, round := range derived {
			if round.RoundNumber <= newRoundCount {
				backfillRounds = append(backfillRounds, round)
			}
		}

		// 回合检测时刻的池子改用 start − 累计派彩，钳制到 0，
		// 避免"派彩尚未反映"的单快照闪烁
		payouts := decimal.Zero
		for _, round := range backfillRounds {
			payouts = payouts.Add(round.Payout)
		}
		derivedPool := poolStart.Sub(payouts)
		if derivedPool.Sign() < 0 {
			derivedPool = decimal.Zero
		}
		if !derivedPool.Equal(poolCurrent) {
			logger.Debug("derived pool diverges from chain read, next refresh will re-poll",
				zap.String("mission", address),
				zap.String("derived", derivedPool.String()),
				zap.String("chain", poolCurrent.String()))
		}
		poolCurrent = derivedPool
	}

	// 定格判定: 至多一次，只有结算条件成立时
	allRefunded := snap.AllRefunded
	finalized := alreadyFinalized
	if !alreadyFinalized && newStatus > model.StatusPartlySuccess {
		success := newStatus == model.StatusSuccess && poolCurrent.Sign() == 0
		failed := newStatus == model.StatusFailed && allRefunded
		if success || failed {
			finalized = true
			// 失败或零池定格时，池子强制归零
			poolCurrent = decimal.Zero
		}
	}

	mission := &model.Mission{
		Address:           address,
		Name:              snap.Name,
		MissionType:       int16(snap.MissionType),
		Status:            newStatus,
		CreatedOnchainAt:  bigToInt64(snap.CreatedAt),
		EnrollmentStart:   bigToInt64(snap.EnrollmentStart),
		EnrollmentEnd:     bigToInt64(snap.EnrollmentEnd),
		MissionStart:      bigToInt64(snap.MissionStart),
		MissionEnd:        missionEnd,
		RoundTotal:        int(bigToInt64(snap.RoundTotal)),
		RoundCount:        newRoundCount,
		RoundCooldown:     bigToInt64(snap.RoundCooldown),
		LastRoundCooldown: bigToInt64(snap.LastRoundCooldown),
		PoolInitial:       bigToDecimal(snap.PoolInitial),
		PoolStart:         poolStart,
		PoolCurrent:       poolCurrent,
		PausedAt:          pausedAt,
		Creator:           snap.Creator.Hex(),
		Finalized:         finalized,
		AllRefunded:       allRefunded,
	}
	if current != nil {
		mission.CreatedAt = current.CreatedAt
	}
	if err := s.missionRepo.Upsert(ctx, mission); err != nil {
		return nil, err
	}
	changes.Mission = mission

	// 玩家严格镜像
	players := make([]*model.MissionPlayer, 0, len(snap.Players))
	for i := range snap.Players {
		p := &snap.Players[i]
		players = append(players, &model.MissionPlayer{
			MissionAddress: address,
			PlayerAddress:  p.Addr.Hex(),
			EnrolledAt:     bigToInt64(p.EnrolledAt),
			AmountWon:      bigToDecimal(p.AmountWon),
			WonAt:          bigToInt64(p.WonAt),
			Refunded:       p.Refunded,
			RefundFailed:   p.RefundFailed,
			RefundedAt:     bigToInt64(p.RefundedAt),
		})
	}
	membership, err := s.playerRepo.Mirror(ctx, address, players)
	if err != nil {
		return nil, err
	}
	changes.MembershipChanges = membership

	// 状态迁移: 幂等追加历史
	if oldStatus != newStatus && !changes.FirstSeen {
		if err := s.historyRepo.AppendTransition(ctx, address, oldStatus, newStatus); err != nil {
			return nil, err
		}
		changes.StatusTransition = &StatusTransition{From: oldStatus, To: newStatus}
		metrics.StatusTransitionsTotal.WithLabelValues(newStatus.String()).Inc()
	}

	// 回合回填: 全量 upsert 覆盖缺口，回调只发新编号的回合
	if newRoundCount != oldRoundCount {
		if err := s.roundRepo.UpsertRounds(ctx, backfillRounds); err != nil {
			return nil, err
		}
		changes.NewRoundCount = newRoundCount
		for _, round := range backfillRounds {
			if round.RoundNumber > oldRoundCount {
				changes.NewRounds = append(changes.NewRounds, round)
			}
		}
	}

	// 有意义变化: 成员增减、池子文本差异、暂停时间戳差异、
	// 状态迁移、回合变化、首次发现
	poolChanged := oldPoolText != mission.PoolCurrent.String()
	pauseChanged := oldPausedAt != pausedAt
	changes.HasMeaningfulChange = changes.FirstSeen ||
		membership > 0 ||
		poolChanged ||
		pauseChanged ||
		changes.StatusTransition != nil ||
		changes.NewRoundCount > 0

	return changes, nil
}

// deriveRounds 从玩家列表确定性地推导完整回合列表
func deriveRounds(missionAddress string, players []contract.PlayerState) []*model.MissionRound {
	type winner struct {
		addr   string
		wonAt  int64
		amount decimal.Decimal
	}

	winners := make([]winner, 0, len(players))
	for i := range players {
		p := &players[i]
		wonAt := bigToInt64(p.WonAt)
		if wonAt == 0 {
			continue
		}
		winners = append(winners, winner{
			addr:   p.Addr.Hex(),
			wonAt:  wonAt,
			amount: bigToDecimal(p.AmountWon),
		})
	}

	sort.Slice(winners, func(i, j int) bool {
		if winners[i].wonAt != winners[j].wonAt {
			return winners[i].wonAt < winners[j].wonAt
		}
		return winners[i].addr < winners[j].addr
	})

	rounds := make([]*model.MissionRound, 0, len(winners))
	for i, w := range winners {
		rounds = append(rounds, &model.MissionRound{
			MissionAddress: missionAddress,
			RoundNumber:    i + 1,
			Winner:         w.addr,
			Payout:         w.amount,
			WonAt:          w.wonAt,
		})
	}
	return rounds
}

func bigToInt64(b *big.Int) int64 {
	if b == nil {
		return 0
	}
	return b.Int64()
}

func bigToDecimal(b *big.Int) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(b, 0)
}
