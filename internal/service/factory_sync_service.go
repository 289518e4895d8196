package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/blockchain"
	"github.com/missionprotocol/mission-indexer/internal/contract"
	"github.com/missionprotocol/mission-indexer/internal/repository"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

// SyncResult 一次工厂同步中刷新过的任务
type SyncResult struct {
	Address string
	Changes *Changes
}

// FactorySyncService 工厂变更游标同步服务
//
// 周期性拉取工厂合约的变更序列，对每个变动过的任务做一次完整
// 快照刷新，然后把游标推进到已处理的最大序号。游标只在对应
// 地址刷新成功后才越过该序号，失败的变更下个周期重拉。
type FactorySyncService struct {
	factory    *contract.FactoryCaller
	reconciler *ReconcilerService
	cursorRepo repository.CursorRepository
	pacer      *blockchain.Pacer

	// deploySeq 工厂部署时刻的序号下限，之前的序号不再回扫
	deploySeq   int64
	pacerBudget time.Duration
}

// NewFactorySyncService 创建工厂同步服务
func NewFactorySyncService(
	factory *contract.FactoryCaller,
	reconciler *ReconcilerService,
	cursorRepo repository.CursorRepository,
	pacer *blockchain.Pacer,
	deploySeq int64,
	pacerBudget time.Duration,
) *FactorySyncService {
	return &FactorySyncService{
		factory:     factory,
		reconciler:  reconciler,
		cursorRepo:  cursorRepo,
		pacer:       pacer,
		deploySeq:   deploySeq,
		pacerBudget: pacerBudget,
	}
}

// Sync 执行一轮工厂变更同步
func (s *FactorySyncService) Sync(ctx context.Context) ([]SyncResult, error) {
	cursor, err := s.cursorRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cursor < s.deploySeq {
		cursor = s.deploySeq
	}

	changes, err := s.factory.ChangesAfter(ctx, cursor)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	// 按序号升序处理，同一地址只刷新一次 (取其最大序号那条)
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Seq.Cmp(changes[j].Seq) < 0
	})

	results := make([]SyncResult, 0, len(changes))
	refreshed := make(map[string]*Changes)
	advanced := cursor

	s.pacer.BeginCycle(len(changes), s.pacerBudget)
	defer s.pacer.EndCycle()

	for _, change := range changes {
		address := change.Mission.Hex()
		seq := change.Seq.Int64()

		if _, ok := refreshed[address]; ok {
			// 本轮已刷新过，序号直接视为已处理
			advanced = seq
			continue
		}

		if err := s.pacer.Wait(ctx); err != nil {
			break
		}

		applied, err := s.reconciler.Refresh(ctx, address)
		if err != nil {
			// 游标停在失败序号之前，下轮重拉
			logger.Warn("factory sync refresh failed",
				zap.String("mission", address),
				zap.Int64("seq", seq),
				zap.Error(err))
			break
		}

		refreshed[address] = applied
		results = append(results, SyncResult{Address: address, Changes: applied})
		advanced = seq
	}

	if advanced > cursor {
		if err := s.cursorRepo.AdvanceTo(ctx, advanced); err != nil {
			return results, err
		}
		logger.Debug("factory cursor advanced",
			zap.Int64("from", cursor),
			zap.Int64("to", advanced),
			zap.Int("refreshed", len(results)))
	}
	return results, nil
}
