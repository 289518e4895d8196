package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/blockchain"
	"github.com/missionprotocol/mission-indexer/internal/contract"
	"github.com/missionprotocol/mission-indexer/internal/metrics"
	"github.com/missionprotocol/mission-indexer/internal/model"
	"github.com/missionprotocol/mission-indexer/internal/repository"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

var (
	ErrActionNotEligible = errors.New("mission not eligible for action")
	ErrNoSigner          = errors.New("indexer wallet not configured")
)

const (
	actionFinalize = "finalize"
	actionRefund   = "refund"

	// 回执轮询上限与间隔
	receiptPollMax      = 30
	receiptPollInterval = time.Second
)

// ActionService 链上动作服务
//
// 负责 finalizeMission / refundPlayers 交易的发送与回执确认。
// 每次尝试前都重新做数据库与链上双重资格检查: 调度器看到的状态
// 可能已经陈旧，而这两笔交易重复发送会直接 revert 烧 Gas。
type ActionService struct {
	client      *blockchain.Client
	caller      *contract.MissionCaller
	missionRepo repository.MissionRepository
}

// NewActionService 创建链上动作服务
func NewActionService(
	client *blockchain.Client,
	caller *contract.MissionCaller,
	missionRepo repository.MissionRepository,
) *ActionService {
	return &ActionService{
		client:      client,
		caller:      caller,
		missionRepo: missionRepo,
	}
}

// AttemptFinalize 尝试发送 finalizeMission 交易
//
// 返回交易哈希。资格不满足返回 ErrActionNotEligible，
// 未配置签名钱包返回 ErrNoSigner。
func (s *ActionService) AttemptFinalize(ctx context.Context, address string) (string, error) {
	if !s.client.HasSigner() {
		return "", ErrNoSigner
	}

	mission, err := s.missionRepo.GetByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	if mission.Finalized {
		return "", ErrActionNotEligible
	}

	// 链上快照复核: 状态之外还要看余池和退款进度，
	// 没有剩余结算工作的 finalize 必然 revert
	snap, err := s.caller.GetSnapshot(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	chainStatus := model.MissionStatus(snap.Status)
	poolEmpty := snap.PoolCurrent == nil || snap.PoolCurrent.Sign() == 0
	switch chainStatus {
	case model.StatusPartlySuccess:
		if poolEmpty && snap.AllRefunded {
			return "", ErrActionNotEligible
		}
	case model.StatusSuccess:
		if poolEmpty {
			return "", ErrActionNotEligible
		}
	default:
		return "", ErrActionNotEligible
	}

	data, err := s.caller.PackFinalize()
	if err != nil {
		return "", err
	}
	return s.submit(ctx, actionFinalize, address, data)
}

// AttemptRefund 尝试发送 refundPlayers 交易
func (s *ActionService) AttemptRefund(ctx context.Context, address string) (string, error) {
	if !s.client.HasSigner() {
		return "", ErrNoSigner
	}

	mission, err := s.missionRepo.GetByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	if mission.AllRefunded {
		return "", ErrActionNotEligible
	}

	status, err := s.caller.RealtimeStatus(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	if model.MissionStatus(status) != model.StatusFailed {
		return "", ErrActionNotEligible
	}

	data, err := s.caller.PackRefund()
	if err != nil {
		return "", err
	}
	return s.submit(ctx, actionRefund, address, data)
}

// submit 估算、签名、发送交易并等待回执
func (s *ActionService) submit(ctx context.Context, action, address string, data []byte) (string, error) {
	to := common.HexToAddress(address)
	from := s.client.Address()

	// EstimateGas 会把必然 revert 的调用提前暴露为错误
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "estimate_failed").Inc()
		return "", err
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "failed").Inc()
		return "", err
	}

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "failed").Inc()
		return "", err
	}

	// Gas 上浮 20%，冷 SSTORE 多的路径估算容易偏低
	gas = gas * 120 / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := s.client.SignTransaction(tx)
	if err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "failed").Inc()
		return "", err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "failed").Inc()
		return "", err
	}

	txHash := signed.Hash()
	logger.Info("action transaction sent",
		zap.String("action", action),
		zap.String("mission", address),
		zap.String("tx", txHash.Hex()),
		zap.Uint64("gas", gas))

	if err := s.waitReceipt(ctx, txHash); err != nil {
		metrics.TxActionsTotal.WithLabelValues(action, "receipt_failed").Inc()
		return txHash.Hex(), err
	}

	metrics.TxActionsTotal.WithLabelValues(action, "success").Inc()
	return txHash.Hex(), nil
}

// waitReceipt 有界轮询交易回执
func (s *ActionService) waitReceipt(ctx context.Context, txHash common.Hash) error {
	for i := 0; i < receiptPollMax; i++ {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return blockchain.ErrReceiptReverted
			}
			return nil
		}
		if !errors.Is(err, blockchain.ErrTxNotFound) {
			return err
		}
		if werr := sleepCtx(ctx, receiptPollInterval); werr != nil {
			return werr
		}
	}
	return blockchain.ErrReceiptNotFound
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
