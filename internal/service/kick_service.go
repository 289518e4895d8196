package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/model"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

// 通知掉线或静默期间的兜底排水间隔
const kickFallbackInterval = 15 * time.Second

// KickNotifier 踢醒信号接收回调
type KickNotifier interface {
	// OnKick 收到踢醒信号时调用。信号只表示"队列里可能有东西"，
	// 实际内容仍从数据库排水获得。
	OnKick()
}

// KickListenerService 踢醒监听服务
//
// 通过 PostgreSQL LISTEN/NOTIFY 接收 API 侧写入踢醒队列后发出的
// 信号，把调度器从 tick 等待中立即唤醒。NOTIFY 不可靠 (连接断开
// 期间的信号会丢)，所以这里只做唤醒加速，兜底由调度器的常规
// tick 排水保证。
type KickListenerService struct {
	connString string
	notifier   KickNotifier

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewKickListenerService 创建踢醒监听服务
func NewKickListenerService(connString string, notifier KickNotifier) *KickListenerService {
	return &KickListenerService{
		connString: connString,
		notifier:   notifier,
	}
}

// Start 启动监听循环
func (s *KickListenerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("kick listener already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(runCtx)
	return nil
}

// Stop 停止监听循环并等待退出
func (s *KickListenerService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// run 监听循环: 断线指数退避重连，每次重连后都重新 LISTEN
func (s *KickListenerService) run(ctx context.Context) {
	defer close(s.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("kick listener disconnected, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// listen 建立专用连接并阻塞等待通知
func (s *KickListenerService) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer closeCancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", model.KickChannel)); err != nil {
		return err
	}
	logger.Info("kick listener attached", zap.String("channel", model.KickChannel))

	// 连接可能在静默时建立; 先踢一次，把断线期间积压的队列排掉
	s.notifier.OnKick()

	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, kickFallbackInterval)
		_, err := conn.WaitForNotification(waitCtx)
		waitCancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() == context.DeadlineExceeded {
				// 静默超时: 不算断线，继续等
				continue
			}
			return err
		}

		s.notifier.OnKick()
	}
}
