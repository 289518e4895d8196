// Package notify 推送回调客户端
//
// 向外部推送服务发送三种 HTTP 回调: mission-updated / status-changed /
// round-completed。全部 fire-and-forget: 失败只记日志，从不重试，
// 持久化镜像才是客户端重载时的事实来源。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/missionprotocol/mission-indexer/internal/metrics"
	"github.com/missionprotocol/mission-indexer/pkg/logger"
)

// 认证用共享密钥请求头
const authHeader = "X-Indexer-Key"

// MissionUpdatedPayload mission-updated 回调体
type MissionUpdatedPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
	TxHash  string `json:"txHash,omitempty"`
}

// StatusChangedPayload status-changed 回调体
type StatusChangedPayload struct {
	Address   string `json:"address"`
	NewStatus int16  `json:"newStatus"`
}

// RoundCompletedPayload round-completed 回调体
type RoundCompletedPayload struct {
	Address   string `json:"address"`
	Round     int    `json:"round"`
	Winner    string `json:"winner"`
	AmountWei string `json:"amountWei"`
}

// Client 推送回调客户端
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientConfig 客户端配置
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // 默认 5s
}

// NewClient 创建推送回调客户端
func NewClient(cfg *ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// MissionUpdated 发送 mission-updated 回调
func (c *Client) MissionUpdated(ctx context.Context, address, reason, txHash string) {
	c.post(ctx, "mission-updated", &MissionUpdatedPayload{
		Address: address,
		Reason:  reason,
		TxHash:  txHash,
	})
}

// StatusChanged 发送 status-changed 回调
func (c *Client) StatusChanged(ctx context.Context, address string, newStatus int16) {
	c.post(ctx, "status-changed", &StatusChangedPayload{
		Address:   address,
		NewStatus: newStatus,
	})
}

// RoundCompleted 发送 round-completed 回调
func (c *Client) RoundCompleted(ctx context.Context, address string, round int, winner, amountWei string) {
	c.post(ctx, "round-completed", &RoundCompletedPayload{
		Address:   address,
		Round:     round,
		Winner:    winner,
		AmountWei: amountWei,
	})
}

// post 执行一次回调。失败只记日志并计数，从不重试。
func (c *Client) post(ctx context.Context, kind string, payload interface{}) {
	if c.baseURL == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal notification", zap.String("kind", kind), zap.Error(err))
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Error("failed to build notification request", zap.String("kind", kind), zap.Error(err))
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("notification delivery failed", zap.String("kind", kind), zap.Error(err))
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		logger.Warn("notification rejected",
			zap.String("kind", kind),
			zap.Int("status", resp.StatusCode))
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return
	}

	metrics.NotificationsTotal.WithLabelValues(kind, "success").Inc()
}
