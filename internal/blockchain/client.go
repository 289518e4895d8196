package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/missionprotocol/mission-indexer/internal/metrics"
)

var (
	ErrNoEndpoints      = errors.New("at least one RPC URL is required")
	ErrSignerNotConfig  = errors.New("signer private key not configured")
	ErrTxNotFound       = errors.New("transaction not found")
	ErrReceiptNotFound  = errors.New("transaction receipt not available yet")
	ErrReceiptReverted  = errors.New("transaction reverted")
)

// endpoint RPC 端点
type endpoint struct {
	url    string
	client *ethclient.Client
}

// Client 区块链访问层
//
// 轮转端点池 + 基于错误分类的重试路由 (见 classify.go):
// 限流 → 固定冷却同端点重试; 良性抖动 → 短延迟同端点重试一次并计入日汇总;
// 其他瞬时 → 切换下一个端点重试一次; 永久 → 原样上抛。
// 端点切换状态由互斥锁串行化，可被并发调用方安全共享。
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu        sync.Mutex
	endpoints []*endpoint
	current   int

	rateLimitCooldown time.Duration
	benignDelay       time.Duration

	counters *CallCounters
	benign   *BenignRollup
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID           int64
	PrivateKey        string // 可选; 不配置则只读
	RPCURLs           []string
	RateLimitCooldown time.Duration // 默认 30s
	BenignDelay       time.Duration // 默认 800ms
}

// NewClient 创建区块链访问层
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, ErrNoEndpoints
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address
	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*endpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &endpoint{url: url}
	}

	rateLimitCooldown := cfg.RateLimitCooldown
	if rateLimitCooldown == 0 {
		rateLimitCooldown = 30 * time.Second
	}
	benignDelay := cfg.BenignDelay
	if benignDelay == 0 {
		benignDelay = 800 * time.Millisecond
	}

	return &Client{
		chainID:           cfg.ChainID,
		privateKey:        privateKey,
		address:           address,
		endpoints:         endpoints,
		rateLimitCooldown: rateLimitCooldown,
		benignDelay:       benignDelay,
		counters:          NewCallCounters(),
		benign:            NewBenignRollup(),
	}, nil
}

// pick 返回当前端点，按需延迟拨号
func (c *Client) pick(ctx context.Context) (*ethclient.Client, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoints[c.current]
	if ep.client == nil {
		client, err := ethclient.DialContext(ctx, ep.url)
		if err != nil {
			return nil, c.current, err
		}
		ep.client = client
	}
	return ep.client, c.current, nil
}

// rotate 轮转到下一个端点 (仅当当前索引仍是 from 时，避免并发重复切换)
func (c *Client) rotate(from int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == from {
		c.current = (c.current + 1) % len(c.endpoints)
		metrics.RPCEndpointSwitchesTotal.Inc()
	}
}

// CurrentEndpoint 返回当前端点 URL (诊断用)
func (c *Client) CurrentEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.current].url
}

// callSite 提取调用点函数名
func callSite() string {
	pc, _, _, ok := runtime.Caller(3)
	if !ok {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	return fn.Name()
}

// Call 执行一次带分类路由重试的 RPC 调用
func (c *Client) Call(ctx context.Context, label string, fn func(*ethclient.Client) error) error {
	site := callSite()

	var rateRetried, benignRetried, switchRetried bool
	for {
		client, idx, err := c.pick(ctx)
		if err == nil {
			c.counters.Record(label, site)
			metrics.RPCCallsTotal.WithLabelValues(label).Inc()
			err = fn(client)
		}
		if err == nil {
			return nil
		}

		class := Classify(err)
		metrics.RPCErrorsTotal.WithLabelValues(label, class.String()).Inc()

		switch class {
		case ClassRateLimited:
			if rateRetried {
				return err
			}
			rateRetried = true
			if werr := sleepCtx(ctx, c.rateLimitCooldown); werr != nil {
				return err
			}

		case ClassBenign:
			// 计入汇总，不告警，同端点短延迟重试一次
			c.benign.Incr(label, HTTPCode(err))
			if benignRetried {
				return err
			}
			benignRetried = true
			if werr := sleepCtx(ctx, c.benignDelay); werr != nil {
				return err
			}

		case ClassTransient:
			if switchRetried {
				return err
			}
			switchRetried = true
			c.rotate(idx)

		default:
			return err
		}
	}
}

// sleepCtx 可取消的睡眠
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

// Counters 返回调用计数器
func (c *Client) Counters() *CallCounters {
	return c.counters
}

// Benign 返回良性错误汇总
func (c *Client) Benign() *BenignRollup {
	return c.benign
}

// Address 返回签名钱包地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// HasSigner 是否配置了签名私钥
func (c *Client) HasSigner() bool {
	return c.privateKey != nil
}

// CallContract 只读合约调用
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.Call(ctx, "call_contract", func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// EstimateGas 估算 Gas (revert 在这里提前暴露)
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.Call(ctx, "estimate_gas", func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.Call(ctx, "suggest_gas_price", func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.Call(ctx, "pending_nonce", func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SendTransaction 发送已签名交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.Call(ctx, "send_transaction", func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt 获取交易回执
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.Call(ctx, "transaction_receipt", func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// SignTransaction 用配置的私钥签名交易
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrSignerNotConfig
	}
	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}
