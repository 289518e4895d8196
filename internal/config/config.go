package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Indexer    IndexerConfig    `yaml:"indexer" json:"indexer"`
	Breaker    BreakerConfig    `yaml:"breaker" json:"breaker"`
	Push       PushConfig       `yaml:"push" json:"push"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL         string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs  []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID        int64    `yaml:"chain_id" json:"chain_id"`
	FactoryAddress string   `yaml:"factory_address" json:"factory_address"`
	// PrivateKey 可选; 不配置则只索引，不触发 finalize/refund
	PrivateKey string `yaml:"private_key" json:"private_key"`
	// DeployBlockSeq 工厂游标下限 (部署前的序号不再回扫)
	DeployBlockSeq int64 `yaml:"deploy_block_seq" json:"deploy_block_seq"`
}

// IndexerConfig 索引器配置
type IndexerConfig struct {
	FactoryPollTicks int `yaml:"factory_poll_ticks" json:"factory_poll_ticks"` // 每多少个 tick 轮询一次工厂
	KickBatchSize    int `yaml:"kick_batch_size" json:"kick_batch_size"`
	PhaseWindowSec   int `yaml:"phase_window_sec" json:"phase_window_sec"` // 阶段处理窗口宽度
	PacerBudgetSec   int `yaml:"pacer_budget_sec" json:"pacer_budget_sec"` // 工厂同步周期的调用预算
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailThreshold int `yaml:"fail_threshold" json:"fail_threshold"`
	SuspendSec    int `yaml:"suspend_sec" json:"suspend_sec"`
	MaxTrips      int `yaml:"max_trips" json:"max_trips"`
}

// PushConfig 推送回调配置
type PushConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "mission-indexer"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8091
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}

	if cfg.Indexer.FactoryPollTicks == 0 {
		cfg.Indexer.FactoryPollTicks = 60
	}
	if cfg.Indexer.KickBatchSize == 0 {
		cfg.Indexer.KickBatchSize = 100
	}
	if cfg.Indexer.PhaseWindowSec == 0 {
		cfg.Indexer.PhaseWindowSec = 30
	}
	if cfg.Indexer.PacerBudgetSec == 0 {
		cfg.Indexer.PacerBudgetSec = 30
	}

	if cfg.Breaker.FailThreshold == 0 {
		cfg.Breaker.FailThreshold = 5
	}
	if cfg.Breaker.SuspendSec == 0 {
		cfg.Breaker.SuspendSec = 60
	}
	if cfg.Breaker.MaxTrips == 0 {
		cfg.Breaker.MaxTrips = 12
	}

	if cfg.Push.TimeoutSec == 0 {
		cfg.Push.TimeoutSec = 5
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
