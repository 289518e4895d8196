// Package metrics 提供 mission-indexer 的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mission_indexer"

// RPC 访问层指标
var (
	// RPCCallsTotal RPC 调用总数 (含重试)
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC 调用总数(按操作标签，含重试)",
		},
		[]string{"label"},
	)

	// RPCErrorsTotal RPC 错误总数
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "RPC 错误总数(按操作标签和错误分类)",
		},
		[]string{"label", "class"}, // class: RATE_LIMITED/BENIGN/TRANSIENT/PERMANENT
	)

	// RPCEndpointSwitchesTotal 端点切换次数
	RPCEndpointSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_endpoint_switches_total",
			Help:      "轮转端点切换次数",
		},
	)
)

// 快照合并指标
var (
	// SnapshotAppliesTotal 快照合并总数
	SnapshotAppliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_applies_total",
			Help:      "快照合并总数(按结果)",
		},
		[]string{"result"}, // changed/unchanged/error
	)

	// StatusTransitionsTotal 状态迁移总数
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "观测到的状态迁移总数(按目标状态)",
		},
		[]string{"to"},
	)
)

// 调度器指标
var (
	// SchedulerTickDuration 单 tick 耗时
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "调度器单 tick 耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// WatchedMissionsGauge 当前监视中的任务数
	WatchedMissionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_missions",
			Help:      "当前状态低于 Success 的任务数",
		},
	)

	// KicksDrainedTotal 踢醒事件处理总数
	KicksDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_drained_total",
			Help:      "从持久队列取出的踢醒事件总数",
		},
	)
)

// 交易动作指标
var (
	// TxActionsTotal 交易动作总数
	TxActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_actions_total",
			Help:      "finalize/refund 交易动作总数(按动作和结果)",
		},
		[]string{"action", "status"}, // action: finalize/refund, status: success/failed/skipped
	)
)

// 通知指标
var (
	// NotificationsTotal 推送回调总数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "推送回调总数(按类型和结果)",
		},
		[]string{"kind", "status"}, // kind: mission-updated/status-changed/round-completed
	)
)
