package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		StepDuration, StepTotal, ToolDuration,
		CompensationTotal, LockContentionTotal,
		QueuePublishTotal, ConfirmationTotal,
		HeartbeatRecoveryTotal, ReconcileOutcomeTotal,
		DLQSize, ExecutionTerminalTotal, OutboxPending,
		ExecutionStartedTotal,
	)
}

// StepDuration 单步执行耗时（秒），含锁获取与状态持久化
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "单步执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// StepTotal 步骤执行总数（按结果）
var StepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_step_total",
		Help: "步骤执行总数（按结果）",
	},
	[]string{"result"}, // completed | failed | skipped | yielded
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "saga_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// CompensationTotal 补偿调用总数（按结果）
var CompensationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_compensation_total",
		Help: "补偿调用总数（按结果）",
	},
	[]string{"result"}, // ok | failed
)

// LockContentionTotal 执行锁竞争次数（获取失败即计数）
var LockContentionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "saga_lock_contention_total",
		Help: "执行锁竞争次数",
	},
)

// QueuePublishTotal 队列投递总数（按驱动与结果）
var QueuePublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_queue_publish_total",
		Help: "队列投递总数（按驱动与结果）",
	},
	[]string{"driver", "result"}, // ok | error
)

// ConfirmationTotal 人工确认令牌生命周期计数
var ConfirmationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_confirmation_total",
		Help: "确认令牌事件总数",
	},
	[]string{"outcome"}, // issued | accepted | expired | mismatch
)

// HeartbeatRecoveryTotal 心跳自检结果计数
var HeartbeatRecoveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_heartbeat_recovery_total",
		Help: "心跳自检结果总数",
	},
	[]string{"outcome"}, // progressed | recovered | escalated
)

// ReconcileOutcomeTotal 对账处理结果计数
var ReconcileOutcomeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_reconcile_outcome_total",
		Help: "对账处理结果总数",
	},
	[]string{"action"}, // resume | compensation_retry | repair | escalate
)

// DLQSize 死信索引当前大小
var DLQSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "saga_dlq_size",
		Help: "死信索引当前大小",
	},
)

// OutboxPending 发件箱未投递行数
var OutboxPending = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "saga_outbox_pending",
		Help: "发件箱未投递行数",
	},
)

// ExecutionTerminalTotal 终态执行总数（按终态）
var ExecutionTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "saga_execution_terminal_total",
		Help: "进入终态的执行总数",
	},
	[]string{"status"}, // COMPLETED | FAILED | TIMEOUT | CANCELLED
)

// ExecutionStartedTotal 接受计划并启动推进的执行总数
var ExecutionStartedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "saga_execution_started_total",
		Help: "接受计划并启动推进的执行总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
