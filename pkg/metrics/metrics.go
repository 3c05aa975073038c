package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供入站传输的 /metrics 暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ConnectionsAccepted, ConnectionsOpened,
		MessagesReceived, MessagesSent,
		PendingQueued, InboundQueueDepth, OpenConnections,
		DispatchTotal, DispatchDuration,
		ShutdownDrainTimeouts, ReturnRoutes,
	)
}

// ConnectionsAccepted 入站传输接受的连接数
var ConnectionsAccepted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_connections_accepted_total",
		Help: "入站传输接受的连接数",
	},
	[]string{"transport"}, // http | ws | std
)

// ConnectionsOpened 出站连接打开次数
var ConnectionsOpened = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_connections_opened_total",
		Help: "出站连接打开次数",
	},
	[]string{"result"}, // ok | failed
)

// MessagesReceived 从连接读到的原始消息数
var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_messages_received_total",
		Help: "从连接读到的消息数（按解包结果）",
	},
	[]string{"status"}, // authcrypt | anoncrypt | plaintext | invalid
)

// MessagesSent 出站消息数
var MessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_messages_sent_total",
		Help: "出站消息数（按去向）",
	},
	[]string{"route"}, // direct | return_route | pending | failed
)

// PendingQueued 当前排队等待 return route 的消息数
var PendingQueued = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_pending_messages",
		Help: "等待 return route 的消息数",
	},
)

// InboundQueueDepth 已解包待处理的入站消息数
var InboundQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_inbound_queue_depth",
		Help: "入站队列中未处理的消息数",
	},
)

// OpenConnections 为 return route 保持的连接数
var OpenConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_open_connections",
		Help: "为 return route 保持的连接数",
	},
)

// ShutdownDrainTimeouts 关闭时等待入站队列处理完成超时的次数
var ShutdownDrainTimeouts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "agent_shutdown_drain_timeouts_total",
		Help: "关闭时等待入站队列超时次数",
	},
)

// ReturnRoutes 入站消息携带的 ~transport.return_route 取值
var ReturnRoutes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_return_route_total",
		Help: "入站消息的 return_route 取值计数",
	},
	[]string{"value"}, // all | none | thread | other
)

// DispatchTotal 分发结果计数
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agent_dispatch_total",
		Help: "消息分发次数（按结果）",
	},
	[]string{"result"}, // ok | no_route | error
)

// DispatchDuration handler 执行耗时（秒）
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agent_dispatch_duration_seconds",
		Help:    "handler 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"protocol"},
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
