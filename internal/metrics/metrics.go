package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎运行指标
type Metrics struct {
	ActionsCreated   *prometheus.CounterVec
	ActionsFinished  *prometheus.CounterVec
	ActionsConverged *prometheus.CounterVec
	NoticesSent      *prometheus.CounterVec
	ExecuteDuration  *prometheus.HistogramVec
	QueueLag         *prometheus.GaugeVec
}

// New 在指定 registry 上注册并返回全部指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fta",
			Subsystem: "action",
			Name:      "created_total",
			Help:      "创建的处理动作数",
		}, []string{"plugin_type", "signal"}),

		ActionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fta",
			Subsystem: "action",
			Name:      "finished_total",
			Help:      "结束的处理动作数",
		}, []string{"plugin_type", "status"}),

		ActionsConverged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fta",
			Subsystem: "converge",
			Name:      "converged_total",
			Help:      "被收敛的处理动作数",
		}, []string{"plugin_type"}),

		NoticesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fta",
			Subsystem: "notice",
			Name:      "sent_total",
			Help:      "通知发送结果计数",
		}, []string{"notice_way", "result"}),

		ExecuteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fta",
			Subsystem: "action",
			Name:      "execute_duration_seconds",
			Help:      "动作执行耗时",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"plugin_type"}),

		QueueLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fta",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "执行队列积压长度",
		}, []string{"plugin_type"}),
	}
}
