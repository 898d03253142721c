// Package metrics 提供 veripay-settlement 服务的 Prometheus 监控指标
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "veripay_settlement"

// 结算指标
var (
	// SettlementsTotal 结算请求总数
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "结算请求总数",
		},
		[]string{"outcome"}, // success, conflict, aborted, unconfirmed, storage_failed, rejected_input
	)

	// LedgerCallDuration 链上调用耗时
	LedgerCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "链上结算调用耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// LedgerAbortsTotal 链上中止总数
	LedgerAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_aborts_total",
			Help:      "链上中止总数",
		},
		[]string{"abort_code"},
	)
)

// 对账指标
var (
	// ReconciliationTotal 对账处理总数
	ReconciliationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_total",
			Help:      "对账处理总数",
		},
		[]string{"outcome"}, // settled, aborted, retry, abandoned
	)

	// UnconfirmedAttemptsGauge 待对账尝试数量
	UnconfirmedAttemptsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unconfirmed_attempts_total",
			Help:      "当前待对账的结算尝试数量",
		},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"}, // status: success/failed
	)
)

// RecordLedgerAbort 记录链上中止; 摘要无法解析出中止码时记为 unknown
func RecordLedgerAbort(abortCode *int64) {
	code := "unknown"
	if abortCode != nil {
		code = strconv.FormatInt(*abortCode, 10)
	}
	LedgerAbortsTotal.WithLabelValues(code).Inc()
}
