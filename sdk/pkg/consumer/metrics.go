package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 消费端指标
type Metrics interface {
	RecordResult(topic, eventType, kind string)
	RecordHandlerDuration(topic, eventType string, d time.Duration)
	RecordDeadLetterFailure(topic string)
}

// NoOpMetrics 空实现
type NoOpMetrics struct{}

func (NoOpMetrics) RecordResult(string, string, string)                 {}
func (NoOpMetrics) RecordHandlerDuration(string, string, time.Duration) {}
func (NoOpMetrics) RecordDeadLetterFailure(string)                      {}

// PrometheusMetrics 基于 Prometheus 的消费端指标
type PrometheusMetrics struct {
	messagesTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	dlqFailures     *prometheus.CounterVec
}

// NewPrometheusMetrics 创建并注册指标，reg 为空时使用默认注册表
func NewPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Consumed messages by result",
		}, []string{"topic", "event_type", "result"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Business handler latency including idempotency bookkeeping",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "event_type"}),
		dlqFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "dead_letter_failures_total",
			Help:      "Dead letter publishes that failed and left the message for redelivery",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.messagesTotal, m.handlerDuration, m.dlqFailures)
	return m
}

func (m *PrometheusMetrics) RecordResult(topic, eventType, kind string) {
	m.messagesTotal.WithLabelValues(topic, eventType, kind).Inc()
}

func (m *PrometheusMetrics) RecordHandlerDuration(topic, eventType string, d time.Duration) {
	m.handlerDuration.WithLabelValues(topic, eventType).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordDeadLetterFailure(topic string) {
	m.dlqFailures.WithLabelValues(topic).Inc()
}

var (
	_ Metrics = NoOpMetrics{}
	_ Metrics = (*PrometheusMetrics)(nil)
)
