package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector 基于 Prometheus 的指标收集器
type PrometheusMetricsCollector struct {
	publishedTotal  *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
	cleanedTotal    prometheus.Counter
	publishDuration *prometheus.HistogramVec
	statusGauge     *prometheus.GaugeVec
}

// NewPrometheusMetricsCollector 创建并注册指标，reg 为空时使用默认注册表
func NewPrometheusMetricsCollector(namespace string, reg prometheus.Registerer) *PrometheusMetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusMetricsCollector{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total number of outbox events published",
		}, []string{"aggregate_type", "event_type"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Total number of failed outbox publish attempts",
		}, []string{"aggregate_type", "event_type"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retry_total",
			Help:      "Total number of outbox publish attempts scheduled for retry",
		}, []string{"aggregate_type", "event_type"}),
		cleanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "cleaned_total",
			Help:      "Total number of published outbox rows deleted by retention cleanup",
		}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "publish_duration_seconds",
			Help:      "Outbox publish latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"aggregate_type", "event_type"}),
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events",
			Help:      "Number of outbox rows by status",
		}, []string{"status"}),
	}

	reg.MustRegister(c.publishedTotal, c.failedTotal, c.retryTotal, c.cleanedTotal, c.publishDuration, c.statusGauge)
	return c
}

func (c *PrometheusMetricsCollector) RecordPublished(aggregateType, eventType string) {
	c.publishedTotal.WithLabelValues(aggregateType, eventType).Inc()
}

func (c *PrometheusMetricsCollector) RecordFailed(aggregateType, eventType string, err error) {
	c.failedTotal.WithLabelValues(aggregateType, eventType).Inc()
}

func (c *PrometheusMetricsCollector) RecordRetry(aggregateType, eventType string) {
	c.retryTotal.WithLabelValues(aggregateType, eventType).Inc()
}

func (c *PrometheusMetricsCollector) RecordPublishDuration(aggregateType, eventType string, duration time.Duration) {
	c.publishDuration.WithLabelValues(aggregateType, eventType).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) SetStatusCount(status EventStatus, count int64) {
	c.statusGauge.WithLabelValues(string(status)).Set(float64(count))
}

func (c *PrometheusMetricsCollector) RecordCleanup(deleted int64) {
	c.cleanedTotal.Add(float64(deleted))
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
