package outbox

import (
	"sync"
	"time"
)

// MetricsCollector 中继指标收集器接口
// 实现必须并发安全
type MetricsCollector interface {
	// RecordPublished 记录事件发布成功
	RecordPublished(aggregateType, eventType string)

	// RecordFailed 记录事件发布失败（含最终失败）
	RecordFailed(aggregateType, eventType string, err error)

	// RecordRetry 记录一次将被重试的失败
	RecordRetry(aggregateType, eventType string)

	// RecordPublishDuration 记录发布耗时
	RecordPublishDuration(aggregateType, eventType string, duration time.Duration)

	// SetStatusCount 设置某状态的事件数量（定时刷新）
	SetStatusCount(status EventStatus, count int64)

	// RecordCleanup 记录清理删除的行数
	RecordCleanup(deleted int64)
}

// NoOpMetricsCollector 空操作指标收集器（默认实现）
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordPublished(aggregateType, eventType string) {}

func (n *NoOpMetricsCollector) RecordFailed(aggregateType, eventType string, err error) {}

func (n *NoOpMetricsCollector) RecordRetry(aggregateType, eventType string) {}

func (n *NoOpMetricsCollector) RecordPublishDuration(aggregateType, eventType string, duration time.Duration) {
}

func (n *NoOpMetricsCollector) SetStatusCount(status EventStatus, count int64) {}

func (n *NoOpMetricsCollector) RecordCleanup(deleted int64) {}

// InMemoryMetricsCollector 内存指标收集器（用于测试和简单场景）
type InMemoryMetricsCollector struct {
	mu sync.RWMutex

	PublishedCount int64
	FailedCount    int64
	RetryCount     int64
	CleanedCount   int64

	PublishedByType map[string]int64
	FailedByType    map[string]int64
	StatusCounts    map[EventStatus]int64

	TotalDuration time.Duration
	MaxDuration   time.Duration
	DurationCount int64
}

// NewInMemoryMetricsCollector 创建内存指标收集器
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		PublishedByType: make(map[string]int64),
		FailedByType:    make(map[string]int64),
		StatusCounts:    make(map[EventStatus]int64),
	}
}

func (c *InMemoryMetricsCollector) RecordPublished(aggregateType, eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.PublishedCount++
	c.PublishedByType[eventType]++
}

func (c *InMemoryMetricsCollector) RecordFailed(aggregateType, eventType string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.FailedCount++
	c.FailedByType[eventType]++
}

func (c *InMemoryMetricsCollector) RecordRetry(aggregateType, eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.RetryCount++
}

func (c *InMemoryMetricsCollector) RecordPublishDuration(aggregateType, eventType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.TotalDuration += duration
	c.DurationCount++
	if duration > c.MaxDuration {
		c.MaxDuration = duration
	}
}

func (c *InMemoryMetricsCollector) SetStatusCount(status EventStatus, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.StatusCounts[status] = count
}

func (c *InMemoryMetricsCollector) RecordCleanup(deleted int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CleanedCount += deleted
}

// GetSnapshot 获取指标快照（用于测试和调试）
func (c *InMemoryMetricsCollector) GetSnapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]int64{
		"published_count": c.PublishedCount,
		"failed_count":    c.FailedCount,
		"retry_count":     c.RetryCount,
		"cleaned_count":   c.CleanedCount,
	}
}

var (
	_ MetricsCollector = (*NoOpMetricsCollector)(nil)
	_ MetricsCollector = (*InMemoryMetricsCollector)(nil)
)
