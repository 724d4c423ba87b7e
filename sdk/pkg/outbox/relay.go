package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// RelayConfig 中继配置
type RelayConfig struct {
	// BatchSize 每轮拉取的待发布事件数
	BatchSize int

	// MaxRetries 达到后事件置为 failed，需人工介入
	MaxRetries int

	// PublishTimeout 单条发布超时
	PublishTimeout time.Duration
}

// DefaultRelayConfig 默认中继配置
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		BatchSize:      100,
		MaxRetries:     5,
		PublishTimeout: 10 * time.Second,
	}
}

// Validate 验证配置
func (c *RelayConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be greater than 0")
	}
	return nil
}

// RelayResult 一轮中继的统计
type RelayResult struct {
	Fetched   int
	Published int
	Retried   int
	Failed    int
	Skipped   int // 同聚合前序事件失败而顺延的事件
}

// Relay 把 pending 行发布到 broker 并推进状态。
//
// 一轮内严格按创建顺序逐条发布；某个聚合的事件发布失败后，
// 同一聚合在本轮中的后续事件顺延到下一轮，保证分区键内有序。
type Relay struct {
	repo        OutboxRepository
	publisher   EventPublisher
	topicMapper TopicMapper
	config      *RelayConfig
	metrics     MetricsCollector
	logger      *zap.Logger
}

// NewRelay 创建中继
func NewRelay(repo OutboxRepository, publisher EventPublisher, topicMapper TopicMapper, cfg *RelayConfig, metrics MetricsCollector, log *zap.Logger) *Relay {
	if cfg == nil {
		cfg = DefaultRelayConfig()
	}
	if topicMapper == nil {
		topicMapper = DefaultTopicMapper
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Relay{
		repo:        repo,
		publisher:   publisher,
		topicMapper: topicMapper,
		config:      cfg,
		metrics:     metrics,
		logger:      logger.OrGlobal(log).Named("outbox.relay"),
	}
}

// RunOnce 拉取一批待发布事件并逐条发布
func (r *Relay) RunOnce(ctx context.Context) (RelayResult, error) {
	var result RelayResult

	events, err := r.repo.FetchPending(ctx, r.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("fetch pending outbox events: %w", err)
	}
	result.Fetched = len(events)

	blocked := make(map[string]struct{})
	for _, evt := range events {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if _, ok := blocked[evt.AggregateID]; ok && evt.AggregateID != "" {
			result.Skipped++
			continue
		}

		err := r.PublishEvent(ctx, evt)
		switch {
		case err == nil:
			result.Published++
		case errors.Is(err, errExhausted):
			result.Failed++
			blocked[evt.AggregateID] = struct{}{}
		default:
			result.Retried++
			blocked[evt.AggregateID] = struct{}{}
		}
	}

	if result.Fetched > 0 {
		r.logger.Debug("outbox relay round finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("retried", result.Retried),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
	}
	return result, nil
}

var errExhausted = errors.New("outbox: retries exhausted")

// PublishEvent 发布单条事件并更新状态
//
// 发布成功但标记失败时只记录日志：下一轮会重复发布，由消费端幂等去重。
func (r *Relay) PublishEvent(ctx context.Context, evt *OutboxEvent) error {
	topic := r.topicMapper.GetTopic(evt.AggregateType)
	fields := append(logger.EventFields(evt.EventID, evt.EventType),
		zap.Uint64("outbox_id", evt.ID), zap.String("topic", topic))

	if topic == "" {
		return r.recordFailure(ctx, evt, fmt.Errorf("no topic mapped for aggregate type %q", evt.AggregateType), fields)
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	start := time.Now()
	err := r.publisher.PublishEnvelope(publishCtx, topic, evt.AggregateID, evt.ToEnvelope())
	cancel()
	r.metrics.RecordPublishDuration(evt.AggregateType, evt.EventType, time.Since(start))

	if err != nil {
		return r.recordFailure(ctx, evt, err, fields)
	}

	r.metrics.RecordPublished(evt.AggregateType, evt.EventType)
	if markErr := r.repo.MarkPublished(ctx, evt.ID); markErr != nil {
		r.logger.Error("outbox event published but not marked, it will be published again",
			append(fields, zap.Error(markErr))...)
		return nil
	}
	now := time.Now()
	evt.Status = EventStatusPublished
	evt.PublishedAt = &now
	return nil
}

func (r *Relay) recordFailure(ctx context.Context, evt *OutboxEvent, cause error, fields []zap.Field) error {
	r.metrics.RecordFailed(evt.AggregateType, evt.EventType, cause)

	if evt.ExhaustedRetries(r.config.MaxRetries) {
		r.logger.Error("outbox event exceeded max retries, marking failed",
			append(fields, zap.Int("retry_count", evt.RetryCount+1), zap.Error(cause))...)
		if err := r.repo.MarkFailed(ctx, evt.ID, cause.Error()); err != nil {
			r.logger.Error("failed to mark outbox event failed", append(fields, zap.Error(err))...)
		}
		evt.Status = EventStatusFailed
		evt.RetryCount++
		evt.ErrorMessage = cause.Error()
		return fmt.Errorf("%w: %v", errExhausted, cause)
	}

	r.metrics.RecordRetry(evt.AggregateType, evt.EventType)
	r.logger.Warn("outbox publish failed, will retry",
		append(fields, zap.Int("retry_count", evt.RetryCount+1), zap.Error(cause))...)
	if err := r.repo.IncrementRetry(ctx, evt.ID, cause.Error()); err != nil {
		r.logger.Error("failed to record outbox retry", append(fields, zap.Error(err))...)
	}
	evt.RetryCount++
	evt.ErrorMessage = cause.Error()
	return cause
}
