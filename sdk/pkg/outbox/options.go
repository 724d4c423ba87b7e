package outbox

import (
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
)

// SchedulerOption 调度器选项
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	repo            OutboxRepository
	eventPublisher  EventPublisher
	topicMapper     TopicMapper
	schedulerConfig *SchedulerConfig
	relayConfig     *RelayConfig
	locker          Locker
	metrics         MetricsCollector
	logger          *zap.Logger
}

// WithRepository 设置仓储
func WithRepository(repo OutboxRepository) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.repo = repo
	}
}

// WithEventPublisher 设置事件发布器
func WithEventPublisher(eventPublisher EventPublisher) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.eventPublisher = eventPublisher
	}
}

// WithTopicMapper 设置 Topic 映射器
func WithTopicMapper(topicMapper TopicMapper) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.topicMapper = topicMapper
	}
}

// WithSchedulerConfig 设置调度器配置
func WithSchedulerConfig(cfg *SchedulerConfig) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.schedulerConfig = cfg
	}
}

// WithRelayConfig 设置中继配置
func WithRelayConfig(cfg *RelayConfig) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.relayConfig = cfg
	}
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(opts *schedulerOptions) {
		if opts.schedulerConfig == nil {
			opts.schedulerConfig = DefaultSchedulerConfig()
		}
		opts.schedulerConfig.PollInterval = interval
	}
}

// WithBatchSize 设置每轮拉取数量
func WithBatchSize(size int) SchedulerOption {
	return func(opts *schedulerOptions) {
		if opts.relayConfig == nil {
			opts.relayConfig = DefaultRelayConfig()
		}
		opts.relayConfig.BatchSize = size
	}
}

// WithLocker 设置分布式锁
func WithLocker(locker Locker) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.locker = locker
	}
}

// WithMetricsCollector 设置指标收集器
func WithMetricsCollector(metrics MetricsCollector) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.metrics = metrics
	}
}

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) SchedulerOption {
	return func(opts *schedulerOptions) {
		opts.logger = logger
	}
}

// WithConfig 从配置文件的 outbox 段生成调度器、中继配置与 Topic 映射
func WithConfig(cfg *config.Outbox) SchedulerOption {
	return func(opts *schedulerOptions) {
		sc := DefaultSchedulerConfig()
		sc.PollInterval = cfg.PollInterval
		sc.CleanupSpec = cfg.CleanupSpec
		sc.CleanupRetention = cfg.Retention
		sc.CleanupBatch = cfg.CleanupBatch
		sc.LockKey = cfg.Lock.Key
		sc.LockTTL = cfg.Lock.TTL
		opts.schedulerConfig = sc

		opts.relayConfig = &RelayConfig{
			BatchSize:      cfg.BatchSize,
			MaxRetries:     cfg.MaxRetries,
			PublishTimeout: cfg.PublishTimeout,
		}
		if opts.topicMapper == nil {
			opts.topicMapper = TopicMapperFromConfig(cfg)
		}
	}
}
