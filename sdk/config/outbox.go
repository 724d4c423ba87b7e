package config

import (
	"fmt"
	"time"
)

// Outbox 发件箱中继配置
type Outbox struct {
	PollInterval   time.Duration     `mapstructure:"pollInterval"`   // 轮询间隔，决定提交到发布之间的最大窗口
	BatchSize      int               `mapstructure:"batchSize"`      // 每次拉取的待发布事件数
	MaxRetries     int               `mapstructure:"maxRetries"`     // 超过后事件置为 failed
	PublishTimeout time.Duration     `mapstructure:"publishTimeout"` // 单条发布超时
	CleanupSpec    string            `mapstructure:"cleanupSpec"`    // cron 表达式，为空则不清理
	Retention      time.Duration     `mapstructure:"retention"`      // 已发布事件保留时长
	CleanupBatch   int               `mapstructure:"cleanupBatch"`   // 单次清理删除上限
	DefaultTopic   string            `mapstructure:"defaultTopic"`   // 聚合类型未映射时使用
	TopicPrefix    string            `mapstructure:"topicPrefix"`    // 非空时按 "<prefix>.<aggregateType>" 生成主题
	Topics         map[string]string `mapstructure:"topics"`         // aggregateType -> topic
	Lock           OutboxLock        `mapstructure:"lock"`
}

// OutboxLock 多实例部署时的中继互斥锁（基于 Redis）
type OutboxLock struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

func (o *Outbox) SetDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.PublishTimeout == 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.Retention == 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.CleanupBatch == 0 {
		o.CleanupBatch = 1000
	}
	if o.Lock.Key == "" {
		o.Lock.Key = "eventcore:outbox-relay"
	}
	if o.Lock.TTL == 0 {
		o.Lock.TTL = 30 * time.Second
	}
}

func (o *Outbox) Validate() error {
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if o.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if o.Lock.Enabled && o.Lock.TTL <= o.PollInterval {
		return fmt.Errorf("lock ttl must be longer than poll interval")
	}
	return nil
}
