package config

import (
	"fmt"
	"time"
)

// ==========================================================================
// 核心配置结构 - 统一的EventBus配置入口
// ==========================================================================

const (
	CommitModeAuto   = "auto"   // 每条消息交给处理器时即提交位点
	CommitModeManual = "manual" // 整批处理成功后才提交位点
)

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	// 基础配置
	Type        string `mapstructure:"type"`        // kafka, nats, memory
	ServiceName string `mapstructure:"serviceName"` // 微服务名称，同时作为幂等表中的 service_name

	// 发布端配置
	Publisher PublisherConfig `mapstructure:"publisher"`

	// 订阅端配置
	Subscriber SubscriberConfig `mapstructure:"subscriber"`

	// 具体实现配置
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	NATS   NATSConfig   `mapstructure:"nats"`
	Memory MemoryConfig `mapstructure:"memory"`
}

// KafkaConfig Kafka配置 - 用户配置层（简化）
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`  // Kafka集群地址
	ClientID string         `mapstructure:"clientId"` // 客户端ID
	Version  string         `mapstructure:"version"`  // Kafka 协议版本，默认 2.6.0
	Producer ProducerConfig `mapstructure:"producer"` // 生产者配置
	Consumer ConsumerConfig `mapstructure:"consumer"` // 消费者配置
}

// NATSConfig NATS配置
type NATSConfig struct {
	URLs              []string        `mapstructure:"urls"`              // NATS服务器地址
	ClientID          string          `mapstructure:"clientId"`          // 客户端ID
	MaxReconnects     int             `mapstructure:"maxReconnects"`     // 最大重连次数
	ReconnectWait     time.Duration   `mapstructure:"reconnectWait"`     // 重连等待时间
	ConnectionTimeout time.Duration   `mapstructure:"connectionTimeout"` // 连接超时
	JetStream         JetStreamConfig `mapstructure:"jetstream"`         // JetStream配置
}

// MemoryConfig Memory配置
type MemoryConfig struct {
	Partitions   int           `mapstructure:"partitions"`   // 每个主题的分区数
	PollInterval time.Duration `mapstructure:"pollInterval"` // 消费循环空闲轮询间隔
}

// ==========================================================================
// 发布端和订阅端配置
// ==========================================================================

// PublisherConfig 发布端配置
type PublisherConfig struct {
	PublishTimeout time.Duration   `mapstructure:"publishTimeout"` // 发布超时（默认10秒）
	RateLimit      RateLimitConfig `mapstructure:"rateLimit"`      // 流量控制
}

// SubscriberConfig 订阅端配置
type SubscriberConfig struct {
	CommitMode    string              `mapstructure:"commitMode"`    // auto | manual，默认 manual
	BatchSize     int                 `mapstructure:"batchSize"`     // manual 模式下每批最多消息数
	BatchWait     time.Duration       `mapstructure:"batchWait"`     // 凑批最长等待时间
	FromBeginning bool                `mapstructure:"fromBeginning"` // 新消费组是否从最早位点开始
	ErrorHandling ErrorHandlingConfig `mapstructure:"errorHandling"` // 错误处理
}

// RateLimitConfig 流量控制配置
type RateLimitConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	BurstSize     int     `mapstructure:"burstSize"`
}

// ErrorHandlingConfig 错误处理配置
// DeadLetterTopic 为空时使用 "<原主题>.dlq"
type ErrorHandlingConfig struct {
	DeadLetterTopic  string        `mapstructure:"deadLetterTopic"`
	MaxRetryAttempts int           `mapstructure:"maxRetryAttempts"`
	RetryBackoffBase time.Duration `mapstructure:"retryBackoffBase"`
	RetryBackoffMax  time.Duration `mapstructure:"retryBackoffMax"`
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	RequiredAcks int           `mapstructure:"requiredAcks"` // 消息确认级别 (0=不确认, 1=leader确认, -1=所有副本确认)
	Compression  string        `mapstructure:"compression"`  // 压缩算法 (none, gzip, snappy, lz4, zstd)
	Idempotent   bool          `mapstructure:"idempotent"`   // 生产者幂等
	Timeout      time.Duration `mapstructure:"timeout"`      // 发送超时时间
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	SessionTimeout    time.Duration `mapstructure:"sessionTimeout"`    // 会话超时时间
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"` // 心跳间隔
}

// JetStreamConfig JetStream配置
type JetStreamConfig struct {
	Domain         string        `mapstructure:"domain"`
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
	AckWait        time.Duration `mapstructure:"ackWait"`
	Storage        string        `mapstructure:"storage"` // file, memory
	Replicas       int           `mapstructure:"replicas"`
	MaxAge         time.Duration `mapstructure:"maxAge"`
	FetchWait      time.Duration `mapstructure:"fetchWait"`
}

// ==========================================================================
// 配置验证和默认值设置
// ==========================================================================

// SetDefaults 为EventBusConfig设置默认值
func (c *EventBusConfig) SetDefaults() {
	// 发布端默认值
	if c.Publisher.PublishTimeout == 0 {
		c.Publisher.PublishTimeout = 10 * time.Second
	}

	// 订阅端默认值
	if c.Subscriber.CommitMode == "" {
		c.Subscriber.CommitMode = CommitModeManual
	}
	if c.Subscriber.BatchSize == 0 {
		c.Subscriber.BatchSize = 50
	}
	if c.Subscriber.BatchWait == 0 {
		c.Subscriber.BatchWait = 200 * time.Millisecond
	}
	eh := &c.Subscriber.ErrorHandling
	if eh.MaxRetryAttempts == 0 {
		eh.MaxRetryAttempts = 5
	}
	if eh.RetryBackoffBase == 0 {
		eh.RetryBackoffBase = 200 * time.Millisecond
	}
	if eh.RetryBackoffMax == 0 {
		eh.RetryBackoffMax = 10 * time.Second
	}

	if c.Kafka.Version == "" {
		c.Kafka.Version = "2.6.0"
	}
	if c.Kafka.Producer.RequiredAcks == 0 {
		c.Kafka.Producer.RequiredAcks = -1
	}
	if c.Kafka.Producer.Timeout == 0 {
		c.Kafka.Producer.Timeout = 10 * time.Second
	}
	if c.Kafka.Consumer.SessionTimeout == 0 {
		c.Kafka.Consumer.SessionTimeout = 10 * time.Second
	}
	if c.Kafka.Consumer.HeartbeatInterval == 0 {
		c.Kafka.Consumer.HeartbeatInterval = 3 * time.Second
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.ConnectionTimeout == 0 {
		c.NATS.ConnectionTimeout = 10 * time.Second
	}
	if c.NATS.JetStream.AckWait == 0 {
		c.NATS.JetStream.AckWait = 30 * time.Second
	}
	if c.NATS.JetStream.FetchWait == 0 {
		c.NATS.JetStream.FetchWait = 500 * time.Millisecond
	}
	if c.NATS.JetStream.Storage == "" {
		c.NATS.JetStream.Storage = "file"
	}

	if c.Memory.Partitions == 0 {
		c.Memory.Partitions = 4
	}
	if c.Memory.PollInterval == 0 {
		c.Memory.PollInterval = 5 * time.Millisecond
	}
}

// Validate 验证EventBusConfig配置
func (c *EventBusConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("eventbus type is required")
	}

	if c.Type != "kafka" && c.Type != "nats" && c.Type != "memory" {
		return fmt.Errorf("unsupported eventbus type: %s", c.Type)
	}

	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.Subscriber.CommitMode != CommitModeAuto && c.Subscriber.CommitMode != CommitModeManual {
		return fmt.Errorf("unsupported commit mode: %s", c.Subscriber.CommitMode)
	}

	if c.Subscriber.ErrorHandling.MaxRetryAttempts < 1 {
		return fmt.Errorf("maxRetryAttempts must be at least 1")
	}

	switch c.Type {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case "nats":
		if len(c.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required")
		}
	}

	if c.Publisher.RateLimit.Enabled && c.Publisher.RateLimit.RatePerSecond <= 0 {
		return fmt.Errorf("publisher rate limit must be positive")
	}

	return nil
}
