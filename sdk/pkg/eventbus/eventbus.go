package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cast"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

// CommitMode 位点提交模式
type CommitMode string

const (
	// CommitModeAuto 消息交给处理器前即提交位点，处理失败只记录日志
	CommitModeAuto CommitMode = config.CommitModeAuto
	// CommitModeManual 整批处理成功后才提交位点，失败则整批重投
	CommitModeManual CommitMode = config.CommitModeManual
)

// 消息头
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderPartitionKey  = "x-partition-key"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderRetryCount    = "x-retry-count"
)

// DeadLetterSuffix 默认死信主题后缀
const DeadLetterSuffix = ".dlq"

var (
	// ErrClosed 总线已关闭
	ErrClosed = errors.New("eventbus: closed")
	// ErrAlreadySubscribed 同一 (topic, groupId) 重复订阅
	ErrAlreadySubscribed = errors.New("eventbus: topic already subscribed by this group")
)

// Message broker 投递的一条原始消息
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Attempt 第几次投递，从 1 开始
	Attempt int
}

// Header 读取消息头，不存在时返回空串
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// HeaderInt 以整数读取消息头（如 x-retry-count），无法解析时返回 0
func (m *Message) HeaderInt(name string) int {
	return cast.ToInt(m.Header(name))
}

// MessageHandler 消息处理函数。
// manual 模式下返回错误会阻止提交并触发整批重投；auto 模式下只记录日志。
type MessageHandler func(ctx context.Context, msg *Message) error

// PublishOptions 发布选项
type PublishOptions struct {
	// PartitionKey 分区键，同一键的消息保持顺序
	PartitionKey string
	// Headers 额外消息头
	Headers map[string]string
}

// Backoff 指数退避
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Duration 第 attempt 次失败后的等待时间：Base * 2^(attempt-1)，不超过 Max
func (b Backoff) Duration(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// SubscribeOptions 订阅选项，零值字段取总线配置中的订阅端默认值
type SubscribeOptions struct {
	CommitMode    CommitMode
	FromBeginning bool
	BatchSize     int
	BatchWait     time.Duration
	RetryBackoff  Backoff
}

func (o SubscribeOptions) withDefaults(sub config.SubscriberConfig) SubscribeOptions {
	if o.CommitMode == "" {
		o.CommitMode = CommitMode(sub.CommitMode)
	}
	if o.CommitMode == "" {
		o.CommitMode = CommitModeManual
	}
	if !o.FromBeginning {
		o.FromBeginning = sub.FromBeginning
	}
	if o.BatchSize <= 0 {
		o.BatchSize = sub.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchWait <= 0 {
		o.BatchWait = sub.BatchWait
	}
	if o.BatchWait <= 0 {
		o.BatchWait = 200 * time.Millisecond
	}
	if o.RetryBackoff.Base <= 0 {
		o.RetryBackoff.Base = sub.ErrorHandling.RetryBackoffBase
	}
	if o.RetryBackoff.Max <= 0 {
		o.RetryBackoff.Max = sub.ErrorHandling.RetryBackoffMax
	}
	return o
}

// EventBus broker 客户端
type EventBus interface {
	// Publish 序列化信封并同步发送，返回 nil 表示 broker 已确认
	Publish(ctx context.Context, topic string, envelope *jxtevent.Envelope, opts PublishOptions) error

	// PublishRaw 发送已序列化的消息
	PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error

	// Subscribe 以消费组 groupID 订阅 topic，非阻塞；ctx 取消或 Close 时停止消费
	Subscribe(ctx context.Context, topic, groupID string, handler MessageHandler, opts SubscribeOptions) error

	// SendToDLQ 把消息连同失败原因发送到死信主题
	SendToDLQ(ctx context.Context, originalTopic string, msg *Message, cause error, retryCount int) error

	HealthCheck(ctx context.Context) error

	// Close 等待进行中的处理器返回后断开连接
	Close() error
}

// DeadLetterTopic 死信主题：配置了固定主题时使用它，否则为 "<原主题>.dlq"
func DeadLetterTopic(originalTopic, fixed string) string {
	if fixed != "" {
		return fixed
	}
	return originalTopic + DeadLetterSuffix
}
