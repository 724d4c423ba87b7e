package outbox

import (
	"errors"
	"time"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	jxtjson "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/json"
)

// EventStatus 事件状态
type EventStatus string

const (
	// EventStatusPending 待发布
	EventStatusPending EventStatus = "pending"
	// EventStatusPublished 已发布
	EventStatusPublished EventStatus = "published"
	// EventStatusFailed 超过最大重试次数，不再自动发布
	EventStatusFailed EventStatus = "failed"
)

// OutboxEvent 发件箱中的一行，与业务数据在同一事务内写入。
// 完全数据库无关，不包含任何数据库标签
type OutboxEvent struct {
	// ID 自增代理键，由存储层分配
	ID uint64

	// EventID 信封中的事件ID，唯一
	EventID string

	EventType string

	// AggregateID 作为分区键，保证同一聚合的事件有序
	AggregateID string

	// AggregateType 用于 Topic 映射
	AggregateType string

	Version string
	Source  string

	// Timestamp 事件发生时间（毫秒），原样写回信封
	Timestamp int64

	// Payload 信封负载
	Payload jxtjson.RawMessage

	Status       EventStatus
	RetryCount   int
	ErrorMessage string
	CreatedAt    time.Time
	PublishedAt  *time.Time
}

// NewOutboxEvent 由信封创建待发布的发件箱事件
func NewOutboxEvent(aggregateType, aggregateID string, env *jxtevent.Envelope) (*OutboxEvent, error) {
	if env == nil {
		return nil, errors.New("envelope is nil")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if aggregateType == "" {
		return nil, errors.New("aggregate type is required")
	}

	return &OutboxEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       env.Version,
		Source:        env.Source,
		Timestamp:     env.Timestamp,
		Payload:       env.Payload,
		Status:        EventStatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// ToEnvelope 还原为线上信封
func (e *OutboxEvent) ToEnvelope() *jxtevent.Envelope {
	return &jxtevent.Envelope{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Version:   e.Version,
		Source:    e.Source,
		Payload:   e.Payload,
	}
}

// IsPending 是否待发布
func (e *OutboxEvent) IsPending() bool {
	return e.Status == EventStatusPending
}

// IsPublished 是否已发布
func (e *OutboxEvent) IsPublished() bool {
	return e.Status == EventStatusPublished
}

// ExhaustedRetries 再失败一次是否达到上限
func (e *OutboxEvent) ExhaustedRetries(maxRetries int) bool {
	return e.RetryCount+1 >= maxRetries
}
