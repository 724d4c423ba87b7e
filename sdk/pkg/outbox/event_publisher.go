package outbox

import (
	"context"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

// EventPublisher 中继依赖的发布接口。
// 同步语义：返回 nil 表示 broker 已确认，中继随后才会标记 published。
//
// adapters.EventBusAdapter 提供基于 eventbus.EventBus 的实现。
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic, partitionKey string, envelope *jxtevent.Envelope) error
}

// EventPublisherFunc 函数式 EventPublisher
type EventPublisherFunc func(ctx context.Context, topic, partitionKey string, envelope *jxtevent.Envelope) error

// PublishEnvelope 实现 EventPublisher 接口
func (f EventPublisherFunc) PublishEnvelope(ctx context.Context, topic, partitionKey string, envelope *jxtevent.Envelope) error {
	return f(ctx, topic, partitionKey, envelope)
}
