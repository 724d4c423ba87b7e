package adapters

import (
	"context"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/eventbus"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
)

// EventBusAdapter 将 eventbus.EventBus 适配为 outbox.EventPublisher。
// EventBus.Publish 为同步确认语义，返回 nil 后中继才会标记 published。
//
//	bus, _ := eventbus.NewEventBus(cfg, log)
//	scheduler := outbox.NewScheduler(
//	    outbox.WithRepository(repo),
//	    outbox.WithEventPublisher(adapters.NewEventBusAdapter(bus)),
//	)
type EventBusAdapter struct {
	bus eventbus.EventBus
}

// NewEventBusAdapter 创建适配器
func NewEventBusAdapter(bus eventbus.EventBus) *EventBusAdapter {
	return &EventBusAdapter{bus: bus}
}

// PublishEnvelope 聚合ID作为分区键，保证同一聚合的事件有序
func (a *EventBusAdapter) PublishEnvelope(ctx context.Context, topic, partitionKey string, envelope *jxtevent.Envelope) error {
	return a.bus.Publish(ctx, topic, envelope, eventbus.PublishOptions{PartitionKey: partitionKey})
}

var _ outbox.EventPublisher = (*EventBusAdapter)(nil)
