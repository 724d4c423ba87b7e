package eventbus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// NewEventBus 按配置类型创建事件总线
func NewEventBus(cfg *config.EventBusConfig, log *zap.Logger) (EventBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("eventbus config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid eventbus config: %w", err)
	}

	var (
		bus EventBus
		err error
	)
	switch cfg.Type {
	case "kafka":
		bus, err = NewKafkaEventBus(cfg, log)
	case "nats":
		bus, err = NewNATSEventBus(cfg, log)
	case "memory":
		bus = NewMemoryEventBus(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported eventbus type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create eventbus: %w", err)
	}

	logger.OrGlobal(log).Info("eventbus created",
		zap.String("type", cfg.Type),
		zap.String("service", cfg.ServiceName),
		zap.String("commit_mode", cfg.Subscriber.CommitMode))
	return bus, nil
}

// GetDefaultConfig 指定类型的默认配置
func GetDefaultConfig(eventBusType, serviceName string) *config.EventBusConfig {
	cfg := &config.EventBusConfig{Type: eventBusType, ServiceName: serviceName}
	switch eventBusType {
	case "kafka":
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	case "nats":
		cfg.NATS.URLs = []string{"nats://localhost:4222"}
	}
	cfg.SetDefaults()
	return cfg
}
