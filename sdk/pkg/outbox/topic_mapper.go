package outbox

import (
	"fmt"
	"strings"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
)

// TopicMapper Topic 映射器接口
// 将聚合类型映射到 EventBus Topic
type TopicMapper interface {
	// GetTopic 根据聚合类型获取 Topic，返回空字符串表示无法映射
	GetTopic(aggregateType string) string
}

// MapBasedTopicMapper 基于 Map 的 TopicMapper 实现
type MapBasedTopicMapper struct {
	mapping      map[string]string
	defaultTopic string
}

// NewMapBasedTopicMapper 创建基于 Map 的 TopicMapper
//
//	mapper := NewMapBasedTopicMapper(map[string]string{
//	    "order": "order-events",
//	    "user":  "user-events",
//	}, "default-events")
func NewMapBasedTopicMapper(mapping map[string]string, defaultTopic string) TopicMapper {
	return &MapBasedTopicMapper{
		mapping:      mapping,
		defaultTopic: defaultTopic,
	}
}

// GetTopic 实现 TopicMapper 接口
func (m *MapBasedTopicMapper) GetTopic(aggregateType string) string {
	if topic, ok := m.mapping[aggregateType]; ok {
		return topic
	}
	if m.defaultTopic != "" {
		return m.defaultTopic
	}
	return fmt.Sprintf("%s-events", aggregateType)
}

// PrefixTopicMapper 基于前缀的 TopicMapper
type PrefixTopicMapper struct {
	prefix    string
	suffix    string
	separator string
}

// NewPrefixTopicMapper 创建基于前缀的 TopicMapper
//
//	mapper := NewPrefixTopicMapper("jxt", "events", ".")
//	// order -> jxt.order.events
func NewPrefixTopicMapper(prefix, suffix, separator string) TopicMapper {
	return &PrefixTopicMapper{
		prefix:    prefix,
		suffix:    suffix,
		separator: separator,
	}
}

// GetTopic 实现 TopicMapper 接口
func (p *PrefixTopicMapper) GetTopic(aggregateType string) string {
	parts := make([]string, 0, 3)
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	parts = append(parts, aggregateType)
	if p.suffix != "" {
		parts = append(parts, p.suffix)
	}
	return strings.Join(parts, p.separator)
}

// FuncTopicMapper 函数式 TopicMapper
type FuncTopicMapper func(aggregateType string) string

// GetTopic 实现 TopicMapper 接口
func (f FuncTopicMapper) GetTopic(aggregateType string) string {
	return f(aggregateType)
}

// ChainTopicMapper 依次尝试多个 TopicMapper，直到找到非空 Topic
type ChainTopicMapper struct {
	mappers []TopicMapper
}

func NewChainTopicMapper(mappers ...TopicMapper) TopicMapper {
	return &ChainTopicMapper{mappers: mappers}
}

// GetTopic 实现 TopicMapper 接口
func (c *ChainTopicMapper) GetTopic(aggregateType string) string {
	for _, mapper := range c.mappers {
		if topic := mapper.GetTopic(aggregateType); topic != "" {
			return topic
		}
	}
	return ""
}

// DefaultTopicMapper 默认命名规则：{aggregateType}-events
var DefaultTopicMapper = FuncTopicMapper(func(aggregateType string) string {
	return fmt.Sprintf("%s-events", aggregateType)
})

// TopicMapperFromConfig 按配置组合映射器：显式映射 > 前缀规则 > 默认 Topic
func TopicMapperFromConfig(cfg *config.Outbox) TopicMapper {
	explicit := FuncTopicMapper(func(aggregateType string) string {
		return cfg.Topics[aggregateType]
	})

	var fallback TopicMapper = DefaultTopicMapper
	switch {
	case cfg.TopicPrefix != "":
		fallback = NewPrefixTopicMapper(cfg.TopicPrefix, "", ".")
	case cfg.DefaultTopic != "":
		fallback = FuncTopicMapper(func(string) string { return cfg.DefaultTopic })
	}
	return NewChainTopicMapper(explicit, fallback)
}
