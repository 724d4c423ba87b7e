package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
)

func TestMapBasedTopicMapper(t *testing.T) {
	mapper := NewMapBasedTopicMapper(map[string]string{
		"order": "order-events",
		"user":  "user-events",
	}, "default-events")

	tests := []struct {
		aggregateType string
		expectedTopic string
	}{
		{"order", "order-events"},
		{"user", "user-events"},
		{"unknown", "default-events"},
	}

	for _, tt := range tests {
		t.Run(tt.aggregateType, func(t *testing.T) {
			assert.Equal(t, tt.expectedTopic, mapper.GetTopic(tt.aggregateType))
		})
	}
}

func TestMapBasedTopicMapper_NoDefault(t *testing.T) {
	mapper := NewMapBasedTopicMapper(map[string]string{"order": "order-events"}, "")
	// 未映射的类型返回 "{aggregateType}-events"
	assert.Equal(t, "unknown-events", mapper.GetTopic("unknown"))
}

func TestPrefixTopicMapper(t *testing.T) {
	assert.Equal(t, "jxt.order.events", NewPrefixTopicMapper("jxt", "events", ".").GetTopic("order"))
	assert.Equal(t, "jxt-order", NewPrefixTopicMapper("jxt", "", "-").GetTopic("order"))
	assert.Equal(t, "order", NewPrefixTopicMapper("", "", ".").GetTopic("order"))
}

func TestChainTopicMapper(t *testing.T) {
	empty := FuncTopicMapper(func(string) string { return "" })
	mapper := NewChainTopicMapper(empty, NewPrefixTopicMapper("x", "", "."))
	assert.Equal(t, "x.order", mapper.GetTopic("order"))

	assert.Equal(t, "", NewChainTopicMapper(empty).GetTopic("order"))
}

func TestTopicMapperFromConfig(t *testing.T) {
	t.Run("explicit then prefix", func(t *testing.T) {
		mapper := TopicMapperFromConfig(&config.Outbox{
			Topics:      map[string]string{"order": "orders"},
			TopicPrefix: "shop",
		})
		assert.Equal(t, "orders", mapper.GetTopic("order"))
		assert.Equal(t, "shop.user", mapper.GetTopic("user"))
	})

	t.Run("default topic", func(t *testing.T) {
		mapper := TopicMapperFromConfig(&config.Outbox{DefaultTopic: "all-events"})
		assert.Equal(t, "all-events", mapper.GetTopic("user"))
	})

	t.Run("naming rule", func(t *testing.T) {
		mapper := TopicMapperFromConfig(&config.Outbox{})
		assert.Equal(t, "user-events", mapper.GetTopic("user"))
	})
}
