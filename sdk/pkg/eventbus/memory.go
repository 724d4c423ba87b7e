package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

type memoryTopic struct {
	partitions [][]*Message
	next       uint32 // 无分区键时轮询分区
}

type offsetKey struct {
	topic     string
	group     string
	partition int32
}

type subKey struct {
	topic string
	group string
}

// memorySubscription 最后一个分区循环退出时注销订阅
type memorySubscription struct {
	key     subKey
	running atomic.Int32
}

// MemoryEventBus 内存分区日志（用于测试和本地开发）。
//
// 语义与 Kafka 一致：同一分区键落在同一分区，每个 (消费组, 分区) 一个消费循环，
// 已提交位点可通过 CommittedOffset 查看。
type MemoryEventBus struct {
	partitions   int
	pollInterval time.Duration
	subscriber   config.SubscriberConfig
	limiter      *RateLimiter
	logger       *zap.Logger

	mu        sync.RWMutex
	topics    map[string]*memoryTopic
	committed map[offsetKey]int64
	subs      map[subKey]*memorySubscription
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMemoryEventBus 创建内存事件总线，cfg 为空时使用默认配置
func NewMemoryEventBus(cfg *config.EventBusConfig, log *zap.Logger) *MemoryEventBus {
	if cfg == nil {
		cfg = &config.EventBusConfig{Type: "memory"}
	}
	cfg.SetDefaults()

	l := logger.OrGlobal(log).Named("eventbus.memory")
	return &MemoryEventBus{
		partitions:   cfg.Memory.Partitions,
		pollInterval: cfg.Memory.PollInterval,
		subscriber:   cfg.Subscriber,
		limiter:      NewRateLimiter(cfg.Publisher.RateLimit, l),
		logger:       l,
		topics:       make(map[string]*memoryTopic),
		committed:    make(map[offsetKey]int64),
		subs:         make(map[subKey]*memorySubscription),
		stopCh:       make(chan struct{}),
	}
}

// Publish 发布信封
func (b *MemoryEventBus) Publish(ctx context.Context, topic string, envelope *jxtevent.Envelope, opts PublishOptions) error {
	value, headers, err := encodeEnvelope(envelope, opts)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, topic, opts.PartitionKey, value, headers)
}

// PublishRaw 追加消息到分区日志
func (b *MemoryEventBus) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	t := b.topicLocked(topic)
	p := b.partitionLocked(t, key)

	msg := &Message{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(t.partitions[p])),
		Value:     append([]byte(nil), value...),
		Headers:   make(map[string]string, len(headers)),
		Timestamp: time.Now(),
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	for k, v := range headers {
		msg.Headers[k] = v
	}
	t.partitions[p] = append(t.partitions[p], msg)
	return nil
}

// PartitionFor 分区键对应的分区
func (b *MemoryEventBus) PartitionFor(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(b.partitions))
}

func (b *MemoryEventBus) topicLocked(topic string) *memoryTopic {
	t, ok := b.topics[topic]
	if !ok {
		t = &memoryTopic{partitions: make([][]*Message, b.partitions)}
		b.topics[topic] = t
	}
	return t
}

func (b *MemoryEventBus) partitionLocked(t *memoryTopic, key string) int32 {
	if key == "" {
		p := t.next % uint32(b.partitions)
		t.next++
		return int32(p)
	}
	return b.PartitionFor(key)
}

// Subscribe 为每个分区启动一个消费循环
func (b *MemoryEventBus) Subscribe(ctx context.Context, topic, groupID string, handler MessageHandler, opts SubscribeOptions) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if topic == "" || groupID == "" {
		return fmt.Errorf("topic and group id are required")
	}
	opts = opts.withDefaults(b.subscriber)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	key := subKey{topic: topic, group: groupID}
	if _, exists := b.subs[key]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: topic=%s group=%s", ErrAlreadySubscribed, topic, groupID)
	}
	sub := &memorySubscription{key: key}
	sub.running.Store(int32(b.partitions))
	b.subs[key] = sub

	t := b.topicLocked(topic)
	for p := range t.partitions {
		ok := offsetKey{topic: topic, group: groupID, partition: int32(p)}
		if _, exists := b.committed[ok]; !exists {
			if opts.FromBeginning {
				b.committed[ok] = 0
			} else {
				b.committed[ok] = int64(len(t.partitions[p]))
			}
		}
	}
	b.wg.Add(b.partitions)
	b.mu.Unlock()

	for p := 0; p < b.partitions; p++ {
		go b.consumePartition(ctx, sub, int32(p), handler, opts)
	}

	b.logger.Info("subscribed to topic",
		zap.String("topic", topic),
		zap.String("group_id", groupID),
		zap.String("commit_mode", string(opts.CommitMode)),
		zap.Int("partitions", b.partitions))
	return nil
}

func (b *MemoryEventBus) consumePartition(ctx context.Context, sub *memorySubscription, partition int32, handler MessageHandler, opts SubscribeOptions) {
	defer b.wg.Done()
	defer func() {
		if sub.running.Add(-1) == 0 {
			b.mu.Lock()
			delete(b.subs, sub.key)
			b.mu.Unlock()
		}
	}()

	ok := offsetKey{topic: sub.key.topic, group: sub.key.group, partition: partition}
	// 每条消息的投递次数，原地重投时累加，提交后清理
	attempts := make(map[int64]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		batch := b.fetch(ok, opts.BatchSize)
		if len(batch) == 0 {
			if !sleepCtx(ctx, b.stopCh, b.pollInterval) {
				return
			}
			continue
		}

		if opts.CommitMode == CommitModeAuto {
			for _, msg := range batch {
				if ctx.Err() != nil {
					return
				}
				b.commit(ok, msg.Offset+1)
				msg.Attempt = 1
				if err := invokeHandler(ctx, handler, msg, b.logger); err != nil {
					b.logger.Warn("handler failed under auto commit, message will not be redelivered",
						append(messageFields(msg), zap.Error(err))...)
				}
			}
			continue
		}

		if attempt, err := b.processBatch(ctx, handler, batch, attempts); err != nil {
			b.logger.Warn("batch not committed, redelivering",
				zap.String("topic", ok.topic),
				zap.String("group_id", ok.group),
				zap.Int32("partition", partition),
				zap.Int64("from_offset", batch[0].Offset),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !sleepCtx(ctx, b.stopCh, opts.RetryBackoff.Duration(attempt)) {
				return
			}
			continue
		}
		next := batch[len(batch)-1].Offset + 1
		b.commit(ok, next)
		for offset := range attempts {
			if offset < next {
				delete(attempts, offset)
			}
		}
	}
}

// processBatch 按顺序处理，遇到第一个失败即停止，返回失败消息的投递次数。
// Attempt 按消息计数：排在失败消息之后、尚未到达处理器的消息不消耗重试次数
func (b *MemoryEventBus) processBatch(ctx context.Context, handler MessageHandler, batch []*Message, attempts map[int64]int) (int, error) {
	for _, msg := range batch {
		attempts[msg.Offset]++
		msg.Attempt = attempts[msg.Offset]
		if err := invokeHandler(ctx, handler, msg, b.logger); err != nil {
			return msg.Attempt, fmt.Errorf("offset %d: %w", msg.Offset, err)
		}
	}
	return 0, nil
}

func (b *MemoryEventBus) fetch(ok offsetKey, max int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, exists := b.topics[ok.topic]
	if !exists {
		return nil
	}
	log := t.partitions[ok.partition]
	from := b.committed[ok]
	if from >= int64(len(log)) {
		return nil
	}
	end := from + int64(max)
	if end > int64(len(log)) {
		end = int64(len(log))
	}

	batch := make([]*Message, 0, end-from)
	for _, m := range log[from:end] {
		cp := *m
		batch = append(batch, &cp)
	}
	return batch
}

func (b *MemoryEventBus) commit(ok offsetKey, next int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next > b.committed[ok] {
		b.committed[ok] = next
	}
}

// CommittedOffset 消费组在分区上的下一个待消费位点
func (b *MemoryEventBus) CommittedOffset(topic, groupID string, partition int32) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.committed[offsetKey{topic: topic, group: groupID, partition: partition}]
}

// Messages 主题中的全部消息（按分区、位点排序的副本）
func (b *MemoryEventBus) Messages(topic string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	var out []*Message
	for _, log := range t.partitions {
		for _, m := range log {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// SendToDLQ 发送到死信主题
func (b *MemoryEventBus) SendToDLQ(ctx context.Context, originalTopic string, msg *Message, cause error, retryCount int) error {
	key, value, headers, err := deadLetterRecord(originalTopic, msg, cause, retryCount)
	if err != nil {
		return err
	}
	dlqTopic := DeadLetterTopic(originalTopic, b.subscriber.ErrorHandling.DeadLetterTopic)
	if err := b.PublishRaw(ctx, dlqTopic, key, value, headers); err != nil {
		return fmt.Errorf("publish to dead letter topic %s: %w", dlqTopic, err)
	}
	b.logger.Warn("message sent to dead letter topic",
		append(messageFields(msg), zap.String("dlq_topic", dlqTopic), zap.Int("retry_count", retryCount))...)
	return nil
}

// HealthCheck 健康检查
func (b *MemoryEventBus) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close 停止所有消费循环并等待进行中的处理器返回
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("memory eventbus closed")
	return nil
}

var _ EventBus = (*MemoryEventBus)(nil)
