package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// KafkaEventBus 基于 sarama 的事件总线。
//
// 生产端使用同步生产者 + 哈希分区器，同一分区键落在同一分区；
// 每个订阅一个消费组，manual 模式关闭自动提交，整批成功后 MarkMessage + Commit。
type KafkaEventBus struct {
	config   *config.EventBusConfig
	client   sarama.Client
	producer sarama.SyncProducer
	limiter  *RateLimiter
	logger   *zap.Logger

	mu      sync.Mutex
	groups  map[subKey]sarama.ConsumerGroup
	cancels []context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewKafkaEventBus 创建 Kafka 事件总线
func NewKafkaEventBus(cfg *config.EventBusConfig, log *zap.Logger) (*KafkaEventBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kafka config is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	saramaConfig, err := newSaramaConfig(&cfg.Kafka)
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Kafka.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	l := logger.OrGlobal(log).Named("eventbus.kafka")
	l.Info("kafka eventbus connected",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("version", saramaConfig.Version.String()))

	return &KafkaEventBus{
		config:   cfg,
		client:   client,
		producer: producer,
		limiter:  NewRateLimiter(cfg.Publisher.RateLimit, l),
		logger:   l,
		groups:   make(map[subKey]sarama.ConsumerGroup),
	}, nil
}

// newSaramaConfig 生成 sarama 配置
func newSaramaConfig(cfg *config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if err := configureSarama(sc, cfg); err != nil {
		return nil, err
	}
	return sc, nil
}

// configureSarama 配置 Sarama
func configureSarama(sc *sarama.Config, cfg *config.KafkaConfig) error {
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	// 生产者配置
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Producer.RequiredAcks)
	if cfg.Producer.Timeout > 0 {
		sc.Producer.Timeout = cfg.Producer.Timeout
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch cfg.Producer.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return fmt.Errorf("unsupported kafka compression: %s", cfg.Producer.Compression)
	}

	// 幂等生产者要求 acks=all 且单连接单请求
	sc.Producer.Idempotent = cfg.Producer.Idempotent
	if cfg.Producer.Idempotent {
		sc.Producer.RequiredAcks = sarama.WaitForAll
		sc.Producer.Retry.Max = 5
		sc.Net.MaxOpenRequests = 1
	}

	// 消费者配置
	if cfg.Consumer.SessionTimeout > 0 {
		sc.Consumer.Group.Session.Timeout = cfg.Consumer.SessionTimeout
	}
	if cfg.Consumer.HeartbeatInterval > 0 {
		sc.Consumer.Group.Heartbeat.Interval = cfg.Consumer.HeartbeatInterval
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	version := sarama.V2_6_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("invalid kafka version %q: %w", cfg.Version, err)
		}
		version = v
	}
	sc.Version = version

	return sc.Validate()
}

// Publish 发布信封，分区键作为 Kafka 消息键
func (k *KafkaEventBus) Publish(ctx context.Context, topic string, envelope *jxtevent.Envelope, opts PublishOptions) error {
	value, headers, err := encodeEnvelope(envelope, opts)
	if err != nil {
		return err
	}
	return k.PublishRaw(ctx, topic, opts.PartitionKey, value, headers)
}

// PublishRaw 同步发送，返回时 broker 已按 RequiredAcks 确认
func (k *KafkaEventBus) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	if k.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(value),
		Headers: toRecordHeaders(headers),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", topic, err)
	}
	k.logger.Debug("message published",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("event_id", headers[HeaderEventID]))
	return nil
}

// Subscribe 为 (topic, groupID) 创建消费组并在后台消费
func (k *KafkaEventBus) Subscribe(ctx context.Context, topic, groupID string, handler MessageHandler, opts SubscribeOptions) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if k.closed.Load() {
		return ErrClosed
	}
	opts = opts.withDefaults(k.config.Subscriber)

	key := subKey{topic: topic, group: groupID}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.groups[key]; exists {
		return fmt.Errorf("%w: topic=%s group=%s", ErrAlreadySubscribed, topic, groupID)
	}

	groupConfig, err := newSaramaConfig(&k.config.Kafka)
	if err != nil {
		return err
	}
	if opts.FromBeginning {
		groupConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	// manual 模式由处理器在整批成功后显式提交
	groupConfig.Consumer.Offsets.AutoCommit.Enable = opts.CommitMode == CommitModeAuto

	group, err := sarama.NewConsumerGroup(k.config.Kafka.Brokers, groupID, groupConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer group %s: %w", groupID, err)
	}
	k.groups[key] = group

	subCtx, cancel := context.WithCancel(ctx)
	k.cancels = append(k.cancels, cancel)

	h := &kafkaConsumerHandler{
		bus:     k,
		handler: handler,
		opts:    opts,
		logger:  k.logger.With(zap.String("topic", topic), zap.String("group_id", groupID)),
	}

	k.wg.Add(1)
	go k.consumeLoop(subCtx, group, topic, h)

	k.logger.Info("subscribed to topic",
		zap.String("topic", topic),
		zap.String("group_id", groupID),
		zap.String("commit_mode", string(opts.CommitMode)))
	return nil
}

// consumeLoop Consume 在每次再均衡后返回，需要循环调用
func (k *KafkaEventBus) consumeLoop(ctx context.Context, group sarama.ConsumerGroup, topic string, h *kafkaConsumerHandler) {
	defer k.wg.Done()
	for {
		if err := group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			h.logger.Error("consumer group error", zap.Error(err))
			if !sleepCtx(ctx, nil, time.Second) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// kafkaConsumerHandler 实现 sarama.ConsumerGroupHandler
type kafkaConsumerHandler struct {
	bus     *KafkaEventBus
	handler MessageHandler
	opts    SubscribeOptions
	logger  *zap.Logger
}

// Setup 消费者组设置
func (h *kafkaConsumerHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("partitions assigned", zap.Any("claims", session.Claims()))
	return nil
}

// Cleanup 消费者组清理
func (h *kafkaConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 每个分区一个调用，同一分区内串行处理
func (h *kafkaConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if h.opts.CommitMode == CommitModeAuto {
		return h.consumeAuto(session, claim)
	}
	return h.consumeManual(session, claim)
}

func (h *kafkaConsumerHandler) consumeAuto(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			// 先标记位点，失败的消息不会被重投
			session.MarkMessage(message, "")
			msg := fromConsumerMessage(message, 1)
			if err := invokeHandler(ctx, h.handler, msg, h.logger); err != nil {
				h.logger.Warn("handler failed under auto commit, message will not be redelivered",
					append(messageFields(msg), zap.Error(err))...)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *kafkaConsumerHandler) consumeManual(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		batch, open := h.collectBatch(ctx, claim)
		if len(batch) > 0 {
			if !h.processUntilCommitted(session, batch) {
				// 会话结束，未提交的批次由新的分区持有者重新消费
				return nil
			}
		}
		if !open || ctx.Err() != nil {
			return nil
		}
	}
}

// collectBatch 凑满 BatchSize 或等待 BatchWait 后返回
func (h *kafkaConsumerHandler) collectBatch(ctx context.Context, claim sarama.ConsumerGroupClaim) ([]*sarama.ConsumerMessage, bool) {
	var batch []*sarama.ConsumerMessage

	select {
	case message, ok := <-claim.Messages():
		if !ok {
			return nil, false
		}
		batch = append(batch, message)
	case <-ctx.Done():
		return nil, true
	}

	timer := time.NewTimer(h.opts.BatchWait)
	defer timer.Stop()
	for len(batch) < h.opts.BatchSize {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return batch, false
			}
			batch = append(batch, message)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

// processUntilCommitted 原地重试整批直到成功提交；会话结束返回 false。
// 投递次数按消息计数，失败消息之后的消息在到达处理器前不累加
func (h *kafkaConsumerHandler) processUntilCommitted(session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) bool {
	ctx := session.Context()
	attempts := make(map[int64]int, len(batch))
	for {
		attempt, err := h.processBatch(ctx, batch, attempts)
		if err == nil {
			session.MarkMessage(batch[len(batch)-1], "")
			session.Commit()
			return true
		}

		first := batch[0]
		h.logger.Warn("batch not committed, redelivering",
			zap.Int32("partition", first.Partition),
			zap.Int64("from_offset", first.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !sleepCtx(ctx, nil, h.opts.RetryBackoff.Duration(attempt)) {
			return false
		}
	}
}

// processBatch 返回失败消息的投递次数
func (h *kafkaConsumerHandler) processBatch(ctx context.Context, batch []*sarama.ConsumerMessage, attempts map[int64]int) (int, error) {
	for _, message := range batch {
		attempts[message.Offset]++
		msg := fromConsumerMessage(message, attempts[message.Offset])
		if err := invokeHandler(ctx, h.handler, msg, h.logger); err != nil {
			return msg.Attempt, fmt.Errorf("offset %d: %w", message.Offset, err)
		}
	}
	return 0, nil
}

func fromConsumerMessage(message *sarama.ConsumerMessage, attempt int) *Message {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		if header != nil {
			headers[string(header.Key)] = string(header.Value)
		}
	}
	return &Message{
		Topic:     message.Topic,
		Partition: message.Partition,
		Offset:    message.Offset,
		Key:       message.Key,
		Value:     message.Value,
		Headers:   headers,
		Timestamp: message.Timestamp,
		Attempt:   attempt,
	}
}

func toRecordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

// SendToDLQ 发送到死信主题
func (k *KafkaEventBus) SendToDLQ(ctx context.Context, originalTopic string, msg *Message, cause error, retryCount int) error {
	key, value, headers, err := deadLetterRecord(originalTopic, msg, cause, retryCount)
	if err != nil {
		return err
	}
	dlqTopic := DeadLetterTopic(originalTopic, k.config.Subscriber.ErrorHandling.DeadLetterTopic)
	if err := k.PublishRaw(ctx, dlqTopic, key, value, headers); err != nil {
		return err
	}
	k.logger.Warn("message sent to dead letter topic",
		append(messageFields(msg), zap.String("dlq_topic", dlqTopic), zap.Int("retry_count", retryCount))...)
	return nil
}

// HealthCheck 刷新元数据确认 broker 可达
func (k *KafkaEventBus) HealthCheck(ctx context.Context) error {
	if k.closed.Load() {
		return ErrClosed
	}
	if k.client.Closed() {
		return fmt.Errorf("kafka client is closed")
	}
	if err := k.client.RefreshMetadata(); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Close 停止消费组，等待进行中的批次结束，再关闭生产者
func (k *KafkaEventBus) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}

	k.mu.Lock()
	for _, cancel := range k.cancels {
		cancel()
	}
	groups := make([]sarama.ConsumerGroup, 0, len(k.groups))
	for _, g := range k.groups {
		groups = append(groups, g)
	}
	k.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	k.wg.Wait()

	if err := k.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := k.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	k.logger.Info("kafka eventbus closed")
	return errors.Join(errs...)
}

var _ EventBus = (*KafkaEventBus)(nil)
