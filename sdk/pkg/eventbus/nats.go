package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// NATSEventBus 基于 JetStream 的事件总线。
//
// 每个主题一个 stream，消费组对应一个 durable pull consumer。
// 发布时以 eventId 作为 Nats-Msg-Id，JetStream 在去重窗口内丢弃重复发布。
// 注意：Nak 重投的消息可能越过同主题的后续消息，严格顺序只由 Kafka 保证。
type NATSEventBus struct {
	config *config.EventBusConfig
	conn   *nats.Conn
	js     nats.JetStreamContext

	limiter *RateLimiter
	logger  *zap.Logger

	streams sync.Map // stream name -> struct{}

	mu      sync.Mutex
	subs    map[subKey]*nats.Subscription
	cancels []context.CancelFunc
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewNATSEventBus 连接 NATS 并初始化 JetStream 上下文
func NewNATSEventBus(cfg *config.EventBusConfig, log *zap.Logger) (*NATSEventBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nats config is required")
	}
	l := logger.OrGlobal(log).Named("eventbus.nats")

	url := nats.DefaultURL
	if len(cfg.NATS.URLs) > 0 {
		url = strings.Join(cfg.NATS.URLs, ",")
	}

	conn, err := nats.Connect(url, buildNATSOptions(&cfg.NATS, l)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	var jsOpts []nats.JSOpt
	if cfg.NATS.JetStream.Domain != "" {
		jsOpts = append(jsOpts, nats.Domain(cfg.NATS.JetStream.Domain))
	}
	js, err := conn.JetStream(jsOpts...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	l.Info("nats eventbus connected", zap.String("url", conn.ConnectedUrl()))
	return &NATSEventBus{
		config:  cfg,
		conn:    conn,
		js:      js,
		limiter: NewRateLimiter(cfg.Publisher.RateLimit, l),
		logger:  l,
		subs:    make(map[subKey]*nats.Subscription),
		stopCh:  make(chan struct{}),
	}, nil
}

// buildNATSOptions 构建连接选项
func buildNATSOptions(cfg *config.NATSConfig, l *zap.Logger) []nats.Option {
	var opts []nats.Option
	if cfg.ClientID != "" {
		opts = append(opts, nats.Name(cfg.ClientID))
	}
	if cfg.MaxReconnects > 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectionTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectionTimeout))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			l.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	return opts
}

// streamName 主题对应的 stream 名，stream 名不允许 . * >
func streamName(topic string) string {
	return "EVT_" + sanitizeName(topic)
}

func sanitizeName(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func parseStorageType(storage string) nats.StorageType {
	if storage == "memory" {
		return nats.MemoryStorage
	}
	return nats.FileStorage
}

// ensureStream 幂等地确保主题的 stream 存在
func (n *NATSEventBus) ensureStream(topic string) (string, error) {
	name := streamName(topic)
	if _, ok := n.streams.Load(name); ok {
		return name, nil
	}

	_, err := n.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		js := n.config.NATS.JetStream
		streamConfig := &nats.StreamConfig{
			Name:     name,
			Subjects: []string{topic},
			Storage:  parseStorageType(js.Storage),
			Replicas: js.Replicas,
			MaxAge:   js.MaxAge,
		}
		if _, err = n.js.AddStream(streamConfig); err != nil {
			return "", fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		n.logger.Info("created jetstream stream", zap.String("stream", name), zap.String("subject", topic))
	} else if err != nil {
		return "", fmt.Errorf("failed to get stream info %s: %w", name, err)
	}

	n.streams.Store(name, struct{}{})
	return name, nil
}

// Publish 发布信封
func (n *NATSEventBus) Publish(ctx context.Context, topic string, envelope *jxtevent.Envelope, opts PublishOptions) error {
	value, headers, err := encodeEnvelope(envelope, opts)
	if err != nil {
		return err
	}
	return n.PublishRaw(ctx, topic, opts.PartitionKey, value, headers)
}

// PublishRaw 同步发布并等待 JetStream 确认
func (n *NATSEventBus) PublishRaw(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if _, err := n.ensureStream(topic); err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = value
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if key != "" {
		msg.Header.Set(HeaderPartitionKey, key)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := n.config.NATS.JetStream.PublishTimeout
		if timeout <= 0 {
			timeout = n.config.Publisher.PublishTimeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if id := headers[HeaderEventID]; id != "" && headers[HeaderOriginalTopic] == "" {
		pubOpts = append(pubOpts, nats.MsgId(id))
	}

	ack, err := n.js.PublishMsg(msg, pubOpts...)
	if err != nil {
		return fmt.Errorf("failed to publish to nats subject %s: %w", topic, err)
	}
	if ack.Duplicate {
		n.logger.Debug("duplicate publish dropped by jetstream",
			zap.String("subject", topic), zap.String("event_id", headers[HeaderEventID]))
	}
	return nil
}

// Subscribe 以 durable pull consumer 订阅，groupID 即 durable 名
func (n *NATSEventBus) Subscribe(ctx context.Context, topic, groupID string, handler MessageHandler, opts SubscribeOptions) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if n.closed.Load() {
		return ErrClosed
	}
	opts = opts.withDefaults(n.config.Subscriber)

	key := subKey{topic: topic, group: groupID}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.subs[key]; exists {
		return fmt.Errorf("%w: topic=%s group=%s", ErrAlreadySubscribed, topic, groupID)
	}

	stream, err := n.ensureStream(topic)
	if err != nil {
		return err
	}
	durable := sanitizeName(groupID)
	if err := n.ensureConsumer(stream, durable, opts); err != nil {
		return err
	}

	// Bind 到已创建的 consumer，Unsubscribe 时不会删除 durable
	sub, err := n.js.PullSubscribe(topic, durable, nats.Bind(stream, durable))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription for %s: %w", topic, err)
	}
	n.subs[key] = sub

	subCtx, cancel := context.WithCancel(ctx)
	n.cancels = append(n.cancels, cancel)

	n.wg.Add(1)
	go n.fetchLoop(subCtx, sub, handler, opts,
		n.logger.With(zap.String("subject", topic), zap.String("durable", durable)))

	n.logger.Info("subscribed to subject",
		zap.String("subject", topic),
		zap.String("durable", durable),
		zap.String("commit_mode", string(opts.CommitMode)))
	return nil
}

func (n *NATSEventBus) ensureConsumer(stream, durable string, opts SubscribeOptions) error {
	_, err := n.js.ConsumerInfo(stream, durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info %s: %w", durable, err)
	}

	deliver := nats.DeliverNewPolicy
	if opts.FromBeginning {
		deliver = nats.DeliverAllPolicy
	}
	consumerConfig := &nats.ConsumerConfig{
		Durable:       durable,
		DeliverPolicy: deliver,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       n.config.NATS.JetStream.AckWait,
		MaxAckPending: opts.BatchSize,
	}
	if _, err := n.js.AddConsumer(stream, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}
	return nil
}

func (n *NATSEventBus) fetchLoop(ctx context.Context, sub *nats.Subscription, handler MessageHandler, opts SubscribeOptions, l *zap.Logger) {
	defer n.wg.Done()

	fetchWait := n.config.NATS.JetStream.FetchWait
	if fetchWait <= 0 {
		fetchWait = 500 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		default:
		}

		msgs, err := sub.Fetch(opts.BatchSize, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				l.Debug("subscription closed, stopping fetch", zap.Error(err))
				return
			}
			l.Error("failed to fetch messages", zap.Error(err))
			if !sleepCtx(ctx, n.stopCh, time.Second) {
				return
			}
			continue
		}

		if opts.CommitMode == CommitModeAuto {
			n.handleAuto(ctx, msgs, handler, l)
		} else {
			n.handleManual(ctx, msgs, handler, opts, l)
		}
	}
}

// handleAuto 先 Ack 再处理
func (n *NATSEventBus) handleAuto(ctx context.Context, msgs []*nats.Msg, handler MessageHandler, l *zap.Logger) {
	for _, m := range msgs {
		if err := m.Ack(); err != nil {
			l.Warn("failed to ack message", zap.Error(err))
		}
		msg := fromNATSMsg(m)
		if err := invokeHandler(ctx, handler, msg, l); err != nil {
			l.Warn("handler failed under auto commit, message will not be redelivered",
				append(messageFields(msg), zap.Error(err))...)
		}
	}
}

// handleManual 整批成功后逐条 Ack，任一失败则整批 Nak 延迟重投
func (n *NATSEventBus) handleManual(ctx context.Context, msgs []*nats.Msg, handler MessageHandler, opts SubscribeOptions, l *zap.Logger) {
	var failed error
	attempt := 1
	for _, m := range msgs {
		msg := fromNATSMsg(m)
		if msg.Attempt > attempt {
			attempt = msg.Attempt
		}
		if err := invokeHandler(ctx, handler, msg, l); err != nil {
			failed = fmt.Errorf("stream seq %d: %w", msg.Offset, err)
			break
		}
	}

	if failed == nil {
		for _, m := range msgs {
			if err := m.Ack(); err != nil {
				l.Warn("failed to ack message", zap.Error(err))
			}
		}
		return
	}

	delay := opts.RetryBackoff.Duration(attempt)
	l.Warn("batch not acknowledged, redelivering",
		zap.Int("batch_size", len(msgs)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(failed))
	for _, m := range msgs {
		if err := m.NakWithDelay(delay); err != nil {
			l.Warn("failed to nak message", zap.Error(err))
		}
	}
}

func fromNATSMsg(m *nats.Msg) *Message {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[strings.ToLower(k)] = m.Header.Get(k)
	}

	msg := &Message{
		Topic:   m.Subject,
		Value:   m.Data,
		Headers: headers,
		Attempt: 1,
	}
	if key := headers[HeaderPartitionKey]; key != "" {
		msg.Key = []byte(key)
	}
	if meta, err := m.Metadata(); err == nil {
		msg.Offset = int64(meta.Sequence.Stream)
		msg.Timestamp = meta.Timestamp
		msg.Attempt = int(meta.NumDelivered)
	}
	return msg
}

// SendToDLQ 发送到死信主题
func (n *NATSEventBus) SendToDLQ(ctx context.Context, originalTopic string, msg *Message, cause error, retryCount int) error {
	key, value, headers, err := deadLetterRecord(originalTopic, msg, cause, retryCount)
	if err != nil {
		return err
	}
	dlqTopic := DeadLetterTopic(originalTopic, n.config.Subscriber.ErrorHandling.DeadLetterTopic)
	if err := n.PublishRaw(ctx, dlqTopic, key, value, headers); err != nil {
		return err
	}
	n.logger.Warn("message sent to dead letter subject",
		append(messageFields(msg), zap.String("dlq_subject", dlqTopic), zap.Int("retry_count", retryCount))...)
	return nil
}

// HealthCheck 检查连接状态并请求 JetStream 账户信息
func (n *NATSEventBus) HealthCheck(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection status: %s", status.String())
	}
	if _, err := n.js.AccountInfo(nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream health check failed: %w", err)
	}
	return nil
}

// Close 停止拉取，等待进行中的批次结束后断开连接
func (n *NATSEventBus) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.stopCh)

	n.mu.Lock()
	for _, cancel := range n.cancels {
		cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()

	n.mu.Lock()
	for key, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("failed to unsubscribe", zap.String("subject", key.topic), zap.Error(err))
		}
	}
	n.mu.Unlock()

	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	n.logger.Info("nats eventbus closed")
	return nil
}

var _ EventBus = (*NATSEventBus)(nil)
