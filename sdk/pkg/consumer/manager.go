package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/eventbus"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

var (
	// ErrDuplicateBinding 同一 (topic, groupId) 已注册
	ErrDuplicateBinding = errors.New("consumer: duplicate binding")
	// ErrAlreadyStarted 启动后不能再注册
	ErrAlreadyStarted = errors.New("consumer: manager already started")
	// ErrStopping 正在关闭，消息不提交，等待重投
	ErrStopping = errors.New("consumer: manager is stopping")
)

// Binding 一个 (topic, groupId) 的消费绑定
type Binding struct {
	Topic   string
	GroupID string
	Router  *Router

	// CommitMode 为空时取 eventBus.subscriber.commitMode
	CommitMode    eventbus.CommitMode
	FromBeginning bool
	BatchSize     int
}

type bindingKey struct {
	topic string
	group string
}

type registered struct {
	binding   Binding
	processor *Processor
}

// Manager 消费组管理器：注册绑定、启动订阅、把 Outcome 映射为提交 / 重投 / 死信
type Manager struct {
	bus         eventbus.EventBus
	inbox       *inbox.Service
	serviceName string
	subscriber  config.SubscriberConfig
	metrics     Metrics
	logger      *zap.Logger

	mu       sync.RWMutex
	bindings map[bindingKey]*registered
	order    []bindingKey
	started  bool
	stopping bool
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

// WithManagerLogger 设置日志器
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics 设置指标
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager 创建管理器，服务名和重试预算取自总线配置
func NewManager(bus eventbus.EventBus, inboxSvc *inbox.Service, cfg *config.EventBusConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:         bus,
		inbox:       inboxSvc,
		serviceName: cfg.ServiceName,
		subscriber:  cfg.Subscriber,
		metrics:     NoOpMetrics{},
		bindings:    make(map[bindingKey]*registered),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrGlobal(m.logger).Named("consumer-manager")
	return m
}

// Register 注册绑定，启动前调用
func (m *Manager) Register(b Binding) error {
	if b.Topic == "" || b.GroupID == "" {
		return fmt.Errorf("binding topic and group id are required")
	}
	if b.Router == nil {
		return fmt.Errorf("binding %s/%s has no router", b.Topic, b.GroupID)
	}
	if b.CommitMode == "" {
		b.CommitMode = eventbus.CommitMode(m.subscriber.CommitMode)
	}
	if b.CommitMode == "" {
		b.CommitMode = eventbus.CommitModeManual
	}
	if b.CommitMode != eventbus.CommitModeAuto && b.CommitMode != eventbus.CommitModeManual {
		return fmt.Errorf("unsupported commit mode: %s", b.CommitMode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	key := bindingKey{topic: b.Topic, group: b.GroupID}
	if _, exists := m.bindings[key]; exists {
		return fmt.Errorf("%w: topic=%s group=%s", ErrDuplicateBinding, b.Topic, b.GroupID)
	}

	m.bindings[key] = &registered{
		binding: b,
		processor: NewProcessor(m.serviceName, m.inbox, b.Router,
			m.subscriber.ErrorHandling.MaxRetryAttempts, m.metrics, m.logger),
	}
	m.order = append(m.order, key)
	return nil
}

// Start 为每个绑定订阅主题，任何一个失败都会取消已建立的订阅
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	regs := make([]*registered, 0, len(m.order))
	for _, key := range m.order {
		regs = append(regs, m.bindings[key])
	}
	m.mu.Unlock()

	// 订阅的生命周期跟随 runCtx，不能用 errgroup 派生的 ctx（Wait 返回即取消）
	var g errgroup.Group
	for _, reg := range regs {
		g.Go(func() error {
			b := reg.binding
			err := m.bus.Subscribe(runCtx, b.Topic, b.GroupID, m.dispatch(reg), eventbus.SubscribeOptions{
				CommitMode:    b.CommitMode,
				FromBeginning: b.FromBeginning,
				BatchSize:     b.BatchSize,
			})
			if err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", b.Topic, b.GroupID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		return err
	}

	m.logger.Info("consumer manager started",
		zap.String("service", m.serviceName),
		zap.Int("bindings", len(regs)))
	return nil
}

// Stop 取消订阅，等待进行中的处理器，然后关闭总线
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight handlers: %w", ctx.Err())
	}

	if err := m.bus.Close(); err != nil {
		return fmt.Errorf("close eventbus: %w", err)
	}
	m.logger.Info("consumer manager stopped", zap.String("service", m.serviceName))
	return nil
}

// Publish 直接发布信封（不经过发件箱，适合非事务性通知）
func (m *Manager) Publish(ctx context.Context, topic string, env *jxtevent.Envelope, opts eventbus.PublishOptions) error {
	return m.bus.Publish(ctx, topic, env, opts)
}

// HealthCheck 检查底层总线
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.bus.HealthCheck(ctx)
}

// Bindings 已注册的绑定
func (m *Manager) Bindings() []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Binding, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.bindings[key].binding)
	}
	return out
}

func (m *Manager) enter() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopping {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) dispatch(reg *registered) eventbus.MessageHandler {
	return func(ctx context.Context, msg *eventbus.Message) error {
		if !m.enter() {
			return ErrStopping
		}
		defer m.inflight.Done()

		res := reg.processor.Process(ctx, msg)
		return m.apply(ctx, reg.binding, msg, res)
	}
}

// apply Commit -> nil；Redeliver -> 错误（manual 模式阻止提交）；DeadLetter -> 发送死信后 nil
func (m *Manager) apply(ctx context.Context, b Binding, msg *eventbus.Message, res Result) error {
	fields := append(logger.EventFields(res.EventID, res.EventType),
		zap.String("topic", msg.Topic),
		zap.String("group_id", b.GroupID),
		zap.Int("attempt", msg.Attempt))

	switch res.Outcome {
	case OutcomeCommit:
		return nil

	case OutcomeRedeliver:
		if b.CommitMode == eventbus.CommitModeAuto {
			m.logger.Error("handler failed under auto commit, event will not be redelivered",
				append(fields, zap.Error(res.Err))...)
			return nil
		}
		return res.Err

	case OutcomeDeadLetter:
		dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.bus.SendToDLQ(dlqCtx, msg.Topic, msg, res.Err, attemptOf(msg)); err != nil {
			m.metrics.RecordDeadLetterFailure(msg.Topic)
			m.logger.Error("dead letter publish failed, message left for redelivery",
				append(fields, zap.Error(err))...)
			return fmt.Errorf("send to dead letter topic: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown outcome %d", res.Outcome)
	}
}
