package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/eventbus"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
)

const topic = "user.events"

type fixture struct {
	cfg     *config.EventBusConfig
	bus     *eventbus.MemoryEventBus
	store   *inbox.MemoryStore
	manager *Manager
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	cfg := &config.EventBusConfig{Type: "memory", ServiceName: "billing"}
	cfg.Memory.Partitions = 2
	cfg.Memory.PollInterval = time.Millisecond
	cfg.Subscriber.ErrorHandling.MaxRetryAttempts = maxRetries
	cfg.Subscriber.ErrorHandling.RetryBackoffBase = time.Millisecond
	cfg.Subscriber.ErrorHandling.RetryBackoffMax = 5 * time.Millisecond

	bus := eventbus.NewMemoryEventBus(cfg, nil)
	store := inbox.NewMemoryStore()
	m := NewManager(bus, inbox.NewService(store), cfg)
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		_ = bus.Close()
	})
	return &fixture{cfg: cfg, bus: bus, store: store, manager: m}
}

func (f *fixture) start(t *testing.T, router *Router, mode eventbus.CommitMode) {
	t.Helper()
	require.NoError(t, f.manager.Register(Binding{
		Topic:         topic,
		GroupID:       "billing",
		Router:        router,
		CommitMode:    mode,
		FromBeginning: true,
	}))
	require.NoError(t, f.manager.Start(context.Background()))
}

func (f *fixture) publish(t *testing.T, env *jxtevent.Envelope, key string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), topic, env, eventbus.PublishOptions{PartitionKey: key}))
}

func (f *fixture) committed(key string) int64 {
	return f.bus.CommittedOffset(topic, "billing", f.bus.PartitionFor(key))
}

func newEnvelope(t *testing.T, eventType string, payload interface{}) *jxtevent.Envelope {
	t.Helper()
	env, err := jxtevent.NewEnvelope(eventType, "user-service", payload)
	require.NoError(t, err)
	return env
}

func TestManager_RoundTripTypedPayload(t *testing.T) {
	f := newFixture(t, 3)
	got := make(chan userRegistered, 1)
	router := NewRouter().MustHandle("user.registered", Typed(func(ctx context.Context, env *jxtevent.Envelope, u userRegistered) error {
		got <- u
		return nil
	}))
	f.start(t, router, eventbus.CommitModeManual)

	want := userRegistered{UserID: "u-1", Email: "a@b.c"}
	f.publish(t, newEnvelope(t, "user.registered", want), "u-1")

	select {
	case u := <-got:
		assert.Equal(t, want, u)
	case <-time.After(2 * time.Second):
		t.Fatal("event not consumed")
	}
	assert.Eventually(t, func() bool { return f.committed("u-1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_DuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	f := newFixture(t, 3)
	var calls atomic.Int32
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		calls.Add(1)
		return nil
	}), eventbus.CommitModeManual)

	env := newEnvelope(t, "user.registered", nil)
	f.publish(t, env, "u-1")
	f.publish(t, env, "u-1")

	assert.Eventually(t, func() bool { return f.committed("u-1") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.store.Len())
}

func TestManager_ManualCommitRedeliversUntilSuccess(t *testing.T) {
	f := newFixture(t, 5)
	var calls, effects atomic.Int32
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		effects.Add(1)
		return nil
	}), eventbus.CommitModeManual)

	f.publish(t, newEnvelope(t, "user.registered", nil), "u-1")

	assert.Eventually(t, func() bool { return f.committed("u-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), effects.Load())
	assert.Equal(t, 1, f.store.Len())
	assert.Empty(t, f.bus.Messages(topic+eventbus.DeadLetterSuffix))
}

func TestManager_AutoCommitDoesNotRedeliver(t *testing.T) {
	f := newFixture(t, 5)
	var calls atomic.Int32
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		calls.Add(1)
		return errors.New("boom")
	}), eventbus.CommitModeAuto)

	f.publish(t, newEnvelope(t, "user.registered", nil), "u-1")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.committed("u-1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.store.Len())
}

func TestManager_MalformedMessageGoesToDLQ(t *testing.T) {
	f := newFixture(t, 3)
	processed := make(chan string, 1)
	f.start(t, NewRouter().MustHandle("user.registered", func(ctx context.Context, env *jxtevent.Envelope) error {
		processed <- env.EventID
		return nil
	}), eventbus.CommitModeManual)

	raw := []byte(`{"eventId": not-json`)
	require.NoError(t, f.bus.PublishRaw(context.Background(), topic, "u-1", raw, nil))
	valid := newEnvelope(t, "user.registered", nil)
	f.publish(t, valid, "u-1")

	select {
	case id := <-processed:
		assert.Equal(t, valid.EventID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("message after malformed one not processed")
	}
	assert.Eventually(t, func() bool { return f.committed("u-1") == 2 }, time.Second, 5*time.Millisecond)

	dlq := f.bus.Messages(topic + eventbus.DeadLetterSuffix)
	require.Len(t, dlq, 1)
	dl, err := jxtevent.ParseDeadLetter(dlq[0].Value)
	require.NoError(t, err)
	assert.Equal(t, topic, dl.OriginalTopic)
	assert.NotEmpty(t, dl.ErrorMessage)
	assert.Equal(t, raw, dl.OriginalMessage)
	assert.Equal(t, topic, dlq[0].Header(eventbus.HeaderOriginalTopic))
}

func TestManager_RetryBudgetExhaustedGoesToDLQ(t *testing.T) {
	f := newFixture(t, 3)
	var calls atomic.Int32
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		calls.Add(1)
		return errors.New("always fails")
	}), eventbus.CommitModeManual)

	env := newEnvelope(t, "user.registered", map[string]string{"userId": "u-1"})
	f.publish(t, env, "u-1")

	assert.Eventually(t, func() bool { return f.committed("u-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, f.store.Len())

	dlq := f.bus.Messages(topic + eventbus.DeadLetterSuffix)
	require.Len(t, dlq, 1)
	dl, err := jxtevent.ParseDeadLetter(dlq[0].Value)
	require.NoError(t, err)
	assert.Equal(t, 3, dl.RetryCount)
	assert.Contains(t, dl.ErrorMessage, "always fails")
	assert.Equal(t, env.EventID, dlq[0].Header(eventbus.HeaderEventID))
	assert.Equal(t, 3, dlq[0].HeaderInt(eventbus.HeaderRetryCount))
}

func TestManager_SlowRecoveryDoesNotExhaustLaterMessage(t *testing.T) {
	f := newFixture(t, 3)
	var aCalls, bCalls atomic.Int32
	router := NewRouter().
		MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
			if aCalls.Add(1) <= 2 {
				return errors.New("a not ready")
			}
			return nil
		}).
		MustHandle("user.verified", func(context.Context, *jxtevent.Envelope) error {
			if bCalls.Add(1) == 1 {
				return errors.New("b not ready")
			}
			return nil
		})

	// 启动前发布，两条消息落在同一批次
	f.publish(t, newEnvelope(t, "user.registered", nil), "u-1")
	f.publish(t, newEnvelope(t, "user.verified", nil), "u-1")
	f.start(t, router, eventbus.CommitModeManual)

	assert.Eventually(t, func() bool { return f.committed("u-1") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), aCalls.Load())
	assert.Equal(t, int32(2), bCalls.Load())
	assert.Equal(t, 2, f.store.Len())
	assert.Empty(t, f.bus.Messages(topic+eventbus.DeadLetterSuffix))
}

func TestManager_UnknownEventTypeIsCommitted(t *testing.T) {
	f := newFixture(t, 3)
	var calls atomic.Int32
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		calls.Add(1)
		return nil
	}), eventbus.CommitModeManual)

	f.publish(t, newEnvelope(t, "user.deleted", nil), "u-1")

	assert.Eventually(t, func() bool { return f.committed("u-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.bus.Messages(topic+eventbus.DeadLetterSuffix))
}

func TestManager_Register(t *testing.T) {
	f := newFixture(t, 3)
	router := NewRouter()

	require.NoError(t, f.manager.Register(Binding{Topic: topic, GroupID: "billing", Router: router}))
	err := f.manager.Register(Binding{Topic: topic, GroupID: "billing", Router: router})
	assert.ErrorIs(t, err, ErrDuplicateBinding)

	// 同一主题不同消费组可以共存
	require.NoError(t, f.manager.Register(Binding{Topic: topic, GroupID: "audit", Router: router}))

	assert.Error(t, f.manager.Register(Binding{Topic: topic, Router: router}))
	assert.Error(t, f.manager.Register(Binding{Topic: topic, GroupID: "x"}))
	assert.Error(t, f.manager.Register(Binding{Topic: topic, GroupID: "y", Router: router, CommitMode: "sometimes"}))

	bindings := f.manager.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, eventbus.CommitModeManual, bindings[0].CommitMode)

	require.NoError(t, f.manager.Start(context.Background()))
	assert.ErrorIs(t, f.manager.Register(Binding{Topic: "other", GroupID: "billing", Router: router}), ErrAlreadyStarted)
	assert.ErrorIs(t, f.manager.Start(context.Background()), ErrAlreadyStarted)
}

func TestManager_StopWaitsForInFlightHandler(t *testing.T) {
	f := newFixture(t, 3)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}), eventbus.CommitModeManual)

	f.publish(t, newEnvelope(t, "user.registered", nil), "u-1")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	var wg sync.WaitGroup
	stopped := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopped <- f.manager.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())
	assert.ErrorIs(t, f.manager.HealthCheck(context.Background()), eventbus.ErrClosed)
}

func TestManager_StopTimeout(t *testing.T) {
	f := newFixture(t, 3)
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	f.start(t, NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		close(entered)
		<-release
		return nil
	}), eventbus.CommitModeManual)

	f.publish(t, newEnvelope(t, "user.registered", nil), "u-1")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.manager.Stop(ctx), context.DeadlineExceeded)
}

// failingDLQBus 死信发布失败
type failingDLQBus struct {
	eventbus.EventBus
}

func (failingDLQBus) SendToDLQ(context.Context, string, *eventbus.Message, error, int) error {
	return errors.New("dlq unavailable")
}

func TestManager_DeadLetterFailureIsReturned(t *testing.T) {
	f := newFixture(t, 1)
	m := NewManager(failingDLQBus{EventBus: f.bus}, inbox.NewService(f.store), f.cfg)
	router := NewRouter().MustHandle("user.registered", func(context.Context, *jxtevent.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, m.Register(Binding{Topic: topic, GroupID: "billing", Router: router}))

	reg := m.bindings[bindingKey{topic: topic, group: "billing"}]
	msg := newMessage(t, "user.registered", nil, 1)
	err := m.dispatch(reg)(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq unavailable")

	// 预算内的失败返回处理器错误，阻止提交
	m2 := NewManager(f.bus, inbox.NewService(f.store), &config.EventBusConfig{ServiceName: "billing"})
	require.NoError(t, m2.Register(Binding{Topic: topic, GroupID: "billing", Router: router}))
	err = m2.dispatch(m2.bindings[bindingKey{topic: topic, group: "billing"}])(context.Background(), msg)
	assert.True(t, jxtevent.IsHandlerError(err))
}

func TestManager_Publish(t *testing.T) {
	f := newFixture(t, 3)
	env := newEnvelope(t, "user.registered", nil)
	require.NoError(t, f.manager.Publish(context.Background(), topic, env, eventbus.PublishOptions{PartitionKey: "u-1"}))
	msgs := f.bus.Messages(topic)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.EventID, msgs[0].Header(eventbus.HeaderEventID))
	assert.NoError(t, f.manager.HealthCheck(context.Background()))
}
