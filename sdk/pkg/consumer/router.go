package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

// ErrDuplicateHandler 同一 eventType 注册了两个处理器
var ErrDuplicateHandler = errors.New("consumer: duplicate event handler")

// Handler 业务处理器。必须幂等：标记已处理失败时同一事件可能再次到达
type Handler func(ctx context.Context, env *jxtevent.Envelope) error

// Typed 先把负载解码为 T 再调用业务函数，解码失败返回 *event.ParseError
//
//	router.Handle("user.registered", consumer.Typed(func(ctx context.Context, env *event.Envelope, u UserRegistered) error {
//	    return mailer.SendWelcome(ctx, u.Email)
//	}))
func Typed[T any](fn func(ctx context.Context, env *jxtevent.Envelope, payload T) error) Handler {
	return func(ctx context.Context, env *jxtevent.Envelope) error {
		payload, err := jxtevent.UnmarshalPayload[T](env)
		if err != nil {
			return &jxtevent.ParseError{Reason: fmt.Sprintf("payload of %s", env.EventType), Err: err}
		}
		return fn(ctx, env, payload)
	}
}

// Router 按 eventType 分发，未注册的类型由调用方走 unknown 分支
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter 创建路由
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle 注册处理器
func (r *Router) Handle(eventType string, h Handler) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// MustHandle 注册失败时 panic，用于启动阶段的静态注册
func (r *Router) MustHandle(eventType string, h Handler) *Router {
	if err := r.Handle(eventType, h); err != nil {
		panic(err)
	}
	return r
}

// Lookup 查找处理器
func (r *Router) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes 已注册的事件类型（排序）
func (r *Router) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
