package inbox

import (
	"context"
	"errors"

	"go.uber.org/zap"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// Status ProcessSafely 的处理结果
type Status int

const (
	// StatusProcessed 处理器已执行且成功
	StatusProcessed Status = iota
	// StatusSkipped 事件已处理过，处理器未执行
	StatusSkipped
	// StatusFailed 处理器返回错误，未记录已处理
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HandlerFunc 业务处理函数，接收原始负载
type HandlerFunc func(ctx context.Context, payload []byte) error

// Service 幂等消费服务，业务处理器只能经由 ProcessSafely 调用
type Service struct {
	store  Store
	logger *zap.Logger
}

// Option 服务选项
type Option func(*Service)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService 创建幂等消费服务
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).Named("inbox")
	return s
}

// IsProcessed 查询事件是否已被该服务处理。
// 存储不可用时记录日志并返回 false，宁可重复处理也不丢事件。
func (s *Service) IsProcessed(ctx context.Context, eventID, serviceName string) bool {
	exists, err := s.store.Exists(ctx, eventID, serviceName)
	if err != nil {
		s.logger.Warn("processed check failed, treating event as unprocessed",
			append(logger.EventFields(eventID, ""), zap.String("service", serviceName), zap.Error(err))...)
		return false
	}
	return exists
}

// MarkProcessed 记录事件已处理，唯一约束冲突视为成功
func (s *Service) MarkProcessed(ctx context.Context, eventID, eventType, serviceName string, payload []byte) error {
	err := s.store.Insert(ctx, NewProcessedEvent(eventID, eventType, serviceName, payload))
	if err == nil {
		return nil
	}
	if errors.Is(err, jxtevent.ErrDuplicateKey) {
		s.logger.Debug("event already marked processed by a concurrent consumer",
			append(logger.EventFields(eventID, eventType), zap.String("service", serviceName))...)
		return nil
	}
	if jxtevent.IsPersistenceError(err) {
		return err
	}
	return &jxtevent.PersistenceError{Op: "mark processed", Err: err}
}

// ProcessSafely 跳过已处理的事件；否则执行处理器，成功后记录已处理。
//
// 处理器失败时返回 *event.HandlerError 且不记录；
// 处理器成功但记录失败时只记录日志，事件可能被再次处理，处理器须自身幂等。
func (s *Service) ProcessSafely(ctx context.Context, eventID, eventType, serviceName string, payload []byte, handler HandlerFunc) (Status, error) {
	fields := append(logger.EventFields(eventID, eventType), zap.String("service", serviceName))

	if s.IsProcessed(ctx, eventID, serviceName) {
		s.logger.Debug("event already processed, skipping", fields...)
		return StatusSkipped, nil
	}

	if err := handler(ctx, payload); err != nil {
		return StatusFailed, &jxtevent.HandlerError{EventID: eventID, EventType: eventType, Err: err}
	}

	if err := s.MarkProcessed(ctx, eventID, eventType, serviceName, payload); err != nil {
		s.logger.Error("event handled but not marked processed, it may be processed again",
			append(fields, zap.Error(err))...)
	}
	return StatusProcessed, nil
}
