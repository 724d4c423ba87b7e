package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/eventbus"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// DefaultMaxRetries 处理器失败后最多投递次数，超过后进入死信
const DefaultMaxRetries = 5

// Processor 安全事件处理器：解析 -> 去重 -> 分发 -> 记录已处理。
// 不提交位点，只给出 Outcome，由 Manager 映射到消息总线。
type Processor struct {
	serviceName string
	inbox       *inbox.Service
	router      *Router
	maxRetries  int
	metrics     Metrics
	logger      *zap.Logger
}

// NewProcessor 创建处理器，maxRetries <= 0 时使用 DefaultMaxRetries
func NewProcessor(serviceName string, inboxSvc *inbox.Service, router *Router, maxRetries int, metrics Metrics, log *zap.Logger) *Processor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &Processor{
		serviceName: serviceName,
		inbox:       inboxSvc,
		router:      router,
		maxRetries:  maxRetries,
		metrics:     metrics,
		logger:      logger.OrGlobal(log).Named("consumer"),
	}
}

// Process 处理一条消息
func (p *Processor) Process(ctx context.Context, msg *eventbus.Message) Result {
	env, err := jxtevent.ParseEnvelope(msg.Value)
	if err != nil {
		p.logger.Error("malformed message, sending to dead letter topic",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("header_event_id", msg.Header(eventbus.HeaderEventID)),
			zap.Error(err))
		return p.done(msg, Result{
			Outcome:   OutcomeDeadLetter,
			Err:       err,
			EventID:   msg.Header(eventbus.HeaderEventID),
			EventType: msg.Header(eventbus.HeaderEventType),
			Kind:      ResultMalformed,
		})
	}

	fields := append(logger.EventFields(env.EventID, env.EventType),
		zap.String("topic", msg.Topic),
		zap.Int("attempt", msg.Attempt))

	handler, ok := p.router.Lookup(env.EventType)
	if !ok {
		p.logger.Warn("no handler for event type, committing", fields...)
		return p.done(msg, Result{Outcome: OutcomeCommit, EventID: env.EventID, EventType: env.EventType, Kind: ResultUnknownType})
	}

	start := time.Now()
	status, err := p.inbox.ProcessSafely(ctx, env.EventID, env.EventType, p.serviceName, env.Payload,
		func(ctx context.Context, _ []byte) error {
			return handler(ctx, env)
		})
	if status != inbox.StatusSkipped {
		p.metrics.RecordHandlerDuration(msg.Topic, env.EventType, time.Since(start))
	}

	res := Result{EventID: env.EventID, EventType: env.EventType, Status: status}
	switch {
	case status == inbox.StatusSkipped:
		res.Outcome, res.Kind = OutcomeCommit, ResultSkipped
	case err == nil:
		res.Outcome, res.Kind = OutcomeCommit, ResultProcessed
	case jxtevent.IsParseError(err):
		// 负载与处理器类型不匹配，重试无意义
		p.logger.Error("payload rejected by handler, sending to dead letter topic", append(fields, zap.Error(err))...)
		res.Outcome, res.Err, res.Kind = OutcomeDeadLetter, err, ResultMalformed
	case attemptOf(msg) >= p.maxRetries:
		p.logger.Error("retry budget exhausted, sending to dead letter topic",
			append(fields, zap.Int("max_retries", p.maxRetries), zap.Error(err))...)
		res.Outcome, res.Err, res.Kind = OutcomeDeadLetter, err, ResultDeadLettered
	default:
		p.logger.Warn("handler failed", append(fields, zap.Error(err))...)
		res.Outcome, res.Err, res.Kind = OutcomeRedeliver, err, ResultFailed
	}
	return p.done(msg, res)
}

func (p *Processor) done(msg *eventbus.Message, res Result) Result {
	p.metrics.RecordResult(msg.Topic, res.EventType, res.Kind)
	return res
}

func attemptOf(msg *eventbus.Message) int {
	if msg.Attempt < 1 {
		return 1
	}
	return msg.Attempt
}
