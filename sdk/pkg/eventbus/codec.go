package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

// encodeEnvelope 信封序列化为消息体与消息头
func encodeEnvelope(env *jxtevent.Envelope, opts PublishOptions) ([]byte, map[string]string, error) {
	if env == nil {
		return nil, nil, fmt.Errorf("envelope is nil")
	}
	if err := env.Validate(); err != nil {
		return nil, nil, err
	}
	value, err := env.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}

	headers := make(map[string]string, len(opts.Headers)+3)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers[HeaderEventID] = env.EventID
	headers[HeaderEventType] = env.EventType
	if opts.PartitionKey != "" {
		headers[HeaderPartitionKey] = opts.PartitionKey
	}
	return value, headers, nil
}

// deadLetterRecord 构建死信消息，保留原分区键以维持排查时的顺序
func deadLetterRecord(originalTopic string, msg *Message, cause error, retryCount int) (string, []byte, map[string]string, error) {
	dl := jxtevent.NewDeadLetter(originalTopic, msg.Value, cause, retryCount)
	value, err := dl.Marshal()
	if err != nil {
		return "", nil, nil, fmt.Errorf("marshal dead letter: %w", err)
	}

	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = originalTopic
	headers[HeaderRetryCount] = strconv.Itoa(retryCount)
	if cause != nil {
		headers[HeaderErrorMessage] = cause.Error()
	}
	if dl.EventID != "" {
		headers[HeaderEventID] = dl.EventID
	}
	return string(msg.Key), value, headers, nil
}

// invokeHandler 调用处理器，panic 转为错误，避免拖垮消费循环
func invokeHandler(ctx context.Context, handler MessageHandler, msg *Message, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("message handler panicked",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func messageFields(msg *Message) []zap.Field {
	return []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempt", msg.Attempt),
		zap.String("event_id", msg.Header(HeaderEventID)),
		zap.String("event_type", msg.Header(HeaderEventType)),
	}
}

// sleepCtx 等待 d，ctx 或 stop 先结束时返回 false
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
