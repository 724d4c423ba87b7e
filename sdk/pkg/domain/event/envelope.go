package event

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	jxtjson "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/json"
)

// DefaultVersion 未指定时的负载模式版本
const DefaultVersion = "1.0"

var validate = validator.New()

// Envelope 事件信封，所有跨服务消息的统一外层结构。
//
// EventID 由生产方生成，重投递时保持不变，是消费端去重的唯一依据。
// Payload 对传输层不透明，由业务处理器按 EventType 解释。
type Envelope struct {
	EventID   string             `json:"eventId" validate:"required,uuid"`
	EventType string             `json:"eventType" validate:"required,max=255"`
	Timestamp int64              `json:"timestamp" validate:"gt=0"` // 毫秒时间戳
	Version   string             `json:"version" validate:"required,max=32"`
	Source    string             `json:"source" validate:"required,max=255"`
	Payload   jxtjson.RawMessage `json:"payload"`
}

// EnvelopeOption 信封构造选项
type EnvelopeOption func(*Envelope)

// WithEventID 指定事件ID（例如从上游透传），默认生成 UUIDv7
func WithEventID(id string) EnvelopeOption {
	return func(e *Envelope) { e.EventID = id }
}

// WithVersion 指定负载模式版本
func WithVersion(version string) EnvelopeOption {
	return func(e *Envelope) { e.Version = version }
}

// WithTimestamp 指定事件发生时间
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.Timestamp = t.UnixMilli() }
}

// NewEnvelope 创建事件信封
//
// payload 可以是 []byte / RawMessage（必须是合法 JSON），也可以是任意可序列化的值。
//
// 使用示例：
//
//	env, err := event.NewEnvelope("user.registered", "user-service", UserRegistered{ID: id})
//	if err != nil {
//	    return err
//	}
func NewEnvelope(eventType, source string, payload interface{}, opts ...EnvelopeOption) (*Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		EventID:   newEventID(),
		EventType: eventType,
		Timestamp: time.Now().UnixMilli(),
		Version:   DefaultVersion,
		Source:    source,
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(env)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// NewCommand 创建命令信封。
// 命令与事件共用同一线上格式，区别在于命令只由一个消费组处理，
// commandType 一般使用祈使语义，例如 "order.cancel"。
func NewCommand(commandType, source string, payload interface{}, opts ...EnvelopeOption) (*Envelope, error) {
	env, err := NewEnvelope(commandType, source, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return env, nil
}

// Validate 校验信封字段
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if len(e.Payload) > 0 && !jxtjson.Valid(e.Payload) {
		return fmt.Errorf("invalid envelope: payload is not valid JSON")
	}
	return nil
}

// Marshal 序列化为线上格式
func (e *Envelope) Marshal() ([]byte, error) {
	return jxtjson.Marshal(e)
}

// OccurredAt 以 time.Time 形式返回事件时间
func (e *Envelope) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DecodePayload 将负载反序列化到 v
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if err := jxtjson.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload to %T: %w", v, err)
	}
	return nil
}

// UnmarshalPayload 类型安全的负载反序列化助手
//
//	payload, err := event.UnmarshalPayload[UserRegistered](env)
func UnmarshalPayload[T any](e *Envelope) (T, error) {
	var result T
	if e == nil {
		return result, fmt.Errorf("envelope is nil")
	}
	err := e.DecodePayload(&result)
	return result, err
}

// ParseEnvelope 从原始消息解析信封，任何失败都返回 *ParseError
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}

	var env Envelope
	if err := jxtjson.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "malformed json", Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &ParseError{Reason: "invalid fields", Err: err}
	}
	return &env, nil
}

func encodePayload(payload interface{}) (jxtjson.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return jxtjson.RawMessage("{}"), nil
	case jxtjson.RawMessage:
		if !jxtjson.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !jxtjson.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return jxtjson.RawMessage(p), nil
	default:
		b, err := jxtjson.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return b, nil
	}
}

// newEventID UUIDv7 保证时序性，生成失败时回退到 v4
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
