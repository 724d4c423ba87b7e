package event

import (
	jxtjson "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/json"
)

// DeadLetterEnvelope 死信消息：原信封字段加上失败上下文
type DeadLetterEnvelope struct {
	Envelope
	OriginalTopic string `json:"originalTopic"`
	ErrorMessage  string `json:"errorMessage"`
	RetryCount    int    `json:"retryCount"`
	// OriginalMessage 原始字节，仅在消息无法解析为信封时携带
	OriginalMessage []byte `json:"originalMessage,omitempty"`
}

// NewDeadLetter 根据原始消息构建死信信封。
// 消息无法解析时尽量提取 eventId/eventType 等字段，并保留原始字节。
func NewDeadLetter(originalTopic string, raw []byte, cause error, retryCount int) *DeadLetterEnvelope {
	dl := &DeadLetterEnvelope{
		OriginalTopic: originalTopic,
		RetryCount:    retryCount,
	}
	if cause != nil {
		dl.ErrorMessage = cause.Error()
	}

	if env, err := ParseEnvelope(raw); err == nil {
		dl.Envelope = *env
		return dl
	}

	// 尽力而为：字段类型不对时整体解码失败，忽略即可
	var partial Envelope
	_ = jxtjson.Unmarshal(raw, &partial)
	if len(partial.Payload) > 0 && !jxtjson.Valid(partial.Payload) {
		partial.Payload = nil
	}
	dl.Envelope = partial
	dl.OriginalMessage = raw
	return dl
}

// Marshal 序列化死信信封
func (d *DeadLetterEnvelope) Marshal() ([]byte, error) {
	return jxtjson.Marshal(d)
}

// ParseDeadLetter 解析死信消息（死信重放、排查工具使用）
func ParseDeadLetter(data []byte) (*DeadLetterEnvelope, error) {
	var dl DeadLetterEnvelope
	if err := jxtjson.Unmarshal(data, &dl); err != nil {
		return nil, &ParseError{Reason: "malformed dead letter", Err: err}
	}
	return &dl, nil
}
