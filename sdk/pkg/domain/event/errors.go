package event

import (
	"errors"
	"fmt"
)

// ErrDuplicateKey 存储层唯一约束拒绝写入。
// 幂等记录 (eventId, serviceName) 重复时返回，调用方视为成功。
var ErrDuplicateKey = errors.New("duplicate key")

// ParseError 消息无法解析为合法信封，应路由到死信队列
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse envelope: " + e.Reason
	}
	return fmt.Sprintf("parse envelope: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError 存储不可用或写入失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// HandlerError 业务处理器返回的错误
type HandlerError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsParseError 判断错误链中是否包含 ParseError
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsPersistenceError 判断错误链中是否包含 PersistenceError
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsHandlerError 判断错误链中是否包含 HandlerError
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
