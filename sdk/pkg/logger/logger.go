package logger

import (
	"go.uber.org/zap"
)

var Logger = zap.NewNop() //全局ZapLogger打印，Setup 之前为空实现

// ReplaceGlobals 替换全局 logger，测试中可注入 zaptest/observer 的 logger
func ReplaceGlobals(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Logger = l
}

// OrGlobal 组件未注入 logger 时回退到全局 logger
func OrGlobal(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Logger
}

// EventFields 事件相关日志的公共字段
func EventFields(eventID, eventType string) []zap.Field {
	return []zap.Field{
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
	}
}
