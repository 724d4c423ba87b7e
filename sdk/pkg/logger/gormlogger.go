package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowSQLThreshold = 200 * time.Millisecond

type CustomGormLogger struct {
	ZapLogger *zap.Logger
	LogLevel  gormlogger.LogLevel
}

// NewGormLogger 创建输出到 zap 的 GORM 日志器
func NewGormLogger(baseLogger *zap.Logger, gormLogLevel int) gormlogger.Interface {
	return &CustomGormLogger{
		ZapLogger: OrGlobal(baseLogger).Named("gorm"),
		LogLevel:  gormlogger.LogLevel(gormLogLevel),
	}
}

func (l *CustomGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &CustomGormLogger{
		ZapLogger: l.ZapLogger,
		LogLevel:  level,
	}
}

func (l *CustomGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		l.ZapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *CustomGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		l.ZapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *CustomGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		l.ZapLogger.Sugar().Errorf(msg, data...)
	}
}

// Trace 唯一键冲突在幂等写入中属于正常路径，降级为 debug
func (l *CustomGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql)}

	switch {
	case err != nil && (errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey)):
		l.ZapLogger.Debug("sql finished with expected error", append(fields, zap.Error(err))...)
	case err != nil && l.LogLevel >= gormlogger.Error:
		l.ZapLogger.Error("sql error", append(fields, zap.Error(err))...)
	case elapsed > slowSQLThreshold && l.LogLevel >= gormlogger.Warn:
		l.ZapLogger.Warn("slow sql", fields...)
	case l.LogLevel >= gormlogger.Info:
		l.ZapLogger.Info("sql", fields...)
	}
}
