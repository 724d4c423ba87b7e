package eventbus

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// RateLimiter 发布端流量控制器，未启用时所有调用直接放行
type RateLimiter struct {
	limiter   *rate.Limiter
	burstSize int
	rateLimit rate.Limit
	enabled   bool
	logger    *zap.Logger
}

// NewRateLimiter 创建流量控制器
func NewRateLimiter(cfg config.RateLimitConfig, log *zap.Logger) *RateLimiter {
	log = logger.OrGlobal(log)
	if !cfg.Enabled {
		return &RateLimiter{enabled: false, logger: log}
	}

	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	rateLimit := rate.Limit(cfg.RatePerSecond)
	return &RateLimiter{
		limiter:   rate.NewLimiter(rateLimit, burst),
		burstSize: burst,
		rateLimit: rateLimit,
		enabled:   true,
		logger:    log,
	}
}

// Wait 等待令牌，实现背压
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || !rl.enabled {
		return nil
	}

	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}

	if waitTime := time.Since(start); waitTime > 100*time.Millisecond {
		rl.logger.Warn("rate limiter caused significant delay",
			zap.Duration("wait_time", waitTime),
			zap.Float64("rate_limit", float64(rl.rateLimit)),
			zap.Int("burst_size", rl.burstSize))
	}
	return nil
}

// Allow 非阻塞检查是否可以立即发送
func (rl *RateLimiter) Allow() bool {
	if rl == nil || !rl.enabled {
		return true
	}
	return rl.limiter.Allow()
}

// SetLimit 动态调整速率
func (rl *RateLimiter) SetLimit(ratePerSecond float64) {
	if rl == nil || !rl.enabled {
		return
	}
	rl.rateLimit = rate.Limit(ratePerSecond)
	rl.limiter.SetLimit(rl.rateLimit)
	rl.logger.Info("rate limit updated",
		zap.Float64("rate_limit", ratePerSecond),
		zap.Int("burst_size", rl.burstSize))
}

// Enabled 是否启用
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.enabled
}
