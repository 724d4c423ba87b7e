package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// PollInterval 轮询间隔，决定事务提交到事件发布的最大延迟
	PollInterval time.Duration

	// CleanupSpec 清理任务的 cron 表达式（支持 "@every 1h"），为空则不清理
	CleanupSpec string

	// CleanupRetention 已发布事件保留多久
	CleanupRetention time.Duration

	// CleanupBatch 单次清理删除上限
	CleanupBatch int

	// StatsSpec 刷新状态计数指标的 cron 表达式，为空则不刷新
	StatsSpec string

	// LockKey / LockTTL 配置了 Locker 时使用
	LockKey string
	LockTTL time.Duration

	// ShutdownTimeout 优雅关闭超时
	ShutdownTimeout time.Duration
}

// DefaultSchedulerConfig 默认调度器配置
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:     time.Second,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupBatch:     1000,
		StatsSpec:        "@every 30s",
		LockKey:          "eventcore:outbox-relay",
		LockTTL:          30 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate 验证配置
func (c *SchedulerConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be greater than 0")
	}
	if c.CleanupSpec != "" {
		if c.CleanupRetention <= 0 {
			return fmt.Errorf("cleanup retention must be greater than 0")
		}
		if _, err := cron.ParseStandard(c.CleanupSpec); err != nil {
			return fmt.Errorf("invalid cleanup spec %q: %w", c.CleanupSpec, err)
		}
	}
	if c.StatsSpec != "" {
		if _, err := cron.ParseStandard(c.StatsSpec); err != nil {
			return fmt.Errorf("invalid stats spec %q: %w", c.StatsSpec, err)
		}
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be greater than 0")
	}
	return nil
}

// SchedulerMetrics 调度器指标
// 使用 atomic 操作保证并发安全
type SchedulerMetrics struct {
	PollCount      atomic.Int64
	PublishedCount atomic.Int64
	FailedCount    atomic.Int64
	SkippedPolls   atomic.Int64 // 未拿到锁而跳过的轮询
	ErrorCount     atomic.Int64
	CleanedCount   atomic.Int64

	LastPollTime    atomic.Value // time.Time
	LastCleanupTime atomic.Value // time.Time
	LastError       atomic.Value // string
}

// SchedulerMetricsSnapshot 指标快照
type SchedulerMetricsSnapshot struct {
	PollCount       int64
	PublishedCount  int64
	FailedCount     int64
	SkippedPolls    int64
	ErrorCount      int64
	CleanedCount    int64
	LastPollTime    time.Time
	LastCleanupTime time.Time
	LastError       string
}

// OutboxScheduler 中继调度器：定时轮询、定时清理、可选分布式锁
type OutboxScheduler struct {
	relay   *Relay
	repo    OutboxRepository
	config  *SchedulerConfig
	locker  Locker
	metrics MetricsCollector
	logger  *zap.Logger

	cron    *cron.Cron
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	stats SchedulerMetrics
}

// NewScheduler 创建调度器
//
//	scheduler := outbox.NewScheduler(
//	    outbox.WithRepository(repo),
//	    outbox.WithEventPublisher(publisher),
//	    outbox.WithTopicMapper(topicMapper),
//	    outbox.WithSchedulerConfig(config),
//	)
func NewScheduler(options ...SchedulerOption) *OutboxScheduler {
	opts := &schedulerOptions{}
	for _, option := range options {
		option(opts)
	}

	// 验证必需的选项
	if opts.repo == nil {
		panic("repository is required")
	}
	if opts.eventPublisher == nil {
		panic("event publisher is required")
	}
	if opts.schedulerConfig == nil {
		opts.schedulerConfig = DefaultSchedulerConfig()
	}
	if opts.relayConfig == nil {
		opts.relayConfig = DefaultRelayConfig()
	}
	if opts.metrics == nil {
		opts.metrics = &NoOpMetricsCollector{}
	}

	if err := opts.schedulerConfig.Validate(); err != nil {
		panic(fmt.Sprintf("invalid scheduler config: %v", err))
	}
	if err := opts.relayConfig.Validate(); err != nil {
		panic(fmt.Sprintf("invalid relay config: %v", err))
	}

	relay := NewRelay(opts.repo, opts.eventPublisher, opts.topicMapper, opts.relayConfig, opts.metrics, opts.logger)

	s := &OutboxScheduler{
		relay:   relay,
		repo:    opts.repo,
		config:  opts.schedulerConfig,
		locker:  opts.locker,
		metrics: opts.metrics,
		logger:  relay.logger.Named("scheduler"),
		stopCh:  make(chan struct{}),
	}
	s.stats.LastPollTime.Store(time.Time{})
	s.stats.LastCleanupTime.Store(time.Time{})
	s.stats.LastError.Store("")
	return s
}

// Relay 返回底层中继
func (s *OutboxScheduler) Relay() *Relay {
	return s.relay
}

// Start 启动调度器
func (s *OutboxScheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron = cron.New()
	if s.config.CleanupSpec != "" {
		if _, err := s.cron.AddFunc(s.config.CleanupSpec, func() { s.runCleanup(ctx) }); err != nil {
			s.running.Store(false)
			return fmt.Errorf("schedule outbox cleanup: %w", err)
		}
	}
	if s.config.StatsSpec != "" {
		if _, err := s.cron.AddFunc(s.config.StatsSpec, func() { s.refreshStatusCounts(ctx) }); err != nil {
			s.running.Store(false)
			return fmt.Errorf("schedule outbox stats: %w", err)
		}
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.logger.Info("outbox scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.String("cleanup_spec", s.config.CleanupSpec),
		zap.Bool("locking", s.locker != nil))
	return nil
}

// Stop 停止调度器（优雅关闭）
//
// 先停止新的轮询，再等待进行中的轮询与 cron 任务结束，超时返回错误。
func (s *OutboxScheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return fmt.Errorf("scheduler is not running")
	}

	close(s.stopCh)

	shutdownTimeout := s.config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.cron.Stop().Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("outbox scheduler stopped")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("graceful shutdown timeout after %v", shutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning 判断是否正在运行
func (s *OutboxScheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *OutboxScheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll 执行一次轮询；配置了 Locker 时只有拿到锁的实例才会发布。
// 未拿到锁返回 ErrLockNotObtained；持锁期间按 LockTTL/3 续期，续期失败则取消本轮并返回 ErrLockLost
func (s *OutboxScheduler) Poll(ctx context.Context) (RelayResult, error) {
	s.stats.PollCount.Add(1)
	s.stats.LastPollTime.Store(time.Now())

	if s.locker != nil {
		lock, err := s.locker.TryLock(ctx, s.config.LockKey, s.config.LockTTL)
		if err != nil {
			if !errors.Is(err, ErrLockNotObtained) {
				s.recordError("obtain relay lock", err)
			}
			s.stats.SkippedPolls.Add(1)
			return RelayResult{}, err
		}

		roundCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer func() {
			// 释放用独立上下文，ctx 已取消时也要尽快让出锁
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				s.logger.Warn("failed to release relay lock", zap.Error(err))
			}
		}()
		stopRefresh := s.keepLock(roundCtx, cancel, lock)

		result, err := s.runRound(roundCtx)
		if refreshErr := stopRefresh(); refreshErr != nil {
			return result, fmt.Errorf("%w: %v", ErrLockLost, refreshErr)
		}
		return result, err
	}

	return s.runRound(ctx)
}

func (s *OutboxScheduler) runRound(ctx context.Context) (RelayResult, error) {
	result, err := s.relay.RunOnce(ctx)
	s.stats.PublishedCount.Add(int64(result.Published))
	s.stats.FailedCount.Add(int64(result.Failed))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.recordError("relay round", err)
	}
	return result, err
}

// keepLock 后台续期直到 stop 被调用；stop 返回续期错误
func (s *OutboxScheduler) keepLock(ctx context.Context, cancel context.CancelFunc, lock Lock) (stop func() error) {
	interval := s.config.LockTTL / 3
	if interval <= 0 {
		interval = s.config.LockTTL
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	var refreshErr error
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, s.config.LockTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					refreshErr = err
					s.recordError("refresh relay lock", err)
					cancel()
					return
				}
			}
		}
	}()

	return func() error {
		close(done)
		<-exited
		return refreshErr
	}
}

func (s *OutboxScheduler) runCleanup(ctx context.Context) {
	if _, err := s.Cleanup(ctx); err != nil {
		s.recordError("cleanup", err)
	}
}

// Cleanup 删除超过保留期的已发布事件，按批循环直到删完
func (s *OutboxScheduler) Cleanup(ctx context.Context) (int64, error) {
	before := time.Now().Add(-s.config.CleanupRetention)
	batch := s.config.CleanupBatch
	if batch <= 0 {
		batch = 1000
	}

	var total int64
	for {
		deleted, err := s.repo.DeletePublishedBefore(ctx, before, batch)
		if err != nil {
			return total, fmt.Errorf("delete published outbox events: %w", err)
		}
		total += deleted
		if deleted < int64(batch) || ctx.Err() != nil {
			break
		}
	}

	s.stats.CleanedCount.Add(total)
	s.stats.LastCleanupTime.Store(time.Now())
	s.metrics.RecordCleanup(total)
	if total > 0 {
		s.logger.Info("outbox cleanup finished", zap.Int64("deleted", total), zap.Time("before", before))
	}
	return total, nil
}

func (s *OutboxScheduler) refreshStatusCounts(ctx context.Context) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.recordError("count by status", err)
		return
	}
	for _, status := range []EventStatus{EventStatusPending, EventStatusPublished, EventStatusFailed} {
		s.metrics.SetStatusCount(status, counts[status])
	}
}

func (s *OutboxScheduler) recordError(op string, err error) {
	s.stats.ErrorCount.Add(1)
	s.stats.LastError.Store(fmt.Sprintf("%s: %v", op, err))
	s.logger.Error("outbox scheduler error", zap.String("op", op), zap.Error(err))
}

// GetMetrics 获取调度器指标快照
func (s *OutboxScheduler) GetMetrics() *SchedulerMetricsSnapshot {
	snapshot := &SchedulerMetricsSnapshot{
		PollCount:      s.stats.PollCount.Load(),
		PublishedCount: s.stats.PublishedCount.Load(),
		FailedCount:    s.stats.FailedCount.Load(),
		SkippedPolls:   s.stats.SkippedPolls.Load(),
		ErrorCount:     s.stats.ErrorCount.Load(),
		CleanedCount:   s.stats.CleanedCount.Load(),
	}
	if t, ok := s.stats.LastPollTime.Load().(time.Time); ok {
		snapshot.LastPollTime = t
	}
	if t, ok := s.stats.LastCleanupTime.Load().(time.Time); ok {
		snapshot.LastCleanupTime = t
	}
	if e, ok := s.stats.LastError.Load().(string); ok {
		snapshot.LastError = e
	}
	return snapshot
}
