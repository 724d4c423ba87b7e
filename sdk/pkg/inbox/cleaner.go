package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

// Cleaner 按 cron 定时删除超过保留期的已处理记录
type Cleaner struct {
	store     Store
	spec      string
	retention time.Duration
	batch     int
	logger    *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCleaner 根据 inbox 配置创建清理器
func NewCleaner(store Store, cfg *config.Inbox, log *zap.Logger) *Cleaner {
	c := *cfg
	c.SetDefaults()
	return &Cleaner{
		store:     store,
		spec:      c.CleanupSpec,
		retention: c.Retention,
		batch:     c.CleanupBatch,
		logger:    logger.OrGlobal(log).Named("inbox-cleaner"),
	}
}

// Start 注册 cron 任务；spec 为空时什么也不做
func (c *Cleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spec == "" {
		c.logger.Info("inbox cleanup disabled")
		return nil
	}
	if c.cron != nil {
		return fmt.Errorf("inbox cleaner is already running")
	}

	cr := cron.New()
	if _, err := cr.AddFunc(c.spec, func() {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("inbox cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule inbox cleanup: %w", err)
	}
	cr.Start()
	c.cron = cr

	c.logger.Info("inbox cleaner started",
		zap.String("spec", c.spec),
		zap.Duration("retention", c.retention))
	return nil
}

// Stop 停止 cron 并等待进行中的清理结束
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
}

// RunOnce 删除 retention 之前的记录，按批循环直到删完
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	before := time.Now().Add(-c.retention)

	var total int64
	for {
		deleted, err := c.store.DeleteBefore(ctx, before, c.batch)
		if err != nil {
			return total, fmt.Errorf("delete processed events: %w", err)
		}
		total += deleted
		if deleted < int64(c.batch) || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		c.logger.Info("inbox cleanup finished", zap.Int64("deleted", total), zap.Time("before", before))
	}
	return total, nil
}
