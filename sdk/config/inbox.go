package config

import (
	"fmt"
	"time"
)

const (
	InboxBackendGorm   = "gorm"
	InboxBackendRedis  = "redis"
	InboxBackendMemory = "memory"
)

// Inbox 幂等消费记录配置
type Inbox struct {
	Backend      string        `mapstructure:"backend"`      // gorm | redis | memory
	Retention    time.Duration `mapstructure:"retention"`    // 已处理记录保留时长，redis 后端即 key 的 TTL
	CleanupSpec  string        `mapstructure:"cleanupSpec"`  // cron 表达式，为空则不清理
	CleanupBatch int           `mapstructure:"cleanupBatch"` // 单次清理删除上限
	KeyPrefix    string        `mapstructure:"keyPrefix"`    // redis key 前缀
}

func (i *Inbox) SetDefaults() {
	if i.Backend == "" {
		i.Backend = InboxBackendGorm
	}
	if i.Retention == 0 {
		i.Retention = 14 * 24 * time.Hour
	}
	if i.CleanupBatch == 0 {
		i.CleanupBatch = 1000
	}
	if i.KeyPrefix == "" {
		i.KeyPrefix = "eventcore:processed"
	}
}

func (i *Inbox) Validate() error {
	switch i.Backend {
	case InboxBackendGorm, InboxBackendRedis, InboxBackendMemory:
	default:
		return fmt.Errorf("unsupported inbox backend: %s", i.Backend)
	}
	if i.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}
