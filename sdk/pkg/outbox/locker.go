package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotObtained 锁被其他中继实例持有
var ErrLockNotObtained = errors.New("outbox: lock not obtained")

// ErrLockLost 轮询中续期失败，本轮已中止
var ErrLockLost = errors.New("outbox: relay lock lost")

// Locker 分布式锁，多实例部署时保证同一时刻只有一个中继在轮询
type Locker interface {
	// TryLock 非阻塞获取锁，锁被占用时返回 ErrLockNotObtained
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock 已持有的锁
type Lock interface {
	// Refresh 把锁的过期时间延长为 ttl，锁已丢失时返回 ErrLockNotObtained
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}
