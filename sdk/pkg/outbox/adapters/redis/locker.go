package redis

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
)

// Locker 基于 redislock 的中继互斥锁，多实例部署时只有一个实例轮询发件箱
type Locker struct {
	client *redislock.Client
}

// NewLocker 创建 Redis 锁
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: redislock.New(client)}
}

// TryLock 不重试，锁被占用立即返回 outbox.ErrLockNotObtained
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (outbox.Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, outbox.ErrLockNotObtained
	}
	if err != nil {
		return nil, err
	}
	return &redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

// Refresh 续期，锁已过期或被他人持有时返回 outbox.ErrLockNotObtained
func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return outbox.ErrLockNotObtained
	}
	return err
}

// Release 锁已过期时视为成功
func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

var _ outbox.Locker = (*Locker)(nil)
