package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
	jxtjson "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/json"
)

// Store 基于 Redis 的已处理事件存储。
// SETNX 保证唯一，记录靠 TTL 过期，不需要定时清理。
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewStore 创建存储，ttl <= 0 表示永不过期
func NewStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *Store) key(eventID, serviceName string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, serviceName, eventID)
}

func (s *Store) Exists(ctx context.Context, eventID, serviceName string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID, serviceName)).Result()
	if err != nil {
		return false, &jxtevent.PersistenceError{Op: "processed exists", Err: err}
	}
	return n > 0, nil
}

func (s *Store) Insert(ctx context.Context, record *inbox.ProcessedEvent) error {
	value, err := jxtjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(record.EventID, record.ServiceName), value, s.ttl).Result()
	if err != nil {
		return &jxtevent.PersistenceError{Op: "processed insert", Err: err}
	}
	if !ok {
		return fmt.Errorf("event %s for service %s: %w", record.EventID, record.ServiceName, jxtevent.ErrDuplicateKey)
	}
	return nil
}

// DeleteBefore 记录由 TTL 过期，这里不做任何事
func (s *Store) DeleteBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

var _ inbox.Store = (*Store)(nil)
