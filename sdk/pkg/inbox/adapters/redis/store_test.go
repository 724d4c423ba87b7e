package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
)

// 需要 REDIS_ADDR
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStore_Redis(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	prefix := "eventcore-test:" + uuid.NewString()
	store := NewStore(client, prefix, time.Minute)

	require.NoError(t, store.Insert(ctx, inbox.NewProcessedEvent("e-1", "user.created", "billing", nil)))
	err := store.Insert(ctx, inbox.NewProcessedEvent("e-1", "user.created", "billing", nil))
	assert.ErrorIs(t, err, jxtevent.ErrDuplicateKey)

	ok, err := store.Exists(ctx, "e-1", "billing")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, "e-1", "audit")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, prefix+":billing:e-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	deleted, err := store.DeleteBefore(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	client.Del(ctx, prefix+":billing:e-1")
}

func TestStore_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	store := NewStore(client, "eventcore:processed", time.Minute)

	_, err := store.Exists(context.Background(), "e-1", "billing")
	assert.True(t, jxtevent.IsPersistenceError(err))

	// 服务层把存储不可用视为未处理
	svc := inbox.NewService(store)
	assert.False(t, svc.IsProcessed(context.Background(), "e-1", "billing"))
}
