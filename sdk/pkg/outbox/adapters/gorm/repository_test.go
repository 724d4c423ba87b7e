package gorm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
)

type order struct {
	ID     uint `gorm:"primaryKey"`
	Amount int
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "outbox.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, db.AutoMigrate(&order{}))
	return db
}

func newOutboxEvent(t *testing.T, aggregateID string) *outbox.OutboxEvent {
	t.Helper()
	env, err := jxtevent.NewEnvelope("order.created", "order-service", map[string]string{"orderId": aggregateID})
	require.NoError(t, err)
	evt, err := outbox.NewOutboxEvent("order", aggregateID, env)
	require.NoError(t, err)
	return evt
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

// TestEnqueue_CommitsWithBusinessWrite 业务写入与事件写入同一事务提交
func TestEnqueue_CommitsWithBusinessWrite(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()
	evt := newOutboxEvent(t, "o-1")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order{Amount: 10}).Error; err != nil {
			return err
		}
		return repo.Enqueue(ctx, tx, evt)
	})
	require.NoError(t, err)

	assert.NotZero(t, evt.ID)
	assert.Equal(t, int64(1), countRows(t, db, &order{}))
	stored, err := repo.FindByEventID(ctx, evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.EventStatusPending, stored.Status)
	assert.Equal(t, "o-1", stored.AggregateID)
	assert.JSONEq(t, string(evt.Payload), string(stored.Payload))
	assert.Equal(t, evt.Timestamp, stored.Timestamp)
}

// TestEnqueue_RolledBackTransaction 事务回滚后不留下任何发件箱行
func TestEnqueue_RolledBackTransaction(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	bizErr := errors.New("inventory check failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order{Amount: 10}).Error; err != nil {
			return err
		}
		if err := repo.Enqueue(ctx, tx, newOutboxEvent(t, "o-1")); err != nil {
			return err
		}
		return bizErr
	})
	require.ErrorIs(t, err, bizErr)

	assert.Zero(t, countRows(t, db, &order{}))
	assert.Zero(t, countRows(t, db, &OutboxEventModel{}))
}

func TestEnqueue_Errors(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	err := repo.Enqueue(ctx, "not a tx", newOutboxEvent(t, "o-1"))
	require.Error(t, err)
	assert.True(t, jxtevent.IsPersistenceError(err))
	assert.ErrorIs(t, err, outbox.ErrInvalidTx)

	// 重复 eventId 违反唯一约束，整个事务失败
	evt := newOutboxEvent(t, "o-2")
	require.NoError(t, repo.Enqueue(ctx, db, evt))
	dup := *evt
	dup.ID = 0
	err = db.Transaction(func(tx *gorm.DB) error {
		return repo.Enqueue(ctx, tx, &dup)
	})
	require.Error(t, err)
	assert.True(t, jxtevent.IsPersistenceError(err))
	assert.Equal(t, int64(1), countRows(t, db, &OutboxEventModel{}))
}

func TestFetchPending_OrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	var ids []string
	for i := 0; i < 5; i++ {
		evt := newOutboxEvent(t, fmt.Sprintf("o-%d", i))
		evt.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Enqueue(ctx, db, evt))
		ids = append(ids, evt.EventID)
	}

	pending, err := repo.FetchPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, evt := range pending {
		assert.Equal(t, ids[i], evt.EventID)
	}

	require.NoError(t, repo.MarkPublished(ctx, pending[0].ID))
	pending, err = repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	assert.Equal(t, ids[1], pending[0].EventID)
}

func TestMarkPublished_Idempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	evt := newOutboxEvent(t, "o-1")
	require.NoError(t, repo.Enqueue(ctx, db, evt))

	require.NoError(t, repo.MarkPublished(ctx, evt.ID))
	first, err := repo.FindByEventID(ctx, evt.EventID)
	require.NoError(t, err)
	require.NotNil(t, first.PublishedAt)

	require.NoError(t, repo.MarkPublished(ctx, evt.ID))
	second, err := repo.FindByEventID(ctx, evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.EventStatusPublished, second.Status)
	assert.True(t, first.PublishedAt.Equal(*second.PublishedAt))
}

func TestIncrementRetryAndMarkFailed(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	evt := newOutboxEvent(t, "o-1")
	require.NoError(t, repo.Enqueue(ctx, db, evt))

	require.NoError(t, repo.IncrementRetry(ctx, evt.ID, "broker down"))
	require.NoError(t, repo.IncrementRetry(ctx, evt.ID, "broker still down"))
	stored, err := repo.FindByEventID(ctx, evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.EventStatusPending, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, "broker still down", stored.ErrorMessage)

	require.NoError(t, repo.MarkFailed(ctx, evt.ID, "gave up"))
	require.NoError(t, repo.MarkFailed(ctx, evt.ID, "gave up again"))
	stored, err = repo.FindByEventID(ctx, evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.EventStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, "gave up", stored.ErrorMessage)

	pending, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeletePublishedBeforeAndCount(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	var published []*outbox.OutboxEvent
	for i := 0; i < 3; i++ {
		evt := newOutboxEvent(t, fmt.Sprintf("o-%d", i))
		require.NoError(t, repo.Enqueue(ctx, db, evt))
		require.NoError(t, repo.MarkPublished(ctx, evt.ID))
		published = append(published, evt)
	}
	require.NoError(t, repo.Enqueue(ctx, db, newOutboxEvent(t, "o-pending")))

	// 把前两条的发布时间挪到保留期之外
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, db.Model(&OutboxEventModel{}).
		Where("id IN ?", []uint64{published[0].ID, published[1].ID}).
		Update("published_at", old).Error)

	deleted, err := repo.DeletePublishedBefore(ctx, time.Now().Add(-24*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = repo.DeletePublishedBefore(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[outbox.EventStatusPublished])
	assert.Equal(t, int64(1), counts[outbox.EventStatusPending])
	assert.Zero(t, counts[outbox.EventStatusFailed])
}
