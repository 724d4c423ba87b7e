package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

// failingStore 模拟存储不可用
type failingStore struct {
	existsErr error
	insertErr error
	inserts   atomic.Int32
}

func (f *failingStore) Exists(context.Context, string, string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return false, nil
}

func (f *failingStore) Insert(context.Context, *ProcessedEvent) error {
	f.inserts.Add(1)
	return f.insertErr
}

func (f *failingStore) DeleteBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func TestService_ProcessSafely_RunsHandlerOnce(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	var calls int
	handler := func(ctx context.Context, payload []byte) error {
		calls++
		assert.Equal(t, []byte(`{"id":1}`), payload)
		return nil
	}

	status, err := svc.ProcessSafely(ctx, "e-1", "user.created", "billing", []byte(`{"id":1}`), handler)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, status)

	status, err = svc.ProcessSafely(ctx, "e-1", "user.created", "billing", []byte(`{"id":1}`), handler)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)
	assert.Equal(t, 1, calls)
	assert.True(t, svc.IsProcessed(ctx, "e-1", "billing"))
}

func TestService_ProcessSafely_PerService(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	var calls int
	handler := func(context.Context, []byte) error {
		calls++
		return nil
	}

	for _, service := range []string{"billing", "audit"} {
		status, err := svc.ProcessSafely(ctx, "e-1", "user.created", service, nil, handler)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, status)
	}
	assert.Equal(t, 2, calls)
}

func TestService_ProcessSafely_HandlerError(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	boom := errors.New("boom")
	status, err := svc.ProcessSafely(ctx, "e-1", "user.created", "billing", nil, func(context.Context, []byte) error {
		return boom
	})
	assert.Equal(t, StatusFailed, status)
	require.Error(t, err)
	assert.True(t, jxtevent.IsHandlerError(err))
	assert.ErrorIs(t, err, boom)

	var he *jxtevent.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "e-1", he.EventID)
	assert.Equal(t, "user.created", he.EventType)

	assert.False(t, svc.IsProcessed(ctx, "e-1", "billing"))
	assert.Equal(t, 0, store.Len())

	// 失败后重新投递可以再次处理
	status, err = svc.ProcessSafely(ctx, "e-1", "user.created", "billing", nil, func(context.Context, []byte) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, status)
}

func TestService_IsProcessed_FailsOpen(t *testing.T) {
	store := &failingStore{existsErr: errors.New("connection refused")}
	svc := NewService(store)

	assert.False(t, svc.IsProcessed(context.Background(), "e-1", "billing"))

	var calls int
	status, err := svc.ProcessSafely(context.Background(), "e-1", "user.created", "billing", nil, func(context.Context, []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, status)
	assert.Equal(t, 1, calls)
}

func TestService_MarkFailureAfterSuccessIsNotPropagated(t *testing.T) {
	store := &failingStore{insertErr: errors.New("disk full")}
	svc := NewService(store)

	status, err := svc.ProcessSafely(context.Background(), "e-1", "user.created", "billing", nil, func(context.Context, []byte) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, status)
	assert.Equal(t, int32(1), store.inserts.Load())
}

func TestService_MarkProcessed(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate is success", func(t *testing.T) {
		svc := NewService(NewMemoryStore())
		require.NoError(t, svc.MarkProcessed(ctx, "e-1", "user.created", "billing", nil))
		require.NoError(t, svc.MarkProcessed(ctx, "e-1", "user.created", "billing", nil))
	})

	t.Run("store error is persistence error", func(t *testing.T) {
		svc := NewService(&failingStore{insertErr: errors.New("disk full")})
		err := svc.MarkProcessed(ctx, "e-1", "user.created", "billing", nil)
		require.Error(t, err)
		assert.True(t, jxtevent.IsPersistenceError(err))
	})

	t.Run("concurrent marks leave one record", func(t *testing.T) {
		store := NewMemoryStore()
		svc := NewService(store)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- svc.MarkProcessed(ctx, "e-1", "user.created", "billing", []byte("x"))
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, store.Len())
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := NewProcessedEvent("e-1", "user.created", "billing", []byte("payload"))
	require.NoError(t, store.Insert(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.Len(t, rec.PayloadHash, 64)

	err := store.Insert(ctx, NewProcessedEvent("e-1", "user.created", "billing", nil))
	assert.ErrorIs(t, err, jxtevent.ErrDuplicateKey)

	ok, err := store.Exists(ctx, "e-1", "billing")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, "e-1", "audit")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, PayloadHash(nil))
	assert.Equal(t, "skipped", StatusSkipped.String())
	assert.Equal(t, "failed", StatusFailed.String())
}
