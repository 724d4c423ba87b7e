package inbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

type memoryKey struct {
	eventID     string
	serviceName string
}

// MemoryStore 进程内存储，用于测试和单实例场景
type MemoryStore struct {
	records sync.Map // memoryKey -> *ProcessedEvent
	seq     atomic.Uint64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Exists(_ context.Context, eventID, serviceName string) (bool, error) {
	_, ok := m.records.Load(memoryKey{eventID, serviceName})
	return ok, nil
}

func (m *MemoryStore) Insert(_ context.Context, record *ProcessedEvent) error {
	if record == nil {
		return fmt.Errorf("processed event is nil")
	}
	cp := *record
	cp.ID = m.seq.Add(1)
	if _, loaded := m.records.LoadOrStore(memoryKey{record.EventID, record.ServiceName}, &cp); loaded {
		return fmt.Errorf("event %s for service %s: %w", record.EventID, record.ServiceName, jxtevent.ErrDuplicateKey)
	}
	record.ID = cp.ID
	return nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	var deleted int64
	m.records.Range(func(key, value any) bool {
		if limit > 0 && deleted >= int64(limit) {
			return false
		}
		if value.(*ProcessedEvent).ProcessedAt.Before(before) {
			m.records.Delete(key)
			deleted++
		}
		return true
	})
	return deleted, nil
}

// Len 当前记录数
func (m *MemoryStore) Len() int {
	n := 0
	m.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

var _ Store = (*MemoryStore)(nil)
