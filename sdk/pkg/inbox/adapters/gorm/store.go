package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
)

// Store 基于 GORM 的已处理事件存储
type Store struct {
	db *gorm.DB
}

// NewStore 创建存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建/更新 processed_events 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProcessedEventModel{})
}

func (s *Store) Exists(ctx context.Context, eventID, serviceName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ProcessedEventModel{}).
		Where("event_id = ? AND service_name = ?", eventID, serviceName).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, &jxtevent.PersistenceError{Op: "processed exists", Err: err}
	}
	return count > 0, nil
}

// Insert 依赖唯一索引判重，冲突返回包装了 event.ErrDuplicateKey 的错误
func (s *Store) Insert(ctx context.Context, record *inbox.ProcessedEvent) error {
	model := fromEntity(record)
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("event %s for service %s: %w", record.EventID, record.ServiceName, jxtevent.ErrDuplicateKey)
		}
		return &jxtevent.PersistenceError{Op: "processed insert", Err: err}
	}
	record.ID = model.ID
	return nil
}

// DeleteBefore 先查主键再删除，各数据库对 DELETE ... LIMIT 的支持不一致
func (s *Store) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, errors.New("limit must be positive")
	}

	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&ProcessedEventModel{}).
		Where("processed_at < ?", before).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&ProcessedEventModel{})
	return result.RowsAffected, result.Error
}

// Find 查询单条记录（排查与测试使用）
func (s *Store) Find(ctx context.Context, eventID, serviceName string) (*inbox.ProcessedEvent, error) {
	var model ProcessedEventModel
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND service_name = ?", eventID, serviceName).
		First(&model).Error
	if err != nil {
		return nil, err
	}
	return model.toEntity(), nil
}

// isDuplicateKey 未开启 TranslateError 时按驱动错误文本识别
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "23505")
}

var _ inbox.Store = (*Store)(nil)
