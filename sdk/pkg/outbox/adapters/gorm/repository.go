package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
)

// GormOutboxRepository GORM 仓储实现
type GormOutboxRepository struct {
	db *gorm.DB
}

// NewGormOutboxRepository 创建 GORM 仓储
func NewGormOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

// AutoMigrate 创建/更新 outbox_events 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&OutboxEventModel{})
}

// Enqueue 在调用方事务中写入事件（实现 OutboxRepository 接口）
//
//	err := db.Transaction(func(tx *gorm.DB) error {
//	    if err := tx.Create(&order).Error; err != nil {
//	        return err
//	    }
//	    return repo.Enqueue(ctx, tx, evt)
//	})
func (r *GormOutboxRepository) Enqueue(ctx context.Context, tx interface{}, event *outbox.OutboxEvent) error {
	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return &jxtevent.PersistenceError{Op: "outbox enqueue", Err: outbox.ErrInvalidTx}
	}
	if event.Status == "" {
		event.Status = outbox.EventStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	model := FromEntity(event)
	if err := gormTx.WithContext(ctx).Create(model).Error; err != nil {
		return &jxtevent.PersistenceError{Op: "outbox enqueue", Err: err}
	}
	event.ID = model.ID
	return nil
}

// FetchPending 查找待发布的事件，按创建顺序
func (r *GormOutboxRepository) FetchPending(ctx context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	var models []*OutboxEventModel

	err := r.db.WithContext(ctx).
		Where("status = ?", outbox.EventStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return ToEntities(models), nil
}

// MarkPublished 标记事件为已发布，已发布的行不会被再次改写
func (r *GormOutboxRepository) MarkPublished(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND status <> ?", id, outbox.EventStatusPublished).
		Updates(map[string]interface{}{
			"status":       outbox.EventStatusPublished,
			"published_at": time.Now(),
		}).Error
}

// MarkFailed 标记事件为最终失败
func (r *GormOutboxRepository) MarkFailed(ctx context.Context, id uint64, cause string) error {
	return r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND status = ?", id, outbox.EventStatusPending).
		Updates(map[string]interface{}{
			"status":        outbox.EventStatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": cause,
		}).Error
}

// IncrementRetry 记录一次失败的发布尝试
func (r *GormOutboxRepository) IncrementRetry(ctx context.Context, id uint64, cause string) error {
	return r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("id = ? AND status = ?", id, outbox.EventStatusPending).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": cause,
		}).Error
}

// DeletePublishedBefore 分批删除已发布的旧事件
func (r *GormOutboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, errors.New("limit must be positive")
	}

	// 先查主键再删除，MySQL/PostgreSQL/SQLite 对 DELETE ... LIMIT 的支持不一致
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Where("status = ? AND published_at < ?", outbox.EventStatusPublished, before).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&OutboxEventModel{})
	return result.RowsAffected, result.Error
}

// CountByStatus 统计各状态事件数量
func (r *GormOutboxRepository) CountByStatus(ctx context.Context) (map[outbox.EventStatus]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&OutboxEventModel{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[outbox.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[outbox.EventStatus(row.Status)] = row.Total
	}
	return counts, nil
}

// FindByEventID 根据事件ID查找（排查与测试使用）
func (r *GormOutboxRepository) FindByEventID(ctx context.Context, eventID string) (*outbox.OutboxEvent, error) {
	var model OutboxEventModel
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&model).Error; err != nil {
		return nil, err
	}
	return model.ToEntity(), nil
}

var _ outbox.OutboxRepository = (*GormOutboxRepository)(nil)
