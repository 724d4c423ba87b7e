package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTx 传入的事务句柄类型与仓储实现不匹配
var ErrInvalidTx = errors.New("outbox: invalid transaction handle")

// OutboxRepository Outbox 仓储接口
//
// 只有中继会修改 status；业务代码只调用 Enqueue。
type OutboxRepository interface {
	// Enqueue 在调用方的事务中写入一行。
	// tx 由具体实现解释（gorm 实现要求 *gorm.DB）。
	// 写入失败返回 *event.PersistenceError，事务随之回滚，事件与业务写入同生共死。
	Enqueue(ctx context.Context, tx interface{}, event *OutboxEvent) error

	// FetchPending 按创建顺序返回最多 limit 条待发布事件
	FetchPending(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkPublished 标记已发布，幂等
	MarkPublished(ctx context.Context, id uint64) error

	// MarkFailed 标记为终态 failed 并记录错误，幂等
	MarkFailed(ctx context.Context, id uint64, cause string) error

	// IncrementRetry 记录一次失败的发布尝试，事件保持 pending
	IncrementRetry(ctx context.Context, id uint64, cause string) error

	// DeletePublishedBefore 删除早于 before 的已发布事件，最多 limit 条
	DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error)

	// CountByStatus 各状态事件数量
	CountByStatus(ctx context.Context) (map[EventStatus]int64, error)
}
