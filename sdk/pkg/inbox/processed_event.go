package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ProcessedEvent 已处理事件记录，(EventID, ServiceName) 唯一。
// 同一事件被多个服务消费时各自记录一行
type ProcessedEvent struct {
	ID          uint64
	EventID     string
	EventType   string
	ServiceName string

	// PayloadHash 负载的 sha256，用于排查同一 eventId 携带不同负载的情况
	PayloadHash string

	ProcessedAt time.Time
}

// NewProcessedEvent 创建已处理记录
func NewProcessedEvent(eventID, eventType, serviceName string, payload []byte) *ProcessedEvent {
	return &ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ServiceName: serviceName,
		PayloadHash: PayloadHash(payload),
		ProcessedAt: time.Now(),
	}
}

// PayloadHash 负载的 sha256 十六进制摘要，空负载返回空串
func PayloadHash(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Store 已处理事件存储。
// Insert 遇到 (eventId, serviceName) 冲突时必须返回包装了 event.ErrDuplicateKey 的错误，
// 唯一性由存储层保证，不能依赖先查后写。
type Store interface {
	Exists(ctx context.Context, eventID, serviceName string) (bool, error)
	Insert(ctx context.Context, record *ProcessedEvent) error
	// DeleteBefore 删除 processedAt 早于 before 的记录，最多 limit 条
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}
