package gorm

import (
	"time"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
)

// ProcessedEventModel 已处理事件表，(event_id, service_name) 唯一
type ProcessedEventModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement;comment:自增主键"`
	EventID     string    `gorm:"type:varchar(36);not null;uniqueIndex:uk_processed_event_service,priority:1;comment:事件ID"`
	ServiceName string    `gorm:"type:varchar(100);not null;uniqueIndex:uk_processed_event_service,priority:2;comment:消费服务名"`
	EventType   string    `gorm:"type:varchar(255);not null;comment:事件类型"`
	PayloadHash string    `gorm:"type:varchar(64);comment:负载sha256"`
	ProcessedAt time.Time `gorm:"not null;index:idx_processed_at;comment:处理时间"`
}

// TableName 指定表名
func (ProcessedEventModel) TableName() string {
	return "processed_events"
}

func (m *ProcessedEventModel) toEntity() *inbox.ProcessedEvent {
	return &inbox.ProcessedEvent{
		ID:          m.ID,
		EventID:     m.EventID,
		EventType:   m.EventType,
		ServiceName: m.ServiceName,
		PayloadHash: m.PayloadHash,
		ProcessedAt: m.ProcessedAt,
	}
}

func fromEntity(e *inbox.ProcessedEvent) *ProcessedEventModel {
	return &ProcessedEventModel{
		ID:          e.ID,
		EventID:     e.EventID,
		EventType:   e.EventType,
		ServiceName: e.ServiceName,
		PayloadHash: e.PayloadHash,
		ProcessedAt: e.ProcessedAt,
	}
}
