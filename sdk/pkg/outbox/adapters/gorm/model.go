package gorm

import (
	"database/sql/driver"
	"fmt"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
)

// JSONPayload 自定义 JSON 负载类型
// PostgreSQL pgx 驱动会把 []byte 写入 jsonb 列时做 Base64 编码，
// 这里以 string 写入、读取时还原为 []byte，兼容 MySQL / PostgreSQL / SQLite
type JSONPayload []byte

// Value 实现 driver.Valuer 接口
func (j JSONPayload) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONPayload) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = make([]byte, len(v))
		copy(*j, v)
		return nil
	case string:
		*j = []byte(v)
		return nil
	default:
		return fmt.Errorf("JSONPayload.Scan: unsupported type %T", value)
	}
}

// OutboxEventModel GORM 数据库模型
type OutboxEventModel struct {
	ID            uint64      `gorm:"primaryKey;autoIncrement;comment:自增主键"`
	EventID       string      `gorm:"type:varchar(36);not null;uniqueIndex:uk_outbox_event_id;comment:事件ID"`
	EventType     string      `gorm:"type:varchar(255);not null;comment:事件类型"`
	AggregateID   string      `gorm:"type:varchar(255);not null;index:idx_outbox_aggregate;comment:聚合根ID"`
	AggregateType string      `gorm:"type:varchar(100);not null;comment:聚合根类型"`
	Version       string      `gorm:"type:varchar(32);not null;comment:负载版本"`
	Source        string      `gorm:"type:varchar(255);not null;comment:来源服务"`
	Timestamp     int64       `gorm:"column:event_timestamp;not null;comment:事件发生时间(毫秒)"`
	Payload       JSONPayload `gorm:"type:text;comment:事件负载"`
	Status        string      `gorm:"type:varchar(20);not null;index:idx_outbox_status_created,priority:1;comment:事件状态"`
	RetryCount    int         `gorm:"not null;default:0;comment:重试次数"`
	ErrorMessage  string      `gorm:"type:text;comment:最后错误"`
	CreatedAt     time.Time   `gorm:"not null;index:idx_outbox_status_created,priority:2;comment:创建时间"`
	PublishedAt   *time.Time  `gorm:"index:idx_outbox_published_at;comment:发布时间"`
}

// TableName 指定表名
func (OutboxEventModel) TableName() string {
	return "outbox_events"
}

// ToEntity 转换为领域模型
func (m *OutboxEventModel) ToEntity() *outbox.OutboxEvent {
	return &outbox.OutboxEvent{
		ID:            m.ID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Version:       m.Version,
		Source:        m.Source,
		Timestamp:     m.Timestamp,
		Payload:       jxtjson.RawMessage(m.Payload),
		Status:        outbox.EventStatus(m.Status),
		RetryCount:    m.RetryCount,
		ErrorMessage:  m.ErrorMessage,
		CreatedAt:     m.CreatedAt,
		PublishedAt:   m.PublishedAt,
	}
}

// FromEntity 从领域模型转换
func FromEntity(e *outbox.OutboxEvent) *OutboxEventModel {
	return &OutboxEventModel{
		ID:            e.ID,
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
		Source:        e.Source,
		Timestamp:     e.Timestamp,
		Payload:       JSONPayload(e.Payload),
		Status:        string(e.Status),
		RetryCount:    e.RetryCount,
		ErrorMessage:  e.ErrorMessage,
		CreatedAt:     e.CreatedAt,
		PublishedAt:   e.PublishedAt,
	}
}

// ToEntities 批量转换为领域模型
func ToEntities(models []*OutboxEventModel) []*outbox.OutboxEvent {
	entities := make([]*outbox.OutboxEvent, len(models))
	for i, model := range models {
		entities[i] = model.ToEntity()
	}
	return entities
}
