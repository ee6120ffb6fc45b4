package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DedupStatus annotates how the recorded handling attempt ended.
type DedupStatus string

const (
	DedupStatusSucceeded       DedupStatus = "succeeded"
	DedupStatusFailedPermanent DedupStatus = "failed_permanent"
)

// DedupRecord is the durable proof that a subscriber fully processed one
// stream position. Rows are created exactly once, never updated, never
// deleted; the unique index on (subscriber_name, stream_position) is the
// enforcement point for at-most-once side effects. The schema is a public
// contract for operators doing audits and migrations.
type DedupRecord struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	SubscriberName string          `gorm:"column:subscriber_name;not null;uniqueIndex:ux_dedup_records_subscriber_position"`
	StreamName     string          `gorm:"column:stream_name;not null"`
	StreamPosition string          `gorm:"column:stream_position;not null;uniqueIndex:ux_dedup_records_subscriber_position"`
	EventID        string          `gorm:"column:event_id;not null;index:ix_dedup_records_event_id"`
	EventType      string          `gorm:"column:event_type;not null"`
	Status         DedupStatus     `gorm:"column:status;not null;default:succeeded"`
	FailureReason  *string         `gorm:"column:failure_reason"`
	TenantID       *string         `gorm:"column:tenant_id"`
	Metadata       json.RawMessage `gorm:"column:metadata;type:jsonb"`
	ProcessedAt    time.Time       `gorm:"column:processed_at;autoCreateTime"`
}

// Succeeded reports whether the handler completed without a terminal failure.
func (r DedupRecord) Succeeded() bool {
	return r.Status == DedupStatusSucceeded
}
