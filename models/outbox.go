package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EngineEventRecord implements the transactional outbox: the row is written
// inside the caller's DB transaction but is NOT published here. Publishing is
// performed asynchronously by the outbox dispatcher after commit.
type EngineEventRecord struct {
	ID            int             `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType     EngineEventType `gorm:"size:50;index;not null" json:"event_type"`
	ReferenceId   int             `gorm:"index;not null" json:"reference_id"`
	ReferenceType string          `gorm:"size:50;not null" json:"reference_type"`
	OccurredAt    time.Time       `gorm:"index;not null" json:"occurred_at"`
	Payload       []byte          `gorm:"type:blob" json:"payload"`
	IsProcessed   bool            `gorm:"index;not null" json:"is_processed"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordEngineEvent writes the outbox row for an engine event inside the
// caller's transaction. The ENGINE_EVENTS flag gates each event kind.
func RecordEngineEvent(ctx context.Context, tx *gorm.DB, eventType EngineEventType, referenceId int, referenceType string, obj interface{}) error {
	if !config.PublishEngineEventsFor(string(eventType)) {
		return nil
	}

	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	record := EngineEventRecord{
		EventType:     eventType,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ConvertToEngineEvent maps an outbox row to the published wire shape.
func ConvertToEngineEvent(record EngineEventRecord) config.EngineEvent {
	return config.EngineEvent{
		ID:            record.ID,
		EventType:     string(record.EventType),
		ReferenceId:   record.ReferenceId,
		ReferenceType: record.ReferenceType,
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
