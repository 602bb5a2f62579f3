package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
)

// AnalysisJobRecord is the transactional outbox row for one compliance analysis.
// The row is written inside the caller's transaction together with the PENDING
// audit entry; workers claim it after commit. Terminal processing state is
// reflected into AuditLogEntry.Status, never the other way around.
type AnalysisJobRecord struct {
	ID              int          `gorm:"primary_key;index:idx_job_dispatch,priority:3" json:"id"`
	OrganizationId  string       `gorm:"size:64;not null;index" json:"organization_id"`
	AuditLogEntryId string       `gorm:"size:64;not null;index" json:"audit_log_entry_id"`
	Type            AnalysisType `gorm:"size:40;not null" json:"type"`
	Payload         []byte       `gorm:"type:blob" json:"payload"`
	// Set after the engine hands back an async task id; empty until then.
	ExternalTaskId *string `gorm:"size:128" json:"external_task_id"`

	// Publish metadata (dispatch to Pub/Sub happens after commit).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_job_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_job_dispatch,priority:2" json:"next_attempt_at"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	// Processing metadata (consumer/worker).
	ProcessingStatus     string     `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LockedAt             *time.Time `gorm:"index" json:"locked_at"`
	LockedBy             *string    `gorm:"size:100" json:"locked_by"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToJobMessage(record AnalysisJobRecord) config.AnalysisJobMessage {
	externalTaskId := ""
	if record.ExternalTaskId != nil {
		externalTaskId = *record.ExternalTaskId
	}
	return config.AnalysisJobMessage{
		ID:              record.ID,
		OrganizationId:  record.OrganizationId,
		AuditLogEntryId: record.AuditLogEntryId,
		Type:            string(record.Type),
		Payload:         json.RawMessage(record.Payload),
		ExternalTaskId:  externalTaskId,
		CorrelationId:   record.CorrelationId,
	}
}

// EnqueueAnalysis creates the PENDING audit entry and its outbox job in the
// caller's tenant transaction, so either both commit or neither does.
func EnqueueAnalysis(tx *tenant.Tx, analysisType AnalysisType, payload []byte, createdBy int, correlationId string) (*AuditLogEntry, *AnalysisJobRecord, error) {
	entry, err := CreateAuditLogEntry(tx, analysisType, payload, createdBy)
	if err != nil {
		return nil, nil, err
	}

	if correlationId == "" {
		correlationId = correlationIdFromContextOrNew(tx)
	}
	job := AnalysisJobRecord{
		OrganizationId:   tx.OrganizationId(),
		AuditLogEntryId:  entry.ID,
		Type:             analysisType,
		Payload:          payload,
		PublishStatus:    JobPublishStatusPending,
		ProcessingStatus: JobProcessStatusPending,
		CorrelationId:    correlationId,
	}
	if err := tx.DB.Create(&job).Error; err != nil {
		return nil, nil, err
	}
	return entry, &job, nil
}

func correlationIdFromContextOrNew(tx *tenant.Tx) string {
	if tx != nil && tx.DB != nil && tx.DB.Statement != nil && tx.DB.Statement.Context != nil {
		if v, ok := utils.GetCorrelationIdFromContext(tx.DB.Statement.Context); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
