package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
)

// AuditLogEntry is one record per compliance-relevant event for an organization.
// It is created PENDING, mutated exactly once when an async result lands, and
// immutable afterwards except for the status transition.
type AuditLogEntry struct {
	ID             string       `gorm:"primary_key;size:64" json:"id"`
	OrganizationId string       `gorm:"size:64;not null;index" json:"organization_id"`
	EventType      AnalysisType `gorm:"size:40;not null;index" json:"event_type"`
	Payload        []byte       `gorm:"type:blob" json:"payload"`
	Status         AuditStatus  `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	// Set once when the result is sealed.
	IntegrityHash *string    `gorm:"size:64" json:"integrity_hash"`
	Signature     *string    `gorm:"size:512" json:"signature"`
	ResultPayload []byte     `gorm:"type:blob" json:"result_payload"`
	ResourceUsage []byte     `gorm:"type:blob" json:"resource_usage"`
	VerifiedAt    *time.Time `json:"verified_at"`
	CreatedBy     int        `json:"created_by"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateAuditLogEntry(tx *tenant.Tx, eventType AnalysisType, payload []byte, createdBy int) (*AuditLogEntry, error) {
	entry := AuditLogEntry{
		ID:             uuid.NewString(),
		OrganizationId: tx.OrganizationId(),
		EventType:      eventType,
		Payload:        payload,
		Status:         AuditStatusPending,
		CreatedBy:      createdBy,
	}
	if err := tx.DB.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func GetAuditLogEntry(tx *tenant.Tx, id string) (*AuditLogEntry, error) {
	var entry AuditLogEntry
	err := tx.DB.Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func ListAuditLogEntries(tx *tenant.Tx, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditLogEntry
	err := tx.DB.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// ApplyVerifiedResult records the engine result onto the entry and moves it to
// VERIFIED. Single mutation point: the workflow guards it with an idempotency key.
func ApplyVerifiedResult(tx *tenant.Tx, id string, resultPayload []byte, integrityHash, signature string, resourceUsage []byte) error {
	now := time.Now().UTC()
	res := tx.DB.Model(&AuditLogEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         AuditStatusVerified,
			"result_payload": resultPayload,
			"integrity_hash": &integrityHash,
			"signature":      &signature,
			"resource_usage": resourceUsage,
			"verified_at":    &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// FlagAuditLogEntry marks a failed or revoked analysis. The FLAGGED status is the
// durable, queryable failure signal.
func FlagAuditLogEntry(tx *tenant.Tx, id string, reason string) error {
	flagged, err := json.Marshal(map[string]string{"flag_reason": reason})
	if err != nil {
		return err
	}
	res := tx.DB.Model(&AuditLogEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         AuditStatusFlagged,
			"result_payload": flagged,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
