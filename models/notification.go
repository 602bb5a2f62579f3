package models

import (
	"time"

	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
)

// Notification is the side-effect record for a critical finding. Owned by the
// organization, created by the orchestrator, read-only afterwards.
//
// The unique index on (organization_id, audit_log_entry_id) backstops idempotent
// result processing: the same result can never notify twice.
type Notification struct {
	ID              int                  `gorm:"primary_key" json:"id"`
	OrganizationId  string               `gorm:"size:64;not null;index;index:uniq_notification_entry,unique,priority:1" json:"organization_id"`
	AuditLogEntryId string               `gorm:"size:64;not null;index:uniq_notification_entry,unique,priority:2" json:"audit_log_entry_id"`
	Severity        NotificationSeverity `gorm:"size:20;not null;index" json:"severity"`
	Title           string               `gorm:"size:200;not null" json:"title"`
	Message         string               `gorm:"type:text" json:"message"`
	RecipientPhone  *string              `gorm:"size:20" json:"recipient_phone"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

// CreateNotification inserts a breach notification. recipientPhone, when present,
// is normalized to E.164 before storage.
func CreateNotification(tx *tenant.Tx, auditLogEntryId string, severity NotificationSeverity, title, message, recipientPhone string) (*Notification, error) {
	n := Notification{
		OrganizationId:  tx.OrganizationId(),
		AuditLogEntryId: auditLogEntryId,
		Severity:        severity,
		Title:           title,
		Message:         message,
	}
	if recipientPhone != "" {
		normalized, err := utils.NormalizePhone(recipientPhone, "")
		if err != nil {
			return nil, err
		}
		n.RecipientPhone = &normalized
	}
	if err := tx.DB.Create(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

func ListNotifications(tx *tenant.Tx, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	err := tx.DB.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func CountNotificationsForEntry(tx *tenant.Tx, auditLogEntryId string) (int64, error) {
	var count int64
	err := tx.DB.Model(&Notification{}).
		Where("audit_log_entry_id = ?", auditLogEntryId).
		Count(&count).Error
	return count, err
}
