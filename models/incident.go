package models

import (
	"time"

	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
)

// Incident records a governance failure raised from a flagged analysis or by a
// compliance officer. Incident writes are governance actions: callers seal a
// ledger link in the same transaction.
type Incident struct {
	ID              int              `gorm:"primary_key" json:"id"`
	OrganizationId  string           `gorm:"size:64;not null;index" json:"organization_id"`
	AuditLogEntryId *string          `gorm:"size:64;index" json:"audit_log_entry_id"`
	Severity        IncidentSeverity `gorm:"size:20;not null;index" json:"severity" binding:"required"`
	Title           string           `gorm:"size:200;not null" json:"title" binding:"required"`
	Description     string           `gorm:"type:text" json:"description"`
	Resolved        *bool            `gorm:"not null;default:false;index" json:"resolved"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateIncident(tx *tenant.Tx, severity IncidentSeverity, title, description string, auditLogEntryId *string) (*Incident, error) {
	inc := Incident{
		OrganizationId:  tx.OrganizationId(),
		AuditLogEntryId: auditLogEntryId,
		Severity:        severity,
		Title:           title,
		Description:     description,
	}
	if err := utils.ValidateStruct(&inc); err != nil {
		return nil, err
	}
	if err := tx.DB.Create(&inc).Error; err != nil {
		return nil, err
	}
	return &inc, nil
}

func ListOpenIncidents(tx *tenant.Tx) ([]Incident, error) {
	var out []Incident
	err := tx.DB.Where("resolved = ?", false).Order("created_at DESC").Find(&out).Error
	return out, err
}
