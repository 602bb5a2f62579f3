package models

import (
	"time"

	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
)

// Requirement is one certification requirement an organization must satisfy.
type Requirement struct {
	ID             int               `gorm:"primary_key" json:"id"`
	OrganizationId string            `gorm:"size:64;not null;index" json:"organization_id"`
	Code           string            `gorm:"size:40;not null;index" json:"code" binding:"required"`
	Title          string            `gorm:"size:200;not null" json:"title" binding:"required"`
	Status         RequirementStatus `gorm:"size:20;not null;default:'OPEN';index" json:"status"`
	// Evidence is the audit entry that satisfied the requirement.
	EvidenceEntryId *string   `gorm:"size:64" json:"evidence_entry_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateRequirement(tx *tenant.Tx, code, title string) (*Requirement, error) {
	req := Requirement{
		OrganizationId: tx.OrganizationId(),
		Code:           code,
		Title:          title,
		Status:         RequirementStatusOpen,
	}
	if err := tx.DB.Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// SatisfyRequirement links a verified audit entry as evidence.
func SatisfyRequirement(tx *tenant.Tx, requirementId int, evidenceEntryId string) error {
	res := tx.DB.Model(&Requirement{}).
		Where("id = ?", requirementId).
		Updates(map[string]interface{}{
			"status":            RequirementStatusSatisfied,
			"evidence_entry_id": &evidenceEntryId,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func ListRequirements(tx *tenant.Tx) ([]Requirement, error) {
	var out []Requirement
	err := tx.DB.Order("code ASC").Find(&out).Error
	return out, err
}
