package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
)

// Organization is the tenant identity for every isolation boundary. Organizations
// are never physically deleted; Status carries the soft lifecycle.
//
// OrganizationId mirrors ID so the tenant guard scopes the row like any other
// tenant-owned record.
type Organization struct {
	ID             string             `gorm:"primary_key;size:64" json:"id"`
	OrganizationId string             `gorm:"size:64;not null;index" json:"organization_id"`
	Name           string             `gorm:"size:200;not null" json:"name" binding:"required"`
	Status         OrganizationStatus `gorm:"size:20;not null;default:'ACTIVE';index" json:"status"`
	// IntegrityScore is derived exclusively from ledger-backed evidence.
	IntegrityScore decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0" json:"integrity_score"`
	// NotifyPhone, when set, receives critical-finding notifications (E.164).
	NotifyPhone string    `gorm:"size:20" json:"notify_phone"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const integrityScoreCachePrefix = "IntegrityScore:"

// CreateOrganization is a platform-level onboarding operation.
func CreateOrganization(tx *tenant.SystemTx, name string) (*Organization, error) {
	if name == "" {
		return nil, errors.New("organization name is required")
	}
	org := Organization{
		ID:             uuid.NewString(),
		Name:           name,
		Status:         OrganizationStatusActive,
		IntegrityScore: decimal.Zero,
	}
	org.OrganizationId = org.ID
	if err := tx.DB.Create(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func GetOrganization(tx *tenant.Tx) (*Organization, error) {
	var org Organization
	err := tx.DB.Where("id = ?", tx.OrganizationId()).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &org, nil
}

// AdjustIntegrityScore applies a ledger-backed delta to the organization's score
// and refreshes the Redis cache. Must run inside the same transaction as the
// evidence write that justifies it.
func AdjustIntegrityScore(tx *tenant.Tx, delta decimal.Decimal) (decimal.Decimal, error) {
	org, err := GetOrganization(tx)
	if err != nil {
		return decimal.Zero, err
	}
	next := org.IntegrityScore.Add(delta)
	if err := tx.DB.Model(&Organization{}).
		Where("id = ?", org.ID).
		Update("integrity_score", next).Error; err != nil {
		return decimal.Zero, err
	}

	// Cache refresh is best-effort; the row is the source of truth.
	_ = config.SetRedisObject(integrityScoreCachePrefix+org.ID, next, 10*time.Minute)
	return next, nil
}

// GetCachedIntegrityScore reads through the Redis cache.
func GetCachedIntegrityScore(tx *tenant.Tx) (decimal.Decimal, error) {
	var cached decimal.Decimal
	if exists, err := config.GetRedisObject(integrityScoreCachePrefix+tx.OrganizationId(), &cached); err == nil && exists {
		return cached, nil
	}
	org, err := GetOrganization(tx)
	if err != nil {
		return decimal.Zero, err
	}
	_ = config.SetRedisObject(integrityScoreCachePrefix+org.ID, org.IntegrityScore, 10*time.Minute)
	return org.IntegrityScore, nil
}

// SuspendOrganization is a soft state change; rows are never removed.
func SuspendOrganization(tx *tenant.SystemTx, organizationId string) error {
	res := tx.DB.Model(&Organization{}).
		Where("id = ?", organizationId).
		Update("status", OrganizationStatusSuspended)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	// A suspended organization must not keep serving a cached score.
	_ = config.RemoveRedisKey(integrityScoreCachePrefix + organizationId)
	return nil
}
