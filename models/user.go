package models

import (
	"errors"
	"time"

	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;index;index:uniq_user_email,unique,priority:1" json:"organization_id"`
	Email          string    `gorm:"size:200;not null;index:uniq_user_email,unique,priority:2" json:"email" binding:"required,email"`
	Name           string    `gorm:"size:200;not null" json:"name" binding:"required"`
	Role           string    `gorm:"size:40;not null;default:'member'" json:"role"`
	PasswordHash   string    `gorm:"size:100;not null" json:"-"`
	IsActive       *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateUser(tx *tenant.Tx, email, name, role, password string) (*User, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		OrganizationId: tx.OrganizationId(),
		Email:          email,
		Name:           name,
		Role:           role,
		PasswordHash:   string(hash),
	}
	if err := tx.DB.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUserByEmail(tx *tenant.Tx, email string) (*User, error) {
	var user User
	err := tx.DB.Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}
