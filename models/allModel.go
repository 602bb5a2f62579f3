package models

import "gorm.io/gorm"

// AllModels is the migration set, leaves first.
func AllModels() []interface{} {
	return []interface{}{
		&Organization{},
		&User{},
		&AuditLogEntry{},
		&LedgerEntry{},
		&SystemLedgerEntry{},
		&Notification{},
		&Incident{},
		&Requirement{},
		&AnalysisJobRecord{},
		&IdempotencyKey{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
