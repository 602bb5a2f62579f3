package utils

import (
	"errors"
	"fmt"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// SecurityError means a tenant-scoped operation was attempted without a valid
// organization identity. Always fatal to the current operation, never retried.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "security error: " + e.Reason
}

func NewSecurityError(reason string) *SecurityError {
	return &SecurityError{Reason: reason}
}

func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// ChainIntegrityError is raised when chain verification finds a broken link.
// It is reported, never auto-repaired.
type ChainIntegrityError struct {
	OrganizationId string
	ChainType      string
	BrokenAt       string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity broken (organization_id=%s chain_type=%s broken_at=%s)",
		e.OrganizationId, e.ChainType, e.BrokenAt)
}

// EngineError is any non-success response from the external analysis engine,
// surfaced after the client's own retry budget is exhausted.
type EngineError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d on %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsDuplicateKeyError reports whether err is a unique-constraint violation.
// MySQL in production, sqlite in tests.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
