package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
)

// Gateway is the sole mechanism through which any tenant-scoped statement reaches
// storage. The pool is injected so isolated instances can run side by side in tests.
type Gateway struct {
	db *gorm.DB
}

func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// Tx is the capability handle for one tenant transaction. The only way to obtain
// one is WithTenant, so code that never establishes tenant context cannot issue a
// tenant-scoped query. The embedded handle is context-bound to the organization:
// the tenant guard plugin reads the organization id out of the transaction context,
// so the scope cannot be set in one transaction and consumed in another.
type Tx struct {
	DB *gorm.DB

	organizationId string
}

func (t *Tx) OrganizationId() string {
	return t.organizationId
}

// SystemTx is the handle for platform-internal administrative work. It is a
// distinct type so a tenant facade cannot accept one by accident.
type SystemTx struct {
	DB *gorm.DB
}

// WithTenant opens a transaction bound to organizationId, runs op with a handle
// valid only inside that transaction, and commits on nil / rolls back on error.
// An empty organization id fails before any connection is acquired. No retries at
// this layer: transaction failure always propagates to the caller.
func (g *Gateway) WithTenant(ctx context.Context, organizationId string, op func(tx *Tx) error) error {
	if strings.TrimSpace(organizationId) == "" {
		return utils.NewSecurityError("organization id is required")
	}
	if g == nil || g.db == nil {
		return errors.New("tenant gateway has no database")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Neutralize ambient bypass flags. An admin JWT (or any caller-supplied
	// context) must not widen a tenant-scoped transaction; WithSystemAccess is
	// the only way out of the scope.
	txCtx := utils.SetOrganizationIdInContext(ctx, organizationId)
	txCtx = utils.SetSkipTenantScopeInContext(txCtx, false)
	txCtx = utils.SetIsAdminInContext(txCtx, false)
	return g.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		return op(&Tx{DB: tx, organizationId: organizationId})
	})
}

// WithSystemAccess deliberately bypasses the per-organization scope. Reserved for
// platform-internal operations: global ledger writes and cross-tenant reporting.
// Every call site is an audited escape hatch, not a convenience.
func (g *Gateway) WithSystemAccess(ctx context.Context, op func(tx *SystemTx) error) error {
	if g == nil || g.db == nil {
		return errors.New("tenant gateway has no database")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	return g.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		return op(&SystemTx{DB: tx})
	})
}
