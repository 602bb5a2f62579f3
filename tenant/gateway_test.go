package tenant_test

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appconfig "github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/ledger"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A second connection would see its own empty :memory: database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Use(appconfig.NewTenantGuardPlugin()))
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestWithTenant_EmptyOrganizationIdIsRejected(t *testing.T) {
	gw := tenant.NewGateway(newTestDB(t))

	called := false
	err := gw.WithTenant(context.Background(), "", func(tx *tenant.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, utils.IsSecurityError(err))
	assert.False(t, called)
}

func TestWithTenant_BlankOrganizationIdIsRejectedBeforeAnyConnection(t *testing.T) {
	// A nil pool proves the check happens before storage is touched.
	gw := tenant.NewGateway(nil)

	err := gw.WithTenant(context.Background(), "   ", func(tx *tenant.Tx) error {
		return nil
	})

	require.Error(t, err)
	assert.True(t, utils.IsSecurityError(err))
}

func TestWithTenant_ScopesReadsToOrganization(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)

	for _, org := range []string{"org-a", "org-b"} {
		err := gw.WithTenant(context.Background(), org, func(tx *tenant.Tx) error {
			_, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{"window":"7d"}`), 1, "")
			return enqueueErr
		})
		require.NoError(t, err)
	}

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		entries, listErr := models.ListAuditLogEntries(tx, 100)
		require.NoError(t, listErr)
		require.Len(t, entries, 1)
		assert.Equal(t, "org-a", entries[0].OrganizationId)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTenant_CannotReachAnotherTenantsRowById(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)

	var otherID string
	err := gw.WithTenant(context.Background(), "org-b", func(tx *tenant.Tx) error {
		entry, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{}`), 1, "")
		if enqueueErr != nil {
			return enqueueErr
		}
		otherID = entry.ID
		return nil
	})
	require.NoError(t, err)

	// Knowing the primary key is not enough: the guard still adds the scope.
	err = gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		_, getErr := models.GetAuditLogEntry(tx, otherID)
		return getErr
	})
	require.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestWithTenant_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	boom := errors.New("boom")

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		if _, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{}`), 1, ""); enqueueErr != nil {
			return enqueueErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&models.AuditLogEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWithTenant_AdminClaimsDoNotWidenScope(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)

	for _, org := range []string{"org-a", "org-b"} {
		err := gw.WithTenant(context.Background(), org, func(tx *tenant.Tx) error {
			_, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{}`), 1, "")
			return enqueueErr
		})
		require.NoError(t, err)
	}

	// A request context carrying admin claims, as the auth middleware builds it.
	adminCtx := utils.SetIsAdminInContext(context.Background(), true)
	adminCtx = utils.SetSkipTenantScopeInContext(adminCtx, true)

	err := gw.WithTenant(adminCtx, "org-a", func(tx *tenant.Tx) error {
		entries, listErr := models.ListAuditLogEntries(tx, 100)
		require.NoError(t, listErr)
		require.Len(t, entries, 1)
		assert.Equal(t, "org-a", entries[0].OrganizationId)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTenant_SealUnderAdminContextKeepsChainsIntact(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := ledger.NewLedger(ledger.NewLocalChainLocker())

	seal := func(ctx context.Context, org string, content map[string]any) {
		t.Helper()
		err := gw.WithTenant(ctx, org, func(tx *tenant.Tx) error {
			_, sealErr := l.SealBlock(ctx, tx, models.ChainTypeGovernance, content)
			return sealErr
		})
		require.NoError(t, err)
	}

	seal(context.Background(), "org-a", map[string]any{"n": 1})
	seal(context.Background(), "org-a", map[string]any{"n": 2})
	seal(context.Background(), "org-b", map[string]any{"n": 1})

	// An admin-flagged context must not make the seal read another
	// organization's tail.
	adminCtx := utils.SetIsAdminInContext(context.Background(), true)
	seal(adminCtx, "org-a", map[string]any{"n": 3})

	for _, org := range []string{"org-a", "org-b"} {
		err := gw.WithTenant(context.Background(), org, func(tx *tenant.Tx) error {
			res, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
			require.NoError(t, verifyErr)
			assert.True(t, res.Valid, "chain for %s broken at %v", org, res.BrokenAt)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestWithTenant_ForeignOrganizationFilterYieldsNothing(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)

	for _, org := range []string{"org-a", "org-b"} {
		err := gw.WithTenant(context.Background(), org, func(tx *tenant.Tx) error {
			_, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{}`), 1, "")
			return enqueueErr
		})
		require.NoError(t, err)
	}

	// Naming another organization in an explicit filter is ANDed with the
	// transaction's scope, so it can only narrow, never escape.
	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		var entries []models.AuditLogEntry
		if findErr := tx.DB.Where("organization_id = ?", "org-b").Find(&entries).Error; findErr != nil {
			return findErr
		}
		assert.Empty(t, entries)

		var own []models.AuditLogEntry
		if findErr := tx.DB.Where("organization_id = ?", "org-a").Find(&own).Error; findErr != nil {
			return findErr
		}
		assert.Len(t, own, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestWithSystemAccess_SeesAcrossOrganizations(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)

	for _, org := range []string{"org-a", "org-b"} {
		err := gw.WithTenant(context.Background(), org, func(tx *tenant.Tx) error {
			_, _, enqueueErr := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{}`), 1, "")
			return enqueueErr
		})
		require.NoError(t, err)
	}

	err := gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
		var count int64
		if countErr := tx.DB.Model(&models.AuditLogEntry{}).Count(&count).Error; countErr != nil {
			return countErr
		}
		assert.Equal(t, int64(2), count)
		return nil
	})
	require.NoError(t, err)
}
