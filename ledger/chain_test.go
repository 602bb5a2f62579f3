package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appconfig "github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
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

func sealOne(t *testing.T, gw *tenant.Gateway, l *Ledger, orgID string, chainType models.ChainType, content any) *models.LedgerEntry {
	t.Helper()
	var entry *models.LedgerEntry
	err := gw.WithTenant(context.Background(), orgID, func(tx *tenant.Tx) error {
		e, sealErr := l.SealBlock(context.Background(), tx, chainType, content)
		if sealErr != nil {
			return sealErr
		}
		entry = e
		return nil
	})
	require.NoError(t, err)
	return entry
}

func TestSealBlock_LinksFromGenesis(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	first := sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 1})
	second := sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 2})
	third := sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 3})

	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Equal(t, first.CurrentHash, second.PreviousHash)
	assert.Equal(t, second.CurrentHash, third.PreviousHash)

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Equal(t, 3, result.Entries)
		assert.Zero(t, result.BrokenAt)
		return nil
	})
	require.NoError(t, err)
}

func TestSealBlock_ChainTypesAreIndependent(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 1})
	incident := sealOne(t, gw, l, "org-a", models.ChainTypeIncident, map[string]any{"sev": "HIGH"})

	// The incident chain starts at its own genesis, not the governance tail.
	assert.Equal(t, GenesisHash, incident.PreviousHash)
}

func TestSealBlock_TenantChainsAreIndependent(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 1})
	b := sealOne(t, gw, l, "org-b", models.ChainTypeGovernance, map[string]any{"n": 1})

	assert.Equal(t, GenesisHash, b.PreviousHash)

	err := gw.WithTenant(context.Background(), "org-b", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Equal(t, 1, result.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestVerifyChain_DetectsTamperedContent(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 1})
	second := sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 2})
	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 3})

	// Rewrite the stored content behind the ledger's back.
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("id = ?", second.ID).
		Update("content", []byte(`{"n":99}`)).Error)

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.False(t, result.Valid)
		assert.Equal(t, second.ID, result.BrokenAt)
		assert.Contains(t, result.Reason, "recomputed")
		require.Error(t, result.IntegrityError(tx.OrganizationId(), models.ChainTypeGovernance))
		return nil
	})
	require.NoError(t, err)
}

func TestVerifyChain_DetectsBrokenLinkage(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 1})
	second := sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 2})

	// A value no other entry holds, so the rewrite is not stopped by the
	// unique (organization_id, chain_type, previous_hash) index.
	tampered := strings.Repeat("1", 64)
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("id = ?", second.ID).
		Update("previous_hash", tampered).Error)

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.False(t, result.Valid)
		assert.Equal(t, second.ID, result.BrokenAt)
		return nil
	})
	require.NoError(t, err)
}

func TestVerifyChain_EmptyChainIsValid(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Zero(t, result.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestSealBlock_SequentialBurstNeverForks(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	const n = 20
	for i := 0; i < n; i++ {
		sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": i})
	}

	var entries []models.LedgerEntry
	require.NoError(t, db.Where("organization_id = ?", "org-a").Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, n)

	// Every parent hash appears exactly once: a fork would duplicate one.
	parents := map[string]int{}
	for _, e := range entries {
		parents[e.PreviousHash]++
	}
	for hash, count := range parents {
		assert.Equal(t, 1, count, fmt.Sprintf("previous hash %s has %d children", hash, count))
	}

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Equal(t, n, result.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestSealBlock_ConcurrentSealersNeverFork(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	sealOne(t, gw, l, "org-a", models.ChainTypeGovernance, map[string]any{"n": 0})

	// Two sealers racing from the same tail. The chain lock holds the
	// read+insert window, so exactly one of them may claim the tail as parent.
	const racers = 2
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
				_, sealErr := l.SealBlock(context.Background(), tx, models.ChainTypeGovernance, map[string]any{"racer": n})
				return sealErr
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for sealErr := range errs {
		require.NoError(t, sealErr)
	}

	var entries []models.LedgerEntry
	require.NoError(t, db.Where("organization_id = ?", "org-a").Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, racers+1)

	parents := map[string]int{}
	for _, e := range entries {
		parents[e.PreviousHash]++
	}
	for hash, count := range parents {
		assert.Equal(t, 1, count, fmt.Sprintf("previous hash %s has %d children", hash, count))
	}

	err := gw.WithTenant(context.Background(), "org-a", func(tx *tenant.Tx) error {
		result, verifyErr := l.VerifyChain(context.Background(), tx, models.ChainTypeGovernance)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Equal(t, racers+1, result.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestAppendSystemEntry_SequenceIsGapless(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	for i := 0; i < 3; i++ {
		err := gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
			entry, appendErr := l.AppendSystemEntry(context.Background(), tx, "organization.created", "admin-1", map[string]any{"n": i})
			if appendErr != nil {
				return appendErr
			}
			assert.Equal(t, int64(i+1), entry.SequenceNumber)
			return nil
		})
		require.NoError(t, err)
	}

	err := gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
		result, verifyErr := l.VerifySystemChain(context.Background(), tx)
		require.NoError(t, verifyErr)
		assert.True(t, result.Valid)
		assert.Equal(t, 3, result.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestVerifySystemChain_DetectsSequenceGap(t *testing.T) {
	db := newTestDB(t)
	gw := tenant.NewGateway(db)
	l := NewLedger(NewLocalChainLocker())

	for i := 0; i < 3; i++ {
		err := gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
			_, appendErr := l.AppendSystemEntry(context.Background(), tx, "organization.created", "admin-1", map[string]any{"n": i})
			return appendErr
		})
		require.NoError(t, err)
	}

	require.NoError(t, db.Where("sequence_number = ?", 2).Delete(&models.SystemLedgerEntry{}).Error)

	err := gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
		result, verifyErr := l.VerifySystemChain(context.Background(), tx)
		require.NoError(t, verifyErr)
		assert.False(t, result.Valid)
		assert.Equal(t, "sequence number gap", result.Reason)
		return nil
	})
	require.NoError(t, err)
}
