package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appconfig "github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/engine"
	"github.com/veridiahq/aegis_backend/ledger"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeEngine is a stand-in for the external analysis service. Trigger and poll
// responses are settable per test.
type fakeEngine struct {
	mu           sync.Mutex
	triggerBody  map[string]any
	pollBody     map[string]any
	triggerCalls int
	pollCalls    int
}

func (f *fakeEngine) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/api/v1/tasks/") {
			f.pollCalls++
			json.NewEncoder(w).Encode(f.pollBody)
			return
		}
		f.triggerCalls++
		json.NewEncoder(w).Encode(f.triggerBody)
	}
}

func (f *fakeEngine) set(trigger, poll map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerBody = trigger
	f.pollBody = poll
}

type testHarness struct {
	db    *gorm.DB
	gw    *tenant.Gateway
	orch  *Orchestrator
	fake  *fakeEngine
	orgID string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A second connection would see its own empty :memory: database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Use(appconfig.NewTenantGuardPlugin()))
	require.NoError(t, models.AutoMigrate(db))

	fake := &fakeEngine{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := engine.NewClient(srv.URL, "test-key")
	require.NoError(t, err)

	gw := tenant.NewGateway(db)
	l := ledger.NewLedger(ledger.NewLocalChainLocker())
	orch := NewOrchestrator(gw, l, client, appconfig.GetLogger())

	var orgID string
	require.NoError(t, gw.WithSystemAccess(context.Background(), func(tx *tenant.SystemTx) error {
		org, createErr := models.CreateOrganization(tx, "Acme AI")
		if createErr != nil {
			return createErr
		}
		orgID = org.ID
		return nil
	}))

	return &testHarness{db: db, gw: gw, orch: orch, fake: fake, orgID: orgID}
}

func (h *testHarness) enqueue(t *testing.T) appconfig.AnalysisJobMessage {
	t.Helper()
	var job *models.AnalysisJobRecord
	require.NoError(t, h.gw.WithTenant(context.Background(), h.orgID, func(tx *tenant.Tx) error {
		_, j, err := models.EnqueueAnalysis(tx, models.AnalysisTypeDrift, []byte(`{"window":"7d"}`), 1, "cid-1")
		if err != nil {
			return err
		}
		job = j
		return nil
	}))
	return models.ConvertToJobMessage(*job)
}

func (h *testHarness) auditEntry(t *testing.T, id string) *models.AuditLogEntry {
	t.Helper()
	var entry *models.AuditLogEntry
	require.NoError(t, h.gw.WithTenant(context.Background(), h.orgID, func(tx *tenant.Tx) error {
		e, err := models.GetAuditLogEntry(tx, id)
		if err != nil {
			return err
		}
		entry = e
		return nil
	}))
	return entry
}

func (h *testHarness) organization(t *testing.T) *models.Organization {
	t.Helper()
	var org *models.Organization
	require.NoError(t, h.gw.WithTenant(context.Background(), h.orgID, func(tx *tenant.Tx) error {
		o, err := models.GetOrganization(tx)
		if err != nil {
			return err
		}
		org = o
		return nil
	}))
	return org
}

func cleanResult() map[string]any {
	return map[string]any{
		"analysis_complete": true,
		"integrity_hash":    "deadbeef",
		"signature":         "sig-1",
		"bias_disparity":    "0.92",
		"drift_score":       "0.05",
		"findings":          map[string]any{"groups": 4},
		"resource_usage":    map[string]any{"cpu_seconds": "1.5", "memory_mb": 256, "duration_ms": 900},
	}
}

func criticalResult() map[string]any {
	r := cleanResult()
	r["bias_disparity"] = "0.42"
	return r
}

func TestProcess_SynchronousResultIsSealed(t *testing.T) {
	h := newHarness(t)
	h.fake.set(cleanResult(), nil)
	msg := h.enqueue(t)

	outcome := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeSucceeded, outcome.State)

	entry := h.auditEntry(t, msg.AuditLogEntryId)
	assert.Equal(t, models.AuditStatusVerified, entry.Status)
	require.NotNil(t, entry.IntegrityHash)
	assert.Equal(t, "deadbeef", *entry.IntegrityHash)
	require.NotNil(t, entry.VerifiedAt)

	var blocks int64
	require.NoError(t, h.db.Model(&models.LedgerEntry{}).Count(&blocks).Error)
	assert.Equal(t, int64(1), blocks)

	org := h.organization(t)
	assert.Equal(t, "1", org.IntegrityScore.String())
}

func TestProcess_CriticalResultNotifiesAndPenalizes(t *testing.T) {
	h := newHarness(t)
	h.fake.set(criticalResult(), nil)
	msg := h.enqueue(t)

	outcome := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeSucceeded, outcome.State)

	require.NoError(t, h.gw.WithTenant(context.Background(), h.orgID, func(tx *tenant.Tx) error {
		count, err := models.CountNotificationsForEntry(tx, msg.AuditLogEntryId)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		return nil
	}))

	org := h.organization(t)
	assert.Equal(t, "-5", org.IntegrityScore.String())
}

func TestProcess_AsyncTriggerThenPollToSuccess(t *testing.T) {
	h := newHarness(t)
	h.fake.set(map[string]any{"task_id": "celery-42"}, map[string]any{"status": "PENDING"})
	msg := h.enqueue(t)

	// First attempt dispatches and parks the job.
	outcome := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomePending, outcome.State)

	var job models.AnalysisJobRecord
	require.NoError(t, h.db.Where("id = ?", msg.ID).First(&job).Error)
	require.NotNil(t, job.ExternalTaskId)
	assert.Equal(t, "celery-42", *job.ExternalTaskId)

	// Second attempt polls; task still running.
	msg = models.ConvertToJobMessage(job)
	outcome = h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomePending, outcome.State)

	// Third attempt sees the completed task.
	h.fake.set(nil, map[string]any{"status": "SUCCESS", "result": cleanResult()})
	outcome = h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeSucceeded, outcome.State)

	entry := h.auditEntry(t, msg.AuditLogEntryId)
	assert.Equal(t, models.AuditStatusVerified, entry.Status)
}

func TestProcess_EngineFailureFlagsEntry(t *testing.T) {
	h := newHarness(t)
	h.fake.set(map[string]any{"task_id": "celery-9"}, map[string]any{"status": "FAILURE"})
	msg := h.enqueue(t)

	outcome := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomePending, outcome.State)

	var job models.AnalysisJobRecord
	require.NoError(t, h.db.Where("id = ?", msg.ID).First(&job).Error)
	msg = models.ConvertToJobMessage(job)

	outcome = h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeFailed, outcome.State)
	assert.Error(t, outcome.Err)

	entry := h.auditEntry(t, msg.AuditLogEntryId)
	assert.Equal(t, models.AuditStatusFlagged, entry.Status)

	// No evidence block is sealed for a failed analysis.
	var blocks int64
	require.NoError(t, h.db.Model(&models.LedgerEntry{}).Count(&blocks).Error)
	assert.Zero(t, blocks)
}

func TestProcess_DuplicateDeliveryAppliesResultOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.set(criticalResult(), nil)
	msg := h.enqueue(t)

	first := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeSucceeded, first.State)
	second := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeSucceeded, second.State)

	require.NoError(t, h.gw.WithTenant(context.Background(), h.orgID, func(tx *tenant.Tx) error {
		count, err := models.CountNotificationsForEntry(tx, msg.AuditLogEntryId)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		return nil
	}))

	var blocks int64
	require.NoError(t, h.db.Model(&models.LedgerEntry{}).Count(&blocks).Error)
	assert.Equal(t, int64(1), blocks)

	// The score delta landed exactly once.
	org := h.organization(t)
	assert.Equal(t, "-5", org.IntegrityScore.String())
}

func TestProcess_UnknownAnalysisTypeFails(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t)
	msg.Type = "PHRENOLOGY"

	outcome := h.orch.Process(context.Background(), msg)
	require.Equal(t, OutcomeFailed, outcome.State)
	assert.Error(t, outcome.Err)
}
