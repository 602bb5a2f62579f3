package main

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/utils"
	"github.com/veridiahq/aegis_backend/workflow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisJobProcessor claims due analysis jobs from the outbox and drives them
// through the orchestrator. It runs without Pub/Sub and doubles as a safety-net
// worker when Pub/Sub delivery is misconfigured: processing is guarded by DB
// idempotency keys, so at-least-once execution is safe.
type AnalysisJobProcessor struct {
	DB           *gorm.DB
	Orchestrator *workflow.Orchestrator
	Logger       *logrus.Logger
	WorkerID     string
	BatchSize    int
	Concurrency  int
	Interval     time.Duration
	LockTTL      time.Duration
}

func NewAnalysisJobProcessor(db *gorm.DB, orch *workflow.Orchestrator, logger *logrus.Logger) *AnalysisJobProcessor {
	return &AnalysisJobProcessor{
		DB:           db,
		Orchestrator: orch,
		Logger:       logger,
		WorkerID:     "worker-" + time.Now().Format("20060102-150405.000"),
		BatchSize:    50,
		Concurrency:  config.IntFromEnv("ANALYSIS_WORKER_CONCURRENCY", 5),
		Interval:     2 * time.Second,
		LockTTL:      30 * time.Second,
	}
}

func shouldRunDirectJobProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("ANALYSIS_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	// Default on. To rely exclusively on Pub/Sub delivery, set
	// ANALYSIS_DIRECT_PROCESSING=false.
	return true
}

func (p *AnalysisJobProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Orchestrator == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *AnalysisJobProcessor) processOnce(ctx context.Context) {
	claimed := p.claimDue(ctx)
	if len(claimed) == 0 {
		return
	}

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan models.AnalysisJobRecord)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				p.handleOne(ctx, rec)
			}
		}()
	}
	for _, rec := range claimed {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()
}

// claimDue locks a batch of jobs eligible for an attempt: PENDING or FAILED
// rows whose backoff has elapsed, plus PROCESSING rows whose lock went stale
// (crashed worker). DEAD rows are terminal and never reclaimed.
func (p *AnalysisJobProcessor) claimDue(ctx context.Context) []models.AnalysisJobRecord {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.AnalysisJobRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(
				"(processing_status IN (?, ?) AND (next_process_attempt_at IS NULL OR next_process_attempt_at <= ?))"+
					" OR (processing_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
				models.JobProcessStatusPending, models.JobProcessStatusFailed, now,
				models.JobProcessStatusProcessing, staleBefore,
			).
			Where("locked_at IS NULL OR locked_at <= ?", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.AnalysisJobRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at":         claimed[i].LockedAt,
					"locked_by":         claimed[i].LockedBy,
					"processing_status": models.JobProcessStatusProcessing,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if p.Logger != nil {
			config.LogError(p.Logger, "AnalysisJobProcessor", "claimDue", "claim transaction", nil, err)
		}
		return nil
	}
	return claimed
}

func (p *AnalysisJobProcessor) handleOne(ctx context.Context, rec models.AnalysisJobRecord) {
	msg := models.ConvertToJobMessage(rec)
	procCtx := utils.SetOrganizationIdInContext(ctx, rec.OrganizationId)
	procCtx = utils.SetUserNameInContext(procCtx, "System")
	procCtx = utils.SetCorrelationIdInContext(procCtx, rec.CorrelationId)

	outcome := p.Orchestrator.Process(procCtx, msg)
	switch outcome.State {
	case workflow.OutcomeSucceeded:
		markJobSuccess(ctx, p.DB, p.Logger, rec.ID, rec.OrganizationId)
	case workflow.OutcomePending:
		// Not done yet: the engine task is still running. A pending poll
		// spends an attempt like a failure does, so a task that never
		// completes stops being polled once the budget runs out.
		markJobAttemptSpent(ctx, p.DB, p.Logger, rec.ID, false, outcome.Reason)
	default:
		reason := outcome.Reason
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		markJobAttemptSpent(ctx, p.DB, p.Logger, rec.ID, true, reason)
	}
}
