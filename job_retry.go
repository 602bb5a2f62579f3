package main

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/models"
	"gorm.io/gorm"
)

type jobRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getJobRetryConfig() jobRetryConfig {
	return jobRetryConfig{
		maxAttempts: config.IntFromEnv("ANALYSIS_MAX_ATTEMPTS", 3),
		baseBackoff: time.Duration(config.IntFromEnv("ANALYSIS_BASE_BACKOFF_SECONDS", 5)) * time.Second,
		maxBackoff:  time.Duration(config.IntFromEnv("ANALYSIS_MAX_BACKOFF_SECONDS", 600)) * time.Second,
	}
}

func jobBackoff(attempt int, cfg jobRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

func markJobProcessing(ctx context.Context, db *gorm.DB, id int) {
	if id <= 0 {
		return
	}
	_ = db.WithContext(ctx).
		Model(&models.AnalysisJobRecord{}).
		Where("id = ? AND processing_status <> ?", id, models.JobProcessStatusDead).
		Updates(map[string]interface{}{
			"processing_status": models.JobProcessStatusProcessing,
		}).Error
}

// markJobAttemptSpent schedules the next attempt or, once the budget is spent,
// moves the job to DEAD. Returns whether the record is now DEAD. Used for both
// failed and pending attempts: a job that never completes is attempted exactly
// maxAttempts times, then stops. The audit entry keeps whatever status the last
// attempt left behind; only the job row is marked.
func markJobAttemptSpent(ctx context.Context, db *gorm.DB, logger *logrus.Logger, id int, failed bool, note string) bool {
	if id <= 0 {
		return false
	}

	cfg := getJobRetryConfig()
	now := time.Now().UTC()

	var rec models.AnalysisJobRecord
	if qerr := db.WithContext(ctx).
		Select("id,organization_id,audit_log_entry_id,process_attempts").
		Where("id = ?", id).
		First(&rec).Error; qerr != nil {
		_ = db.WithContext(ctx).Model(&models.AnalysisJobRecord{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"last_process_error": &note,
				"locked_at":          nil,
				"locked_by":          nil,
				"processing_status":  models.JobProcessStatusFailed,
			}).Error
		return false
	}

	attempts := rec.ProcessAttempts + 1
	status := models.JobProcessStatusPending
	if failed {
		status = models.JobProcessStatusFailed
	}

	var nextAttemptAt *time.Time
	if attempts >= cfg.maxAttempts {
		status = models.JobProcessStatusDead
		nextAttemptAt = nil
	} else {
		t := now.Add(jobBackoff(attempts, cfg))
		nextAttemptAt = &t
	}

	var lastErr *string
	if note != "" {
		lastErr = &note
	}
	_ = db.WithContext(ctx).Model(&models.AnalysisJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_process_error":      lastErr,
			"process_attempts":        attempts,
			"next_process_attempt_at": nextAttemptAt,
			"processing_status":       status,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error

	dead := status == models.JobProcessStatusDead
	if logger != nil && (failed || dead) {
		entry := logger.WithFields(logrus.Fields{
			"field":              "AnalysisJobProcessing",
			"organization_id":    rec.OrganizationId,
			"audit_log_entry_id": rec.AuditLogEntryId,
			"record_id":          rec.ID,
			"processing_status":  status,
			"process_attempts":   attempts,
		})
		if dead {
			entry.Error("analysis job exhausted its retry budget: " + note)
		} else {
			entry.Error("analysis job attempt failed: " + note)
		}
	}

	return dead
}

func markJobSuccess(ctx context.Context, db *gorm.DB, logger *logrus.Logger, id int, organizationId string) {
	if id <= 0 {
		return
	}
	now := time.Now().UTC()

	// Do not override terminal DEAD rows.
	_ = db.WithContext(ctx).Model(&models.AnalysisJobRecord{}).
		Where("id = ? AND processing_status <> ?", id, models.JobProcessStatusDead).
		Updates(map[string]interface{}{
			"processing_status":       models.JobProcessStatusSucceeded,
			"processed_at":            &now,
			"next_process_attempt_at": nil,
			"last_process_error":      nil,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":             "AnalysisJobProcessing",
			"organization_id":   organizationId,
			"record_id":         id,
			"processing_status": models.JobProcessStatusSucceeded,
		}).Info("analysis job processed successfully")
	}
}
