package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/engine"
	"github.com/veridiahq/aegis_backend/ledger"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
)

const resultHandlerName = "AnalysisResult"

// Integrity score deltas. A verified clean result earns credit; a critical
// breach costs more than a clean run earns.
var (
	scoreDeltaVerified = decimal.RequireFromString("1")
	scoreDeltaCritical = decimal.RequireFromString("-5")
)

// Orchestrator drives one analysis job from trigger through polling to sealed
// result. All collaborators are injected so isolated instances can run in tests.
type Orchestrator struct {
	Gateway *tenant.Gateway
	Ledger  *ledger.Ledger
	Engine  *engine.Client
	Logger  *logrus.Logger
}

func NewOrchestrator(gateway *tenant.Gateway, l *ledger.Ledger, client *engine.Client, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{Gateway: gateway, Ledger: l, Engine: client, Logger: logger}
}

// Process runs one attempt of one job. The returned Outcome tells the worker
// what to do: Pending schedules a backoff retry, Failed consumes an attempt from
// the queue budget, Succeeded finishes the job.
func (o *Orchestrator) Process(ctx context.Context, msg config.AnalysisJobMessage) Outcome {
	analysisType, err := models.ParseAnalysisType(msg.Type)
	if err != nil {
		return Failed(err, "unknown analysis type")
	}
	// A consumer that already bound an organization into the context may not
	// process another organization's job.
	if bound, ok := utils.GetOrganizationIdFromContext(ctx); ok && bound != msg.OrganizationId {
		return Failed(utils.NewSecurityError("job organization does not match caller"), "organization mismatch")
	}
	if msg.OrganizationId == "" || msg.AuditLogEntryId == "" {
		return Failed(errors.New("job is missing organization or audit entry id"), "invalid job")
	}

	// No external id yet: first pickup, dispatch to the engine.
	if msg.ExternalTaskId == "" {
		trig, err := o.Engine.Trigger(ctx, analysisType, msg.Payload)
		if err != nil {
			return Failed(err, "engine trigger failed")
		}
		if trig.Completed {
			if err := o.processResult(ctx, msg, trig.Result); err != nil {
				return o.resultFailure(ctx, msg, err)
			}
			return Succeeded()
		}
		if err := o.persistExternalTaskId(ctx, msg, trig.TaskID); err != nil {
			return Failed(err, "could not persist external task id")
		}
		return Pending("engine accepted task " + trig.TaskID)
	}

	// External id stored: poll the status endpoint.
	poll, err := o.Engine.PollTask(ctx, msg.ExternalTaskId)
	if err != nil {
		return Failed(err, "engine poll failed")
	}
	switch poll.Status {
	case engine.TaskStatusSuccess:
		if poll.Result == nil {
			return Failed(errors.New("engine reported SUCCESS without a result"), "empty result")
		}
		if err := o.processResult(ctx, msg, poll.Result); err != nil {
			return o.resultFailure(ctx, msg, err)
		}
		return Succeeded()
	case engine.TaskStatusFailure, engine.TaskStatusRevoked:
		reason := fmt.Sprintf("engine task %s ended %s", msg.ExternalTaskId, poll.Status)
		if err := o.flagEntry(ctx, msg, reason); err != nil {
			return Failed(err, "could not flag audit entry")
		}
		return Failed(errors.New(reason), "engine analysis failed")
	default:
		return Pending("engine task " + msg.ExternalTaskId + " still " + string(poll.Status))
	}
}

// processResult applies a successful engine result exactly once, atomically:
// audit entry update, breach notification, ledger seal and integrity score all
// commit together or not at all. Re-delivery of the same result is absorbed by
// the idempotency key.
func (o *Orchestrator) processResult(ctx context.Context, msg config.AnalysisJobMessage, result *engine.AnalysisResult) error {
	var archived []byte

	err := o.Gateway.WithTenant(ctx, msg.OrganizationId, func(tx *tenant.Tx) error {
		skip, err := BeginIdempotency(tx.DB, msg.OrganizationId, resultHandlerName, msg.AuditLogEntryId)
		if err != nil {
			return err
		}
		if skip {
			o.logInfo(ctx, msg, "result already applied; skipping")
			return nil
		}

		resultPayload, err := json.Marshal(result)
		if err != nil {
			return err
		}
		usage, err := json.Marshal(result.ResourceUsage)
		if err != nil {
			return err
		}
		if err := models.ApplyVerifiedResult(tx, msg.AuditLogEntryId, resultPayload, result.IntegrityHash, result.Signature, usage); err != nil {
			return err
		}

		scoreDelta := scoreDeltaVerified
		if result.IsCritical() {
			scoreDelta = scoreDeltaCritical
			org, err := models.GetOrganization(tx)
			if err != nil {
				return err
			}
			title := "Compliance threshold breach"
			message := fmt.Sprintf("analysis %s breached a drift or bias threshold (disparity=%s drift=%s)",
				msg.Type, result.BiasDisparity.String(), result.DriftScore.String())
			if _, err := models.CreateNotification(tx, msg.AuditLogEntryId, models.NotificationSeverityCritical, title, message, org.NotifyPhone); err != nil {
				return err
			}
		}

		sealContent := map[string]any{
			"audit_log_entry_id": msg.AuditLogEntryId,
			"event_type":         msg.Type,
			"integrity_hash":     result.IntegrityHash,
			"signature":          result.Signature,
			"bias_disparity":     result.BiasDisparity,
			"drift_score":        result.DriftScore,
			"findings":           result.Findings,
		}
		entry, err := o.Ledger.SealBlock(ctx, tx, models.ChainTypeGovernance, sealContent)
		if err != nil {
			return err
		}
		archived = entry.Content

		if _, err := models.AdjustIntegrityScore(tx, scoreDelta); err != nil {
			return err
		}

		return MarkIdempotencySucceeded(tx.DB, msg.OrganizationId, resultHandlerName, msg.AuditLogEntryId)
	})
	if err != nil {
		return err
	}

	// Evidence archival is best-effort and outside the transaction: the ledger
	// row is the source of truth, the bucket is a regulator-facing copy.
	if archived != nil && strings.TrimSpace(os.Getenv("GCS_EVIDENCE_BUCKET")) != "" {
		if aerr := utils.ArchiveEvidenceToGCS(ctx, msg.OrganizationId, msg.AuditLogEntryId, archived); aerr != nil {
			config.LogError(o.Logger, "analysisWorkflow.go", "processResult", "ArchiveEvidenceToGCS", msg.AuditLogEntryId, aerr)
		}
	}
	return nil
}

func (o *Orchestrator) flagEntry(ctx context.Context, msg config.AnalysisJobMessage, reason string) error {
	return o.Gateway.WithTenant(ctx, msg.OrganizationId, func(tx *tenant.Tx) error {
		return models.FlagAuditLogEntry(tx, msg.AuditLogEntryId, reason)
	})
}

func (o *Orchestrator) persistExternalTaskId(ctx context.Context, msg config.AnalysisJobMessage, taskID string) error {
	return o.Gateway.WithTenant(ctx, msg.OrganizationId, func(tx *tenant.Tx) error {
		res := tx.DB.Model(&models.AnalysisJobRecord{}).
			Where("id = ?", msg.ID).
			Update("external_task_id", &taskID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorRecordNotFound
		}
		return nil
	})
}

// resultFailure translates a processResult error into an outcome. Another
// worker mid-flight on the same result is not a failure. For real failures the
// idempotency key is marked in its own transaction so the next attempt is not
// held behind the in-progress window; the failed transaction itself rolled back.
func (o *Orchestrator) resultFailure(ctx context.Context, msg config.AnalysisJobMessage, cause error) Outcome {
	if errors.Is(cause, ErrIdempotencyInProgress) {
		return Pending("result application already in progress")
	}
	if err := o.Gateway.WithTenant(ctx, msg.OrganizationId, func(tx *tenant.Tx) error {
		return MarkIdempotencyFailed(tx.DB, msg.OrganizationId, resultHandlerName, msg.AuditLogEntryId, cause)
	}); err != nil {
		config.LogError(o.Logger, "analysisWorkflow.go", "resultFailure", "MarkIdempotencyFailed", msg.AuditLogEntryId, err)
	}
	return Failed(cause, "result processing failed")
}

func (o *Orchestrator) logInfo(ctx context.Context, msg config.AnalysisJobMessage, text string) {
	if o.Logger == nil {
		return
	}
	actor, _ := utils.GetUserNameFromContext(ctx)
	o.Logger.WithFields(logrus.Fields{
		"field":              "AnalysisWorkflow",
		"organization_id":    msg.OrganizationId,
		"audit_log_entry_id": msg.AuditLogEntryId,
		"job_id":             msg.ID,
		"actor":              actor,
	}).Info(text)
}
