package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/veridiahq/aegis_backend/config"
	"github.com/veridiahq/aegis_backend/engine"
	"github.com/veridiahq/aegis_backend/ledger"
	"github.com/veridiahq/aegis_backend/middlewares"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/models/reports"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"github.com/veridiahq/aegis_backend/workflow"
	"github.com/xuri/excelize/v2"
)

const defaultPort = "8080"

// Wired in main after the database connection is established. The readiness
// gate returns 503 until then, so handlers never observe a nil gateway.
var (
	appGateway      *tenant.Gateway
	appLedger       *ledger.Ledger
	appOrchestrator *workflow.Orchestrator
)

type pushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// authorizeOrganization ensures the session user may act on the given
// organization. Admin users may act on any organization; everyone else only on
// their own.
func authorizeOrganization(ctx context.Context, organizationId string) error {
	claims := middlewares.CtxValue(ctx)
	if claims == nil {
		return errors.New("unauthorized")
	}
	if organizationId == "" {
		return errors.New("organization_id is required")
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	if claims.OrganizationId != organizationId {
		return errors.New("unauthorized")
	}
	return nil
}

func authorizeAdminOnly(ctx context.Context) error {
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	return errors.New("unauthorized")
}

// resolveOrganizationId picks the organization a request acts on. Non-admin
// callers are pinned to their token's organization regardless of what they ask
// for; admins may select one explicitly.
func resolveOrganizationId(c *gin.Context) (string, error) {
	claims := middlewares.CtxValue(c.Request.Context())
	if claims == nil {
		return "", errors.New("unauthorized")
	}
	requested := c.Query("organization_id")
	if requested == "" {
		requested = claims.OrganizationId
	}
	if err := authorizeOrganization(c.Request.Context(), requested); err != nil {
		return "", err
	}
	return requested, nil
}

type loginRequest struct {
	OrganizationId string `json:"organization_id" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		var token string
		err := appGateway.WithTenant(c.Request.Context(), req.OrganizationId, func(tx *tenant.Tx) error {
			user, err := models.GetUserByEmail(tx, req.Email)
			if err != nil {
				return errors.New("invalid credentials")
			}
			if user.IsActive != nil && !*user.IsActive {
				return errors.New("invalid credentials")
			}
			if err := utils.ComparePassword(user.PasswordHash, req.Password); err != nil {
				return errors.New("invalid credentials")
			}
			token, err = utils.JwtGenerate(user.ID, user.Role, user.OrganizationId)
			return err
		})
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

func meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middlewares.CtxValue(c.Request.Context())
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		_, authenticated := utils.GetTokenFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"user_id":         claims.ID,
			"role":            claims.Role,
			"organization_id": claims.OrganizationId,
			"authenticated":   authenticated,
		})
	}
}

type enqueueAnalysisRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func enqueueAnalysisHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req enqueueAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		analysisType, err := models.ParseAnalysisType(req.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := middlewares.CtxValue(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())

		var entry *models.AuditLogEntry
		var job *models.AnalysisJobRecord
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			entry, job, err = models.EnqueueAnalysis(tx, analysisType, req.Payload, claims.ID, cid)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"audit_log_entry_id": entry.ID,
			"status":             entry.Status,
			"job_id":             job.ID,
			"organization_id":    organizationId,
			"correlation_id":     job.CorrelationId,
		})
	}
}

func getAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var entry *models.AuditLogEntry
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			entry, err = models.GetAuditLogEntry(tx, c.Param("id"))
			return err
		})
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func listAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 100
		if v := c.Query("limit"); v != "" {
			if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
				limit = minInt(n, 500)
			}
		}

		var entries []models.AuditLogEntry
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			entries, err = models.ListAuditLogEntries(tx, limit)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var notifications []models.Notification
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			notifications, err = models.ListNotifications(tx, 100)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": notifications})
	}
}

type createIncidentRequest struct {
	Severity        string  `json:"severity" binding:"required"`
	Title           string  `json:"title" binding:"required"`
	Description     string  `json:"description"`
	AuditLogEntryId *string `json:"audit_log_entry_id"`
}

func createIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req createIncidentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		severity, err := models.ParseIncidentSeverity(req.Severity)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Incident creation is itself a governance action: the incident row and
		// its incident-chain block commit or roll back together.
		var incident *models.Incident
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			incident, err = models.CreateIncident(tx, severity, req.Title, req.Description, req.AuditLogEntryId)
			if err != nil {
				return err
			}
			_, err = appLedger.SealBlock(c.Request.Context(), tx, models.ChainTypeIncident, map[string]interface{}{
				"action":             "incident.created",
				"incident_id":        incident.ID,
				"severity":           incident.Severity,
				"title":              incident.Title,
				"audit_log_entry_id": incident.AuditLogEntryId,
			})
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, incident)
	}
}

func listIncidentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var incidents []models.Incident
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			incidents, err = models.ListOpenIncidents(tx)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"incidents": incidents})
	}
}

type createRequirementRequest struct {
	Code  string `json:"code" binding:"required"`
	Title string `json:"title" binding:"required"`
}

func createRequirementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req createRequirementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		var requirement *models.Requirement
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			requirement, err = models.CreateRequirement(tx, req.Code, req.Title)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, requirement)
	}
}

func listRequirementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var requirements []models.Requirement
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			requirements, err = models.ListRequirements(tx)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requirements": requirements})
	}
}

type satisfyRequirementRequest struct {
	EvidenceEntryId string `json:"evidence_entry_id" binding:"required"`
}

func satisfyRequirementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		requirementId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid requirement id"})
			return
		}

		var req satisfyRequirementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			entry, err := models.GetAuditLogEntry(tx, req.EvidenceEntryId)
			if err != nil {
				return err
			}
			if entry.Status != models.AuditStatusVerified {
				return errors.New("evidence entry is not verified")
			}
			if err := models.SatisfyRequirement(tx, requirementId, entry.ID); err != nil {
				return err
			}
			_, err = appLedger.SealBlock(c.Request.Context(), tx, models.ChainTypeGovernance, map[string]interface{}{
				"action":            "requirement.satisfied",
				"requirement_id":    requirementId,
				"evidence_entry_id": entry.ID,
			})
			return err
		})
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func parseChainType(c *gin.Context) (models.ChainType, error) {
	raw := c.DefaultQuery("chain_type", string(models.ChainTypeGovernance))
	switch models.ChainType(raw) {
	case models.ChainTypeGovernance, models.ChainTypeIncident:
		return models.ChainType(raw), nil
	default:
		return "", fmt.Errorf("invalid chain_type: %s", raw)
	}
}

func verifyChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		chainType, err := parseChainType(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var result *ledger.VerificationResult
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			result, err = appLedger.VerifyChain(c.Request.Context(), tx, chainType)
			return err
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func exportLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		chainType, err := parseChainType(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var file *excelize.File
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			f, buildErr := reports.BuildLedgerExcel(tx, chainType)
			if buildErr != nil {
				return buildErr
			}
			file = f
			return nil
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=ledger.xlsx")
		if err := file.Write(c.Writer); err != nil {
			c.Status(http.StatusInternalServerError)
		}
	}
}

func integrityScoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationId(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var score string
		err = appGateway.WithTenant(c.Request.Context(), organizationId, func(tx *tenant.Tx) error {
			s, scoreErr := models.GetCachedIntegrityScore(tx)
			if scoreErr != nil {
				return scoreErr
			}
			score = s.String()
			return nil
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organization_id": organizationId, "integrity_score": score})
	}
}

type createOrganizationRequest struct {
	Name string `json:"name" binding:"required"`
	// Optional first compliance-officer account for the new organization.
	OfficerEmail    string `json:"officer_email" binding:"omitempty,email"`
	OfficerName     string `json:"officer_name"`
	OfficerPassword string `json:"officer_password"`
}

func createOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req createOrganizationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		claims := middlewares.CtxValue(c.Request.Context())
		var org *models.Organization
		err := appGateway.WithSystemAccess(c.Request.Context(), func(tx *tenant.SystemTx) error {
			created, createErr := models.CreateOrganization(tx, req.Name)
			if createErr != nil {
				return createErr
			}
			org = created
			return nil
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.OfficerEmail != "" {
			err = appGateway.WithTenant(c.Request.Context(), org.ID, func(tx *tenant.Tx) error {
				_, userErr := models.CreateUser(tx, req.OfficerEmail, req.OfficerName, "officer", req.OfficerPassword)
				return userErr
			})
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		// Administrative actions land on the global chain.
		if _, auditErr := workflow.RecordSystemAction(c.Request.Context(), appGateway, appLedger,
			"organization.created", strconv.Itoa(claims.ID),
			map[string]string{"organization_id": org.ID, "name": org.Name}); auditErr != nil {
			config.LogError(config.GetLogger(), "server.go", "createOrganizationHandler", "record system action", org.ID, auditErr)
		}

		c.JSON(http.StatusCreated, org)
	}
}

type suspendOrganizationRequest struct {
	OrganizationId string `json:"organization_id" binding:"required"`
}

func suspendOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req suspendOrganizationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		claims := middlewares.CtxValue(c.Request.Context())
		err := appGateway.WithSystemAccess(c.Request.Context(), func(tx *tenant.SystemTx) error {
			return models.SuspendOrganization(tx, req.OrganizationId)
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if _, auditErr := workflow.RecordSystemAction(c.Request.Context(), appGateway, appLedger,
			"organization.suspended", strconv.Itoa(claims.ID),
			map[string]string{"organization_id": req.OrganizationId}); auditErr != nil {
			config.LogError(config.GetLogger(), "server.go", "suspendOrganizationHandler", "record system action", req.OrganizationId, auditErr)
		}

		c.JSON(http.StatusOK, gin.H{"organization_id": req.OrganizationId, "status": models.OrganizationStatusSuspended})
	}
}

func verifySystemChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var result *ledger.VerificationResult
		err := appGateway.WithSystemAccess(c.Request.Context(), func(tx *tenant.SystemTx) error {
			r, verifyErr := appLedger.VerifySystemChain(c.Request.Context(), tx)
			if verifyErr != nil {
				return verifyErr
			}
			result = r
			return nil
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type jobReplayRequest struct {
	OrganizationId string `json:"organization_id"`
	RecordId       int    `json:"record_id"`
}

// jobReplayHandler requeues a DEAD/FAILED job after the underlying cause has
// been fixed. Ops tooling, admin only.
func jobReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req jobReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.OrganizationId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.AnalysisJobRecord{}).
			Where("id = ? AND organization_id = ?", req.RecordId, req.OrganizationId).
			Updates(map[string]interface{}{
				"processing_status":       models.JobProcessStatusPending,
				"process_attempts":        0,
				"next_process_attempt_at": &now,
				"locked_at":               nil,
				"locked_by":               nil,
				"last_process_error":      nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		actorId, _ := utils.GetUserIdFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":           "OpsJobReplay",
			"organization_id": req.OrganizationId,
			"record_id":       req.RecordId,
			"actor_id":        actorId,
		}).Info("analysis job reset for replay")

		c.JSON(http.StatusOK, gin.H{
			"organization_id":   req.OrganizationId,
			"record_id":         req.RecordId,
			"processing_status": models.JobProcessStatusPending,
		})
	}
}

// analysisPushHandler accepts Pub/Sub push delivery. The Redis lock is a
// best-effort optimization; correctness does not depend on it because the
// orchestrator dedupes through DB idempotency keys.
func analysisPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "analysisPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var envelope pushEnvelope
		if err := utils.UnmarshalFromJSON(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "analysisPushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.AnalysisJobMessage
		if err := utils.UnmarshalFromJSON(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "analysisPushHandler", "Unmarshal pubsub message", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.OrganizationId == "" || m.AuditLogEntryId == "" {
			config.LogError(logger, "server.go", "analysisPushHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("organization_id/audit_log_entry_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}

		var lock *redislock.Lock
		if redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.OrganizationId), 30*time.Second, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field":              "analysisPushHandler",
					"organization_id":    m.OrganizationId,
					"audit_log_entry_id": m.AuditLogEntryId,
					"message_id":         envelope.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":           "analysisPushHandler",
					"organization_id": m.OrganizationId,
					"message_id":      envelope.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), m.OrganizationId)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

		db := config.GetDB()
		markJobProcessing(ctx, db, m.ID)
		outcome := appOrchestrator.Process(ctx, m)
		switch outcome.State {
		case workflow.OutcomeSucceeded:
			markJobSuccess(ctx, db, logger, m.ID, m.OrganizationId)
			c.Status(http.StatusNoContent)
		case workflow.OutcomePending:
			dead := markJobAttemptSpent(ctx, db, logger, m.ID, false, outcome.Reason)
			if dead {
				c.Status(http.StatusNoContent)
				return
			}
			// Non-2xx tells Pub/Sub to redeliver after its own backoff.
			c.Status(http.StatusInternalServerError)
		default:
			reason := outcome.Reason
			if outcome.Err != nil {
				reason = outcome.Err.Error()
			}
			logger.WithFields(logrus.Fields{
				"field":              "analysisPushHandler",
				"organization_id":    m.OrganizationId,
				"audit_log_entry_id": m.AuditLogEntryId,
				"message_id":         envelope.Message.ID,
				"correlation_id":     correlationID,
			}).Error("pubsub processing failed: " + reason)
			dead := markJobAttemptSpent(ctx, db, logger, m.ID, true, reason)
			if dead {
				c.Status(http.StatusNoContent)
				return
			}
			c.Status(http.StatusInternalServerError)
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || appGateway == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/api/v1/auth/login", loginHandler())
	r.GET("/api/v1/auth/me", meHandler())
	r.POST("/api/v1/analyses", enqueueAnalysisHandler())
	r.GET("/api/v1/audit-logs", listAuditLogsHandler())
	r.GET("/api/v1/audit-logs/:id", getAuditLogHandler())
	r.GET("/api/v1/notifications", listNotificationsHandler())
	r.POST("/api/v1/incidents", createIncidentHandler())
	r.GET("/api/v1/incidents", listIncidentsHandler())
	r.POST("/api/v1/requirements", createRequirementHandler())
	r.GET("/api/v1/requirements", listRequirementsHandler())
	r.POST("/api/v1/requirements/:id/satisfy", satisfyRequirementHandler())
	r.GET("/api/v1/ledger/verify", verifyChainHandler())
	r.GET("/api/v1/ledger/export", exportLedgerHandler())
	r.GET("/api/v1/integrity-score", integrityScoreHandler())
	r.POST("/pubsub", analysisPushHandler())
	// Platform internals (admin only).
	r.POST("/internal/organizations", createOrganizationHandler())
	r.POST("/internal/organizations/suspend", suspendOrganizationHandler())
	r.GET("/internal/system-chain/verify", verifySystemChainHandler())
	// Ops tooling: requeue jobs that were marked DEAD/FAILED.
	r.POST("/internal/ops/jobs/replay", jobReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.AutoMigrate(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engineClient, err := engine.NewClientFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Panic(err.Error())
	}

	appGateway = tenant.NewGateway(db)
	appLedger = ledger.NewLedger(&ledger.MySQLAdvisoryLocker{})
	appOrchestrator = workflow.NewOrchestrator(appGateway, appLedger, engineClient, logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Outbox dispatcher publishes AFTER commit; only useful when Pub/Sub is configured.
	if os.Getenv("PUBSUB_TOPIC") != "" {
		go workflow.NewJobDispatcher(db, logger).Run(workerCtx)
		if os.Getenv("PUBSUB_SUBSCRIPTION") != "" {
			if err := RunAnalysisSubscriber(appOrchestrator); err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Error("failed to start analysis subscriber: " + err.Error())
			}
		}
	}
	if shouldRunDirectJobProcessor() {
		go NewAnalysisJobProcessor(db, appOrchestrator, logger).Run(workerCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
