package models

import "errors"

type AuditStatus string

const (
	AuditStatusPending  AuditStatus = "PENDING"
	AuditStatusVerified AuditStatus = "VERIFIED"
	AuditStatusFlagged  AuditStatus = "FLAGGED"
)

type ChainType string

const (
	ChainTypeGovernance ChainType = "GOVERNANCE"
	ChainTypeIncident   ChainType = "INCIDENT"
)

// AnalysisType is the fixed set of analysis kinds the external engine accepts.
type AnalysisType string

const (
	AnalysisTypeDisparateImpact AnalysisType = "DISPARATE_IMPACT"
	AnalysisTypeEqualizedOdds   AnalysisType = "EQUALIZED_ODDS"
	AnalysisTypeIntersectional  AnalysisType = "INTERSECTIONAL"
	AnalysisTypeDrift           AnalysisType = "DRIFT"
)

func ParseAnalysisType(s string) (AnalysisType, error) {
	switch AnalysisType(s) {
	case AnalysisTypeDisparateImpact, AnalysisTypeEqualizedOdds, AnalysisTypeIntersectional, AnalysisTypeDrift:
		return AnalysisType(s), nil
	default:
		return "", errors.New("invalid analysis type: " + s)
	}
}

// Job processing lifecycle on the outbox row.
const (
	JobProcessStatusPending    = "PENDING"
	JobProcessStatusProcessing = "PROCESSING"
	JobProcessStatusSucceeded  = "SUCCEEDED"
	JobProcessStatusFailed     = "FAILED"
	JobProcessStatusDead       = "DEAD"
)

// Publish lifecycle on the outbox row (dispatch to Pub/Sub after commit).
const (
	JobPublishStatusPending    = "PENDING"
	JobPublishStatusProcessing = "PROCESSING"
	JobPublishStatusSent       = "SENT"
	JobPublishStatusFailed     = "FAILED"
	JobPublishStatusDead       = "DEAD"
)

type NotificationSeverity string

const (
	NotificationSeverityCritical NotificationSeverity = "CRITICAL"
	NotificationSeverityWarning  NotificationSeverity = "WARNING"
)

type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "ACTIVE"
	OrganizationStatusSuspended OrganizationStatus = "SUSPENDED"
	OrganizationStatusArchived  OrganizationStatus = "ARCHIVED"
)

type IncidentSeverity string

const (
	IncidentSeverityLow      IncidentSeverity = "LOW"
	IncidentSeverityMedium   IncidentSeverity = "MEDIUM"
	IncidentSeverityHigh     IncidentSeverity = "HIGH"
	IncidentSeverityCritical IncidentSeverity = "CRITICAL"
)

func ParseIncidentSeverity(s string) (IncidentSeverity, error) {
	switch IncidentSeverity(s) {
	case IncidentSeverityLow, IncidentSeverityMedium, IncidentSeverityHigh, IncidentSeverityCritical:
		return IncidentSeverity(s), nil
	default:
		return "", errors.New("invalid incident severity: " + s)
	}
}

type RequirementStatus string

const (
	RequirementStatusOpen      RequirementStatus = "OPEN"
	RequirementStatusSatisfied RequirementStatus = "SATISFIED"
	RequirementStatusWaived    RequirementStatus = "WAIVED"
)
