package engine

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/veridiahq/aegis_backend/models"
)

// TaskStatus is the lifecycle of an asynchronous engine task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusStarted TaskStatus = "STARTED"
	TaskStatusRetry   TaskStatus = "RETRY"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailure TaskStatus = "FAILURE"
	TaskStatusRevoked TaskStatus = "REVOKED"
)

// Critical-finding thresholds. BiasDisparity below the four-fifths ratio, or
// drift above DriftThreshold, is a threshold breach.
var (
	DisparityThreshold = decimal.RequireFromString("0.8")
	DriftThreshold     = decimal.RequireFromString("0.25")
)

// ResourceUsage is the engine-reported cost of producing a result.
type ResourceUsage struct {
	CPUSeconds decimal.Decimal `json:"cpu_seconds"`
	MemoryMB   int64           `json:"memory_mb"`
	DurationMs int64           `json:"duration_ms"`
}

// AnalysisResult is a completed analysis as returned by the engine, either
// synchronously from a trigger call or from the status endpoint.
type AnalysisResult struct {
	AnalysisComplete bool            `json:"analysis_complete"`
	IntegrityHash    string          `json:"integrity_hash"`
	Signature        string          `json:"signature"`
	BiasDisparity    decimal.Decimal `json:"bias_disparity"`
	DriftScore       decimal.Decimal `json:"drift_score"`
	Findings         json.RawMessage `json:"findings"`
	ResourceUsage    ResourceUsage   `json:"resource_usage"`
}

// IsCritical reports whether the result breaches a notification threshold.
func (r *AnalysisResult) IsCritical() bool {
	if r == nil {
		return false
	}
	if !r.BiasDisparity.IsZero() && r.BiasDisparity.LessThan(DisparityThreshold) {
		return true
	}
	return r.DriftScore.GreaterThan(DriftThreshold)
}

// TriggerResult is the outcome of dispatching an analysis: either a completed
// result (synchronous engines) or an external task id to poll.
type TriggerResult struct {
	Completed bool
	TaskID    string
	Result    *AnalysisResult
}

// PollResult is one observation of an asynchronous task.
type PollResult struct {
	Status TaskStatus      `json:"status"`
	Result *AnalysisResult `json:"result"`
}

// triggerResponse is the raw trigger wire shape.
type triggerResponse struct {
	TaskID string `json:"task_id"`
	AnalysisResult
}

var analysisEndpoints = map[models.AnalysisType]string{
	models.AnalysisTypeDisparateImpact: "/api/v1/analysis/disparate-impact",
	models.AnalysisTypeEqualizedOdds:   "/api/v1/analysis/equalized-odds",
	models.AnalysisTypeIntersectional:  "/api/v1/analysis/intersectional",
	models.AnalysisTypeDrift:           "/api/v1/analysis/drift",
}

const taskStatusEndpoint = "/api/v1/tasks/"
