package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/utils"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(baseURL, "test-key")
	require.NoError(t, err)
	c.baseBackoff = time.Millisecond
	return c
}

func TestTrigger_SendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Trigger(context.Background(), models.AnalysisTypeDrift, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
}

func TestTrigger_SynchronousCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/analysis/disparate-impact", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"analysis_complete": true,
			"integrity_hash":    "abc",
			"signature":         "sig",
			"bias_disparity":    "0.91",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	trig, err := c.Trigger(context.Background(), models.AnalysisTypeDisparateImpact, json.RawMessage(`{"model":"m1"}`))
	require.NoError(t, err)
	require.True(t, trig.Completed)
	require.NotNil(t, trig.Result)
	assert.Equal(t, "abc", trig.Result.IntegrityHash)
	assert.False(t, trig.Result.IsCritical())
}

func TestTrigger_AsynchronousTaskId(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": "celery-42"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	trig, err := c.Trigger(context.Background(), models.AnalysisTypeDrift, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, trig.Completed)
	assert.Equal(t, "celery-42", trig.TaskID)
	assert.Nil(t, trig.Result)
}

func TestTrigger_NeitherResultNorTaskIdIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Trigger(context.Background(), models.AnalysisTypeDrift, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, utils.IsEngineError(err))
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	trig, err := c.Trigger(context.Background(), models.AnalysisTypeDrift, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "t-1", trig.TaskID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Trigger(context.Background(), models.AnalysisTypeDrift, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, utils.IsEngineError(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollTask_ParsesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/celery-42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "SUCCESS",
			"result": map[string]any{
				"analysis_complete": true,
				"integrity_hash":    "h",
				"drift_score":       "0.3",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	poll, err := c.PollTask(context.Background(), "celery-42")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSuccess, poll.Status)
	require.NotNil(t, poll.Result)
	assert.True(t, poll.Result.IsCritical())
}

func TestPollTask_EmptyTaskId(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	_, err := c.PollTask(context.Background(), "")
	require.Error(t, err)
}

func TestIsCritical_Thresholds(t *testing.T) {
	cases := []struct {
		name      string
		disparity string
		drift     string
		critical  bool
	}{
		{"clean", "0.95", "0.1", false},
		{"four fifths boundary", "0.8", "0.1", false},
		{"disparity breach", "0.79", "0.1", true},
		{"drift boundary", "0.9", "0.25", false},
		{"drift breach", "0.9", "0.26", true},
		{"zero disparity ignored", "0", "0.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var r AnalysisResult
			require.NoError(t, json.Unmarshal([]byte(`{"bias_disparity":"`+tc.disparity+`","drift_score":"`+tc.drift+`"}`), &r))
			assert.Equal(t, tc.critical, r.IsCritical())
		})
	}
}
