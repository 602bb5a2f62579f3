package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/utils"
)

// Client talks to the external analysis engine. Every call is a blocking round
// trip with its own bounded retry budget, independent of the job queue's budget:
// a client-side retry failure still counts as one queue-level attempt.
type Client struct {
	baseURL     string
	apiKey      string
	apiKeyHdr   string
	http        *http.Client
	maxAttempts int
	baseBackoff time.Duration
}

func NewClient(baseURL, apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("engine api key is empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("engine base url is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("ENGINE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		apiKeyHdr:   apiKeyHeader,
		http:        &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
	}, nil
}

func NewClientFromEnv() (*Client, error) {
	return NewClient(os.Getenv("ENGINE_API_BASE_URL"), os.Getenv("ENGINE_API_KEY"))
}

// Trigger dispatches a typed analysis request. The engine answers either with a
// completed result (analysis_complete marker) or with a task id to poll.
func (c *Client) Trigger(ctx context.Context, analysisType models.AnalysisType, payload json.RawMessage) (*TriggerResult, error) {
	endpoint, ok := analysisEndpoints[analysisType]
	if !ok {
		return nil, fmt.Errorf("no engine endpoint for analysis type %q", analysisType)
	}

	body, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var parsed triggerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.AnalysisComplete {
		result := parsed.AnalysisResult
		return &TriggerResult{Completed: true, Result: &result}, nil
	}
	if parsed.TaskID == "" {
		return nil, &utils.EngineError{Endpoint: endpoint, Body: "response carries neither a result nor a task id"}
	}
	return &TriggerResult{TaskID: parsed.TaskID}, nil
}

// PollTask asks the status endpoint about an asynchronous task.
func (c *Client) PollTask(ctx context.Context, taskID string) (*PollResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.New("task id is empty")
	}
	body, err := c.get(ctx, taskStatusEndpoint+taskID)
	if err != nil {
		return nil, err
	}
	var parsed PollResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// do performs one request with up to maxAttempts tries, doubling the backoff
// between attempts on any non-2xx response or transport error.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + path

	var lastErr error
	backoff := c.baseBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = &utils.EngineError{
				StatusCode: resp.StatusCode,
				Endpoint:   path,
				Body:       strings.TrimSpace(string(body)),
			}
			continue
		}
		return body, nil
	}
	return nil, lastErr
}
