// Package client is a Go SDK for the agentflow HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to an agentflow engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// Config holds client configuration.
type Config struct {
	BaseURL string        // e.g. "http://localhost:8080"
	APIKey  string        // sent as a Bearer token when set
	Timeout time.Duration // per request
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error %d", e.StatusCode)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the engine, which is returned
// for workflow ids that were already submitted.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- Workflows ---

type Workflow struct {
	ID       string         `json:"id,omitempty"`
	Tasks    []Task         `json:"tasks"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Task struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Data         map[string]any `json:"data,omitempty"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	OutputSchema OutputSchema   `json:"output_schema"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Priority     *int           `json:"priority,omitempty"`

	RequiredFragments []string `json:"required_fragments,omitempty"`
}

type OutputSchema struct {
	Fragments []string `json:"fragments,omitempty"`
}

type Dependency struct {
	TaskID            string   `json:"task_id"`
	RequiredFragments []string `json:"required_fragments,omitempty"`
	Transform         string   `json:"data_transform,omitempty"`
	TransformRules    []string `json:"transform_rules,omitempty"`
}

// SubmitResponse acknowledges an accepted asynchronous submission.
type SubmitResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Levels [][]string `json:"levels"`
}

type PlanResponse struct {
	ID     string     `json:"id"`
	Levels [][]string `json:"levels"`
}

type TaskResult struct {
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	Status        string         `json:"status"`
	Response      map[string]any `json:"response,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Attempts      int            `json:"attempts,omitempty"`
	CancelledBy   string         `json:"cancelled_by,omitempty"`
	Level         int            `json:"level"`
}

// Result is returned by a synchronous submission.
type Result struct {
	WorkflowID string        `json:"workflow_id"`
	Status     string        `json:"status"`
	Levels     [][]string    `json:"levels"`
	Tasks      []TaskResult  `json:"tasks"`
	FailedTask string        `json:"failed_task,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Record is the stored state of a workflow. Only ID and Status are set while
// the run is still queued.
type Record struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Workflow   *Workflow    `json:"workflow,omitempty"`
	Results    []TaskResult `json:"results,omitempty"`
	FailedTask string       `json:"failed_task,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Terminal reports whether the workflow has finished.
func (r *Record) Terminal() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// SubmitWorkflow queues wf for asynchronous execution.
func (c *Client) SubmitWorkflow(ctx context.Context, wf *Workflow) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/api/v1/workflows", wf, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunWorkflow executes wf and blocks until it finishes. Task failures are
// reported in the Result, not as an error.
func (c *Client) RunWorkflow(ctx context.Context, wf *Workflow) (*Result, error) {
	var resp Result
	if err := c.post(ctx, "/api/v1/workflows?wait=true", wf, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlanWorkflow validates wf and returns its execution levels.
func (c *Client) PlanWorkflow(ctx context.Context, wf *Workflow) (*PlanResponse, error) {
	var resp PlanResponse
	if err := c.post(ctx, "/api/v1/workflows/plan", wf, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*Record, error) {
	var resp Record
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitWorkflow polls until the workflow is terminal or ctx is done.
func (c *Client) WaitWorkflow(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := c.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- Workers ---

type Worker struct {
	Profile  map[string]any `json:"profile"`
	Version  string         `json:"version"`
	InFlight int            `json:"in_flight"`
	Waiting  int            `json:"waiting"`
	Breaker  string         `json:"circuit_breaker,omitempty"`
	Stats    map[string]any `json:"stats"`
}

// ID returns the worker id from its profile.
func (w Worker) ID() string {
	id, _ := w.Profile["id"].(string)
	return id
}

type PoolMetrics struct {
	Workers       int   `json:"workers"`
	Active        int   `json:"active"`
	QueueSize     int   `json:"queue_size"`
	QueueCapacity int   `json:"queue_capacity"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
}

type WorkersResponse struct {
	Workers []Worker     `json:"workers"`
	Pool    *PoolMetrics `json:"pool,omitempty"`
}

func (c *Client) Workers(ctx context.Context) (*WorkersResponse, error) {
	var resp WorkersResponse
	if err := c.get(ctx, "/api/v1/workers", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WorkerStats is the call statistics of one worker. Latencies are in
// nanoseconds.
type WorkerStats struct {
	Calls     int64         `json:"calls"`
	Failures  int64         `json:"failures"`
	Retries   int64         `json:"retries"`
	Exhausted int64         `json:"exhausted"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	Max       time.Duration `json:"max"`
}

func (c *Client) WorkerStats(ctx context.Context, workerID string) (*WorkerStats, error) {
	var resp WorkerStats
	if err := c.get(ctx, "/api/v1/workers/"+url.PathEscape(workerID)+"/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the engine's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// --- HTTP Helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		errBody, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(errBody, apiErr) != nil {
			apiErr.Message = string(errBody)
		}
		return apiErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
