package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const maxResponseBytes = 10 << 20

// HTTPConfig configures the http kind.
type HTTPConfig struct {
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Headers  map[string]string `json:"headers"`
	// BlockPrivateNetworks refuses endpoints that resolve to loopback,
	// link-local or private ranges.
	BlockPrivateNetworks bool `json:"block_private_networks"`
}

// HTTPAgent posts each request as JSON to a remote endpoint.
type HTTPAgent struct {
	id     string
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

type httpRequest struct {
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	Priority   int            `json:"priority"`
	Attempt    int32          `json:"attempt"`
	Data       map[string]any `json:"data"`
}

type httpResponse struct {
	Status       Status         `json:"status"`
	Payload      map[string]any `json:"payload"`
	Response     map[string]any `json:"response"`
	Output       map[string]any `json:"output"`
	Error        string         `json:"error"`
	NonRetryable bool           `json:"non_retryable"`
}

func NewHTTP(opts Options) (Agent, error) {
	var cfg HTTPConfig
	if err := decodeConfig(opts.Config, &cfg); err != nil {
		return nil, err
	}
	return NewHTTPAgent(opts.ID, cfg, opts.Logger), nil
}

// NewHTTPAgent creates an HTTP agent with connection pooling. Call timeouts
// come from the caller's context.
func NewHTTPAgent(id string, cfg HTTPConfig, logger *slog.Logger) *HTTPAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAgent{
		id:     id,
		cfg:    cfg,
		client: &http.Client{Transport: newTransport(cfg.BlockPrivateNetworks)},
		logger: logger,
	}
}

func (a *HTTPAgent) Initialize(ctx context.Context) error {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: agent %s: endpoint %q", ErrInvalidAgent, a.id, a.cfg.Endpoint)
	}
	return nil
}

func (a *HTTPAgent) Execute(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(httpRequest{
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		Priority:   req.Priority,
		Attempt:    req.Attempt,
		Data:       req.Data,
	})
	if err != nil {
		return nil, NonRetryable(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NonRetryable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if errors.Is(err, ErrPrivateAddress) {
		return nil, NonRetryable(fmt.Errorf("agent %s: %w", a.id, err))
	}
	if err != nil {
		return nil, fmt.Errorf("agent %s: request failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", a.id, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("agent %s: server error: status %d", a.id, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, NonRetryable(fmt.Errorf("agent %s: client error: status %d", a.id, resp.StatusCode))
	}

	var out httpResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, NonRetryable(fmt.Errorf("agent %s: decode response: %w", a.id, err))
		}
	}

	result := &Response{
		Status:       out.Status,
		Error:        out.Error,
		NonRetryable: out.NonRetryable,
	}
	switch {
	case out.Payload != nil:
		result.Output = out.Payload
	case out.Output != nil:
		result.Output = out.Output
	default:
		result.Output = out.Response
	}
	if result.Status == "" {
		result.Status = StatusCompleted
	}
	return result, nil
}

func (a *HTTPAgent) Cleanup(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}
