package client

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
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "k", Timeout: 5 * time.Second})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitWorkflow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/workflows", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var wf Workflow
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&wf))
		assert.Equal(t, "wf-1", wf.ID)
		if assert.Len(t, wf.Tasks, 2) {
			assert.Equal(t, []string{"x"}, wf.Tasks[1].Dependencies[0].RequiredFragments)
		}

		writeJSON(w, http.StatusAccepted, SubmitResponse{ID: wf.ID, Status: "queued", Levels: [][]string{{"A"}, {"B"}}})
	})

	resp, err := c.SubmitWorkflow(context.Background(), &Workflow{
		ID: "wf-1",
		Tasks: []Task{
			{ID: "A", AgentID: "producer", OutputSchema: OutputSchema{Fragments: []string{"x"}}},
			{ID: "B", AgentID: "consumer", Dependencies: []Dependency{{TaskID: "A", RequiredFragments: []string{"x"}}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, [][]string{{"A"}, {"B"}}, resp.Levels)
}

func TestRunWorkflow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		writeJSON(w, http.StatusOK, Result{
			WorkflowID: "wf-1",
			Status:     "failed",
			FailedTask: "A",
			Tasks: []TaskResult{
				{TaskID: "A", Status: "failed", Error: "boom"},
				{TaskID: "B", Status: "cancelled", CancelledBy: "A"},
			},
		})
	})

	res, err := c.RunWorkflow(context.Background(), &Workflow{ID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "A", res.Tasks[1].CancelledBy)
}

func TestAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/workflows/missing":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "workflow missing not found"})
		case "/api/v1/workflows":
			writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "message": "workflow wf-1 already exists"})
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	})
	ctx := context.Background()

	_, err := c.GetWorkflow(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.EqualError(t, err, "API error 404: workflow missing not found")

	_, err = c.SubmitWorkflow(ctx, &Workflow{ID: "wf-1"})
	assert.True(t, IsConflict(err))

	_, err = c.Workers(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestWaitWorkflow(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		writeJSON(w, http.StatusOK, Record{ID: "wf-1", Status: status})
	})

	rec, err := c.WaitWorkflow(context.Background(), "wf-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWorkers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"workers": []map[string]any{{"profile": map[string]any{"id": "echo", "kind": "echo"}, "version": "1.0"}},
			"pool":    map[string]any{"workers": 4, "queue_capacity": 64},
		})
	})

	resp, err := c.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, "echo", resp.Workers[0].ID())
	assert.Equal(t, 64, resp.Pool.QueueCapacity)
}

func TestWorkerStats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workers/echo/stats" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "worker not registered"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": 5, "retries": 2, "p99": int64(3 * time.Millisecond)})
	})

	stats, err := c.WorkerStats(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Calls)
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, 3*time.Millisecond, stats.P99)

	_, err = c.WorkerStats(context.Background(), "ghost")
	assert.True(t, IsNotFound(err))
}
