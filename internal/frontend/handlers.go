package frontend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/linkflow/agentflow/internal/execution/graph"
	"github.com/linkflow/agentflow/internal/execution/pool"
	"github.com/linkflow/agentflow/internal/store"
	"github.com/linkflow/agentflow/internal/transform"
	"github.com/linkflow/agentflow/internal/worker/connector"
	"github.com/linkflow/agentflow/internal/workflow"
)

// SubmitResponse acknowledges an accepted workflow.
type SubmitResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Levels [][]string `json:"levels"`
}

// PlanResponse lists the execution levels of a workflow.
type PlanResponse struct {
	ID     string     `json:"id"`
	Levels [][]string `json:"levels"`
}

// WorkflowResponse is a persisted record, or only id and status while the
// run is still queued.
type WorkflowResponse struct {
	*workflow.Record
	ID     string `json:"id"`
	Status string `json:"status"`
}

type WorkersResponse struct {
	Workers []connector.WorkerInfo `json:"workers"`
	Pool    *pool.Metrics          `json:"pool,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
}

func (s *Server) health(c *fiber.Ctx) error {
	n := 0
	if s.workers != nil {
		n = len(s.workers.Workers())
	}
	return c.JSON(HealthResponse{Status: "healthy", Workers: n})
}

// parseWorkflow decodes a JSON or YAML body and validates it. A missing id
// is generated.
func (s *Server) parseWorkflow(c *fiber.Ctx) (*workflow.Workflow, [][]string, error) {
	wf, err := workflow.Parse(c.Body())
	if err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	levels, err := s.executor.Prepare(wf)
	if err != nil {
		return nil, nil, structuralError(err)
	}
	return wf, levels, nil
}

// structuralError maps submission errors to 400 for malformed input and 422
// for well-formed workflows that cannot run.
func structuralError(err error) error {
	switch {
	case errors.Is(err, graph.ErrCyclicDependency),
		errors.Is(err, transform.ErrSchemaNotRegistered),
		errors.Is(err, connector.ErrUnknownWorker):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// POST /api/v1/workflows/plan
func (s *Server) planWorkflow(c *fiber.Ctx) error {
	wf, levels, err := s.parseWorkflow(c)
	if err != nil {
		return err
	}
	return c.JSON(PlanResponse{ID: wf.ID, Levels: levels})
}

// POST /api/v1/workflows[?wait=true]
func (s *Server) submitWorkflow(c *fiber.Ctx) error {
	wf, levels, err := s.parseWorkflow(c)
	if err != nil {
		return err
	}

	if _, err := s.store.Get(c.UserContext(), wf.ID); err == nil {
		return fiber.NewError(fiber.StatusConflict, "workflow "+wf.ID+" already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if s.pool != nil {
		if state, ok := s.pool.State(wf.ID); ok {
			return fiber.NewError(fiber.StatusConflict, "workflow "+wf.ID+" is already "+string(state))
		}
	}

	if c.QueryBool("wait") {
		res, err := s.executor.Execute(c.UserContext(), wf)
		if err != nil {
			return structuralError(err)
		}
		return c.JSON(res)
	}

	if s.pool == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "asynchronous execution is not enabled")
	}
	err = s.pool.Submit(&pool.Run{
		ID: wf.ID,
		Execute: func(ctx context.Context) error {
			_, err := s.executor.Execute(ctx, wf)
			return err
		},
	})
	switch {
	case errors.Is(err, pool.ErrDuplicateRun):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case err != nil:
		return err
	}

	s.logger.Info("workflow accepted",
		slog.String("workflow_id", wf.ID),
		slog.Int("task_count", len(wf.Tasks)),
	)
	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{
		ID:     wf.ID,
		Status: string(pool.RunQueued),
		Levels: levels,
	})
}

// GET /api/v1/workflows/:id
func (s *Server) getWorkflow(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.store.Get(c.UserContext(), id)
	if err == nil {
		return c.JSON(WorkflowResponse{Record: rec, ID: rec.Workflow.ID, Status: string(rec.Status)})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if s.pool != nil {
		if state, ok := s.pool.State(id); ok {
			return c.JSON(WorkflowResponse{ID: id, Status: string(state)})
		}
	}
	return fiber.NewError(fiber.StatusNotFound, "workflow "+id+" not found")
}

// GET /api/v1/workers/:id/stats
func (s *Server) workerStats(c *fiber.Ctx) error {
	id := c.Params("id")
	if s.workers != nil {
		if stats, ok := s.workers.Stats(id); ok {
			return c.JSON(stats)
		}
	}
	return fiber.NewError(fiber.StatusNotFound, "worker "+id+" not registered")
}

// GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	resp := WorkersResponse{Workers: []connector.WorkerInfo{}}
	if s.workers != nil {
		resp.Workers = s.workers.Workers()
	}
	if s.pool != nil {
		m := s.pool.Metrics()
		resp.Pool = &m
	}
	return c.JSON(resp)
}
