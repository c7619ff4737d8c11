package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/agentflow/internal/workflow"
)

// PostgresStore implements WorkflowStore using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save upserts the workflow row and replaces its task rows.
func (s *PostgresStore) Save(ctx context.Context, rec *workflow.Record) error {
	definition, err := json.Marshal(rec.Workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (id, status, definition, failed_task, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			definition = EXCLUDED.definition,
			failed_task = EXCLUDED.failed_task,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`,
		rec.Workflow.ID,
		string(rec.Status),
		definition,
		rec.FailedTask,
		rec.Error,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow %s: %w", rec.Workflow.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_tasks WHERE workflow_id = $1`, rec.Workflow.ID); err != nil {
		return fmt.Errorf("failed to clear task results: %w", err)
	}

	if len(rec.Results) > 0 {
		batch := &pgx.Batch{}
		for i, r := range rec.Results {
			var response []byte
			if r.Response != nil {
				response, err = json.Marshal(r.Response)
				if err != nil {
					return fmt.Errorf("failed to marshal response of task %s: %w", r.TaskID, err)
				}
			}
			batch.Queue(`
				INSERT INTO workflow_tasks (
					workflow_id, task_id, agent_id, status, response, error,
					execution_time, attempts, cancelled_by, level, position
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`,
				rec.Workflow.ID,
				r.TaskID,
				r.AgentID,
				string(r.Status),
				response,
				r.Error,
				r.ExecutionTime,
				r.Attempts,
				r.CancelledBy,
				r.Level,
				i,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert task results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	var (
		rec        workflow.Record
		status     string
		definition []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT status, definition, failed_task, error, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`, id).Scan(&status, &definition, &rec.FailedTask, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	rec.Status = workflow.Status(status)
	if err := json.Unmarshal(definition, &rec.Workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, agent_id, status, response, error, execution_time, attempts, cancelled_by, level
		FROM workflow_tasks
		WHERE workflow_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          workflow.TaskResult
			taskStatus string
			response   []byte
		)
		if err := rows.Scan(&r.TaskID, &r.AgentID, &taskStatus, &response, &r.Error,
			&r.ExecutionTime, &r.Attempts, &r.CancelledBy, &r.Level); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		r.Status = workflow.TaskStatus(taskStatus)
		if len(response) > 0 {
			if err := json.Unmarshal(response, &r.Response); err != nil {
				return nil, fmt.Errorf("failed to unmarshal response of task %s: %w", r.TaskID, err)
			}
		}
		rec.Results = append(rec.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}
