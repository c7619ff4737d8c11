package store

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/agentflow/internal/workflow"
)

func sampleRecord(id string, status workflow.Status) *workflow.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &workflow.Record{
		Workflow: workflow.Workflow{
			ID: id,
			Tasks: []workflow.Task{
				{ID: "A", AgentID: "writer", Priority: 2},
				{ID: "B", AgentID: "reviewer", Dependencies: []workflow.Dependency{{TaskID: "A"}}},
			},
			Metadata: map[string]any{"owner": "docs"},
		},
		Status: status,
		Results: []workflow.TaskResult{
			{TaskID: "A", AgentID: "writer", Status: workflow.TaskCompleted, Response: map[string]any{"x": "1"}, ExecutionTime: 0.5, Attempts: 1},
			{TaskID: "B", AgentID: "reviewer", Status: workflow.TaskCancelled, CancelledBy: "A", Level: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := sampleRecord("wf-1", workflow.StatusRunning)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Len(t, got.Results, 2)

	got.Results[0].Status = workflow.TaskFailed
	again, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskCompleted, again.Results[0].Status, "returned record must be a copy")

	rec.Status = workflow.StatusFailed
	rec.FailedTask = "A"
	require.NoError(t, s.Save(ctx, rec))
	got, err = s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, "A", got.FailedTask)
}

type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(backing, CacheConfig{MaxSize: 2, TTL: time.Minute})

	require.NoError(t, s.Save(ctx, sampleRecord("running", workflow.StatusRunning)))
	_, err := s.Get(ctx, "running")
	require.NoError(t, err)
	_, err = s.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.gets, "running records are not cached")

	require.NoError(t, s.Save(ctx, sampleRecord("done", workflow.StatusCompleted)))
	got, err := s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, 2, backing.gets, "finished records are served from cache")

	hits, misses := s.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)

	require.NoError(t, s.Save(ctx, sampleRecord("b", workflow.StatusFailed)))
	require.NoError(t, s.Save(ctx, sampleRecord("c", workflow.StatusFailed)))
	_, err = s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, 3, backing.gets, "least recently used entry is evicted")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_Expiry(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(backing, CacheConfig{TTL: time.Millisecond})

	require.NoError(t, s.Save(ctx, sampleRecord("done", workflow.StatusCompleted)))
	time.Sleep(5 * time.Millisecond)
	_, err := s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets)
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_tasks.up.sql":     {Data: []byte("CREATE TABLE t2 ();")},
		"002_tasks.down.sql":   {Data: []byte("DROP TABLE t2;")},
		"001_initial.up.sql":   {Data: []byte("CREATE TABLE t1 ();")},
		"001_initial.down.sql": {Data: []byte("DROP TABLE t1;")},
		"003_orphan.down.sql":  {Data: []byte("DROP TABLE t3;")},
		"README.md":            {Data: []byte("ignored")},
		"bad_name.up.sql":      {Data: []byte("ignored")},
	}

	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial", migrations[0].Name)
	assert.Equal(t, "DROP TABLE t1;", migrations[0].Down)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "tasks", migrations[1].Name)
}

func TestEmbeddedMigrations(t *testing.T) {
	m, err := NewMigrator(nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.migrations)
	assert.Equal(t, 1, m.migrations[0].Version)
	assert.Contains(t, m.migrations[0].Up, "CREATE TABLE IF NOT EXISTS workflows")
	assert.NotEmpty(t, m.migrations[0].Down)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AGENTFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	m, err := NewMigrator(pool, nil)
	require.NoError(t, err)
	_, err = m.Up(ctx)
	require.NoError(t, err)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Applied, "migration %d", s.Version)
		assert.False(t, s.Dirty)
	}

	s := NewPostgresStore(pool)
	id := "wf-" + time.Now().Format("150405.000000000")

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	rec := sampleRecord(id, workflow.StatusRunning)
	require.NoError(t, s.Save(ctx, rec))

	rec.Status = workflow.StatusFailed
	rec.FailedTask = "A"
	rec.Error = "boom"
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, rec.Workflow.Tasks, got.Workflow.Tasks)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "A", got.Results[0].TaskID)
	assert.Equal(t, map[string]any{"x": "1"}, got.Results[0].Response)
	assert.Equal(t, "A", got.Results[1].CancelledBy)
	assert.Equal(t, 1, got.Results[1].Level)
}
