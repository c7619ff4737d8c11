package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/agentflow/internal/worker/agent"
)

func newEcho(t *testing.T) agent.Agent {
	t.Helper()
	a, err := agent.NewEcho(agent.Options{ID: "echo", Config: map[string]any{"version": "v3"}})
	require.NoError(t, err)
	return a
}

func TestWrap_InvalidRate(t *testing.T) {
	_, err := Wrap("w", newEcho(t), Config{FailureRate: 1.5})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAlwaysFail(t *testing.T) {
	a, err := Wrap("w", newEcho(t), Config{FailureRate: 1, Seed: 1})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := a.Execute(context.Background(), &agent.Request{TaskID: "T"})
		assert.ErrorIs(t, err, ErrInjected)
	}
	assert.Equal(t, int64(5), a.Injected())
}

func TestNeverFail(t *testing.T) {
	a, err := Wrap("w", newEcho(t), Config{Seed: 1})
	require.NoError(t, err)

	resp, err := a.Execute(context.Background(), &agent.Request{Data: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, resp.Output)
	assert.Zero(t, a.Injected())
}

func TestSeededRateIsDeterministic(t *testing.T) {
	run := func() []bool {
		a, err := Wrap("w", newEcho(t), Config{FailureRate: 0.5, Seed: 42})
		require.NoError(t, err)
		var out []bool
		for i := 0; i < 20; i++ {
			_, err := a.Execute(context.Background(), &agent.Request{})
			out = append(out, err != nil)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestLatencyHonoursContext(t *testing.T) {
	a, err := Wrap("w", newEcho(t), Config{Latency: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Execute(ctx, &agent.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNegotiatorVisibleThroughWrapper(t *testing.T) {
	a, err := Wrap("w", newEcho(t), Config{})
	require.NoError(t, err)

	n, ok := agent.AsNegotiator(a)
	require.True(t, ok)
	v, err := n.NegotiateVersion(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "v3", v)
}
