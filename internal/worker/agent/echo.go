package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// EchoConfig configures the echo kind.
type EchoConfig struct {
	// Output is returned as is. When empty the request data is echoed.
	Output map[string]any `json:"output"`
	// Fail makes every call return a failed response.
	Fail bool `json:"fail"`
	// FailTimes fails the first N calls, then succeeds.
	FailTimes int64 `json:"fail_times"`
	// Delay is a Go duration string slept before answering.
	Delay string `json:"delay"`
	// Version is the API version offered on renegotiation.
	Version string `json:"version"`
}

// Echo is a local deterministic agent used for demos and tests.
type Echo struct {
	id     string
	cfg    EchoConfig
	delay  time.Duration
	calls  atomic.Int64
	logger *slog.Logger
}

func NewEcho(opts Options) (Agent, error) {
	var cfg EchoConfig
	if err := decodeConfig(opts.Config, &cfg); err != nil {
		return nil, err
	}
	e := &Echo{id: opts.ID, cfg: cfg, logger: opts.Logger}
	if cfg.Delay != "" {
		d, err := time.ParseDuration(cfg.Delay)
		if err != nil {
			return nil, err
		}
		e.delay = d
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

func (e *Echo) Initialize(ctx context.Context) error {
	e.logger.Debug("echo agent initialized", slog.String("agent_id", e.id))
	return nil
}

func (e *Echo) Execute(ctx context.Context, req *Request) (*Response, error) {
	n := e.calls.Add(1)

	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if e.cfg.Fail || n <= e.cfg.FailTimes {
		return &Response{Status: StatusFailed, Error: "echo configured to fail"}, nil
	}

	if len(e.cfg.Output) > 0 {
		return &Response{Status: StatusCompleted, Output: copyMap(e.cfg.Output)}, nil
	}
	return &Response{Status: StatusCompleted, Output: copyMap(req.Data)}, nil
}

func (e *Echo) Cleanup(ctx context.Context) error {
	return nil
}

// Calls returns how many times Execute ran.
func (e *Echo) Calls() int64 {
	return e.calls.Load()
}

func (e *Echo) NegotiateVersion(ctx context.Context, observed string) (string, error) {
	if e.cfg.Version != "" {
		return e.cfg.Version, nil
	}
	return observed, nil
}
