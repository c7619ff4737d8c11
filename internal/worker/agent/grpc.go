package agent

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linkflow/agentflow/pkg/agentrpc"
)

// GRPCConfig configures the grpc kind.
type GRPCConfig struct {
	Target string `json:"target"`
	APIKey string `json:"api_key"`
}

// GRPCAgent calls a remote agent over the agentrpc contract.
type GRPCAgent struct {
	id       string
	cfg      GRPCConfig
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
	client   *agentrpc.AgentClient
	logger   *slog.Logger
}

func NewGRPC(opts Options) (Agent, error) {
	var cfg GRPCConfig
	if err := decodeConfig(opts.Config, &cfg); err != nil {
		return nil, err
	}
	return NewGRPCAgent(opts.ID, cfg, opts.Logger), nil
}

// NewGRPCAgent creates a gRPC agent. Extra dial options are appended to the
// default insecure transport credentials.
func NewGRPCAgent(id string, cfg GRPCConfig, logger *slog.Logger, dialOpts ...grpc.DialOption) *GRPCAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCAgent{
		id:       id,
		cfg:      cfg,
		dialOpts: dialOpts,
		logger:   logger,
	}
}

func (a *GRPCAgent) Initialize(ctx context.Context) error {
	if a.cfg.Target == "" {
		return fmt.Errorf("%w: agent %s: empty target", ErrInvalidAgent, a.id)
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, a.dialOpts...)
	conn, err := grpc.NewClient(a.cfg.Target, opts...)
	if err != nil {
		return fmt.Errorf("agent %s: dial %s: %w", a.id, a.cfg.Target, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: agentrpc.ServiceName})
	switch {
	case status.Code(err) == codes.Unimplemented || status.Code(err) == codes.NotFound:
		a.logger.Debug("agent has no health service", slog.String("agent_id", a.id))
	case err != nil:
		_ = conn.Close()
		return fmt.Errorf("agent %s: health check: %w", a.id, err)
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		_ = conn.Close()
		return fmt.Errorf("agent %s: not serving: %s", a.id, resp.GetStatus())
	}

	a.conn = conn
	a.client = agentrpc.NewAgentClient(conn)
	return nil
}

func (a *GRPCAgent) Execute(ctx context.Context, req *Request) (*Response, error) {
	if a.client == nil {
		return nil, NonRetryable(fmt.Errorf("%w: agent %s not initialized", ErrInvalidAgent, a.id))
	}

	in, err := structpb.NewStruct(map[string]any{
		"workflow_id": req.WorkflowID,
		"task_id":     req.TaskID,
		"agent_id":    req.AgentID,
		"priority":    req.Priority,
		"attempt":     req.Attempt,
		"data":        req.Data,
	})
	if err != nil {
		return nil, NonRetryable(fmt.Errorf("agent %s: encode request: %w", a.id, err))
	}

	if a.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+a.cfg.APIKey)
	}

	out, err := a.client.Execute(ctx, in)
	if err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented,
			codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
			return nil, NonRetryable(fmt.Errorf("agent %s: %w", a.id, err))
		}
		return nil, fmt.Errorf("agent %s: %w", a.id, err)
	}

	m := out.AsMap()
	resp := &Response{Status: StatusCompleted}
	if s, ok := m["status"].(string); ok && s != "" {
		resp.Status = Status(s)
	}
	if o, ok := m["output"].(map[string]any); ok {
		resp.Output = o
	}
	if e, ok := m["error"].(string); ok {
		resp.Error = e
	}
	if nr, ok := m["non_retryable"].(bool); ok {
		resp.NonRetryable = nr
	}
	return resp, nil
}

func (a *GRPCAgent) Cleanup(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.client = nil
	return err
}
