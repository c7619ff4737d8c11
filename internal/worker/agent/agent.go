// Package agent defines the contract every worker implements and the static
// registry of worker kinds the engine can build from configuration.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/linkflow/agentflow/internal/worker/retry"
)

var (
	ErrUnknownKind  = errors.New("unknown agent kind")
	ErrAgentFailed  = errors.New("agent reported failure")
	ErrInvalidAgent = errors.New("invalid agent configuration")
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is one unit of work handed to an agent.
type Request struct {
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	Priority   int            `json:"priority"`
	Attempt    int32          `json:"attempt"`
	Data       map[string]any `json:"data"`
}

// Response is what an agent returns for a request. A failed response counts
// as a failed attempt; NonRetryable stops further attempts.
type Response struct {
	Status       Status         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	NonRetryable bool           `json:"non_retryable,omitempty"`
}

// Agent is a worker the engine can dispatch to. Execute may be called
// concurrently, bounded by the worker's profile.
type Agent interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, req *Request) (*Response, error)
	Cleanup(ctx context.Context) error
}

// Negotiator is implemented by agents that can agree an API version after a
// mismatch. It returns the version both sides will use.
type Negotiator interface {
	NegotiateVersion(ctx context.Context, observed string) (string, error)
}

// Wrapper is implemented by decorators so capabilities of the wrapped agent
// stay reachable.
type Wrapper interface {
	Unwrap() Agent
}

// AsNegotiator finds a Negotiator in a, looking through decorators.
func AsNegotiator(a Agent) (Negotiator, bool) {
	for a != nil {
		if n, ok := a.(Negotiator); ok {
			return n, true
		}
		w, ok := a.(Wrapper)
		if !ok {
			return nil, false
		}
		a = w.Unwrap()
	}
	return nil, false
}

// FailedError is the error form of a failed Response.
type FailedError struct {
	AgentID string
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.AgentID, e.Message)
}

func (e *FailedError) Is(target error) bool {
	return target == ErrAgentFailed
}

// Err converts a failed response into an error, nil otherwise.
func (r *Response) Err(agentID string) error {
	if r == nil {
		return &FailedError{AgentID: agentID, Message: "empty response"}
	}
	if r.Status == StatusFailed {
		err := error(&FailedError{AgentID: agentID, Message: r.Error})
		if r.NonRetryable {
			err = NonRetryable(err)
		}
		return err
	}
	return nil
}

// NonRetryable marks err so the connector gives up without spending the
// rest of the retry budget.
func NonRetryable(err error) error {
	return retry.Permanent(err)
}

type Kind string

const (
	KindEcho Kind = "echo"
	KindHTTP Kind = "http"
	KindGRPC Kind = "grpc"
)

// Options carries the profile values a Factory needs.
type Options struct {
	ID     string
	Config map[string]any
	Logger *slog.Logger
}

type Factory func(opts Options) (Agent, error)

// Registry maps worker kinds to factories.
type Registry struct {
	factories map[Kind]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindEcho, NewEcho)
	r.MustRegister(KindHTTP, NewHTTP)
	r.MustRegister(KindGRPC, NewGRPC)
	return r
}

func (r *Registry) Register(kind Kind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("agent kind '%s' is already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister registers a factory, panicking on error.
func (r *Registry) MustRegister(kind Kind, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// New builds an agent of the given kind.
func (r *Registry) New(kind Kind, opts Options) (Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return f(opts)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// decodeConfig copies a free-form config map into a typed struct.
func decodeConfig(raw map[string]any, v any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
