// Package events carries task and workflow state changes to interested
// consumers through bounded per-recipient mailboxes.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/agentflow/internal/observability/metrics"
)

var (
	ErrMailboxFull       = errors.New("mailbox full")
	ErrUnknownRecipient  = errors.New("unknown recipient")
	ErrAlreadySubscribed = errors.New("recipient already subscribed")
)

type Kind string

const (
	KindTaskState     Kind = "task_state"
	KindWorkflowState Kind = "workflow_state"
)

// Message is one state change.
type Message struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewMessage stamps a message with an id and the current time.
func NewMessage(kind Kind, workflowID, status string) Message {
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		WorkflowID: workflowID,
		Status:     status,
		Timestamp:  time.Now(),
	}
}

// RoutingKey is "task.<status>" or "workflow.<status>".
func (m Message) RoutingKey() string {
	if m.Kind == KindTaskState {
		return "task." + m.Status
	}
	return "workflow." + m.Status
}

// Bus delivers messages to named mailboxes of fixed capacity. Send applies
// backpressure; TrySend and Publish drop and report instead.
type Bus struct {
	size    int
	metrics *metrics.Metrics
	logger  *slog.Logger
	dropped atomic.Int64

	mu        sync.RWMutex
	mailboxes map[string]chan Message
}

func NewBus(size int, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		size:      size,
		metrics:   m,
		logger:    logger,
		mailboxes: make(map[string]chan Message),
	}
}

// Subscribe creates the mailbox of name.
func (b *Bus) Subscribe(name string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.mailboxes[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, name)
	}
	ch := make(chan Message, b.size)
	b.mailboxes[name] = ch
	return ch, nil
}

// Unsubscribe closes and removes the mailbox of name.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.mailboxes[name]; ok {
		close(ch)
		delete(b.mailboxes, name)
	}
}

// Send blocks until the message is in the mailbox or ctx is done.
func (b *Bus) Send(ctx context.Context, name string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.mailboxes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, name)
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers without blocking.
func (b *Bus) TrySend(name string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.mailboxes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, name)
	}
	return b.offer(name, ch, msg)
}

// Publish offers msg to every mailbox and returns how many accepted it.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for name, ch := range b.mailboxes {
		if b.offer(name, ch, msg) == nil {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) offer(name string, ch chan Message, msg Message) error {
	select {
	case ch <- msg:
		return nil
	default:
		b.dropped.Add(1)
		b.metrics.EventDropped()
		b.logger.Warn("event dropped, mailbox full",
			slog.String("recipient", name),
			slog.String("kind", string(msg.Kind)),
			slog.String("workflow_id", msg.WorkflowID),
		)
		return fmt.Errorf("%w: %s", ErrMailboxFull, name)
	}
}

// Dropped returns the number of messages dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Recipients returns the subscribed mailbox names.
func (b *Bus) Recipients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.mailboxes))
	for name := range b.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every mailbox.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.mailboxes {
		close(ch)
		delete(b.mailboxes, name)
	}
}
