package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/agentflow/internal/observability/metrics"
)

func TestBus_SubscribeAndSend(t *testing.T) {
	b := NewBus(2, nil, nil)
	inbox, err := b.Subscribe("ui")
	require.NoError(t, err)

	_, err = b.Subscribe("ui")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	msg := NewMessage(KindWorkflowState, "wf", "running")
	require.NoError(t, b.Send(context.Background(), "ui", msg))
	assert.Equal(t, msg, <-inbox)

	assert.ErrorIs(t, b.Send(context.Background(), "nobody", msg), ErrUnknownRecipient)
	assert.Equal(t, []string{"ui"}, b.Recipients())
}

func TestBus_SendBlocksWhenFull(t *testing.T) {
	b := NewBus(1, nil, nil)
	_, err := b.Subscribe("slow")
	require.NoError(t, err)

	require.NoError(t, b.Send(context.Background(), "slow", Message{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Send(ctx, "slow", Message{}), context.DeadlineExceeded)
}

func TestBus_TrySendAndPublishDrop(t *testing.T) {
	m := metrics.New()
	b := NewBus(1, m, nil)
	fast, err := b.Subscribe("fast")
	require.NoError(t, err)
	_, err = b.Subscribe("stuck")
	require.NoError(t, err)

	assert.Equal(t, 2, b.Publish(Message{Status: "a"}))
	<-fast
	assert.Equal(t, 1, b.Publish(Message{Status: "b"}))
	assert.Equal(t, int64(1), b.Dropped())

	assert.ErrorIs(t, b.TrySend("stuck", Message{}), ErrMailboxFull)
	assert.Equal(t, int64(2), b.Dropped())
}

func TestBus_UnsubscribeClosesMailbox(t *testing.T) {
	b := NewBus(1, nil, nil)
	inbox, err := b.Subscribe("x")
	require.NoError(t, err)

	b.Unsubscribe("x")
	_, open := <-inbox
	assert.False(t, open)
	assert.ErrorIs(t, b.TrySend("x", Message{}), ErrUnknownRecipient)

	_, err = b.Subscribe("x")
	assert.NoError(t, err)
	b.Close()
	assert.Empty(t, b.Recipients())
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "task.failed", Message{Kind: KindTaskState, Status: "failed"}.RoutingKey())
	assert.Equal(t, "workflow.completed", Message{Kind: KindWorkflowState, Status: "completed"}.RoutingKey())
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{exchange, key, msg})
	return nil
}

func TestAMQPForwarder_Run(t *testing.T) {
	pub := &fakePublisher{}
	f := NewAMQPForwarder(pub, "agentflow.events", nil)

	mailbox := make(chan Message, 2)
	task := NewMessage(KindTaskState, "wf", "completed")
	task.TaskID = "T1"
	mailbox <- task
	mailbox <- NewMessage(KindWorkflowState, "wf", "failed")
	close(mailbox)

	require.NoError(t, f.Run(context.Background(), mailbox))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "agentflow.events", pub.sent[0].exchange)
	assert.Equal(t, "task.completed", pub.sent[0].key)
	assert.Equal(t, "workflow.failed", pub.sent[1].key)
	assert.Equal(t, amqp.Persistent, pub.sent[0].msg.DeliveryMode)

	var decoded Message
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &decoded))
	assert.Equal(t, "T1", decoded.TaskID)
	assert.Equal(t, task.ID, pub.sent[0].msg.MessageId)
}

func TestAMQPForwarder_ErrorsAreSkipped(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	f := NewAMQPForwarder(pub, "x", nil)

	assert.Error(t, f.Forward(context.Background(), Message{}))

	ctx, cancel := context.WithCancel(context.Background())
	mailbox := make(chan Message, 1)
	mailbox <- Message{}
	done := make(chan error)
	go func() { done <- f.Run(ctx, mailbox) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, f.Close())
}
