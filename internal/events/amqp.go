package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel the forwarder needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder publishes bus messages as JSON to a topic exchange, routed
// by Message.RoutingKey.
type AMQPForwarder struct {
	pub      Publisher
	exchange string
	logger   *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPForwarder(pub Publisher, exchange string, logger *slog.Logger) *AMQPForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPForwarder{pub: pub, exchange: exchange, logger: logger}
}

// DialAMQP connects to the broker and declares the durable topic exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPForwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	f := NewAMQPForwarder(ch, exchange, logger)
	f.conn = conn
	f.ch = ch
	f.logger.Info("connected to RabbitMQ", slog.String("exchange", exchange))
	return f, nil
}

// Forward publishes one message.
func (f *AMQPForwarder) Forward(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := msg.RoutingKey()
	err = f.pub.PublishWithContext(ctx, f.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", f.exchange, key, err)
	}

	f.logger.Debug("published message",
		slog.String("exchange", f.exchange),
		slog.String("routing_key", key),
		slog.String("message_id", msg.ID),
	)
	return nil
}

// Run forwards messages from mailbox until it is closed or ctx is done.
// Publish failures are logged and the message is skipped.
func (f *AMQPForwarder) Run(ctx context.Context, mailbox <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-mailbox:
			if !ok {
				return nil
			}
			if err := f.Forward(ctx, msg); err != nil {
				f.logger.Error("failed to forward event",
					slog.String("routing_key", msg.RoutingKey()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close closes the broker connection opened by DialAMQP.
func (f *AMQPForwarder) Close() error {
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
