// Package rabbitmq bridges a mahilo broker to a RabbitMQ topology: queued
// envelopes for a recipient are forwarded to a topic exchange, and envelopes
// arriving on a queue are fed through the broker's normal admission path.
// This is broker-side plumbing; client-facing transports live outside this
// module.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/internal/reliability"
	"github.com/mahilo/mahilo-go/messaging"
)

// DefaultExchange is the topic exchange envelopes are forwarded to. Routing
// key is the recipient agent name.
const DefaultExchange = "mahilo.messages"

// Channel is the subset of the AMQP channel API the relay uses. Satisfied
// by *amqp.Channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Relay moves envelopes between a broker and RabbitMQ.
type Relay struct {
	broker   *messaging.Broker
	channel  Channel
	exchange string
	backoff  reliability.BackoffPolicy
	interval time.Duration
	logger   *slog.Logger
}

// RelayOption configures the Relay.
type RelayOption func(*Relay)

// WithExchange sets the exchange envelopes are forwarded to.
func WithExchange(exchange string) RelayOption {
	return func(r *Relay) {
		r.exchange = exchange
	}
}

// WithBackoff sets the publish retry policy.
func WithBackoff(policy reliability.BackoffPolicy) RelayOption {
	return func(r *Relay) {
		r.backoff = policy
	}
}

// WithPollInterval sets the delay between forward passes.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.interval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// NewRelay creates a relay over an open AMQP channel and declares the
// forwarding exchange.
func NewRelay(broker *messaging.Broker, channel Channel, options ...RelayOption) (*Relay, error) {
	r := &Relay{
		broker:   broker,
		channel:  channel,
		exchange: DefaultExchange,
		backoff:  reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3),
		interval: time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}

	if err := channel.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	return r, nil
}

// Dial connects to RabbitMQ and returns the connection together with a
// channel suitable for NewRelay. The caller owns both and must close them.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// Forward runs a drain loop for one recipient until ctx is cancelled: each
// pass publishes the recipient's pending envelopes to the exchange,
// acknowledging on successful publish and routing publish failures through
// the broker's retry accounting.
func (r *Relay) Forward(ctx context.Context, recipient string) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ForwardOnce(ctx, recipient); err != nil {
				r.logger.Error("forward pass failed",
					"recipient", recipient,
					"error", err,
				)
			}
		}
	}
}

// ForwardOnce publishes every currently pending envelope for a recipient.
func (r *Relay) ForwardOnce(ctx context.Context, recipient string) error {
	pending, err := r.broker.GetPendingMessages(ctx, recipient)
	if err != nil {
		return fmt.Errorf("get pending messages for %s: %w", recipient, err)
	}

	for _, env := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.publish(ctx, env); err != nil {
			r.logger.Warn("publish failed",
				"message_id", env.MessageID,
				"recipient", recipient,
				"error", err,
			)
			if _, ferr := r.broker.HandleFailure(ctx, env.MessageID, recipient); ferr != nil {
				return fmt.Errorf("handle publish failure for %s: %w", env.MessageID, ferr)
			}
			continue
		}
		if err := r.broker.AcknowledgeMessage(ctx, env.MessageID, recipient); err != nil {
			return fmt.Errorf("acknowledge message %s: %w", env.MessageID, err)
		}
	}
	return nil
}

// Ingest declares and binds a queue for the recipient, then consumes
// envelopes from it and feeds them through the broker's admission path
// until ctx is cancelled. Malformed or rejected deliveries are nacked
// without requeue.
func (r *Relay) Ingest(ctx context.Context, recipient string) error {
	queueName := fmt.Sprintf("%s.%s", r.exchange, recipient)
	if _, err := r.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := r.channel.QueueBind(queueName, recipient, r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}

	deliveries, err := r.channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume from %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queueName)
			}
			r.handleDelivery(ctx, delivery)
		}
	}
}

func (r *Relay) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var env contracts.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		r.logger.Warn("discarding malformed delivery", "error", err)
		_ = delivery.Nack(false, false)
		return
	}
	if err := r.broker.SendMessage(ctx, &env); err != nil {
		r.logger.Error("ingest failed", "message_id", env.MessageID, "error", err)
		_ = delivery.Nack(false, false)
		return
	}
	_ = delivery.Ack(false)
}

// publish sends one envelope to the exchange, retrying transient failures
// per the backoff policy.
func (r *Relay) publish(ctx context.Context, env *contracts.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.MessageID, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Type:          string(env.MessageType),
		Body:          body,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = r.channel.PublishWithContext(ctx, r.exchange, env.Recipient, false, false, msg)
		if lastErr == nil {
			return nil
		}

		retry, delay := r.backoff.ShouldRetry(attempt)
		if !retry {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish after %d attempts: %w", r.backoff.MaxAttempts(), lastErr)
}
