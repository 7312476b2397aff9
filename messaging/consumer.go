package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mahilo/mahilo-go/contracts"
)

// Handler processes a single envelope delivered to a recipient. A non-nil
// error routes the message into the broker's bounded retry path.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Consumer drains a recipient's pending queue on an interval and hands each
// envelope to a handler. Successful handling acknowledges the message;
// failures go through the broker's retry accounting and stop once the retry
// ceiling is exhausted. When the broker has a signer configured, envelopes
// that fail signature verification are logged and skipped.
type Consumer struct {
	broker    *Broker
	recipient string
	handler   Handler

	pollInterval time.Duration
	notifySender bool
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// PollInterval is the delay between drain passes. Defaults to 1s.
	PollInterval time.Duration

	// NotifySenderOnExhaustion controls whether the consumer sends an error
	// envelope back to the original sender once a message has exhausted its
	// retries. Enabled by default.
	NotifySenderOnExhaustion *bool

	// Logger receives consumer diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewConsumer creates a consumer for one recipient.
func NewConsumer(broker *Broker, recipient string, handler Handler, opts *ConsumerOptions) *Consumer {
	if opts == nil {
		opts = &ConsumerOptions{}
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	notify := true
	if opts.NotifySenderOnExhaustion != nil {
		notify = *opts.NotifySenderOnExhaustion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		broker:       broker,
		recipient:    recipient,
		handler:      handler,
		pollInterval: pollInterval,
		notifySender: notify,
		logger:       logger,
	}
}

// Start begins polling in a background goroutine. It returns an error if
// the consumer is already running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("consumer for %s already started", c.recipient)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop cancels the polling loop and waits for the in-flight drain pass to
// finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.started = false
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Drain(ctx); err != nil {
				c.logger.Error("drain pass failed",
					"recipient", c.recipient,
					"error", err,
				)
			}
		}
	}
}

// Drain processes every currently pending envelope once. It is exported so
// callers that schedule their own polling (or tests) can drive the consumer
// directly.
func (c *Consumer) Drain(ctx context.Context) error {
	pending, err := c.broker.GetPendingMessages(ctx, c.recipient)
	if err != nil {
		return fmt.Errorf("get pending messages for %s: %w", c.recipient, err)
	}

	for _, env := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.process(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, env *contracts.Envelope) error {
	if signer := c.broker.Signer(); signer != nil {
		if !env.Verify(signer) {
			c.logger.Warn("message failed signature verification, skipping",
				"message_id", env.MessageID,
				"sender", env.Sender,
			)
			return nil
		}
	}

	if err := c.handler.Handle(ctx, env); err != nil {
		return c.fail(ctx, env, err)
	}

	if err := c.broker.AcknowledgeMessage(ctx, env.MessageID, c.recipient); err != nil {
		return fmt.Errorf("acknowledge message %s: %w", env.MessageID, err)
	}
	return nil
}

func (c *Consumer) fail(ctx context.Context, env *contracts.Envelope, handleErr error) error {
	c.logger.Error("message processing failed",
		"message_id", env.MessageID,
		"sender", env.Sender,
		"error", handleErr,
	)

	shouldRetry, err := c.broker.HandleFailure(ctx, env.MessageID, c.recipient)
	if err != nil {
		return fmt.Errorf("handle failure for %s: %w", env.MessageID, err)
	}
	if shouldRetry {
		// Left pending; the next drain pass picks it up again.
		return nil
	}

	c.logger.Warn("max retries exceeded",
		"message_id", env.MessageID,
		"sender", env.Sender,
	)
	if !c.notifySender {
		return nil
	}

	options := []contracts.EnvelopeOption{
		contracts.WithMessageType(contracts.MessageTypeError),
		contracts.WithCorrelationID(env.CorrelationID),
		contracts.WithReplyTo(env.MessageID),
	}
	if signer := c.broker.Signer(); signer != nil {
		options = append(options, contracts.WithSigner(signer))
	}
	notice, err := contracts.NewEnvelope(
		c.recipient,
		env.Sender,
		fmt.Sprintf("Failed to process message after max retries: %v", handleErr),
		options...,
	)
	if err != nil {
		return fmt.Errorf("build exhaustion notice for %s: %w", env.MessageID, err)
	}
	if err := c.broker.SendMessage(ctx, notice); err != nil {
		return fmt.Errorf("send exhaustion notice for %s: %w", env.MessageID, err)
	}
	return nil
}
