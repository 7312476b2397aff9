package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/signing"
	"github.com/mahilo/mahilo-go/telemetry"
)

const (
	// MaxRetries is the retry ceiling: the number of re-delivery attempts a
	// message gets before it is marked failed permanently.
	MaxRetries = 3

	// SystemAgent is the sender of system-synthesized envelopes such as
	// policy rejection replies.
	SystemAgent = "mahilo"

	// historyLimit bounds the conversation history handed to validators.
	historyLimit = 10
)

// Broker mediates admission, queuing, acknowledgement, and retry of
// envelopes. It holds no mutable per-call state, so a single instance is
// safe to share across concurrent callers as long as the configured store
// provides atomic read-modify-write per message ID.
type Broker struct {
	signer    signing.Signer
	store     MessageStore
	validator Validator
	sink      telemetry.Sink
	logger    *slog.Logger
}

// BrokerOption configures the Broker.
type BrokerOption func(*Broker)

// WithStore sets the message store. Without a store the broker runs in a
// degraded mode where sends are accepted but not durably queued.
func WithStore(store MessageStore) BrokerOption {
	return func(b *Broker) {
		b.store = store
	}
}

// WithValidator sets the admission gate. Without a validator every
// non-error message is admitted.
func WithValidator(v Validator) BrokerOption {
	return func(b *Broker) {
		b.validator = v
	}
}

// WithSigner sets the shared signer used to sign synthesized error replies.
func WithSigner(s signing.Signer) BrokerOption {
	return func(b *Broker) {
		b.signer = s
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(sink telemetry.Sink) BrokerOption {
	return func(b *Broker) {
		b.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker. All collaborators are optional and default to
// null objects.
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		store:  NopStore{},
		sink:   telemetry.NopSink{},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Signer returns the broker's shared signer, nil when signing is not
// configured. Consumers use it to verify inbound envelopes.
func (b *Broker) Signer() signing.Signer {
	return b.signer
}

// SendMessage validates an envelope and queues it for delivery. Rejection
// by the validator is not an error: the broker synthesizes an error reply
// back to the sender, records a validation-failure event, and returns nil
// without admitting the message. Store failures propagate; only the
// conversation-history lookup is recovered locally.
func (b *Broker) SendMessage(ctx context.Context, env *contracts.Envelope) error {
	// Error envelopes bypass validation to avoid rejection loops.
	if env.MessageType != contracts.MessageTypeError && b.validator != nil {
		valid, violations, err := b.validator.Validate(ctx, env, b.validationContext(ctx, env))
		if err != nil {
			return fmt.Errorf("validate message %s: %w", env.MessageID, err)
		}
		if !valid {
			return b.rejectMessage(ctx, env, violations)
		}
	}

	previous, err := b.store.CountPending(ctx, env.Recipient)
	if err != nil {
		return fmt.Errorf("count pending for %s: %w", env.Recipient, err)
	}
	if err := b.store.SaveMessage(ctx, env); err != nil {
		return fmt.Errorf("save message %s: %w", env.MessageID, err)
	}
	current, err := b.store.CountPending(ctx, env.Recipient)
	if err != nil {
		return fmt.Errorf("count pending for %s: %w", env.Recipient, err)
	}

	sent := telemetry.NewEvent(telemetry.MessageSent)
	sent.CorrelationID = env.CorrelationID
	sent.AgentID = env.Sender
	sent.MessageID = env.MessageID
	sent.Details["recipient"] = env.Recipient
	sent.Details["message_type"] = string(env.MessageType)
	b.sink.Record(ctx, sent)

	b.recordQueueLength(ctx, env.Recipient, previous, current)
	return nil
}

// GetPendingMessages returns the pending envelopes queued for a recipient
// in store insertion order.
func (b *Broker) GetPendingMessages(ctx context.Context, recipient string) ([]*contracts.Envelope, error) {
	return b.store.GetPendingMessages(ctx, recipient)
}

// AcknowledgeMessage marks a message as successfully processed. Unknown
// messages are a no-op.
func (b *Broker) AcknowledgeMessage(ctx context.Context, messageID, recipient string) error {
	env, err := b.store.GetMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get message %s: %w", messageID, err)
	}

	previous, err := b.store.CountPending(ctx, recipient)
	if err != nil {
		return fmt.Errorf("count pending for %s: %w", recipient, err)
	}
	if err := b.store.UpdateMessageState(ctx, messageID, contracts.StateProcessed); err != nil {
		return fmt.Errorf("mark message %s processed: %w", messageID, err)
	}
	current, err := b.store.CountPending(ctx, recipient)
	if err != nil {
		return fmt.Errorf("count pending for %s: %w", recipient, err)
	}

	processed := telemetry.NewEvent(telemetry.MessageProcessed)
	processed.CorrelationID = env.CorrelationID
	processed.AgentID = recipient
	processed.MessageID = messageID
	processed.Details["sender"] = env.Sender
	processed.Details["message_type"] = string(env.MessageType)
	b.sink.Record(ctx, processed)

	b.recordQueueLength(ctx, recipient, previous, current)
	return nil
}

// HandleFailure records a processing failure for a message and decides
// whether the caller should retry. The retry count is incremented and the
// state transitioned in a single atomic store operation: back to pending
// while the count is within MaxRetries (returns true), to failed once the
// ceiling is exhausted (returns false). Messages the store does not track
// cannot be retried.
func (b *Broker) HandleFailure(ctx context.Context, messageID, recipient string) (bool, error) {
	env, err := b.store.GetMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get message %s: %w", messageID, err)
	}

	outcome, err := b.store.IncrementRetry(ctx, messageID, MaxRetries)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("increment retry for %s: %w", messageID, err)
	}

	if outcome.State == contracts.StatePending {
		retry := telemetry.NewEvent(telemetry.Retry)
		retry.CorrelationID = env.CorrelationID
		retry.AgentID = recipient
		retry.MessageID = messageID
		retry.Details["retry_count"] = outcome.RetryCount
		retry.Details["max_retries"] = MaxRetries
		b.sink.Record(ctx, retry)
		return true, nil
	}

	failed := telemetry.NewEvent(telemetry.MessageFailed)
	failed.CorrelationID = env.CorrelationID
	failed.AgentID = recipient
	failed.MessageID = messageID
	failed.Details["retry_count"] = outcome.RetryCount
	failed.Details["max_retries"] = MaxRetries
	failed.Details["sender"] = env.Sender
	failed.Details["message_type"] = string(env.MessageType)
	b.sink.Record(ctx, failed)
	return false, nil
}

// validationContext assembles the context handed to the validator: the
// admission timestamp plus recent conversation history between the two
// agents. A failed history lookup is logged and treated as empty history.
func (b *Broker) validationContext(ctx context.Context, env *contracts.Envelope) ValidationContext {
	vctx := ValidationContext{Timestamp: time.Now().UTC()}

	history, err := b.store.GetConversationHistory(ctx, env.Sender, env.Recipient, historyLimit)
	if err != nil {
		b.logger.Warn("failed to load conversation history",
			"sender", env.Sender,
			"recipient", env.Recipient,
			"error", err,
		)
		return vctx
	}
	vctx.History = history
	return vctx
}

// rejectMessage synthesizes an error reply to the sender of a message that
// failed validation and records the rejection. The original message is not
// admitted.
func (b *Broker) rejectMessage(ctx context.Context, env *contracts.Envelope, violations []contracts.PolicyViolation) error {
	reply, err := b.errorReply(env, violations)
	if err != nil {
		return fmt.Errorf("build rejection reply for %s: %w", env.MessageID, err)
	}
	if err := b.store.SaveMessage(ctx, reply); err != nil {
		return fmt.Errorf("save rejection reply for %s: %w", env.MessageID, err)
	}

	details := make([]map[string]string, 0, len(violations))
	for _, v := range violations {
		details = append(details, map[string]string{
			"policy": v.PolicyName,
			"reason": v.Reason,
		})
	}

	event := telemetry.NewEvent(telemetry.MessageValidationFailed)
	event.CorrelationID = env.CorrelationID
	event.AgentID = env.Sender
	event.MessageID = env.MessageID
	event.Details["recipient"] = env.Recipient
	event.Details["violations"] = details
	b.sink.Record(ctx, event)
	return nil
}

// errorReply builds the system error envelope for a rejected message: an
// itemized, human-readable list of the policy violations, addressed back to
// the sender and signed with the broker's signer when one is configured.
func (b *Broker) errorReply(env *contracts.Envelope, violations []contracts.PolicyViolation) (*contracts.Envelope, error) {
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		lines = append(lines, fmt.Sprintf("Policy '%s': %s", v.PolicyName, v.Reason))
	}
	payload := fmt.Sprintf(
		"Your message to %s was rejected due to policy violations:\n\n%s\n\nPlease modify your message and try again.",
		env.Recipient,
		strings.Join(lines, "\n"),
	)

	options := []contracts.EnvelopeOption{
		contracts.WithMessageType(contracts.MessageTypeError),
		contracts.WithCorrelationID(env.CorrelationID),
		contracts.WithReplyTo(env.MessageID),
	}
	if b.signer != nil {
		options = append(options, contracts.WithSigner(b.signer))
	}
	return contracts.NewEnvelope(SystemAgent, env.Sender, payload, options...)
}

func (b *Broker) recordQueueLength(ctx context.Context, recipient string, previous, current int) {
	event := telemetry.NewEvent(telemetry.QueueLengthChanged)
	event.AgentID = recipient
	event.Details["queue_length"] = current
	event.Details["previous_length"] = previous
	b.sink.Record(ctx, event)
}
