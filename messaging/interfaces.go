package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/mahilo/mahilo-go/contracts"
)

// ErrMessageNotFound is returned by stores when no message exists for the
// given ID.
var ErrMessageNotFound = errors.New("messaging: message not found")

// RetryOutcome is the result of an atomic retry increment: the new count and
// the state the message transitioned to (pending when the ceiling has not
// been exceeded, failed once it has).
type RetryOutcome struct {
	RetryCount int
	State      contracts.MessageState
}

// MessageStore persists envelopes and their delivery state. The store is the
// single source of truth: the broker never caches state across calls.
//
// Implementations must provide atomic read-modify-write semantics per
// message ID. In particular IncrementRetry must perform its read, increment,
// and state transition as one transaction so that concurrent failure
// handling for the same message cannot lose updates.
type MessageStore interface {
	// SaveMessage persists an envelope in pending state with retry count 0.
	SaveMessage(ctx context.Context, env *contracts.Envelope) error

	// GetMessage returns the envelope with the given ID, or
	// ErrMessageNotFound.
	GetMessage(ctx context.Context, messageID string) (*contracts.Envelope, error)

	// GetPendingMessages returns all pending envelopes for a recipient in
	// insertion order.
	GetPendingMessages(ctx context.Context, recipient string) ([]*contracts.Envelope, error)

	// CountPending returns the number of pending envelopes for a recipient.
	CountPending(ctx context.Context, recipient string) (int, error)

	// UpdateMessageState transitions a message to the given state.
	UpdateMessageState(ctx context.Context, messageID string, state contracts.MessageState) error

	// GetRetryCount returns the current retry count for a message, 0 if the
	// message is unknown.
	GetRetryCount(ctx context.Context, messageID string) (int, error)

	// IncrementRetry atomically increments the retry count and transitions
	// the message: back to pending while the new count is within the
	// ceiling, to failed once it exceeds it. Returns ErrMessageNotFound for
	// unknown messages.
	IncrementRetry(ctx context.Context, messageID string, ceiling int) (RetryOutcome, error)

	// GetConversationHistory returns up to limit of the most recent
	// envelopes exchanged between two agents in either direction, oldest
	// first.
	GetConversationHistory(ctx context.Context, agentA, agentB string, limit int) ([]*contracts.Envelope, error)

	// CleanupOldMessages removes processed messages older than maxAge and
	// reports how many were deleted.
	CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error)
}

// ValidationContext is the context handed to a validator alongside the
// envelope under evaluation.
type ValidationContext struct {
	// Timestamp is the admission time.
	Timestamp time.Time

	// History holds up to the last 10 envelopes exchanged between the
	// sender and recipient, oldest first. Empty when no store is configured
	// or the history lookup failed.
	History []*contracts.Envelope
}

// Validator is the pluggable admission gate invoked before a message is
// queued. It reports whether the message may be admitted together with the
// violations that justify a rejection. A non-nil error signals validator
// infrastructure failure, not a policy decision.
type Validator interface {
	Validate(ctx context.Context, env *contracts.Envelope, vctx ValidationContext) (bool, []contracts.PolicyViolation, error)
}

// NopStore is the null-object store used when no persistence is configured.
// Sends are accepted but not durably queued: pending lookups are empty and
// failure handling never retries. This is a documented degraded mode, not an
// error.
type NopStore struct{}

// SaveMessage discards the envelope.
func (NopStore) SaveMessage(ctx context.Context, env *contracts.Envelope) error { return nil }

// GetMessage always reports the message as unknown.
func (NopStore) GetMessage(ctx context.Context, messageID string) (*contracts.Envelope, error) {
	return nil, ErrMessageNotFound
}

// GetPendingMessages returns no messages.
func (NopStore) GetPendingMessages(ctx context.Context, recipient string) ([]*contracts.Envelope, error) {
	return nil, nil
}

// CountPending returns zero.
func (NopStore) CountPending(ctx context.Context, recipient string) (int, error) { return 0, nil }

// UpdateMessageState does nothing.
func (NopStore) UpdateMessageState(ctx context.Context, messageID string, state contracts.MessageState) error {
	return nil
}

// GetRetryCount returns zero.
func (NopStore) GetRetryCount(ctx context.Context, messageID string) (int, error) { return 0, nil }

// IncrementRetry reports the message as unknown.
func (NopStore) IncrementRetry(ctx context.Context, messageID string, ceiling int) (RetryOutcome, error) {
	return RetryOutcome{}, ErrMessageNotFound
}

// GetConversationHistory returns no history.
func (NopStore) GetConversationHistory(ctx context.Context, agentA, agentB string, limit int) ([]*contracts.Envelope, error) {
	return nil, nil
}

// CleanupOldMessages does nothing.
func (NopStore) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}
