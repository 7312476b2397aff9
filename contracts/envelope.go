package contracts

import (
	"time"

	"github.com/google/uuid"

	"github.com/mahilo/mahilo-go/signing"
)

// MessageType describes the routing semantics of an envelope.
type MessageType string

const (
	MessageTypeDirect    MessageType = "direct"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeResponse  MessageType = "response"

	// MessageTypeError is reserved for system-synthesized rejection replies.
	// Error envelopes bypass policy validation to prevent rejection loops.
	MessageTypeError MessageType = "error"
)

// MessageState is the delivery lifecycle of a persisted envelope.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateProcessed MessageState = "processed"
	StateFailed    MessageState = "failed"
)

// Envelope is a single routed, timestamped unit of inter-agent
// communication. Envelopes are immutable once created; the signature, when
// present, is computed at creation time over the message ID and payload.
type Envelope struct {
	MessageID     string      `json:"message_id"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	MessageType   MessageType `json:"message_type"`
	Payload       string      `json:"payload"`
	Timestamp     float64     `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	Signature     string      `json:"signature,omitempty"`
}

// EnvelopeOption configures envelope creation.
type EnvelopeOption func(*envelopeConfig)

type envelopeConfig struct {
	messageType   MessageType
	correlationID string
	replyTo       string
	signer        signing.Signer
}

// WithMessageType sets the message type. Defaults to MessageTypeDirect.
func WithMessageType(t MessageType) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.messageType = t
	}
}

// WithCorrelationID links the envelope into a request/response chain.
func WithCorrelationID(id string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.correlationID = id
	}
}

// WithReplyTo records the message ID this envelope replies to.
func WithReplyTo(messageID string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.replyTo = messageID
	}
}

// WithSigner signs the envelope at creation time.
func WithSigner(s signing.Signer) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.signer = s
	}
}

// NewEnvelope creates an envelope with a fresh message ID and the current
// timestamp. When a signer is configured the signature covers the generated
// message ID and the payload.
func NewEnvelope(sender, recipient, payload string, options ...EnvelopeOption) (*Envelope, error) {
	cfg := envelopeConfig{messageType: MessageTypeDirect}
	for _, opt := range options {
		opt(&cfg)
	}

	env := &Envelope{
		MessageID:     uuid.New().String(),
		Sender:        sender,
		Recipient:     recipient,
		MessageType:   cfg.messageType,
		Payload:       payload,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		CorrelationID: cfg.correlationID,
		ReplyTo:       cfg.replyTo,
	}

	if cfg.signer != nil {
		sig, err := cfg.signer.Sign(env.MessageID, env.Payload)
		if err != nil {
			return nil, err
		}
		env.Signature = sig
	}

	return env, nil
}

// Verify reports whether the envelope carries a signature that decodes with
// the signer's key to exactly this envelope's message ID and payload. It
// fails closed: a missing signature, wrong key, tampered payload, or
// malformed token all yield false.
func (e *Envelope) Verify(s signing.Signer) bool {
	if e.Signature == "" || s == nil {
		return false
	}
	return s.Verify(e.Signature, e.MessageID, e.Payload) == nil
}

// Serialize returns all envelope fields as a flat mapping with the message
// type rendered as its string tag, for storage and transport.
func (e *Envelope) Serialize() map[string]any {
	return map[string]any{
		"message_id":     e.MessageID,
		"sender":         e.Sender,
		"recipient":      e.Recipient,
		"message_type":   string(e.MessageType),
		"payload":        e.Payload,
		"timestamp":      e.Timestamp,
		"correlation_id": e.CorrelationID,
		"reply_to":       e.ReplyTo,
		"signature":      e.Signature,
	}
}
