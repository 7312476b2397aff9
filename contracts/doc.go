// Package contracts provides the core message types for the mahilo broker.
//
// This package defines the values that flow through the system:
//   - Envelope: a single routed, timestamped unit of inter-agent communication
//   - MessageType: routing semantics of an envelope (direct, broadcast, response, error)
//   - MessageState: delivery lifecycle of a persisted envelope
//   - PolicyViolation: a failed admission check reported by a policy validator
//
// Envelopes are immutable once created. The signature, when present, is set
// at creation time and covers the message ID and payload.
package contracts
