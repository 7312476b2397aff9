// Package messaging implements the mahilo message broker: store-and-forward
// delivery of envelopes between named agents with policy validation before
// admission, optional signature verification, bounded retries, and telemetry
// for every state transition.
//
// The broker's collaborators (store, validator, telemetry sink) are
// capability interfaces with null-object defaults, so a broker works
// standalone and gains durability, admission control, and observability as
// they are injected.
package messaging
