// Package mahilo assembles the inter-agent message broker from its
// collaborators: a message store, a policy validator, a telemetry sink, and
// an optional shared signing secret. The underlying pieces live in the
// contracts, signing, policy, telemetry, messaging, and storage packages;
// this package only wires a sensible default stack together.
package mahilo

import (
	"fmt"
	"log/slog"

	"github.com/mahilo/mahilo-go/messaging"
	"github.com/mahilo/mahilo-go/policy"
	"github.com/mahilo/mahilo-go/signing"
	"github.com/mahilo/mahilo-go/storage/memory"
	"github.com/mahilo/mahilo-go/storage/sqlite"
	"github.com/mahilo/mahilo-go/telemetry"
)

// Client owns an assembled broker and the resources behind it.
type Client struct {
	broker   *messaging.Broker
	store    messaging.MessageStore
	policies *policy.Manager
	metrics  *telemetry.Collector
	closer   func() error
}

type clientConfig struct {
	logger      *slog.Logger
	storePath   string
	secret      string
	validator   messaging.Validator
	extraSinks  []telemetry.Sink
	withMetrics bool
}

// ClientOption configures the assembled stack.
type ClientOption func(*clientConfig)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithSQLiteStore persists messages in a SQLite database at the given path.
// Without this option the client uses an in-memory store.
func WithSQLiteStore(path string) ClientOption {
	return func(c *clientConfig) {
		c.storePath = path
	}
}

// WithSecret enables envelope signing and verification with a shared
// secret.
func WithSecret(secret string) ClientOption {
	return func(c *clientConfig) {
		c.secret = secret
	}
}

// WithValidator installs an admission gate in place of the default policy
// manager.
func WithValidator(v messaging.Validator) ClientOption {
	return func(c *clientConfig) {
		c.validator = v
	}
}

// WithTelemetrySink adds an extra telemetry sink alongside the defaults.
func WithTelemetrySink(sink telemetry.Sink) ClientOption {
	return func(c *clientConfig) {
		c.extraSinks = append(c.extraSinks, sink)
	}
}

// WithMetrics adds an in-memory metrics collector, readable via
// Client.Metrics.
func WithMetrics() ClientOption {
	return func(c *clientConfig) {
		c.withMetrics = true
	}
}

// NewClient assembles a broker with the default stack: an in-memory or
// SQLite store, a policy manager as validator, and slog-backed telemetry.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	client := &Client{closer: func() error { return nil }}

	if cfg.storePath != "" {
		store, err := sqlite.Open(sqlite.Config{Path: cfg.storePath, Logger: cfg.logger})
		if err != nil {
			return nil, fmt.Errorf("open message store: %w", err)
		}
		client.store = store
		client.closer = store.Close
	} else {
		client.store = memory.NewStore()
	}

	validator := cfg.validator
	if validator == nil {
		client.policies = policy.NewManager(policy.WithLogger(cfg.logger))
		validator = client.policies
	}

	sinks := telemetry.MultiSink{telemetry.NewSlogSink(cfg.logger)}
	if cfg.withMetrics {
		client.metrics = telemetry.NewCollector()
		sinks = append(sinks, client.metrics)
	}
	sinks = append(sinks, cfg.extraSinks...)

	brokerOpts := []messaging.BrokerOption{
		messaging.WithStore(client.store),
		messaging.WithValidator(validator),
		messaging.WithTelemetry(sinks),
		messaging.WithLogger(cfg.logger),
	}
	if cfg.secret != "" {
		brokerOpts = append(brokerOpts, messaging.WithSigner(signing.NewHMACSigner(cfg.secret)))
	}

	client.broker = messaging.NewBroker(brokerOpts...)
	return client, nil
}

// Broker returns the assembled broker.
func (c *Client) Broker() *messaging.Broker {
	return c.broker
}

// Store returns the message store backing the broker.
func (c *Client) Store() messaging.MessageStore {
	return c.store
}

// Policies returns the default policy manager, nil when a custom validator
// was installed.
func (c *Client) Policies() *policy.Manager {
	return c.policies
}

// Metrics returns the metrics collector, nil unless WithMetrics was used.
func (c *Client) Metrics() *telemetry.Collector {
	return c.metrics
}

// Close releases the resources owned by the client.
func (c *Client) Close() error {
	return c.closer()
}
