package telemetry

import (
	"context"
	"log/slog"
)

// SlogSink writes one structured log line per event.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through the given logger. A nil logger
// falls back to slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Record implements Sink.
func (s *SlogSink) Record(ctx context.Context, event Event) {
	attrs := make([]any, 0, 8+2*len(event.Details))
	attrs = append(attrs,
		"event_type", string(event.Type),
		"timestamp", event.Timestamp,
	)
	if event.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", event.CorrelationID)
	}
	if event.AgentID != "" {
		attrs = append(attrs, "agent_id", event.AgentID)
	}
	if event.MessageID != "" {
		attrs = append(attrs, "message_id", event.MessageID)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "telemetry event", attrs...)
}
