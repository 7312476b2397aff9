package telemetry

import (
	"context"
	"sync"
)

// Collector is a basic in-memory metrics sink that can be fronted by an
// exporter (Prometheus, etc.) later. It derives counters from the event
// stream and tracks the last reported queue depth per agent.
type Collector struct {
	mu sync.RWMutex

	sent               int64
	processed          int64
	failed             int64
	retried            int64
	validationFailures int64

	// Last observed pending-queue length per agent, fed by
	// queue_length_changed events.
	queueDepths map[string]int
}

// Stats is a point-in-time snapshot of collected metrics.
type Stats struct {
	MessagesSent       int64
	MessagesProcessed  int64
	MessagesFailed     int64
	Retries            int64
	ValidationFailures int64
	QueueDepths        map[string]int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{queueDepths: make(map[string]int)}
}

// Record implements Sink.
func (c *Collector) Record(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case MessageSent:
		c.sent++
	case MessageProcessed:
		c.processed++
	case MessageFailed:
		c.failed++
	case Retry:
		c.retried++
	case MessageValidationFailed:
		c.validationFailures++
	case QueueLengthChanged:
		if length, ok := asInt(event.Details["queue_length"]); ok && event.AgentID != "" {
			c.queueDepths[event.AgentID] = length
		}
	}
}

// Stats returns a snapshot of the current metrics.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	depths := make(map[string]int, len(c.queueDepths))
	for agent, depth := range c.queueDepths {
		depths[agent] = depth
	}
	return Stats{
		MessagesSent:       c.sent,
		MessagesProcessed:  c.processed,
		MessagesFailed:     c.failed,
		Retries:            c.retried,
		ValidationFailures: c.validationFailures,
		QueueDepths:        depths,
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
