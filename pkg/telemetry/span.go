// Package telemetry implements the correlation/span hooks the core keeps in
// scope even though a full tracing backend is explicitly out of scope: a
// SpanRecorder that brackets fallback attempts and agent runs, rolling them
// up into a tree keyed by correlation id.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal state of a span.
type Status string

const (
	StatusUnset Status = "unset"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// AgentSpan is a hierarchical rollup node for observability.
type AgentSpan struct {
	CorrelationID string
	SpanID        string
	ParentSpanID  string
	Name          string
	StartTime     time.Time
	EndTime       time.Time
	Status        Status
	Attributes    map[string]string
}

// Tracer owns the in-memory span tree for a single workspace. Like
// AgentMonitor and RateLimitManager, each workflow instance gets its own.
type Tracer struct {
	mu    sync.Mutex
	spans map[string][]*AgentSpan // correlationId -> spans
}

// NewTracer returns an empty Tracer.
func NewTracer() *Tracer {
	return &Tracer{spans: make(map[string][]*AgentSpan)}
}

// Start begins a new span under correlationID, optionally nested under
// parentSpanID ("" for a root span), and returns it. The caller must call
// End on the returned span.
func (t *Tracer) Start(correlationID, parentSpanID, name string, attrs map[string]string) *AgentSpan {
	span := &AgentSpan{
		CorrelationID: correlationID,
		SpanID:        uuid.NewString(),
		ParentSpanID:  parentSpanID,
		Name:          name,
		StartTime:     time.Now(),
		Status:        StatusUnset,
		Attributes:    attrs,
	}
	t.mu.Lock()
	t.spans[correlationID] = append(t.spans[correlationID], span)
	t.mu.Unlock()
	return span
}

// End closes a span with the given terminal status.
func (t *Tracer) End(span *AgentSpan, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span.EndTime = time.Now()
	span.Status = status
}

// Tree returns the spans for a correlation id, ordered by start time, for
// callers that want to reconstruct the parent/child rollup.
func (t *Tracer) Tree(correlationID string) []*AgentSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans := t.spans[correlationID]
	out := make([]*AgentSpan, len(spans))
	copy(out, spans)
	return out
}

// Clear discards all spans for a correlation id (e.g. after a workflow step
// completes and its spans have been exported).
func (t *Tracer) Clear(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.spans, correlationID)
}
