package instrument

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instrumenter starts spans and emits one-shot business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, resourceType, recordID string, metadata map[string]any)
}

// Span is one timed operation, written to _events when it ends.
type Span interface {
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetResource(resourceType, recordID string)
	// SetUser records the user the operation acted for.
	SetUser(userID string)
	// SetDecision records the outcome of an authorization check or filter.
	SetDecision(d Decision)
	End()
	TraceID() string
	SpanID() string
}

// Decision is the outcome an authorization span reports.
type Decision struct {
	Action string
	// Result is granted, denied, bypassed or error; it doubles as the span status.
	Result string
	// Permissions is the number of candidate permissions considered.
	Permissions int
	// Predicate is the rendered row filter. Point checks leave it empty.
	Predicate string
}

// Event represents a row in the _events table.
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	ResourceType *string        `json:"resource_type"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newUUID() string {
	return uuid.New().String()
}

// spanContext is the tracing state carried by a request context.
type spanContext struct {
	traceID  string
	parentID string
	userID   string
	inst     Instrumenter
}

type spanContextKey struct{}

func fromContext(ctx context.Context) spanContext {
	sc, _ := ctx.Value(spanContextKey{}).(spanContext)
	return sc
}

func withSpanContext(ctx context.Context, update func(*spanContext)) context.Context {
	sc := fromContext(ctx)
	update(&sc)
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// WithTraceID starts a trace in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withSpanContext(ctx, func(sc *spanContext) { sc.traceID = traceID })
}

func GetTraceID(ctx context.Context) string {
	return fromContext(ctx).traceID
}

// WithUserID attributes spans and events started from ctx to a user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withSpanContext(ctx, func(sc *spanContext) { sc.userID = userID })
}

func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return withSpanContext(ctx, func(sc *spanContext) { sc.inst = inst })
}

// GetInstrumenter returns the instrumenter of ctx, or a NoopInstrumenter.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst := fromContext(ctx).inst; inst != nil {
		return inst
	}
	return &NoopInstrumenter{}
}

// event prefills an event with the trace position and user of sc.
func (sc spanContext) event(eventType, source, component, action string) Event {
	e := Event{
		TraceID:   sc.traceID,
		SpanID:    newUUID(),
		EventType: eventType,
		Source:    source,
		Component: component,
		Action:    action,
		Metadata:  make(map[string]any),
	}
	if sc.parentID != "" {
		parent := sc.parentID
		e.ParentSpanID = &parent
	}
	if sc.userID != "" {
		user := sc.userID
		e.UserID = &user
	}
	return e
}

// BufferedInstrumenter queues spans and events on an EventBuffer.
type BufferedInstrumenter struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *BufferedInstrumenter {
	return &BufferedInstrumenter{buffer: buffer}
}

// StartSpan opens a span as a child of the current one. The returned
// context parents spans started from it.
func (i *BufferedInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &bufferedSpan{
		event:  fromContext(ctx).event("system", source, component, action),
		start:  time.Now(),
		buffer: i.buffer,
	}
	ctx = withSpanContext(ctx, func(sc *spanContext) { sc.parentID = span.event.SpanID })
	return ctx, span
}

// EmitBusinessEvent queues an event without a duration.
func (i *BufferedInstrumenter) EmitBusinessEvent(ctx context.Context, action, resourceType, recordID string, metadata map[string]any) {
	e := fromContext(ctx).event("business", "business", "api", action)
	e.Metadata = metadata
	setResource(&e, resourceType, recordID)
	i.buffer.Enqueue(e)
}

func setResource(e *Event, resourceType, recordID string) {
	if resourceType != "" {
		e.ResourceType = &resourceType
	}
	if recordID != "" {
		e.RecordID = &recordID
	}
}

// bufferedSpan fills its event as the operation runs and queues it on End.
type bufferedSpan struct {
	mu     sync.Mutex
	event  Event
	start  time.Time
	buffer *EventBuffer
	ended  bool
}

func (s *bufferedSpan) TraceID() string { return s.event.TraceID }
func (s *bufferedSpan) SpanID() string  { return s.event.SpanID }

func (s *bufferedSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Status = &status
}

func (s *bufferedSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Metadata[key] = value
}

func (s *bufferedSpan) SetResource(resourceType, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setResource(&s.event, resourceType, recordID)
}

func (s *bufferedSpan) SetUser(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.UserID = &userID
}

func (s *bufferedSpan) SetDecision(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Status = &d.Result
	s.event.Metadata["action"] = d.Action
	s.event.Metadata["decision"] = d.Result
	s.event.Metadata["permissions"] = d.Permissions
	if d.Predicate != "" {
		s.event.Metadata["predicate"] = d.Predicate
	}
}

// End queues the event once; later calls are ignored.
func (s *bufferedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	durationMs := float64(time.Since(s.start).Microseconds()) / 1000.0
	s.event.DurationMs = &durationMs
	e := s.event
	e.Metadata = maps.Clone(s.event.Metadata)
	s.buffer.Enqueue(e)
}
