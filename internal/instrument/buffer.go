package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"valtimo-authz/internal/log"
	"valtimo-authz/internal/store"
)

var eventColumns = []string{
	"id", "trace_id", "span_id", "parent_span_id", "event_type", "source", "component", "action",
	"resource_type", "record_id", "user_id", "duration_ms", "status", "metadata",
}

// EventBuffer collects events in memory and writes them to _events in
// batches, on a timer or when maxSize events are pending.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	stopped sync.Once
}

func NewEventBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushIntervalMs int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 1000
	}
	eb := &EventBuffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event. A full buffer is flushed asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Pending returns the number of buffered events.
func (eb *EventBuffer) Pending() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.events)
}

// Flush writes all buffered events in one transaction.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	if err := eb.write(context.Background(), batch); err != nil {
		log.Error("event buffer flush failed", log.FieldComponent("instrument"), zap.Int("events", len(batch)), zap.Error(err))
	}
}

func (eb *EventBuffer) write(ctx context.Context, batch []Event) error {
	tx, err := eb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if eb.dialect.Name() == "postgres" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
			return fmt.Errorf("set synchronous_commit: %w", err)
		}
	}

	pb := eb.dialect.NewParamBuilder()
	rows := make([]string, 0, len(batch))
	for _, e := range batch {
		var metaJSON any
		if e.Metadata != nil {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			metaJSON = string(b)
		}
		values := []any{
			newUUID(), e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source, e.Component, e.Action,
			e.ResourceType, e.RecordID, e.UserID, e.DurationMs, e.Status, metaJSON,
		}
		ph := make([]string, len(values))
		for i, v := range values {
			ph[i] = pb.Add(v)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO _events (%s) VALUES %s", strings.Join(eventColumns, ", "), strings.Join(rows, ", "))
	if _, err := tx.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return tx.Commit()
}

// Stop halts the ticker and flushes what is left. It is safe to call twice.
func (eb *EventBuffer) Stop() {
	eb.stopped.Do(func() {
		eb.ticker.Stop()
		close(eb.done)
		eb.Flush()
	})
}
