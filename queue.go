package germinal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// Queue is the durable event queue. It is a thin coordination layer over
// the Store: durability and ordering live in SQL, dedup lives in the
// deterministic id.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets a structured logger for queue operations.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a Queue over the given store.
func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{store: store, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EventID derives the deterministic event id: "evt_" plus the first 16 hex
// chars of SHA-256 over source, the canonical JSON of the event body, and
// the UTC hour bucket. Identical events pushed within the same hour map to
// the same id and deduplicate on insert; the next hour opens a new window.
func EventID(source, eventType string, payload map[string]any, at time.Time) string {
	body := MarshalJSONString(map[string]any{
		"source":  source,
		"type":    eventType,
		"payload": payload,
	})
	bucket := at.UTC().Format("2006010215")
	sum := sha256.Sum256([]byte(source + ":" + body + ":" + bucket))
	return "evt_" + hex.EncodeToString(sum[:])[:16]
}

// Push inserts an event and returns its id. Priority runs 1 (highest) to
// 10; zero means default. A duplicate push within the hour window is a
// silent no-op that still returns the shared id.
func (q *Queue) Push(ctx context.Context, source, eventType string, payload map[string]any, priority int) (string, error) {
	if priority == 0 {
		priority = PriorityDefault
	}
	if priority < PriorityHighest || priority > PriorityLowest {
		return "", fmt.Errorf("push event: priority %d out of range", priority)
	}
	now := q.now()
	ev := Event{
		ID:        EventID(source, eventType, payload, now),
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Priority:  priority,
		Status:    EventPending,
		CreatedAt: now.UnixMilli(),
	}
	if err := q.store.InsertEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("push event: %w", err)
	}
	q.logger.Debug("queue: pushed", "id", ev.ID, "source", source, "type", eventType, "priority", priority)
	return ev.ID, nil
}

// Dequeue claims the next pending event (lowest priority number first,
// oldest first within a priority) and marks it processing. Returns
// ErrQueueEmpty when nothing is pending. The supervisor is the only
// consumer, so the read-then-update in the store needs no locking beyond
// the serialized connection.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	ev, err := q.store.DequeueEvent(ctx)
	if err != nil {
		return Event{}, err
	}
	q.logger.Debug("queue: dequeued", "id", ev.ID, "source", ev.Source, "type", ev.Type)
	return ev, nil
}

// Complete marks a processing event done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.store.FinishEvent(ctx, id, EventDone, q.now().UnixMilli()); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	q.logger.Debug("queue: completed", "id", id)
	return nil
}

// Fail marks a processing event failed.
func (q *Queue) Fail(ctx context.Context, id string) error {
	if err := q.store.FinishEvent(ctx, id, EventFailed, q.now().UnixMilli()); err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	q.logger.Debug("queue: failed", "id", id)
	return nil
}

// ResetStale returns events stuck in processing (a previous run crashed
// mid-event) to pending and reports how many were recovered.
func (q *Queue) ResetStale(ctx context.Context) (int, error) {
	n, err := q.store.ResetStaleEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset stale events: %w", err)
	}
	if n > 0 {
		q.logger.Info("queue: reset stale events", "count", n)
	}
	return n, nil
}
