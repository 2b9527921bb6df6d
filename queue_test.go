package germinal

import (
	"context"
	"testing"
	"time"
)

func TestEventIDDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	payload := map[string]any{"message": "hello"}

	a := EventID("user", "message", payload, at)
	b := EventID("user", "message", payload, at.Add(10*time.Minute))
	if a != b {
		t.Errorf("same event in same hour should share an id: %s vs %s", a, b)
	}
	if len(a) != len("evt_")+16 {
		t.Errorf("unexpected id length: %q", a)
	}

	c := EventID("user", "message", payload, at.Add(time.Hour))
	if a == c {
		t.Error("next hour bucket should produce a new id")
	}

	d := EventID("timer", "message", payload, at)
	if a == d {
		t.Error("different source should produce a different id")
	}
}

func TestPushDedup(t *testing.T) {
	q := NewQueue(newMemStore())
	ctx := context.Background()

	payload := map[string]any{"message": "same"}
	id1, err := q.Push(ctx, "user", "message", payload, 0)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	id2, err := q.Push(ctx, "user", "message", payload, 0)
	if err != nil {
		t.Fatalf("push duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate push returned different id: %s vs %s", id1, id2)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != ErrQueueEmpty {
		t.Errorf("expected ErrQueueEmpty after dedup, got %v", err)
	}
}

func TestPushDefaultAndInvalidPriority(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store)
	ctx := context.Background()

	id, err := q.Push(ctx, "user", "message", map[string]any{"message": "x"}, 0)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	ev, err := store.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Priority != PriorityDefault {
		t.Errorf("priority = %d, want %d", ev.Priority, PriorityDefault)
	}

	if _, err := q.Push(ctx, "user", "message", map[string]any{"message": "y"}, 11); err == nil {
		t.Error("expected error for priority 11")
	}
	if _, err := q.Push(ctx, "user", "message", map[string]any{"message": "y"}, -1); err == nil {
		t.Error("expected error for negative priority")
	}
}

func TestDequeueOrdering(t *testing.T) {
	q := NewQueue(newMemStore())
	ctx := context.Background()

	// Stagger creation so created_at tiebreaks are deterministic.
	lowID, _ := q.Push(ctx, "timer", "tick", map[string]any{"minute": "a"}, 8)
	time.Sleep(2 * time.Millisecond)
	firstID, _ := q.Push(ctx, "http", "message", map[string]any{"message": "first"}, 3)
	time.Sleep(2 * time.Millisecond)
	secondID, _ := q.Push(ctx, "http", "message", map[string]any{"message": "second"}, 3)

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ev, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		got = append(got, ev.ID)
	}
	want := []string{firstID, secondID, lowID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order %v, want %v", got, want)
		}
	}

	if _, err := q.Dequeue(ctx); err != ErrQueueEmpty {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestCompleteAndFail(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store)
	ctx := context.Background()

	id1, _ := q.Push(ctx, "user", "message", map[string]any{"message": "a"}, 5)
	id2, _ := q.Push(ctx, "user", "message", map[string]any{"message": "b"}, 5)

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Complete(ctx, id1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ev, _ := store.GetEvent(ctx, id1)
	if ev.Status != EventDone || ev.ProcessedAt == 0 {
		t.Errorf("completed event = %+v", ev)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Fail(ctx, id2); err != nil {
		t.Fatalf("fail: %v", err)
	}
	ev, _ = store.GetEvent(ctx, id2)
	if ev.Status != EventFailed || ev.ProcessedAt == 0 {
		t.Errorf("failed event = %+v", ev)
	}
}

func TestResetStale(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store)
	ctx := context.Background()

	id, _ := q.Push(ctx, "user", "message", map[string]any{"message": "a"}, 5)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Simulates a crash mid-processing: the event is stuck.
	n, err := q.ResetStale(ctx)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	ev, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after reset: %v", err)
	}
	if ev.ID != id {
		t.Errorf("recovered event = %s, want %s", ev.ID, id)
	}

	n, _ = q.ResetStale(ctx)
	if n != 1 {
		t.Errorf("second reset count = %d, want 1", n)
	}
}
