package germinal

import "sync"

// Waiters hands invocation results back to callers blocked on a queued
// event, keyed by event id. The HTTP front-end registers before pushing;
// the supervisor resolves after processing. Channels are buffered so
// resolution never blocks the supervisor, even when the waiter already
// timed out and went away.
type Waiters struct {
	mu sync.Mutex
	m  map[string]chan *InvokeResult
}

// NewWaiters creates an empty waiter table.
func NewWaiters() *Waiters {
	return &Waiters{m: make(map[string]chan *InvokeResult)}
}

// Register returns a channel that receives the result for eventID.
// Registering the same id again replaces the previous handle.
func (w *Waiters) Register(eventID string) <-chan *InvokeResult {
	ch := make(chan *InvokeResult, 1)
	w.mu.Lock()
	w.m[eventID] = ch
	w.mu.Unlock()
	return ch
}

// Resolve delivers the result to the registered waiter, if any, and
// removes the registration. Safe to call for ids nobody waits on.
func (w *Waiters) Resolve(eventID string, res *InvokeResult) {
	w.mu.Lock()
	ch, ok := w.m[eventID]
	if ok {
		delete(w.m, eventID)
	}
	w.mu.Unlock()
	if ok {
		ch <- res
	}
}

// Cancel drops a registration without delivering a result. Called by the
// front-end when a request times out; the event stays queued and its
// eventual result is discarded.
func (w *Waiters) Cancel(eventID string) {
	w.mu.Lock()
	delete(w.m, eventID)
	w.mu.Unlock()
}

// Len reports the number of outstanding waiters.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
