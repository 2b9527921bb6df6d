package germinal

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTimerInterval is the tick period when the config does not set one.
const DefaultTimerInterval = time.Minute

// Timer is the clock adapter: it pushes a low-priority tick event every
// interval. Ticks carry the wall-clock minute so a tick dispatched late
// still names the minute it fired for. Push errors are logged, never
// fatal; the clock must keep running.
type Timer struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTimerLogger sets a structured logger.
func WithTimerLogger(l *slog.Logger) TimerOption {
	return func(t *Timer) { t.logger = l }
}

// WithTimerInterval overrides the tick period.
func WithTimerInterval(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// NewTimer creates a Timer pushing into the given queue.
func NewTimer(queue *Queue, opts ...TimerOption) *Timer {
	t := &Timer{queue: queue, interval: DefaultTimerInterval, logger: nopLogger}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run ticks until ctx is cancelled.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info("timer: started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("timer: stopped")
			return
		case now := <-ticker.C:
			t.tick(ctx, now)
		}
	}
}

func (t *Timer) tick(ctx context.Context, now time.Time) {
	payload := map[string]any{"minute": now.UTC().Format("2006-01-02T15:04")}
	if _, err := t.queue.Push(ctx, "timer", "tick", payload, 8); err != nil {
		t.logger.Error("timer: push failed", "error", err)
	}
}
