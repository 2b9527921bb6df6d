// Package notify lets agents surface messages to the operator's terminal.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	germinal "github.com/edwiny/germinal"
)

// Tool writes operator notifications.
type Tool struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// Option configures a Tool.
type Option func(*Tool)

// WithOutput redirects notifications, used in tests.
func WithOutput(w io.Writer) Option {
	return func(t *Tool) { t.out = w }
}

// New creates the notify tool writing to stdout.
func New(opts ...Option) *Tool {
	t := &Tool{out: os.Stdout, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Tools returns the registrable tool definitions.
func (t *Tool) Tools() []germinal.Tool {
	return []germinal.Tool{{
		Name:        "notify_user",
		Description: "Show a message to the operator on the orchestrator terminal. Use for progress updates and results the operator should see immediately.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","minLength":1}},"required":["message"],"additionalProperties":false}`),
		RiskLevel:   germinal.RiskLow,
		Fn:          t.notify,
	}}
}

func (t *Tool) notify(_ context.Context, params map[string]any) (map[string]any, error) {
	message, _ := params["message"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\n[%s] NOTIFICATION: %s\n", t.now().Format("15:04:05"), message)
	return map[string]any{"delivered": true}, nil
}
