package germinal

import (
	"errors"
	"fmt"
)

// ErrLLM indicates a provider-level failure (bad response, transport
// error wrapped by the provider client).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-200 status from a provider endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrUnroutable is returned by the router when no rule matches an event.
// The supervisor marks such events failed; timer ticks hit this path until
// a scheduler agent type exists.
type ErrUnroutable struct {
	Source string
	Type   string
}

func (e *ErrUnroutable) Error() string {
	return fmt.Sprintf("no routing rule for event source=%s type=%s", e.Source, e.Type)
}

// ErrNotFound is returned by store lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

// ErrQueueEmpty is returned by Dequeue when no pending event exists.
var ErrQueueEmpty = errors.New("queue empty")
