// Package content holds oversized inline input out of the model context.
// When a submitted task exceeds the inline budget, the supervisor parks
// the full text in a slot and hands the agent a short reference; the
// agent pages through it with read_large_content.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	germinal "github.com/edwiny/germinal"
)

// DefaultPageChars is the page size returned per read_large_content call.
const DefaultPageChars = 8000

// Slots is an in-memory store of parked content keyed by slot id.
type Slots struct {
	mu       sync.Mutex
	slots    map[string]string
	pageSize int
}

// Option configures Slots.
type Option func(*Slots)

// WithPageSize overrides the page size in characters.
func WithPageSize(n int) Option {
	return func(s *Slots) { s.pageSize = n }
}

// New creates an empty slot store.
func New(opts ...Option) *Slots {
	s := &Slots{slots: make(map[string]string), pageSize: DefaultPageChars}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put parks content and returns its slot id.
func (s *Slots) Put(content string) string {
	id := germinal.NewID("slot")
	s.mu.Lock()
	s.slots[id] = content
	s.mu.Unlock()
	return id
}

// Pages returns how many pages the slot spans, 0 when absent.
func (s *Slots) Pages(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.slots[id]
	if !ok {
		return 0
	}
	return (len(content) + s.pageSize - 1) / s.pageSize
}

// Tools returns the registrable tool definitions.
func (s *Slots) Tools() []germinal.Tool {
	return []germinal.Tool{{
		Name:        "read_large_content",
		Description: "Read one page of parked large content by slot id. Pages are numbered from 0; the result reports whether more pages remain.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"slot_id":{"type":"string"},"page":{"type":"integer","minimum":0}},"required":["slot_id"],"additionalProperties":false}`),
		RiskLevel:   germinal.RiskLow,
		Fn:          s.read,
	}}
}

func (s *Slots) read(_ context.Context, params map[string]any) (map[string]any, error) {
	slotID, _ := params["slot_id"].(string)
	page := 0
	if p, ok := params["page"].(float64); ok {
		page = int(p)
	}

	s.mu.Lock()
	content, ok := s.slots[slotID]
	s.mu.Unlock()
	if !ok {
		return map[string]any{"error": fmt.Sprintf("no content parked under slot %s", slotID)}, nil
	}

	total := (len(content) + s.pageSize - 1) / s.pageSize
	if total == 0 {
		total = 1
	}
	if page >= total {
		return map[string]any{"error": fmt.Sprintf("page %d out of range, slot has %d pages", page, total)}, nil
	}

	start := page * s.pageSize
	end := start + s.pageSize
	if end > len(content) {
		end = len(content)
	}
	return map[string]any{
		"content":     content[start:end],
		"page":        page,
		"total_pages": total,
		"has_more":    page < total-1,
	}, nil
}
