package content

import (
	"context"
	"strings"
	"testing"
)

func TestPutAndRead(t *testing.T) {
	s := New(WithPageSize(10))
	// 25 chars across three pages: 10 + 10 + 5.
	id := s.Put(strings.Repeat("abcde", 5))

	if s.Pages(id) != 3 {
		t.Errorf("pages = %d, want 3", s.Pages(id))
	}

	res, err := s.read(context.Background(), map[string]any{"slot_id": id})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res["content"] != "abcdeabcde" || res["page"] != 0 || res["total_pages"] != 3 || res["has_more"] != true {
		t.Errorf("page 0 = %v", res)
	}

	res, _ = s.read(context.Background(), map[string]any{"slot_id": id, "page": float64(2)})
	if res["content"] != "abcde" || res["has_more"] != false {
		t.Errorf("page 2 = %v", res)
	}
}

func TestReadUnknownSlot(t *testing.T) {
	s := New()
	res, _ := s.read(context.Background(), map[string]any{"slot_id": "slot_missing"})
	if res["error"] == nil {
		t.Errorf("result = %v, want error", res)
	}
}

func TestReadPageOutOfRange(t *testing.T) {
	s := New(WithPageSize(10))
	id := s.Put("short")
	res, _ := s.read(context.Background(), map[string]any{"slot_id": id, "page": float64(5)})
	if res["error"] == nil {
		t.Errorf("result = %v, want error", res)
	}
}

func TestEmptySlotHasOnePage(t *testing.T) {
	s := New(WithPageSize(10))
	id := s.Put("")
	res, _ := s.read(context.Background(), map[string]any{"slot_id": id})
	if res["content"] != "" || res["total_pages"] != 1 || res["has_more"] != false {
		t.Errorf("result = %v", res)
	}
}

func TestToolDefinition(t *testing.T) {
	tools := New().Tools()
	if len(tools) != 1 || tools[0].Name != "read_large_content" || tools[0].Fn == nil {
		t.Errorf("tools = %+v", tools)
	}
}
