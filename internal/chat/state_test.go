package chat

import (
	"testing"

	"github.com/ashureev/agentgate/internal/events"
)

func TestUsageAccumulatesIncrementally(t *testing.T) {
	s := newStreamState("s1")

	s.collect(events.StreamEvent{Type: events.Usage, Data: map[string]any{
		"usage": map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
	}, Index: events.NoIndex})
	s.collect(events.StreamEvent{Type: events.Usage, Data: map[string]any{
		"usage": map[string]any{"input_tokens": float64(3), "output_tokens": float64(2)},
	}, Index: events.NoIndex})

	if s.inputTokens != 13 || s.outputTokens != 7 || s.totalTokens != 20 {
		t.Errorf("usage = %d/%d/%d, want 13/7/20", s.inputTokens, s.outputTokens, s.totalTokens)
	}
}

func TestUsageTotalOverwrites(t *testing.T) {
	s := newStreamState("s1")

	s.collect(events.StreamEvent{Type: events.Usage, Data: map[string]any{
		"usage": map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
	}, Index: events.NoIndex})
	s.collect(events.StreamEvent{Type: events.Usage, Data: map[string]any{
		"usage": map[string]any{"input_tokens": float64(100), "output_tokens": float64(50), "total_tokens": float64(175)},
		"total": true,
	}, Index: events.NoIndex})

	if s.inputTokens != 100 || s.outputTokens != 50 || s.totalTokens != 175 {
		t.Errorf("usage = %d/%d/%d, want 100/50/175", s.inputTokens, s.outputTokens, s.totalTokens)
	}
	if !s.explicitTotal {
		t.Errorf("explicit total must be recorded")
	}
}

func TestResultCapturesSessionAndCost(t *testing.T) {
	s := newStreamState("s1")
	s.collect(events.StreamEvent{Type: events.Result, Data: map[string]any{
		"session_id":     "sdk-1",
		"total_cost_usd": 0.25,
		"usage":          map[string]any{"input_tokens": float64(7), "output_tokens": float64(3)},
	}, Index: events.NoIndex})

	if s.sdkSessionID != "sdk-1" {
		t.Errorf("sdk session id = %q", s.sdkSessionID)
	}
	if s.costUSD != 0.25 {
		t.Errorf("cost = %v", s.costUSD)
	}
	if s.totalTokens != 10 {
		t.Errorf("total = %d, want 10", s.totalTokens)
	}
}

func TestTodoDoneMarksSnapshot(t *testing.T) {
	s := newStreamState("s1")
	s.collect(events.StreamEvent{Type: events.TodoCreate, Data: map[string]any{
		"items": []any{
			map[string]any{"content": "a", "status": "pending"},
			map[string]any{"content": "b", "status": "pending"},
		},
	}, Index: events.NoIndex})
	s.collect(events.StreamEvent{Type: events.TodoDone, Data: map[string]any{
		"item":  map[string]any{"content": "a"},
		"index": float64(0),
	}, Index: events.NoIndex})

	first := asMap(s.todos[0])
	if first["status"] != "completed" {
		t.Errorf("todo 0 = %v, want completed", first)
	}
	second := asMap(s.todos[1])
	if second["status"] != "pending" {
		t.Errorf("todo 1 = %v, want untouched", second)
	}
	if len(s.status) != 2 {
		t.Errorf("status = %v, want planning + completed entries", s.status)
	}
}

func TestPersistableEventsBuffered(t *testing.T) {
	s := newStreamState("s1")

	buffered := []events.StreamEvent{
		{Type: events.ToolUseStart, Data: map[string]any{"name": "Bash", "input": map[string]any{}}, Index: events.NoIndex},
		{Type: events.ToolResult, Data: map[string]any{"output": "ok"}, Index: events.NoIndex},
		{Type: events.Result, Data: map[string]any{"session_id": "x"}, Index: events.NoIndex},
		{Type: events.Error, Data: map[string]any{"message": "boom"}, Index: events.NoIndex},
		{Type: events.TodoUpdate, Data: map[string]any{"items": []any{map[string]any{"content": "t"}}}, Index: events.NoIndex},
	}
	ignored := []events.StreamEvent{
		{Type: events.Status, Data: map[string]any{"message": "working"}, Index: events.NoIndex},
		{Type: events.TextDelta, Data: map[string]any{"delta": "hi"}, Index: events.NoIndex},
		{Type: events.Thinking, Data: map[string]any{"content": "mm\n"}, Index: events.NoIndex},
		{Type: events.Raw, Data: map[string]any{"content": "noise"}, Index: events.NoIndex},
	}
	for _, ev := range append(buffered, ignored...) {
		s.collect(ev)
	}

	if len(s.buffered) != len(buffered) {
		t.Fatalf("buffered %d events, want %d", len(s.buffered), len(buffered))
	}
	if s.buffered[0].EventType != "tool_use" || s.buffered[0].EventName != "Bash" {
		t.Errorf("first buffered = %+v", s.buffered[0])
	}
	if s.buffered[3].EventType != "error" {
		t.Errorf("error event type = %q", s.buffered[3].EventType)
	}
}

func TestTurnBuildsMetadataOnlyWhenPresent(t *testing.T) {
	s := newStreamState("s1")
	turn := s.turn("", "", "")
	if turn.Message != nil {
		t.Errorf("empty stream must not produce an assistant message")
	}
	if turn.Usage != nil {
		t.Errorf("empty stream must not produce usage")
	}

	s.collect(events.StreamEvent{Type: events.Status, Data: map[string]any{"message": "step"}, Index: events.NoIndex})
	turn = s.turn("hello", "thought\n", "sdk-9")
	if turn.Message == nil {
		t.Fatalf("expected assistant message")
	}
	if turn.Message.Content != "hello" {
		t.Errorf("content = %q", turn.Message.Content)
	}
	if turn.Message.Metadata["thinking"] != "thought\n" {
		t.Errorf("metadata = %v", turn.Message.Metadata)
	}
	if turn.SDKSessionID != "sdk-9" {
		t.Errorf("sdk session id = %q", turn.SDKSessionID)
	}
}

func TestTurnPrefersResultSessionID(t *testing.T) {
	s := newStreamState("s1")
	s.collect(events.StreamEvent{Type: events.Result, Data: map[string]any{"session_id": "from-result"}, Index: events.NoIndex})
	turn := s.turn("", "", "from-parser")
	if turn.SDKSessionID != "from-result" {
		t.Errorf("sdk session id = %q, want from-result", turn.SDKSessionID)
	}
}
