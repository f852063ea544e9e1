package chat

import (
	"fmt"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/google/uuid"
)

// persistedEventTypes maps normalized event types to the audit event_type
// stored in chat_events. Events outside this map are not persisted.
var persistedEventTypes = map[events.EventType]string{
	events.ToolUseStart: "tool_use",
	events.ToolResult:   "tool_result",
	events.Result:       "result",
	events.Error:        "error",
	events.TodoCreate:   "todo_create",
	events.TodoUpdate:   "todo_update",
	events.TodoDone:     "todo_done",
}

// streamState accumulates everything the post-stream commit needs. It is
// strictly per-request and only touched by the streaming loop; the commit
// goroutine reads it after the loop ends.
type streamState struct {
	sessionID string

	status       []string
	todos        []any
	sdkSessionID string
	buffered     []*domain.ChatEvent

	inputTokens   int
	outputTokens  int
	totalTokens   int
	costUSD       float64
	explicitTotal bool
}

func newStreamState(sessionID string) *streamState {
	return &streamState{sessionID: sessionID}
}

// collect updates the accumulators from one normalized event. Branches only
// on the normalized type, never on the raw agent event.
func (s *streamState) collect(ev events.StreamEvent) {
	switch ev.Type {
	case events.Status:
		if message := asString(ev.Data["message"]); message != "" {
			s.status = append(s.status, message)
		}

	case events.TodoCreate:
		if items := itemsSlice(ev.Data["items"]); len(items) > 0 {
			s.status = append(s.status, fmt.Sprintf("Planning: %d tasks", len(items)))
			s.todos = items
		}

	case events.TodoUpdate:
		if items := itemsSlice(ev.Data["items"]); len(items) > 0 {
			s.status = append(s.status, fmt.Sprintf("Updated: %d tasks", len(items)))
			s.todos = items
		}

	case events.TodoDone:
		item := asMap(ev.Data["item"])
		index := asInt(ev.Data["index"])
		content := asString(item["content"])
		if content == "" {
			content = "Task"
		}
		if len(content) > 50 {
			content = content[:50]
		}
		s.status = append(s.status, "Completed: "+content+"...")
		if index >= 0 && index < len(s.todos) {
			merged := map[string]any{"status": "completed"}
			for k, v := range asMap(s.todos[index]) {
				if k != "status" {
					merged[k] = v
				}
			}
			for k, v := range item {
				merged[k] = v
			}
			if asString(merged["status"]) == "" {
				merged["status"] = "completed"
			}
			todos := make([]any, len(s.todos))
			copy(todos, s.todos)
			todos[index] = merged
			s.todos = todos
		}

	case events.Usage:
		s.mergeUsage(ev.Data)

	case events.Result:
		for _, key := range []string{"session_id", "sessionId"} {
			if id := asString(ev.Data[key]); id != "" {
				s.sdkSessionID = id
				break
			}
		}
		if cost, ok := asFloatOK(ev.Data["total_cost_usd"]); ok {
			s.costUSD = cost
		}
		if usage := asMap(ev.Data["usage"]); len(usage) > 0 {
			if v, ok := asIntOK(usage["input_tokens"]); ok {
				s.inputTokens = v
			}
			if v, ok := asIntOK(usage["output_tokens"]); ok {
				s.outputTokens = v
			}
			if v, ok := asIntOK(usage["total_tokens"]); ok {
				s.totalTokens = v
				s.explicitTotal = true
			} else {
				s.totalTokens = s.inputTokens + s.outputTokens
			}
		}
	}

	if eventType, ok := persistedEventTypes[ev.Type]; ok {
		eventName := ""
		if ev.Type == events.ToolUseStart {
			eventName = asString(ev.Data["name"])
		}
		s.buffered = append(s.buffered, &domain.ChatEvent{
			ID:        uuid.NewString(),
			SessionID: s.sessionID,
			EventType: eventType,
			EventName: eventName,
			EventData: ev.Data,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (s *streamState) mergeUsage(data map[string]any) {
	usage := asMap(data["usage"])
	if len(usage) == 0 {
		return
	}
	input := asInt(usage["input_tokens"])
	output := asInt(usage["output_tokens"])
	total, hasTotal := asIntOK(usage["total_tokens"])

	// A running total overwrites the counters; incremental usage adds.
	if isTotal, _ := data["total"].(bool); isTotal {
		s.inputTokens = input
		s.outputTokens = output
		if hasTotal {
			s.totalTokens = total
			s.explicitTotal = true
		} else {
			s.totalTokens = input + output
		}
		return
	}
	s.inputTokens += input
	s.outputTokens += output
	s.totalTokens = s.inputTokens + s.outputTokens
}

// turn assembles the AssistantTurn for the committer. parserText and
// parserThinking come from the parser's accumulators; parserSDKID is its
// captured vendor session id, used when the RESULT event carried none.
func (s *streamState) turn(parserText, parserThinking, parserSDKID string) store.AssistantTurn {
	metadata := map[string]any{}
	if len(s.status) > 0 {
		metadata["processing"] = s.status
	}
	if parserThinking != "" {
		metadata["thinking"] = parserThinking
	}
	if len(s.todos) > 0 {
		metadata["todos"] = s.todos
	}

	var message *domain.ChatMessage
	if parserText != "" || len(metadata) > 0 {
		if len(metadata) == 0 {
			metadata = nil
		}
		message = &domain.ChatMessage{
			ID:        uuid.NewString(),
			SessionID: s.sessionID,
			Role:      domain.RoleAssistant,
			Content:   parserText,
			Metadata:  metadata,
			CreatedAt: time.Now().UTC(),
		}
	}

	var usage *domain.ChatUsage
	if s.totalTokens > 0 || s.costUSD > 0 {
		usage = &domain.ChatUsage{
			ID:           uuid.NewString(),
			SessionID:    s.sessionID,
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			TotalTokens:  s.totalTokens,
			CostUSD:      s.costUSD,
			CreatedAt:    time.Now().UTC(),
		}
	}

	sdkSessionID := s.sdkSessionID
	if sdkSessionID == "" {
		sdkSessionID = parserSDKID
	}

	return store.AssistantTurn{
		SessionID:    s.sessionID,
		Events:       s.buffered,
		Message:      message,
		Usage:        usage,
		SDKSessionID: sdkSessionID,
	}
}

func itemsSlice(v any) []any {
	switch items := v.(type) {
	case []any:
		return items
	case []map[string]any:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asInt(v any) int {
	n, _ := asIntOK(v)
	return n
}

func asIntOK(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func asFloatOK(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
