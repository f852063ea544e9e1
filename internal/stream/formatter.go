package stream

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ashureev/agentgate/internal/events"
	"github.com/google/uuid"
)

// Reasoning block variants.
const (
	variantThinking   = "thinking"
	variantProcessing = "processing"
	variantTodos      = "todos"
)

// Formatter converts normalized StreamEvents into well-bracketed UI stream
// frames. It is stateful and strictly per-request: blocks opened during the
// stream are tracked so every *-start is matched by a *-end before finish.
type Formatter struct {
	messageID string

	simpleTextID      string
	simpleTextStarted bool
	processingID      string
	processingStarted bool
	thinkingID        string
	thinkingStarted   bool
	todosID           string
	todosStarted      bool

	// Indexed blocks from the claude streaming dialect.
	textIDs        map[int]string
	thinkingIDs    map[int]string
	activeText     map[int]struct{}
	activeThinking map[int]struct{}
}

// NewFormatter creates a formatter with a fresh message id and block ids.
func NewFormatter() *Formatter {
	return &Formatter{
		messageID:      uuid.NewString(),
		simpleTextID:   newBlockID("text"),
		processingID:   newBlockID("processing"),
		thinkingID:     newBlockID("thinking"),
		todosID:        newBlockID("todos"),
		textIDs:        make(map[int]string),
		thinkingIDs:    make(map[int]string),
		activeText:     make(map[int]struct{}),
		activeThinking: make(map[int]struct{}),
	}
}

// MessageID returns the id announced in the start frame.
func (f *Formatter) MessageID() string { return f.messageID }

// Start emits the opening message frame.
func (f *Formatter) Start() []Frame {
	return []Frame{frameStart(f.messageID)}
}

// Format converts one normalized event into zero or more frames.
func (f *Formatter) Format(ev events.StreamEvent) []Frame {
	var out []Frame

	switch ev.Type {
	case events.Status:
		message := asString(ev.Data["message"])
		if message == "" {
			break
		}
		out = f.closeThinking(out)
		out = f.openProcessing(out)
		out = append(out, frameReasoningDelta(f.processingID, message+"\n"))

	case events.TodoCreate, events.TodoUpdate:
		items := ev.Data["items"]
		if isEmptyItems(items) {
			break
		}
		if f.todosStarted {
			out = append(out, frameReasoningEnd(f.todosID))
		}
		out = append(out, frameReasoningStart(f.todosID, variantTodos))
		f.todosStarted = true
		out = append(out, frameReasoningDelta(f.todosID, marshalItems(items)))
		out = append(out, frameReasoningEnd(f.todosID))
		f.todosStarted = false

	case events.TodoDone:
		item := asMap(ev.Data["item"])
		content := asString(item["content"])
		if content == "" {
			content = "Task"
		}
		content = truncate(content, 50)
		out = f.closeThinking(out)
		out = f.openProcessing(out)
		out = append(out, frameReasoningDelta(f.processingID, "Completed: "+content+"...\n"))

	case events.Text:
		if ev.HasIndex() {
			id := ev.ID
			if id == "" {
				id = f.textIDs[ev.Index]
			}
			// A reopened index closes the block it held before.
			if _, open := f.activeText[ev.Index]; open && f.textIDs[ev.Index] != id {
				out = append(out, frameTextEnd(f.textIDs[ev.Index]))
			}
			f.textIDs[ev.Index] = id
			f.activeText[ev.Index] = struct{}{}
			out = append(out, frameTextStart(id))
		}

	case events.TextDelta:
		delta := asString(ev.Data["delta"])
		if delta == "" {
			delta = asString(ev.Data["content"])
		}
		if delta == "" {
			break
		}
		out = f.closeProcessing(out)
		out = f.closeThinking(out)
		if !ev.HasIndex() && !f.simpleTextStarted {
			out = append(out, frameTextStart(f.simpleTextID))
			f.simpleTextStarted = true
		}
		id := ev.ID
		if id == "" && ev.HasIndex() {
			id = f.textIDs[ev.Index]
		}
		if id == "" {
			id = f.simpleTextID
		}
		out = append(out, frameTextDelta(id, delta))

	case events.Thinking:
		if ev.HasIndex() {
			id := ev.ID
			if _, open := f.activeThinking[ev.Index]; open && id != "" && f.thinkingIDs[ev.Index] != id {
				out = append(out, frameReasoningEnd(f.thinkingIDs[ev.Index]))
			}
			if id != "" {
				f.thinkingIDs[ev.Index] = id
			}
			f.activeThinking[ev.Index] = struct{}{}
			out = f.closeProcessing(out)
			out = append(out, frameReasoningStart(id, variantThinking))
			break
		}
		content := asString(ev.Data["content"])
		if content == "" {
			break
		}
		out = f.closeProcessing(out)
		if !f.thinkingStarted {
			out = append(out, frameReasoningStart(f.thinkingID, variantThinking))
			f.thinkingStarted = true
		}
		out = append(out, frameReasoningDelta(f.thinkingID, content))

	case events.ThinkingDelta:
		if delta := asString(ev.Data["delta"]); delta != "" {
			out = append(out, frameReasoningDelta(ev.ID, delta))
		}

	case events.ToolUseStart:
		toolID := asString(ev.Data["id"])
		if toolID == "" {
			toolID = newBlockID("call")
		}
		toolName := asString(ev.Data["name"])
		if toolName == "" {
			toolName = "unknown"
		}
		out = append(out, frameToolInputStart(toolID, toolName))
		if input := asMap(ev.Data["input"]); len(input) > 0 {
			out = append(out, frameToolInputAvailable(toolID, toolName, input))
		}

	case events.ToolResult:
		toolID := asString(ev.Data["tool_use_id"])
		if toolID == "" {
			toolID = ev.ID
		}
		_, hasResults := ev.Data["results"]
		var output map[string]any
		if hasResults {
			if toolID == "" {
				toolID = newBlockID("search")
			}
			output = map[string]any{"count": ev.Data["count"], "results": ev.Data["results"]}
		} else {
			output = ev.Data
		}
		if toolID != "" && len(output) > 0 {
			out = append(out, frameToolOutputAvailable(toolID, output))
		}

	case events.Usage:
		usage := asMap(ev.Data["usage"])
		if len(usage) == 0 {
			break
		}
		isTotal, _ := ev.Data["total"].(bool)
		out = append(out, frameDataUsage(map[string]any{
			"inputTokens":     usage["input_tokens"],
			"outputTokens":    usage["output_tokens"],
			"reasoningTokens": usage["reasoning_tokens"],
			"cachedTokens":    usage["cached_tokens"],
			"stopReason":      ev.Data["stop_reason"],
			"isTotal":         isTotal,
		}))

	case events.Result:
		out = f.closeSimpleText(out)
		isError, _ := ev.Data["is_error"].(bool)
		if isError {
			out = append(out, frameError("Agent execution failed"))
		}
		if ev.Data["total_cost_usd"] != nil || asFloat(ev.Data["duration_ms"]) > 0 {
			out = append(out, frameDataUsage(map[string]any{
				"totalCostUSD": ev.Data["total_cost_usd"],
				"numTurns":     ev.Data["num_turns"],
				"durationMs":   ev.Data["duration_ms"],
				"sdkSessionId": ev.Data["session_id"],
				"isError":      isError,
			}))
		}

	case events.Error:
		out = f.closeSimpleText(out)
		message := asString(ev.Data["message"])
		if message == "" {
			message = "Unknown error"
		}
		out = append(out, frameError(message))
	}

	return out
}

// End closes every still-open block in a fixed order, then emits the finish
// frame and the [DONE] sentinel.
func (f *Formatter) End() []Frame {
	var out []Frame
	if f.processingStarted {
		out = append(out, frameReasoningEnd(f.processingID))
		f.processingStarted = false
	}
	if f.todosStarted {
		out = append(out, frameReasoningEnd(f.todosID))
		f.todosStarted = false
	}
	if f.thinkingStarted {
		out = append(out, frameReasoningEnd(f.thinkingID))
		f.thinkingStarted = false
	}
	for _, idx := range sortedIndices(f.activeText) {
		out = append(out, frameTextEnd(f.textIDs[idx]))
		delete(f.activeText, idx)
	}
	for _, idx := range sortedIndices(f.activeThinking) {
		out = append(out, frameReasoningEnd(f.thinkingIDs[idx]))
		delete(f.activeThinking, idx)
	}
	out = f.closeSimpleText(out)
	out = append(out, frameFinish(), DoneFrame)
	return out
}

func (f *Formatter) openProcessing(out []Frame) []Frame {
	if !f.processingStarted {
		out = append(out, frameReasoningStart(f.processingID, variantProcessing))
		f.processingStarted = true
	}
	return out
}

func (f *Formatter) closeProcessing(out []Frame) []Frame {
	if f.processingStarted {
		out = append(out, frameReasoningEnd(f.processingID))
		f.processingStarted = false
	}
	return out
}

func (f *Formatter) closeThinking(out []Frame) []Frame {
	if f.thinkingStarted {
		out = append(out, frameReasoningEnd(f.thinkingID))
		f.thinkingStarted = false
	}
	return out
}

func (f *Formatter) closeSimpleText(out []Frame) []Frame {
	if f.simpleTextStarted {
		out = append(out, frameTextEnd(f.simpleTextID))
		f.simpleTextStarted = false
		// Text arriving later opens a fresh block, never reuses the id.
		f.simpleTextID = newBlockID("text")
	}
	return out
}

func sortedIndices(set map[int]struct{}) []int {
	indices := make([]int, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

func marshalItems(items any) string {
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func isEmptyItems(items any) bool {
	switch v := items.(type) {
	case []any:
		return len(v) == 0
	case []map[string]any:
		return len(v) == 0
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newBlockID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
