// Package events normalizes raw agent events into a single vocabulary.
//
// Agents emit framework-specific JSON events on stdout. The Parser converts
// them into StreamEvents that the SSE formatter and the persistence layer
// consume, and accumulates text, thinking, and the vendor SDK session id as
// a side effect so they can be read once when the stream ends.
package events

import (
	"strings"

	"github.com/google/uuid"
)

// EventType is the closed set of normalized event types.
type EventType string

const (
	Start         EventType = "start"
	Done          EventType = "done"
	Error         EventType = "error"
	Ping          EventType = "ping"
	Status        EventType = "status"
	Text          EventType = "text"
	TextDelta     EventType = "text_delta"
	Thinking      EventType = "thinking"
	ThinkingDelta EventType = "thinking_delta"
	ToolUseStart  EventType = "tool_use_start"
	ToolUseDelta  EventType = "tool_use_delta"
	ToolUseEnd    EventType = "tool_use_end"
	ToolResult    EventType = "tool_result"
	Metadata      EventType = "metadata"
	Usage         EventType = "usage"
	Result        EventType = "result"
	TodoCreate    EventType = "todo_create"
	TodoUpdate    EventType = "todo_update"
	TodoDone      EventType = "todo_done"
	Raw           EventType = "raw"
	Unknown       EventType = "unknown"
)

// NoIndex marks a StreamEvent that does not belong to an indexed block.
const NoIndex = -1

// StreamEvent is the normalized event structure. Index carries the block
// index for the indexed claude streaming dialect (NoIndex otherwise); ID is
// the stable block or tool-call id when one exists.
type StreamEvent struct {
	Type  EventType
	Data  map[string]any
	Index int
	ID    string
}

// HasIndex reports whether the event belongs to an indexed block.
func (e StreamEvent) HasIndex() bool { return e.Index != NoIndex }

// Frameworks selecting the parser dialect.
const (
	FrameworkClaude     = "claude"
	FrameworkDeepAgents = "deepagents"
	FrameworkLangChain  = "langchain"
)

// Parser converts raw agent events into normalized StreamEvents. It is
// stateful and strictly per-request: one Parser per stream.
//
// Parse never fails; events it cannot interpret come back as Raw or Unknown.
type Parser struct {
	framework string

	text         strings.Builder
	thinking     strings.Builder
	sdkSessionID string

	// Indexed-block state for the claude streaming dialect.
	textIDs        map[int]string
	thinkingIDs    map[int]string
	toolIDs        map[int]string
	activeText     map[int]struct{}
	activeThinking map[int]struct{}
}

// NewParser returns a parser for the given framework tag.
func NewParser(framework string) *Parser {
	return &Parser{
		framework:      framework,
		textIDs:        make(map[int]string),
		thinkingIDs:    make(map[int]string),
		toolIDs:        make(map[int]string),
		activeText:     make(map[int]struct{}),
		activeThinking: make(map[int]struct{}),
	}
}

// Parse normalizes one raw event. The raw map is the full decoded JSON line
// from the worker; at minimum it has "type" and "data" keys, and the claude
// streaming dialect additionally uses top-level "message", "index",
// "content_block", "delta", and "usage" fields.
func (p *Parser) Parse(raw map[string]any) StreamEvent {
	switch p.framework {
	case FrameworkClaude:
		return p.parseClaude(raw)
	case FrameworkDeepAgents, FrameworkLangChain:
		return p.parseDeepAgents(raw)
	default:
		return StreamEvent{Type: Unknown, Data: raw, Index: NoIndex}
	}
}

// Text returns the accumulated assistant text for persistence.
func (p *Parser) Text() string { return p.text.String() }

// Thinking returns the accumulated reasoning text for persistence.
func (p *Parser) Thinking() string { return p.thinking.String() }

// SDKSessionID returns the vendor session id captured from the stream, or
// the empty string when none was observed.
func (p *Parser) SDKSessionID() string { return p.sdkSessionID }

func (p *Parser) parseClaude(raw map[string]any) StreamEvent {
	eventType := asString(raw["type"])
	data := asMap(raw["data"])

	// Anthropic-style indexed block streaming.
	switch eventType {
	case "message_start":
		message := asMap(raw["message"])
		if id := asString(message["id"]); id != "" {
			p.sdkSessionID = id
		}
		return StreamEvent{
			Type:  Start,
			Data:  map[string]any{"model": message["model"], "usage": asMap(message["usage"])},
			Index: NoIndex,
		}

	case "content_block_start":
		index := asInt(raw["index"])
		block := asMap(raw["content_block"])
		switch asString(block["type"]) {
		case "text":
			p.textIDs[index] = newBlockID("text")
			p.activeText[index] = struct{}{}
			return StreamEvent{Type: Text, Index: index, ID: p.textIDs[index]}
		case "tool_use":
			toolID := asString(block["id"])
			if toolID == "" {
				toolID = newBlockID("call")
			}
			p.toolIDs[index] = toolID
			return StreamEvent{
				Type:  ToolUseStart,
				Data:  map[string]any{"id": toolID, "name": block["name"], "input": asMap(block["input"])},
				Index: index,
				ID:    toolID,
			}
		case "thinking":
			p.thinkingIDs[index] = newBlockID("thinking")
			p.activeThinking[index] = struct{}{}
			return StreamEvent{Type: Thinking, Index: index, ID: p.thinkingIDs[index]}
		}

	case "content_block_delta":
		index := asInt(raw["index"])
		delta := asMap(raw["delta"])
		switch asString(delta["type"]) {
		case "text_delta":
			text := asString(delta["text"])
			p.text.WriteString(text)
			return StreamEvent{Type: TextDelta, Data: map[string]any{"delta": text}, Index: index, ID: p.textIDs[index]}
		case "thinking_delta":
			thinking := asString(delta["thinking"])
			p.thinking.WriteString(thinking)
			return StreamEvent{Type: ThinkingDelta, Data: map[string]any{"delta": thinking}, Index: index, ID: p.thinkingIDs[index]}
		case "input_json_delta":
			return StreamEvent{Type: ToolUseDelta, Data: map[string]any{"partial_json": delta["partial_json"]}, Index: index, ID: p.toolIDs[index]}
		}

	case "content_block_stop":
		index := asInt(raw["index"])
		delete(p.activeText, index)
		delete(p.activeThinking, index)
		if id, ok := p.toolIDs[index]; ok {
			return StreamEvent{Type: ToolUseEnd, Data: map[string]any{"id": id}, Index: index}
		}
		return StreamEvent{Type: Unknown, Index: index}

	case "message_delta":
		delta := asMap(raw["delta"])
		return StreamEvent{
			Type:  Usage,
			Data:  map[string]any{"usage": asMap(raw["usage"]), "stop_reason": delta["stop_reason"]},
			Index: NoIndex,
		}

	case "message_stop":
		return StreamEvent{Type: Done, Index: NoIndex}

	case "ping":
		return StreamEvent{Type: Ping, Index: NoIndex}

	case "error":
		errObj := asMap(raw["error"])
		if len(errObj) == 0 {
			errObj = data
		}
		message := asString(errObj["message"])
		if message == "" {
			message = "An error occurred"
		}
		return StreamEvent{Type: Error, Data: map[string]any{"message": message}, Index: NoIndex}
	}

	// Simplified line-JSON dialect from the in-house wrapper.
	switch eventType {
	case "start":
		return StreamEvent{Type: Start, Data: data, Index: NoIndex}

	case "status":
		return StreamEvent{Type: Status, Data: map[string]any{"message": asString(data["message"])}, Index: NoIndex}

	case "text":
		content := asString(data["content"])
		p.text.WriteString(content)
		return StreamEvent{Type: TextDelta, Data: map[string]any{"delta": content, "content": content}, Index: NoIndex}

	case "thinking":
		content := terminateLine(asString(data["content"]))
		p.thinking.WriteString(content)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": content}, Index: NoIndex}

	case "think":
		thought := terminateLine(asString(data["thought"]))
		p.thinking.WriteString(thought)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": thought, "source": "think_tool"}, Index: NoIndex}

	case "tool_use":
		if asString(data["name"]) == "TodoWrite" {
			if items := todoItems(asMap(data["input"])); len(items) > 0 {
				return StreamEvent{Type: TodoUpdate, Data: map[string]any{"items": items}, Index: NoIndex}
			}
		}
		return StreamEvent{Type: ToolUseStart, Data: data, Index: NoIndex, ID: asString(data["id"])}

	case "tool_result":
		return StreamEvent{Type: ToolResult, Data: data, Index: NoIndex, ID: asString(data["tool_use_id"])}

	case "result":
		p.captureSDKSessionID(data)
		return StreamEvent{Type: Result, Data: data, Index: NoIndex}

	case "usage":
		return StreamEvent{Type: Usage, Data: map[string]any{"usage": data}, Index: NoIndex}

	case "usage_total":
		return StreamEvent{Type: Usage, Data: map[string]any{"usage": data, "total": true}, Index: NoIndex}

	case "todos", "todo_create":
		return StreamEvent{Type: TodoCreate, Data: map[string]any{"items": asSlice(data["items"])}, Index: NoIndex}

	case "todo_update":
		return StreamEvent{Type: TodoUpdate, Data: map[string]any{"items": asSlice(data["items"])}, Index: NoIndex}

	case "todo_done":
		return StreamEvent{Type: TodoDone, Data: map[string]any{"item": asMap(data["item"]), "index": asInt(data["index"])}, Index: NoIndex}

	case "subagent_spawn":
		subagentType := asString(data["subagent_type"])
		if subagentType == "" {
			subagentType = "subagent"
		}
		message := "Spawning " + subagentType + "..."
		if description := asString(data["description"]); description != "" {
			message = "Spawning " + subagentType + ": " + description
		}
		return StreamEvent{Type: Status, Data: map[string]any{"message": message}, Index: NoIndex}

	case "done":
		return StreamEvent{Type: Done, Index: NoIndex}
	}

	return StreamEvent{Type: Unknown, Data: raw, Index: NoIndex}
}

func (p *Parser) parseDeepAgents(raw map[string]any) StreamEvent {
	eventType := asString(raw["type"])
	data := asMap(raw["data"])

	switch eventType {
	case "start":
		return StreamEvent{Type: Start, Data: data, Index: NoIndex}

	case "status":
		return StreamEvent{Type: Status, Data: map[string]any{"message": asString(data["message"])}, Index: NoIndex}

	case "text":
		content := asString(data["content"])
		p.text.WriteString(content)
		return StreamEvent{Type: TextDelta, Data: map[string]any{"delta": content}, Index: NoIndex}

	case "thinking":
		content := terminateLine(asString(data["content"]))
		p.thinking.WriteString(content)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": content}, Index: NoIndex}

	case "think":
		thought := terminateLine(asString(data["thought"]))
		p.thinking.WriteString(thought)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": thought, "source": "think_tool"}, Index: NoIndex}

	case "tool_use":
		return StreamEvent{Type: ToolUseStart, Data: data, Index: NoIndex, ID: asString(data["id"])}

	case "tool_call_start":
		return StreamEvent{
			Type:  ToolUseStart,
			Data:  map[string]any{"id": asString(data["id"]), "name": asString(data["name"])},
			Index: NoIndex,
			ID:    asString(data["id"]),
		}

	case "search":
		id := asString(data["id"])
		if id == "" {
			id = newBlockID("search")
		}
		topic := asString(data["topic"])
		if topic == "" {
			topic = "general"
		}
		return StreamEvent{
			Type: ToolUseStart,
			Data: map[string]any{
				"id":    id,
				"name":  "internet_search",
				"input": map[string]any{"query": asString(data["query"]), "topic": topic},
			},
			Index: NoIndex,
			ID:    id,
		}

	case "search_result":
		return StreamEvent{
			Type:  ToolResult,
			Data:  map[string]any{"count": asInt(data["count"]), "results": asSlice(data["results"])},
			Index: NoIndex,
		}

	case "file_op":
		return StreamEvent{
			Type: ToolUseStart,
			Data: map[string]any{
				"id":    asString(data["id"]),
				"name":  asString(data["operation"]) + "_file",
				"input": map[string]any{"operation": data["operation"], "path": data["path"]},
			},
			Index: NoIndex,
			ID:    asString(data["id"]),
		}

	case "think_result":
		return StreamEvent{
			Type:  ToolResult,
			Data:  map[string]any{"name": asString(data["name"]), "acknowledged": true},
			Index: NoIndex,
		}

	case "tool_result":
		return StreamEvent{Type: ToolResult, Data: data, Index: NoIndex, ID: asString(data["tool_use_id"])}

	case "todos", "todo_create":
		return StreamEvent{Type: TodoCreate, Data: map[string]any{"items": asSlice(data["items"])}, Index: NoIndex}

	case "todo_update":
		return StreamEvent{Type: TodoUpdate, Data: map[string]any{"items": asSlice(data["items"])}, Index: NoIndex}

	case "todo_done":
		return StreamEvent{Type: TodoDone, Data: map[string]any{"item": asMap(data["item"]), "index": asInt(data["index"])}, Index: NoIndex}

	case "subagent_start":
		agent := asString(data["agent"])
		if agent == "" {
			agent = "unknown"
		}
		content := "Starting " + agent + ": " + asString(data["task"]) + "\n"
		p.thinking.WriteString(content)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": content, "subagent": agent}, Index: NoIndex}

	case "subagent_complete":
		agent := asString(data["agent"])
		if agent == "" {
			agent = "unknown"
		}
		content := agent + " completed.\n"
		p.thinking.WriteString(content)
		return StreamEvent{Type: Thinking, Data: map[string]any{"content": content, "subagent": agent}, Index: NoIndex}

	case "usage":
		return StreamEvent{Type: Usage, Data: map[string]any{"usage": data}, Index: NoIndex}

	case "usage_total":
		return StreamEvent{Type: Usage, Data: map[string]any{"usage": data, "total": true}, Index: NoIndex}

	case "result":
		p.captureSDKSessionID(data)
		return StreamEvent{Type: Result, Data: data, Index: NoIndex}

	case "error":
		message := asString(data["message"])
		if message == "" {
			message = "An error occurred"
		}
		return StreamEvent{Type: Error, Data: map[string]any{"message": message}, Index: NoIndex}

	case "done":
		return StreamEvent{Type: Done, Index: NoIndex}
	}

	return StreamEvent{Type: Raw, Data: raw, Index: NoIndex}
}

func (p *Parser) captureSDKSessionID(data map[string]any) {
	for _, key := range []string{"session_id", "sessionId"} {
		if id := asString(data[key]); id != "" {
			p.sdkSessionID = id
			return
		}
	}
}

// todoItems normalizes a TodoWrite tool input into {content, status} items.
func todoItems(input map[string]any) []map[string]any {
	todos := asSlice(input["todos"])
	if len(todos) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(todos))
	for _, raw := range todos {
		todo := asMap(raw)
		content := asString(todo["content"])
		if content == "" {
			content = asString(todo["activeForm"])
		}
		status := asString(todo["status"])
		if status == "" {
			status = "pending"
		}
		items = append(items, map[string]any{"content": content, "status": status})
	}
	return items
}

// terminateLine appends a trailing newline when missing so concatenated
// reasoning deltas render as separate lines.
func terminateLine(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
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

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// asInt converts JSON numbers (decoded as float64) and native ints.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
