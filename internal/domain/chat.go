// Package domain defines the persisted chat entities.
package domain

import (
	"time"
)

// TitlePlaceholder is the title given to sessions created without one.
// It is replaced by a prompt-derived title on the first chat request.
const TitlePlaceholder = "New Chat"

// TitleFromPrompt derives a session title from the first user prompt.
func TitleFromPrompt(prompt string) string {
	if len(prompt) > 50 {
		return prompt[:50] + "..."
	}
	return prompt
}

// ChatSession is one conversation. AgentID is fixed at creation; requests
// against an existing session always run the stored agent.
type ChatSession struct {
	ID           string
	Title        string
	AgentID      string
	AgentName    string
	SDKSessionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn in a session. Metadata carries accumulated
// processing status, thinking text, and the final todo snapshot for
// assistant turns.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// ChatUsage is the token/cost aggregate for one completed assistant turn.
type ChatUsage struct {
	ID           string
	SessionID    string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	CreatedAt    time.Time
}

// ChatEvent is an audit record of a persistable agent event (tool calls,
// results, todo transitions, errors).
type ChatEvent struct {
	ID        string
	SessionID string
	EventType string
	EventName string
	EventData map[string]any
	CreatedAt time.Time
}
