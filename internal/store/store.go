// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agentgate/internal/domain"
)

// AssistantTurn is everything collected during one stream, committed in a
// single transaction after the response ends.
type AssistantTurn struct {
	SessionID string
	Events    []*domain.ChatEvent
	// Message is nil when the stream produced nothing worth saving.
	Message *domain.ChatMessage
	// Usage is nil unless a token count or cost is positive.
	Usage *domain.ChatUsage
	// SDKSessionID updates the session when non-empty and changed.
	SDKSessionID string
}

// Repository defines the interface for persisting chat data.
type Repository interface {
	// GetSession retrieves a session by id; (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)

	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// UpdateSessionTitle replaces the session title.
	UpdateSessionTitle(ctx context.Context, id, title string) error

	// TouchSession advances updated_at to now.
	TouchSession(ctx context.Context, id string) error

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*domain.ChatSession, error)

	// DeleteSession removes a session and its dependents. Returns false
	// when no such session existed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// DeleteAllSessions removes every session; returns the count removed.
	DeleteAllSessions(ctx context.Context) (int64, error)

	// InsertMessage inserts one message.
	InsertMessage(ctx context.Context, message *domain.ChatMessage) error

	// ListMessages returns messages for a session ordered created_at ASC,
	// windowed by limit and offset.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ChatMessage, error)

	// CountMessages returns the number of messages in a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// AggregateUsage sums token and cost usage across a session.
	AggregateUsage(ctx context.Context, sessionID string) (*domain.ChatUsage, error)

	// CommitAssistantTurn writes the buffered events, the assistant
	// message, the usage row, and the session's sdk_session_id in one
	// transaction.
	CommitAssistantTurn(ctx context.Context, turn AssistantTurn) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
