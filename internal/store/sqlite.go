package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrency between the streaming path and background
	// commits; foreign_keys per connection so cascades always apply.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		agent_id TEXT NOT NULL,
		agent_name TEXT,
		sdk_session_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_sdk_session_id ON chat_sessions(sdk_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON chat_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_usage (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON chat_usage(session_id);

	CREATE TABLE IF NOT EXISTS chat_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		event_name TEXT,
		event_data TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON chat_events(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	query := `
		SELECT id, title, agent_id, agent_name, sdk_session_id, created_at, updated_at
		FROM chat_sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
		INSERT INTO chat_sessions (id, title, agent_id, agent_name, sdk_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Title, session.AgentID, nullable(session.AgentName),
		nullable(session.SDKSessionID), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionTitle replaces the session title.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	query := `UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, title, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// TouchSession advances updated_at to now.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	query := `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", id)
	}
	return nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.ChatSession, error) {
	query := `
		SELECT id, title, agent_id, agent_name, sdk_session_id, created_at, updated_at
		FROM chat_sessions ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its dependents.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteAllSessions removes every session.
func (s *SQLiteStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions`)
	if err != nil {
		return 0, fmt.Errorf("delete all sessions: %w", err)
	}
	return result.RowsAffected()
}

// InsertMessage inserts one message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, message *domain.ChatMessage) error {
	metadata, err := marshalJSON(message.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	query := `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		message.ID, message.SessionID, message.Role, message.Content, metadata, message.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns messages ordered created_at ASC within the window.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, content, metadata, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.ChatMessage
	for rows.Next() {
		var (
			msg       domain.ChatMessage
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				slog.Warn("Skipping undecodable message metadata", "message_id", msg.ID, "error", err)
			}
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CountMessages returns the number of messages in a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// AggregateUsage sums token and cost usage across a session.
func (s *SQLiteStore) AggregateUsage(ctx context.Context, sessionID string) (*domain.ChatUsage, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM chat_usage WHERE session_id = ?`

	usage := &domain.ChatUsage{SessionID: sessionID}
	row := s.db.QueryRowContext(ctx, query, sessionID)
	if err := row.Scan(&usage.InputTokens, &usage.OutputTokens, &usage.TotalTokens, &usage.CostUSD); err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return usage, nil
}

// CommitAssistantTurn writes everything collected during one stream in a
// single transaction.
func (s *SQLiteStore) CommitAssistantTurn(ctx context.Context, turn AssistantTurn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("Failed to roll back commit transaction", "error", rollbackErr)
		}
	}()

	for _, event := range turn.Events {
		eventData, err := marshalJSON(event.EventData)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_events (id, session_id, event_type, event_name, event_data, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.ID, turn.SessionID, event.EventType, nullable(event.EventName), eventData, event.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if turn.Message != nil {
		metadata, err := marshalJSON(turn.Message.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, role, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			turn.Message.ID, turn.SessionID, turn.Message.Role, turn.Message.Content,
			metadata, turn.Message.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert assistant message: %w", err)
		}
	}

	if turn.Usage != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_usage (id, session_id, input_tokens, output_tokens, total_tokens, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			turn.Usage.ID, turn.SessionID, turn.Usage.InputTokens, turn.Usage.OutputTokens,
			turn.Usage.TotalTokens, turn.Usage.CostUSD, turn.Usage.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}

	if turn.SDKSessionID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE chat_sessions SET sdk_session_id = ?, updated_at = ?
			WHERE id = ? AND (sdk_session_id IS NULL OR sdk_session_id != ?)`,
			turn.SDKSessionID, time.Now().Unix(), turn.SessionID, turn.SDKSessionID,
		)
		if err != nil {
			return fmt.Errorf("update sdk session id: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		time.Now().Unix(), turn.SessionID); err != nil {
		return fmt.Errorf("touch session in commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assistant turn: %w", err)
	}
	return nil
}

type scanFunc func(dest ...any) error

func scanSession(scan scanFunc) (*domain.ChatSession, error) {
	var (
		session              domain.ChatSession
		agentName, sdkID     sql.NullString
		createdAt, updatedAt int64
	)
	if err := scan(&session.ID, &session.Title, &session.AgentID, &agentName, &sdkID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	session.AgentName = agentName.String
	session.SDKSessionID = sdkID.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

// marshalJSON encodes a map for a TEXT column; nil maps become NULL.
func marshalJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
