package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return repo
}

func newSession(id string) *domain.ChatSession {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.ChatSession{
		ID:        id,
		Title:     domain.TitlePlaceholder,
		AgentID:   "claude-hello-world",
		AgentName: "Hello World",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.Title != domain.TitlePlaceholder || got.AgentID != "claude-hello-world" {
		t.Errorf("session = %+v", got)
	}
	if got.SDKSessionID != "" {
		t.Errorf("sdk session id should start empty, got %q", got.SDKSessionID)
	}

	missing, err := repo.GetSession(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("missing session must be nil, got %+v", missing)
	}
}

func TestUpdateSessionTitle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateSessionTitle(ctx, "s1", "My chat"); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "My chat" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestMessagesOrderAndPagination(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	contents := []string{"one", "two", "three", "four"}
	for i, content := range contents {
		err := repo.InsertMessage(ctx, &domain.ChatMessage{
			ID:        "m" + content,
			SessionID: "s1",
			Role:      domain.RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	count, err := repo.CountMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d", count)
	}

	window, err := repo.ListMessages(ctx, "s1", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 || window[0].Content != "two" || window[1].Content != "three" {
		t.Errorf("window = %+v", window)
	}
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}
	err := repo.InsertMessage(ctx, &domain.ChatMessage{
		ID:        "m1",
		SessionID: "s1",
		Role:      domain.RoleAssistant,
		Content:   "done",
		Metadata:  map[string]any{"thinking": "hm\n", "processing": []any{"a", "b"}},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	messages, err := repo.ListMessages(ctx, "s1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %d", len(messages))
	}
	if messages[0].Metadata["thinking"] != "hm\n" {
		t.Errorf("metadata = %v", messages[0].Metadata)
	}
}

func TestCommitAssistantTurn(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	turn := AssistantTurn{
		SessionID: "s1",
		Events: []*domain.ChatEvent{
			{ID: "e1", SessionID: "s1", EventType: "tool_use", EventName: "Bash", EventData: map[string]any{"name": "Bash"}, CreatedAt: now},
			{ID: "e2", SessionID: "s1", EventType: "result", EventData: map[string]any{"session_id": "sdk-1"}, CreatedAt: now},
		},
		Message: &domain.ChatMessage{
			ID: "m1", SessionID: "s1", Role: domain.RoleAssistant, Content: "answer", CreatedAt: now,
		},
		Usage: &domain.ChatUsage{
			ID: "u1", SessionID: "s1", InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CostUSD: 0.01, CreatedAt: now,
		},
		SDKSessionID: "sdk-1",
	}
	if err := repo.CommitAssistantTurn(ctx, turn); err != nil {
		t.Fatal(err)
	}

	session, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.SDKSessionID != "sdk-1" {
		t.Errorf("sdk session id = %q", session.SDKSessionID)
	}

	messages, err := repo.ListMessages(ctx, "s1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].Content != "answer" {
		t.Errorf("messages = %+v", messages)
	}

	usage, err := repo.AggregateUsage(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.TotalTokens != 15 || usage.CostUSD != 0.01 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestCommitAssistantTurnIsAtomic(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	// Duplicate event id in one turn forces the insert to fail after the
	// first row; nothing from the turn may remain.
	turn := AssistantTurn{
		SessionID: "s1",
		Events: []*domain.ChatEvent{
			{ID: "dup", SessionID: "s1", EventType: "tool_use", CreatedAt: now},
			{ID: "dup", SessionID: "s1", EventType: "tool_result", CreatedAt: now},
		},
		Message: &domain.ChatMessage{ID: "m1", SessionID: "s1", Role: domain.RoleAssistant, Content: "x", CreatedAt: now},
	}
	if err := repo.CommitAssistantTurn(ctx, turn); err == nil {
		t.Fatal("expected commit failure")
	}

	count, err := repo.CountMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("messages persisted from failed commit: %d", count)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatal(err)
	}
	err := repo.InsertMessage(ctx, &domain.ChatMessage{
		ID: "m1", SessionID: "s1", Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := repo.DeleteSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("session not deleted")
	}

	count, err := repo.CountMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("messages survived session delete: %d", count)
	}

	again, err := repo.DeleteSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Errorf("second delete must report not found")
	}
}

func TestListSessionsMostRecentFirst(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	older := newSession("old")
	older.CreatedAt = older.CreatedAt.Add(-2 * time.Hour)
	older.UpdatedAt = older.UpdatedAt.Add(-2 * time.Hour)
	if err := repo.CreateSession(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateSession(ctx, newSession("new")); err != nil {
		t.Fatal(err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new" {
		t.Errorf("order = %v", sessions)
	}
}
