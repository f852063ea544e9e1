package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, repo *fakeRepo) http.Handler {
	t.Helper()
	h := newTestHandler(t, repo, &scriptedRunner{})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestSessionsCreateAndList(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/",
		strings.NewReader(`{"agent_id":"claude-hello-world","agent_name":"Hello World"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created["title"] != domain.TitlePlaceholder {
		t.Errorf("title = %v, want placeholder", created["title"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0]["id"] != created["id"] {
		t.Errorf("listed = %v", listed)
	}
}

func TestSessionsCreateRequiresAgent(t *testing.T) {
	router := newTestRouter(t, newFakeRepo())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSessionMessagesPaginationAnchorsToEnd(t *testing.T) {
	repo := newFakeRepo()
	sessionID := "8b8f72d2-68a0-4e3c-9d5f-47f5b7f3d010"
	now := time.Now()
	repo.sessions[sessionID] = &domain.ChatSession{ID: sessionID, AgentID: "a", CreatedAt: now, UpdatedAt: now}
	for _, content := range []string{"one", "two", "three", "four"} {
		repo.messages = append(repo.messages, &domain.ChatMessage{
			ID: "m-" + content, SessionID: sessionID, Role: domain.RoleUser, Content: content, CreatedAt: now,
		})
	}
	router := newTestRouter(t, repo)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Messages []map[string]any `json:"messages"`
		Total    int              `json:"total"`
		Offset   int              `json:"offset"`
		HasMore  bool             `json:"has_more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// The default window is anchored to the end of the history, so there is
	// never more after it.
	if resp.Total != 4 || resp.Offset != 2 || resp.HasMore {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Messages) != 2 || resp.Messages[0]["content"] != "three" {
		t.Errorf("messages = %v, want the last two", resp.Messages)
	}

	// An explicit offset window that stops short of the end has more.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages?limit=2&offset=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Offset != 1 || !resp.HasMore {
		t.Errorf("resp = %+v, want offset 1 with more remaining", resp)
	}
	if len(resp.Messages) != 2 || resp.Messages[0]["content"] != "two" {
		t.Errorf("messages = %v", resp.Messages)
	}
}

func TestSessionMessagesUnknownSession(t *testing.T) {
	router := newTestRouter(t, newFakeRepo())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope/messages", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionDelete(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.sessions["s1"] = &domain.ChatSession{ID: "s1", AgentID: "a", CreatedAt: now, UpdatedAt: now}
	router := newTestRouter(t, repo)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestAgentsList(t *testing.T) {
	router := newTestRouter(t, newFakeRepo())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var agentsResp []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &agentsResp); err != nil {
		t.Fatal(err)
	}
	if len(agentsResp) != 1 || agentsResp[0]["id"] != "claude-hello-world" {
		t.Errorf("agents = %v", agentsResp)
	}
}
