package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentgate/internal/api"
	"github.com/ashureev/agentgate/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultMessageLimit = 30
	maxMessageLimit     = 100
)

type sessionResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
}

func toSessionResponse(s *domain.ChatSession) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		Title:        s.Title,
		AgentID:      s.AgentID,
		AgentName:    s.AgentName,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.UTC().Format(time.RFC3339),
		SDKSessionID: s.SDKSessionID,
	}
}

type messageResponse struct {
	ID        string         `json:"id"`
	SessionID string         `json:"chat_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// handleListSessions returns all sessions, most recently updated first.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	api.JSON(w, http.StatusOK, out)
}

// handleCreateSession creates an empty session for the given agent.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		AgentName string `json:"agent_name"`
		Title     string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		api.Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	title := req.Title
	if title == "" {
		title = domain.TitlePlaceholder
	}
	now := time.Now().UTC()
	session := &domain.ChatSession{
		ID:        uuid.NewString(),
		Title:     title,
		AgentID:   req.AgentID,
		AgentName: req.AgentName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateSession(r.Context(), session); err != nil {
		slog.Error("Failed to create session", "agent_id", req.AgentID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	slog.Info("Created session", "session_id", session.ID, "agent_id", req.AgentID)
	api.JSON(w, http.StatusOK, toSessionResponse(session))
}

// handleListMessages returns paginated messages ordered oldest first. With
// offset 0 the window is anchored to the end so the latest messages come
// back by default.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		api.Error(w, http.StatusNotFound, "Chat session "+sessionID+" not found")
		return
	}

	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	total, err := h.repo.CountMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to count messages", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	effectiveOffset := offset
	if offset == 0 && total > limit {
		effectiveOffset = total - limit
	}

	var messages []*domain.ChatMessage
	if total > 0 {
		messages, err = h.repo.ListMessages(r.Context(), sessionID, limit, effectiveOffset)
		if err != nil {
			slog.Error("Failed to list messages", "session_id", sessionID, "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
	}

	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Role:      msg.Role,
			Content:   msg.Content,
			Metadata:  msg.Metadata,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	api.JSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"total":    total,
		"limit":    limit,
		"offset":   effectiveOffset,
		"has_more": effectiveOffset+len(out) < total,
	})
}

// handleSessionContext returns aggregated token usage for a session.
func (h *Handler) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		api.Error(w, http.StatusNotFound, "Chat session "+sessionID+" not found")
		return
	}

	usage, err := h.repo.AggregateUsage(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to aggregate usage", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"total_tokens":  usage.TotalTokens,
		"cost_usd":      usage.CostUSD,
	})
}

// handleDeleteSession removes one session and everything attached to it.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	deleted, err := h.repo.DeleteSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to delete session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !deleted {
		api.Error(w, http.StatusNotFound, "Chat session "+sessionID+" not found")
		return
	}
	slog.Info("Deleted session", "session_id", sessionID)
	api.JSON(w, http.StatusOK, map[string]any{"success": true, "session_id": sessionID})
}

// handleDeleteAllSessions removes every session.
func (h *Handler) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.DeleteAllSessions(r.Context())
	if err != nil {
		slog.Error("Failed to delete all sessions", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to delete sessions")
		return
	}
	slog.Info("Deleted all sessions", "count", count)
	api.JSON(w, http.StatusOK, map[string]any{"success": true, "deleted_count": count})
}

// handleListAgents returns the available agent descriptors.
func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	configs, err := h.registry.List()
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	out := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, map[string]any{
			"id":          cfg.ID,
			"name":        cfg.Name,
			"description": cfg.Description,
			"framework":   cfg.Framework,
		})
	}
	api.JSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
