// Package chat implements the streaming chat endpoint and session API.
//
// One request runs the full pipeline: resolve the session, persist the user
// turn, launch the sandbox, normalize and re-encode the event stream as SSE,
// and schedule the transactional commit of the assistant turn once the
// stream ends.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentgate/internal/agents"
	"github.com/ashureev/agentgate/internal/api"
	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/sandbox"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/ashureev/agentgate/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ChatRequest is the body of POST /api/v1/chat/.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Handler serves the chat and session routes.
type Handler struct {
	repo     store.Repository
	registry *agents.Registry
	runner   sandbox.Runner
	cfg      *config.Config
}

// NewHandler creates the chat handler.
func NewHandler(repo store.Repository, registry *agents.Registry, runner sandbox.Runner, cfg *config.Config) *Handler {
	return &Handler{repo: repo, registry: registry, runner: runner, cfg: cfg}
}

// RegisterRoutes registers the chat, session, and agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat/", h.HandleChat)
		r.Get("/agents/", h.handleListAgents)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.handleListSessions)
			r.Post("/", h.handleCreateSession)
			r.Delete("/", h.handleDeleteAllSessions)
			r.Get("/{sessionID}/messages", h.handleListMessages)
			r.Get("/{sessionID}/context", h.handleSessionContext)
			r.Delete("/{sessionID}", h.handleDeleteSession)
		})
	})
}

// HandleChat executes an agent and streams its response via SSE.
//
// The user message is persisted before the agent environment and history are
// resolved; a missing env var or a history load failure still answers with a
// 500. Once streaming starts the response is committed to HTTP 200 and every
// later failure is surfaced as an error frame inside the stream, never as a
// status code.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		api.Error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			api.Error(w, http.StatusBadRequest, "session_id must be a valid UUID")
			return
		}
	}

	ctx := r.Context()

	// An existing session pins its agent; the request's agent_id only
	// applies to new sessions.
	var existing *domain.ChatSession
	if req.SessionID != "" {
		session, err := h.repo.GetSession(ctx, req.SessionID)
		if err != nil {
			slog.Error("Failed to load session", "session_id", req.SessionID, "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		existing = session
	}

	agentID := req.AgentID
	if existing != nil {
		agentID = existing.AgentID
		slog.Info("Using agent from existing session", "agent_id", agentID, "session_id", existing.ID)
	} else if agentID == "" {
		api.Error(w, http.StatusBadRequest, "agent_id is required when creating a new session")
		return
	}

	agentCfg, err := h.registry.Load(agentID)
	if err != nil {
		slog.Error("Failed to load agent descriptor", "agent_id", agentID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if agentCfg == nil {
		api.Error(w, http.StatusNotFound, "Agent '"+agentID+"' not found")
		return
	}
	if agentCfg.Image == "" {
		api.Error(w, http.StatusBadRequest, "Agent '"+agentID+"' has no image configured")
		return
	}

	session, err := h.resolveSession(ctx, existing, req, agentCfg)
	if err != nil {
		slog.Error("Failed to resolve session", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	// The user turn is persisted before any sandbox work; it survives even
	// if the agent never starts.
	userMessage := &domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      domain.RoleUser,
		Content:   req.Prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.repo.InsertMessage(ctx, userMessage); err != nil {
		slog.Error("Failed to save user message", "session_id", session.ID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	if err := h.repo.TouchSession(ctx, session.ID); err != nil {
		slog.Warn("Failed to touch session", "session_id", session.ID, "error", err)
	}
	slog.Info("Saved user message", "session_id", session.ID)

	env := agents.ResolveEnv(agentCfg)
	if missing := missingEnv(agentCfg, env); missing != "" {
		slog.Error("Missing env var for agent", "agent_id", agentID, "var", missing)
		api.Error(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	history := ""
	if existing != nil {
		history, err = h.loadHistory(ctx, session.ID)
		if err != nil {
			slog.Error("Failed to load history", "session_id", session.ID, "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to load history")
			return
		}
	}

	h.streamResponse(w, r, session, agentCfg, req.Prompt, env, history)
}

// resolveSession returns the acting session, creating it when needed and
// replacing a placeholder title with one derived from the prompt.
func (h *Handler) resolveSession(ctx context.Context, existing *domain.ChatSession, req ChatRequest, agentCfg *agents.Config) (*domain.ChatSession, error) {
	if existing != nil {
		if existing.Title == domain.TitlePlaceholder {
			title := domain.TitleFromPrompt(req.Prompt)
			if err := h.repo.UpdateSessionTitle(ctx, existing.ID, title); err != nil {
				return nil, err
			}
			existing.Title = title
		}
		return existing, nil
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	session := &domain.ChatSession{
		ID:        id,
		Title:     domain.TitleFromPrompt(req.Prompt),
		AgentID:   agentCfg.ID,
		AgentName: agentCfg.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("Created new session", "session_id", id, "agent_id", agentCfg.ID, "agent_name", agentCfg.Name)
	return session, nil
}

// loadHistory serializes the prior conversation as a JSON array of
// {role, content} objects for the sandbox.
func (h *Handler) loadHistory(ctx context.Context, sessionID string) (string, error) {
	count, err := h.repo.CountMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}
	messages, err := h.repo.ListMessages(ctx, sessionID, count, 0)
	if err != nil {
		return "", err
	}
	entries := make([]map[string]string, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	slog.Info("Loaded conversation history", "session_id", sessionID, "messages", len(messages))
	return string(data), nil
}

// streamResponse drives the pipeline: sandbox events → parser → formatter →
// SSE frames, then schedules the background commit.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, session *domain.ChatSession, agentCfg *agents.Config, prompt string, env map[string]string, history string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	parser := events.NewParser(agentCfg.Framework)
	formatter := stream.NewFormatter()
	state := newStreamState(session.ID)

	metrics.ChatRequestsTotal.WithLabelValues(agentCfg.ID, "started").Inc()
	metrics.ActiveStreams.Inc()
	started := time.Now()
	defer func() {
		metrics.ActiveStreams.Dec()
		metrics.StreamDuration.WithLabelValues(agentCfg.ID).Observe(time.Since(started).Seconds())
	}()

	// The commit runs regardless of how the stream ends, with whatever the
	// accumulators contain.
	defer h.scheduleCommit(state, parser, session.ID)

	writeFrames := func(frames []stream.Frame) error {
		for _, frame := range frames {
			if err := stream.WriteFrame(w, frame); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}

	if err := writeFrames(formatter.Start()); err != nil {
		slog.Warn("Client disconnected before stream start", "session_id", session.ID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	agentEvents := h.runner.Run(ctx, sandbox.RunSpec{
		SessionID: session.ID,
		Agent:     agentCfg,
		Prompt:    prompt,
		Env:       env,
		History:   history,
	})

	disconnected := false
	for agentEvent := range agentEvents {
		ev := parser.Parse(agentEvent.Raw())
		metrics.AgentEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		state.collect(ev)

		if err := writeFrames(formatter.Format(ev)); err != nil {
			if !disconnected {
				slog.Info("Client disconnected mid-stream", "session_id", session.ID, "error", err)
				disconnected = true
				cancel()
			}
		}
		if ev.Type == events.Done {
			break
		}
	}

	if disconnected {
		metrics.ChatRequestsTotal.WithLabelValues(agentCfg.ID, "disconnected").Inc()
		return
	}
	if err := writeFrames(formatter.End()); err != nil {
		slog.Warn("Failed to write stream end", "session_id", session.ID, "error", err)
	}
	metrics.ChatRequestsTotal.WithLabelValues(agentCfg.ID, "completed").Inc()
}

// scheduleCommit runs the persistence commit in the background with a fresh
// context so it proceeds after the response is closed or aborted. Errors are
// logged and swallowed; nothing remediable remains at this point.
func (h *Handler) scheduleCommit(state *streamState, parser *events.Parser, sessionID string) {
	turn := state.turn(parser.Text(), parser.Thinking(), parser.SDKSessionID())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Commit.Timeout)
		defer cancel()

		if err := h.repo.CommitAssistantTurn(ctx, turn); err != nil {
			metrics.CommitFailuresTotal.Inc()
			slog.Error("Failed to commit assistant turn", "session_id", sessionID, "error", err)
			return
		}
		contentLen := 0
		if turn.Message != nil {
			contentLen = len(turn.Message.Content)
		}
		slog.Info("Committed assistant turn",
			"session_id", sessionID,
			"content_chars", contentLen,
			"events", len(turn.Events),
			"has_usage", turn.Usage != nil,
		)
	}()
}

// missingEnv returns the first declared, whitelisted env var that did not
// resolve, or "" when the agent has everything it needs.
func missingEnv(cfg *agents.Config, env map[string]string) string {
	for _, name := range cfg.EnvVars {
		if !agents.Whitelisted(name) {
			continue
		}
		if _, ok := env[name]; !ok {
			return name
		}
	}
	return ""
}
