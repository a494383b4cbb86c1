// Package server is the HTTP boundary: request parsing, identity checks,
// and the newline-delimited event stream transport. The pipeline assumes it
// is only invoked after these checks pass.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"BunkerChat/internal/backend"
	"BunkerChat/internal/config"
	"BunkerChat/internal/pipeline"
	"BunkerChat/internal/prompt"
	"BunkerChat/internal/session"
)

// ClientHeader must carry ClientID on every mutating request. The GUI shell
// sets it; stray local processes poking the port do not.
const (
	ClientHeader = "X-BunkerChat-Client"
	ClientID     = "bunkerchat"
	KeyHeader    = "X-BunkerChat-Key"
)

// TurnRunner is the pipeline surface the chat endpoint needs.
type TurnRunner interface {
	Handle(ctx context.Context, message string, thinking bool, sink pipeline.Sink) error
}

// BackendInfo covers the metadata calls delegated to the backend client.
type BackendInfo interface {
	ListModels(ctx context.Context) ([]backend.Model, error)
	Health(ctx context.Context) error
}

type Server struct {
	orch     TurnRunner
	backend  BackendInfo
	sessions *session.Store
	config   *config.Store
	prompts  *prompt.Store
	logger   *slog.Logger
}

func NewServer(
	orch TurnRunner,
	b BackendInfo,
	sessions *session.Store,
	cfg *config.Store,
	prompts *prompt.Store,
	logger *slog.Logger,
) http.Handler {
	s := &Server{
		orch:     orch,
		backend:  b,
		sessions: sessions,
		config:   cfg,
		prompts:  prompts,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/model", s.handleModel)
	mux.HandleFunc("/api/chat", s.requireClient(s.handleChat))
	mux.HandleFunc("/api/clear", s.requireClient(s.handleClear))
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/load", s.requireClient(s.handleLoadConversation))
	mux.HandleFunc("/api/prompt", s.handlePrompt)
	return mux
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type chatRequest struct {
	Message  string `json:"message"`
	Thinking bool   `json:"thinking"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type loadConversationRequest struct {
	SessionID string `json:"session_id"`
}

// ─────────────────────────────────────────────
// Identity middleware
// ─────────────────────────────────────────────

// requireClient gates mutating calls: a recognized client identity header,
// and a matching access key if one is configured. The key is re-read from
// the config file per request so external edits take effect immediately.
func (s *Server) requireClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ClientHeader) != ClientID {
			forbidden(w, "unrecognized client")
			return
		}

		cfg, err := s.config.Snapshot()
		if err != nil {
			internalError(w, err)
			return
		}
		if cfg.AccessKey != "" && r.Header.Get(KeyHeader) != cfg.AccessKey {
			forbidden(w, "invalid access key")
			return
		}

		next(w, r)
	}
}

// ─────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if err := s.backend.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "error",
			"message": "backend is not running",
		})
		return
	}

	models, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": names,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	models, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.config.Snapshot()
		if err != nil {
			internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"active_model": cfg.ActiveModel})

	case http.MethodPost:
		s.requireClient(s.handleSetModel)(w, r)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	name := strings.TrimSpace(req.Model)
	if name == "" {
		badRequest(w, "model name cannot be empty")
		return
	}

	cfg, err := s.config.Set(config.Partial{ActiveModel: &name})
	if err != nil {
		internalError(w, err)
		return
	}

	s.logger.Info("active model changed", "model", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"active_model": cfg.ActiveModel,
	})
}

// handleChat runs the pipeline and streams its events as newline-delimited
// JSON over a single chunked response body. Headers are written lazily on
// the first event so pre-stream validation failures can still return a
// structured error object.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		internalError(w, errors.New("streaming unsupported"))
		return
	}

	started := false
	sink := func(ev pipeline.Event) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.orch.Handle(r.Context(), req.Message, req.Thinking, sink)
	if err == nil || started {
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		badRequest(w, "empty message")
	case errors.Is(err, pipeline.ErrNoActiveModel):
		badRequest(w, "no active model configured")
	case errors.Is(err, context.Canceled):
		// client went away before the stream started
	default:
		internalError(w, err)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	id, err := s.sessions.Clear()
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"session_id": id,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	metas, err := s.sessions.List()
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": metas})
}

func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req loadConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}

	sess, err := s.sessions.Load(req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		if errors.Is(err, session.ErrCorrupted) {
			writeJSON(w, http.StatusOK, map[string]string{"error": "session record corrupted"})
			return
		}
		internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": sess,
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"prompt": s.prompts.Get()})

	case http.MethodPost:
		s.requireClient(s.handleSetPrompt)(w, r)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if err := s.prompts.Set(req.Prompt); err != nil {
		badRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"length": len(strings.TrimSpace(req.Prompt)),
	})
}

// ─────────────────────────────────────────────
// HTTP helpers
// ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func forbidden(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "method not allowed",
	})
}
