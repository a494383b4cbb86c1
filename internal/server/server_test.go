package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BunkerChat/internal/backend"
	"BunkerChat/internal/config"
	"BunkerChat/internal/pipeline"
	"BunkerChat/internal/prompt"
	"BunkerChat/internal/session"
	"BunkerChat/internal/telemetry"
)

type fakeRunner struct {
	events []pipeline.Event
	err    error
}

func (f *fakeRunner) Handle(_ context.Context, message string, _ bool, sink pipeline.Sink) error {
	if strings.TrimSpace(message) == "" {
		return pipeline.ErrEmptyInput
	}
	if f.err != nil {
		return f.err
	}
	for _, ev := range f.events {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return nil
}

type fakeBackendInfo struct {
	models []backend.Model
	err    error
}

func (f *fakeBackendInfo) ListModels(context.Context) ([]backend.Model, error) {
	return f.models, f.err
}

func (f *fakeBackendInfo) Health(context.Context) error { return f.err }

type env struct {
	handler  http.Handler
	sessions *session.Store
	config   *config.Store
	runner   *fakeRunner
	backend  *fakeBackendInfo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	db, err := telemetry.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewStore(db, logger)
	cfgStore := config.NewStore(dir)
	runner := &fakeRunner{}
	info := &fakeBackendInfo{
		models: []backend.Model{{Name: "qwen3:8b"}},
	}

	return &env{
		handler:  NewServer(runner, info, sessions, cfgStore, prompt.NewStore(dir), logger),
		sessions: sessions,
		config:   cfgStore,
		runner:   runner,
		backend:  info,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if authed {
		req.Header.Set(ClientHeader, ClientID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestIdentityHeader(t *testing.T) {
	e := newEnv(t)

	t.Run("chat rejected without header", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/chat", `{"message":"hello"}`, false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("clear rejected without header", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/clear", "", false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("set model rejected without header", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/model", `{"model":"x"}`, false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("reads stay open", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodGet, "/api/model", "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAccessKey(t *testing.T) {
	e := newEnv(t)
	key := "secret"
	_, err := e.config.Set(config.Partial{AccessKey: &key})
	require.NoError(t, err)

	t.Run("rejected with header but wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/clear", nil)
		req.Header.Set(ClientHeader, ClientID)
		req.Header.Set(KeyHeader, "wrong")
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("accepted with matching key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/clear", nil)
		req.Header.Set(ClientHeader, ClientID)
		req.Header.Set(KeyHeader, "secret")
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestChatStream(t *testing.T) {
	e := newEnv(t)
	urgent := false
	e.runner.events = []pipeline.Event{
		{Type: pipeline.EventStatus, Stage: pipeline.StageRouting, Model: "qwen3:8b", IsUrgent: &urgent, Reason: "general survival knowledge query"},
		{Type: pipeline.EventStatus, Stage: pipeline.StageGenerating, Model: "qwen3:8b"},
		{Type: pipeline.EventToken, Stage: pipeline.StageGenerating, Content: "Boil it."},
		{Type: pipeline.EventStatus, Stage: pipeline.StageComplete},
	}

	rec := do(t, e.handler, http.MethodPost, "/api/chat", `{"message":"how do I purify water"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "each line must be a JSON record")
		types = append(types, ev["type"].(string))
	}
	assert.Equal(t, []string{"status", "status", "token", "status"}, types)
}

func TestChatValidation(t *testing.T) {
	e := newEnv(t)

	t.Run("empty message", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/chat", `{"message":"  "}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "empty")
	})

	t.Run("no active model", func(t *testing.T) {
		e.runner.err = pipeline.ErrNoActiveModel
		defer func() { e.runner.err = nil }()

		rec := do(t, e.handler, http.MethodPost, "/api/chat", `{"message":"hello"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "model")
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/chat", `{not json`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestModelEndpoints(t *testing.T) {
	e := newEnv(t)

	t.Run("get starts empty", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodGet, "/api/model", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "", decodeBody(t, rec)["active_model"])
	})

	t.Run("set then get", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/model", `{"model":"qwen3:8b"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "qwen3:8b", decodeBody(t, rec)["active_model"])

		rec = do(t, e.handler, http.MethodGet, "/api/model", "", false)
		assert.Equal(t, "qwen3:8b", decodeBody(t, rec)["active_model"])
	})

	t.Run("empty name rejected", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/model", `{"model":"  "}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list models", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodGet, "/api/models", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "qwen3:8b")
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("backend up", func(t *testing.T) {
		e := newEnv(t)
		rec := do(t, e.handler, http.MethodGet, "/api/health", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("backend down", func(t *testing.T) {
		e := newEnv(t)
		e.backend.err = backend.ErrUnavailable
		rec := do(t, e.handler, http.MethodGet, "/api/health", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "error", decodeBody(t, rec)["status"])
	})
}

func TestSessionEndpoints(t *testing.T) {
	e := newEnv(t)

	e.sessions.Append(session.Message{Role: "user", Content: "hello"})
	oldID := e.sessions.ActiveID()

	t.Run("clear returns a new id", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/clear", "", true)
		require.Equal(t, http.StatusOK, rec.Code)
		newID := decodeBody(t, rec)["session_id"].(string)
		assert.NotEqual(t, oldID, newID)
	})

	t.Run("conversations lists the persisted session", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodGet, "/api/conversations", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), oldID)
	})

	t.Run("load round-trip", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/conversations/load",
			`{"session_id":"`+oldID+`"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, oldID, e.sessions.ActiveID())
	})

	t.Run("load nonexistent", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/conversations/load",
			`{"session_id":"nope"}`, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPromptEndpoints(t *testing.T) {
	e := newEnv(t)

	t.Run("get returns default", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodGet, "/api/prompt", "", false)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decodeBody(t, rec)["prompt"])
	})

	t.Run("set requires header", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/prompt", `{"prompt":"x"}`, false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("set then get", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/prompt", `{"prompt":"terse medic"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, e.handler, http.MethodGet, "/api/prompt", "", false)
		assert.Equal(t, "terse medic", decodeBody(t, rec)["prompt"])
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		rec := do(t, e.handler, http.MethodPost, "/api/prompt", `{"prompt":"  "}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
