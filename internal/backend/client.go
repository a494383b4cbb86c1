// Package backend wraps the Ollama-protocol inference service: a streaming
// chat-completion call plus model listing and health checks.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"BunkerChat/internal/cache"
)

// ErrUnavailable marks network-level failures: the backend is not running,
// refused the connection, or timed out. Distinct from protocol errors so
// callers can tell "start the backend" apart from "the backend is broken".
var ErrUnavailable = errors.New("backend unavailable")

// ProtocolError reports a malformed response from a backend that was
// reachable. Individual malformed stream lines are skipped instead; this
// error surfaces only when the response as a whole cannot be trusted.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("backend protocol error: %s", e.Reason)
}

// thinkingFamilies are model name fragments for families that accept the
// thinking control flag. Other models get the field omitted entirely;
// sending it unconditionally is not safe across all models.
var thinkingFamilies = []string{"qwen3", "deepseek-r1"}

const (
	chatTimeout     = 300 * time.Second
	metadataTimeout = 5 * time.Second
	tagsCacheTTL    = 15 * time.Second
)

// URLSource returns the backend base URL. It is a function, not a field,
// because the URL lives in externally editable config and is re-resolved on
// every call.
type URLSource func() string

// Client talks to the backend. One long-lived streaming connection per chat
// call; metadata calls use a separate short-timeout HTTP client.
type Client struct {
	baseURL    URLSource
	chatClient *http.Client
	metaClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	tagsMemo   *cache.Memo[[]Model]
}

func NewClient(baseURL URLSource, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	return &Client{
		baseURL:    baseURL,
		chatClient: &http.Client{Timeout: chatTimeout},
		metaClient: &http.Client{Timeout: metadataTimeout},
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
		tagsMemo:   cache.NewMemo[[]Model](tagsCacheTTL),
	}
}

// SupportsThinking reports whether the model accepts the thinking flag.
func SupportsThinking(model string) bool {
	lower := strings.ToLower(model)
	for _, family := range thinkingFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}

// Stream opens a streaming chat completion. The returned Stream must be
// closed on every exit path; abandoning it mid-sequence is safe and releases
// the connection.
func (c *Client) Stream(ctx context.Context, model string, messages []Message, think bool) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "backend.chat_stream")

	reqBody := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if think && SupportsThinking(model) {
		t := true
		reqBody.Think = &t
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		span.End()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.chatClient.Do(req)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		span.End()
		return nil, &ProtocolError{Reason: fmt.Sprintf("chat request returned %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		logger:  c.logger,
		span:    span,
		start:   time.Now(),
		meter:   c.meter,
		ctx:     ctx,
	}, nil
}

// Stream is a lazily pulled sequence of chat chunks. One self-delimited
// JSON record per line; blank lines are skipped, malformed lines are logged
// and skipped so a single bad record does not kill the stream.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger
	span    trace.Span
	start   time.Time
	meter   metric.Meter
	ctx     context.Context
	done    bool
	closed  bool
}

// Next returns the next chunk. After the backend signals completion, or on
// error, it returns io.EOF or the failure for every subsequent call.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.logger.Warn("skipping malformed stream record", "error", err)
			continue
		}

		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		if s.ctx.Err() != nil {
			return Chunk{}, s.ctx.Err()
		}
		return Chunk{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// The backend closed the connection without a done record.
	s.done = true
	return Chunk{}, &ProtocolError{Reason: "stream ended without completion record"}
}

// Close releases the underlying connection. Safe to call more than once and
// on partially consumed streams.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.span.End()

	if histogram, err := s.meter.Float64Histogram(
		"backend.chat_stream.duration",
		metric.WithDescription("Chat stream duration in milliseconds"),
	); err == nil {
		histogram.Record(s.ctx, float64(time.Since(s.start).Milliseconds()))
	}

	return s.body.Close()
}

// ListModels fetches the installed models, memoized briefly so GUI polling
// does not hammer the backend.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	if models, ok := c.tagsMemo.Get(); ok {
		return models, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Reason: fmt.Sprintf("tags request returned %s", resp.Status)}
	}

	var tags TagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed tags response: %v", err)}
	}

	c.tagsMemo.Put(tags.Models)
	return tags.Models, nil
}

// Health checks backend reachability with the short metadata timeout.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{Reason: fmt.Sprintf("health check returned %s", resp.Status)}
	}
	return nil
}

// WaitReady polls Health with exponential backoff until the backend answers
// or the elapsed budget runs out. Used at startup while the backend is
// still warming up.
func (c *Client) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	bo.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		if err := c.Health(ctx); err != nil {
			c.logger.Debug("backend not ready yet", "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
