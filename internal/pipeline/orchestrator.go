// Package pipeline drives one chat turn through its stages:
// routing -> generating -> [reviewing] -> complete, with an absorbing error
// state reachable from any point on backend failure. Each stage is a
// transition function over an explicit turn state, so partial-failure and
// cancellation behavior is reviewable without the HTTP layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"BunkerChat/internal/backend"
	"BunkerChat/internal/config"
	"BunkerChat/internal/prompt"
	"BunkerChat/internal/router"
	"BunkerChat/internal/session"
)

// ErrEmptyInput rejects empty or whitespace-only messages before any stream
// starts.
var ErrEmptyInput = errors.New("empty message")

// ErrNoActiveModel rejects chat turns while no model is selected.
var ErrNoActiveModel = errors.New("no active model configured")

// reviewSystemPrompt instructs the second-stage verifier.
const reviewSystemPrompt = "You are a survival safety verifier. Review the following survival advice " +
	"for accuracy and safety. Check for: dangerous mistakes, missing critical " +
	"warnings, bad priorities, or myths presented as fact. " +
	"Be concise. Format as a short bullet list. " +
	"If the advice is solid, say so briefly — don't invent problems."

// reviewDivider labels the review text inside the combined assistant
// message. Later turns see the combined text as context, not two messages.
const reviewDivider = "\n\n---\n**Safety Review:**\n"

// clarificationBlock is appended to the system prompt only for non-urgent
// turns with thinking enabled. Urgent queries must never be slowed down by
// clarification questions; that is a safety rule, not a default.
const clarificationBlock = "\n\nIf the question is ambiguous or missing a detail you need, " +
	"ask one short clarifying question before answering. " +
	"If the situation sounds like an active emergency, skip the question and answer immediately."

// Backend is the streaming surface the pipeline needs from the inference
// client.
type Backend interface {
	Stream(ctx context.Context, model string, messages []backend.Message, think bool) (ChunkStream, error)
}

// ChunkStream is a lazily pulled, cancellable token sequence.
type ChunkStream interface {
	Next() (backend.Chunk, error)
	Close() error
}

// NewOllamaBackend adapts the concrete backend client to the Backend
// interface.
func NewOllamaBackend(c *backend.Client) Backend {
	return ollamaBackend{c: c}
}

type ollamaBackend struct {
	c *backend.Client
}

func (o ollamaBackend) Stream(ctx context.Context, model string, messages []backend.Message, think bool) (ChunkStream, error) {
	s, err := o.c.Stream(ctx, model, messages, think)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Orchestrator consumes the classifier, backend client, session store and
// config store, and emits the canonical event sequence for one turn.
type Orchestrator struct {
	backend  Backend
	sessions *session.Store
	config   *config.Store
	prompts  *prompt.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
}

func NewOrchestrator(
	b Backend,
	sessions *session.Store,
	cfg *config.Store,
	prompts *prompt.Store,
	logger *slog.Logger,
	tracer trace.Tracer,
	meter metric.Meter,
) *Orchestrator {
	return &Orchestrator{
		backend:  b,
		sessions: sessions,
		config:   cfg,
		prompts:  prompts,
		logger:   logger,
		tracer:   tracer,
		meter:    meter,
	}
}

// turn carries the mutable state of one pipeline run.
type turn struct {
	model    string
	message  string
	thinking bool
	decision router.Decision
	answer   string
	review   string
}

// Handle runs one chat turn, emitting events through sink. Validation
// failures are returned synchronously before anything is emitted; backend
// failures after the stream has started become in-band error events and a
// nil return, so the client can keep partial output it already received.
func (o *Orchestrator) Handle(ctx context.Context, userMessage string, thinking bool, sink Sink) error {
	message := strings.TrimSpace(userMessage)
	if message == "" {
		return ErrEmptyInput
	}

	cfg, err := o.config.Snapshot()
	if err != nil {
		return err
	}
	if cfg.ActiveModel == "" {
		return ErrNoActiveModel
	}

	// Whole turns against the active session queue here; stage 2 of one
	// turn never races stage 1 of another.
	release, err := o.sessions.AcquireTurn(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "pipeline.turn")
	defer span.End()

	o.countTurn(ctx)

	t := &turn{
		model:    cfg.ActiveModel,
		message:  message,
		thinking: thinking,
	}

	o.runRouting(ctx, t, sink)

	if err := o.runGenerating(ctx, t, sink); err != nil {
		// History keeps the user message; nothing is persisted for a turn
		// that never produced an answer.
		return o.abort(ctx, err, sink)
	}

	if t.decision.IsUrgent {
		if err := o.runReviewing(ctx, t, sink); err != nil {
			// The stage-1 answer survives a failed review.
			if ferr := o.finalize(ctx, t, false); ferr != nil {
				o.logger.Error("failed to persist partial turn", "error", ferr)
			}
			return o.abort(ctx, err, sink)
		}
	}

	if err := o.finalize(ctx, t, t.decision.IsUrgent); err != nil {
		return o.abort(ctx, err, sink)
	}

	return sink(Event{Type: EventStatus, Stage: StageComplete})
}

// runRouting classifies the message and reports the verdict. No backend
// call happens here.
func (o *Orchestrator) runRouting(ctx context.Context, t *turn, sink Sink) {
	t.decision = router.Route(t.message)

	o.logger.Info("routed message",
		"is_urgent", t.decision.IsUrgent,
		"reason", t.decision.Reason)

	if t.decision.IsUrgent {
		if counter, err := o.meter.Int64Counter(
			"pipeline.urgent_turns",
			metric.WithDescription("Turns classified as urgent"),
		); err == nil {
			counter.Add(ctx, 1)
		}
	}

	urgent := t.decision.IsUrgent
	_ = sink(Event{
		Type:     EventStatus,
		Stage:    StageRouting,
		Model:    t.model,
		IsUrgent: &urgent,
		Reason:   t.decision.Reason,
	})
}

// runGenerating streams the primary answer over the full session history.
func (o *Orchestrator) runGenerating(ctx context.Context, t *turn, sink Sink) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.generating")
	defer span.End()

	o.sessions.Append(session.Message{Role: "user", Content: t.message})

	system := o.prompts.Get()
	if t.thinking && !t.decision.IsUrgent {
		system += clarificationBlock
	}

	history := o.sessions.History()
	messages := make([]backend.Message, 0, len(history)+1)
	messages = append(messages, backend.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, backend.Message{Role: m.Role, Content: m.Content})
	}

	if err := sink(statusEvent(StageGenerating, t.model)); err != nil {
		return err
	}

	text, err := o.streamStage(ctx, StageGenerating, t.model, messages, t.thinking, sink)
	if err != nil {
		return err
	}
	t.answer = text
	return nil
}

// runReviewing streams the safety re-check: a fresh backend call with no
// prior history, seeing only the question and the stage-1 answer.
func (o *Orchestrator) runReviewing(ctx context.Context, t *turn, sink Sink) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.reviewing")
	defer span.End()

	if err := sink(statusEvent(StageReviewing, t.model)); err != nil {
		return err
	}

	messages := []backend.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Original question: %s\n\nSurvival advice to verify:\n%s",
			t.message, t.answer)},
	}

	// The review pass never thinks; urgency wants the verdict fast.
	text, err := o.streamStage(ctx, StageReviewing, t.model, messages, false, sink)
	if err != nil {
		return err
	}
	t.review = text
	return nil
}

// streamStage pulls one backend stream to completion, forwarding non-empty
// content as token events and returning the accumulated text.
func (o *Orchestrator) streamStage(
	ctx context.Context,
	stage Stage,
	model string,
	messages []backend.Message,
	think bool,
	sink Sink,
) (string, error) {
	stream, err := o.backend.Stream(ctx, model, messages, think)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var buf strings.Builder
	for {
		chunk, err := stream.Next()
		if err != nil {
			return "", err
		}

		if content := chunk.Message.Content; content != "" {
			buf.WriteString(content)
			o.countToken(ctx)
			if err := sink(tokenEvent(stage, content)); err != nil {
				return "", err
			}
		}

		if chunk.Done {
			return buf.String(), nil
		}
	}
}

// finalize appends the assistant reply to the session and persists it
// synchronously, before the terminal event is emitted. Aborted turns
// (client gone) are not persisted.
func (o *Orchestrator) finalize(ctx context.Context, t *turn, withReview bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.answer == "" {
		return nil
	}

	combined := t.answer
	if withReview && t.review != "" {
		combined += reviewDivider + t.review
	}

	o.sessions.Append(session.Message{Role: "assistant", Content: combined})

	if err := o.sessions.Persist(t.model); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// abort reports an in-stream failure as an in-band error event and ends the
// turn. The stream has already started, so the caller sees nil; partial
// output the client received stays valid.
func (o *Orchestrator) abort(ctx context.Context, err error, sink Sink) error {
	o.logger.Error("turn aborted", "error", err)

	if ctx.Err() != nil {
		// Client is gone; nobody is reading events anymore.
		return nil
	}
	_ = sink(errorEvent(err.Error()))
	return nil
}

func (o *Orchestrator) countTurn(ctx context.Context) {
	if counter, err := o.meter.Int64Counter(
		"pipeline.turns",
		metric.WithDescription("Chat turns started"),
	); err == nil {
		counter.Add(ctx, 1)
	}
}

func (o *Orchestrator) countToken(ctx context.Context) {
	if counter, err := o.meter.Int64Counter(
		"pipeline.tokens",
		metric.WithDescription("Token events emitted"),
	); err == nil {
		counter.Add(ctx, 1)
	}
}
