// Package session owns the active conversation log and its persistence.
// The store is the only writer of the active message sequence; the
// orchestrator requests appends, it never mutates the log directly.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrNotFound is returned when a requested session id has no persisted record.
var ErrNotFound = errors.New("session not found")

// ErrCorrupted is returned when a persisted record cannot be read back.
var ErrCorrupted = errors.New("session record corrupted")

// Message is a single chat message. The system message is synthesized fresh
// per request and never stored.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a named conversation. One session is active and mutable at a
// time per process; the rest are immutable persisted snapshots.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta is the listing view of a persisted session.
type Meta struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store holds the active session under a single-writer mutex and persists
// snapshots to SQLite. A separate weighted semaphore serializes whole chat
// turns: two concurrent turns against the active session queue FIFO instead
// of interleaving histories.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	active *Session

	turnGate *semaphore.Weighted
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	s := &Store{
		db:       db,
		logger:   logger,
		turnGate: semaphore.NewWeighted(1),
	}
	s.active = s.newSession()
	return s
}

func (s *Store) newSession() *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		Messages:  []Message{},
		UpdatedAt: time.Now(),
	}
	s.logger.Info("created new session", "session_id", sess.ID)
	return sess
}

// AcquireTurn blocks until this caller may run a chat turn, or until ctx is
// cancelled. The returned release function must be called when the turn ends.
func (s *Store) AcquireTurn(ctx context.Context) (func(), error) {
	if err := s.turnGate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for turn: %w", err)
	}
	return func() { s.turnGate.Release(1) }, nil
}

// ActiveID returns the id of the active session.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.ID
}

// Append adds a message to the active session. The log is append-only
// during a turn; truncation only happens through Clear or Load.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.active.Messages = append(s.active.Messages, msg)
	s.active.UpdatedAt = msg.Timestamp
}

// History returns a copy of the active message log.
func (s *Store) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.active.Messages))
	copy(out, s.active.Messages)
	return out
}

// Persist writes the active session to the database, recording the model in
// use. A session with no messages is never written.
func (s *Store) Persist(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != "" {
		s.active.Model = model
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if len(s.active.Messages) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	s.active.UpdatedAt = time.Now()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (id, model, updated_at) VALUES (?, ?, ?)",
		s.active.ID, s.active.Model, s.active.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	// Rewrite the full log; INSERT OR REPLACE on the session row alone would
	// duplicate messages on every save.
	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", s.active.ID); err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}

	for seq, msg := range s.active.Messages {
		_, err = tx.Exec(
			"INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
			s.active.ID, seq, msg.Role, msg.Content, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("session saved",
		"session_id", s.active.ID,
		"message_count", len(s.active.Messages))
	return nil
}

// Clear persists the current session, then swaps in a fresh empty one.
// History is never silently discarded. Returns the new session id.
func (s *Store) Clear() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(); err != nil {
		return "", fmt.Errorf("failed to save outgoing session: %w", err)
	}

	s.active = s.newSession()
	return s.active.ID, nil
}

// Load persists the outgoing session, then replaces the active one with the
// persisted record for id. A missing or unreadable record is an error that
// leaves the active session unchanged.
func (s *Store) Load(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.fetch(id)
	if err != nil {
		return nil, err
	}

	if err := s.persistLocked(); err != nil {
		return nil, fmt.Errorf("failed to save outgoing session: %w", err)
	}

	s.active = loaded
	s.logger.Info("loaded session", "session_id", id, "message_count", len(loaded.Messages))
	return s.copyActiveLocked(), nil
}

// Active returns a snapshot of the active session.
func (s *Store) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyActiveLocked()
}

func (s *Store) copyActiveLocked() *Session {
	out := &Session{
		ID:        s.active.ID,
		Model:     s.active.Model,
		UpdatedAt: s.active.UpdatedAt,
		Messages:  make([]Message, len(s.active.Messages)),
	}
	copy(out.Messages, s.active.Messages)
	return out
}

func (s *Store) fetch(id string) (*Session, error) {
	sess := &Session{ID: id}

	err := s.db.QueryRow("SELECT model, updated_at FROM sessions WHERE id = ?", id).
		Scan(&sess.Model, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	rows, err := s.db.Query(
		"SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return sess, nil
}

// List returns metadata for all persisted sessions, most recent first.
func (s *Store) List() ([]Meta, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.model, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	metas := []Meta{}
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.Model, &m.UpdatedAt, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return metas, nil
}
