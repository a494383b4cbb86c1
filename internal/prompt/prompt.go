// Package prompt stores the system prompt as a plain text file so users can
// edit it outside the app. It is reloaded from disk on every request.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPrompt is used when no prompt file exists yet.
const DefaultPrompt = "You are BUNKERCHAT, a calm and practical post-apocalyptic survival assistant. " +
	"Give clear, actionable advice. Prioritize immediate safety over completeness."

type Store struct {
	path string
}

func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "system_prompt.txt")}
}

// Get returns the current system prompt, falling back to the default when
// the file does not exist.
func (s *Store) Get() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return DefaultPrompt
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return DefaultPrompt
	}
	return text
}

// Set writes a new system prompt. Empty prompts are rejected rather than
// silently clearing the file.
func (s *Store) Set(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("prompt cannot be empty")
	}
	if err := os.WriteFile(s.path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return nil
}

// Exists reports whether a user-provided prompt file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return !errors.Is(err, fs.ErrNotExist)
}
