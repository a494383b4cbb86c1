package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Active is the persisted runtime configuration. config.json is the single
// source of truth for the active model; the file may be edited externally
// between requests, so callers take a fresh Snapshot per request instead of
// caching one.
type Active struct {
	ActiveModel string `json:"active_model,omitempty"`
	BackendURL  string `json:"backend_url,omitempty"`
	AccessKey   string `json:"access_key,omitempty"`
}

// Partial carries the fields of a Set call. Nil pointers leave the persisted
// value untouched.
type Partial struct {
	ActiveModel *string
	BackendURL  *string
	AccessKey   *string
}

const DefaultBackendURL = "http://localhost:11434"

// DataDir resolves the writable data directory (config, prompt, database,
// logs) and creates it on first run. An explicit override wins; otherwise
// the XDG data home is used.
func DataDir(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = filepath.Join(xdg.DataHome, "bunkerchat")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// Store persists Active to a JSON file with read-merge-write updates.
// Concurrent Set calls race at whole-file granularity; last writer wins.
// That is a documented limitation, not guarded by a lock, because the file
// is also editable by external tools.
type Store struct {
	path string
}

func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "config.json")}
}

// Snapshot reads the config fresh from disk. A missing file yields the
// zero config with the default backend URL.
func (s *Store) Snapshot() (Active, error) {
	cfg := Active{}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// first run
	case err != nil:
		return Active{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Active{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultBackendURL
	}
	return cfg, nil
}

// Set merges the given fields into the persisted file. Unspecified fields
// are preserved from the file as it exists now, not from any cached copy.
func (s *Store) Set(p Partial) (Active, error) {
	cfg, err := s.Snapshot()
	if err != nil {
		return Active{}, err
	}

	if p.ActiveModel != nil {
		cfg.ActiveModel = *p.ActiveModel
	}
	if p.BackendURL != nil {
		cfg.BackendURL = *p.BackendURL
	}
	if p.AccessKey != nil {
		cfg.AccessKey = *p.AccessKey
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Active{}, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return Active{}, fmt.Errorf("failed to write config: %w", err)
	}
	return cfg, nil
}
