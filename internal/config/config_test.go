package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_FirstRunDefaults(t *testing.T) {
	s := NewStore(t.TempDir())

	cfg, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, cfg.ActiveModel)
	assert.Equal(t, DefaultBackendURL, cfg.BackendURL)
	assert.Empty(t, cfg.AccessKey)
}

func TestSet_MergePreservesUnspecifiedFields(t *testing.T) {
	s := NewStore(t.TempDir())

	model := "qwen3:8b"
	_, err := s.Set(Partial{ActiveModel: &model})
	require.NoError(t, err)

	key := "hunter2"
	_, err = s.Set(Partial{AccessKey: &key})
	require.NoError(t, err)

	cfg, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", cfg.ActiveModel, "model must survive an unrelated Set")
	assert.Equal(t, "hunter2", cfg.AccessKey)
}

func TestSnapshot_ReadsExternalEdits(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	model := "qwen3:8b"
	_, err := s.Set(Partial{ActiveModel: &model})
	require.NoError(t, err)

	// simulate another process editing the file between requests
	edited := `{"active_model":"qwen3:8b","backend_url":"http://10.0.0.5:11434","access_key":"newkey"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(edited), 0644))

	cfg, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:11434", cfg.BackendURL)
	assert.Equal(t, "newkey", cfg.AccessKey)
}

func TestSnapshot_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0644))

	_, err := NewStore(dir).Snapshot()
	assert.Error(t, err)
}
