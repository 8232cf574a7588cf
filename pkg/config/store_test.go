package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	assert.False(t, s.IsModified())

	data, err := s.GetSection("llm")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileStore_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	s, err := NewFileStore("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".saga", "config.yaml"), s.Path())
}

func TestFileStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.SetSection("llm", map[string]any{"model": "gpt-4o-mini"}))
	require.NoError(t, s.SetSection("compaction", map[string]any{"max_attempts": 5, "exclude_patterns": []string{"OOC:*"}}))
	assert.True(t, s.IsModified())
	require.NoError(t, s.Save())
	assert.False(t, s.IsModified())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "version: \"1\"")
	assert.Contains(t, string(raw), "model: gpt-4o-mini")

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	llm, err := reloaded.GetSection("llm")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", llm["model"])
	compaction, err := reloaded.GetSection("compaction")
	require.NoError(t, err)
	assert.Equal(t, 5, compaction["max_attempts"])
	assert.Equal(t, []any{"OOC:*"}, compaction["exclude_patterns"])
}

func TestFileStore_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sections: [unclosed"), 0o600))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestFileStore_ReturnsCopies(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	in := map[string]any{"root": "/srv/saga"}
	require.NoError(t, s.SetSection("storage", in))
	in["root"] = "/elsewhere"

	out, err := s.GetSection("storage")
	require.NoError(t, err)
	assert.Equal(t, "/srv/saga", out["root"])
	out["root"] = "/mutated"

	all, err := s.GetAll()
	require.NoError(t, err)
	assert.Equal(t, "/srv/saga", all["storage"]["root"])

	require.NoError(t, s.SetAll(map[string]map[string]any{"context": {"token_budget": 100}}))
	_, ok := mustAll(t, s)["storage"]
	assert.False(t, ok)
}

func mustAll(t *testing.T, s *FileStore) map[string]map[string]any {
	t.Helper()
	all, err := s.GetAll()
	require.NoError(t, err)
	return all
}
