package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobal(t *testing.T) {
	t.Helper()
	globalMu.Lock()
	globalManager = nil
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalManager = nil
		globalMu.Unlock()
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitialize_Defaults(t *testing.T) {
	resetGlobal(t)
	assert.False(t, IsInitialized())
	assert.Nil(t, GetLLM())
	assert.Panics(t, func() { Global() })

	require.NoError(t, Initialize(filepath.Join(t.TempDir(), "config.yaml")))
	require.True(t, IsInitialized())

	c := GetCompaction().Settings()
	assert.Equal(t, 30*time.Second, c.OracleTimeout)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, []string{"Error Note:*"}, c.ExcludePatterns)
	assert.Equal(t, "@every 5m", c.SweepSchedule)

	assert.True(t, GetStorage().Settings().Catalog)
	assert.Equal(t, 8000, GetContext().Settings().TokenBudget)
	assert.Empty(t, GetLLM().GetModel())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `version: "1"
sections:
  llm:
    model: gpt-4o
    summarization_model: gpt-4o-mini
  compaction:
    oracle_timeout: 45s
    max_attempts: 5
    initial_backoff: 1s
    max_backoff: 20
    verbatim_fallback: true
    exclude_patterns: ["Error Note:*", "OOC:*"]
    sweep_schedule: "*/10 * * * *"
  storage:
    root: ~/campaigns
    catalog: false
  context:
    token_budget: 2000
    include_completed_modules: false
`)
	m, err := Load(path)
	require.NoError(t, err)

	llm, _ := section[*LLMSection](m, SectionIDLLM)
	assert.Equal(t, "gpt-4o", llm.GetModel())
	assert.Equal(t, "gpt-4o-mini", llm.GetSummaryModel())

	cs, _ := section[*CompactionSection](m, SectionIDCompaction)
	c := cs.Settings()
	assert.Equal(t, 45*time.Second, c.OracleTimeout)
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, time.Second, c.InitialBackoff)
	assert.Equal(t, 20*time.Second, c.MaxBackoff)
	assert.True(t, c.VerbatimFallback)
	assert.Equal(t, []string{"Error Note:*", "OOC:*"}, c.ExcludePatterns)
	assert.Equal(t, "*/10 * * * *", c.SweepSchedule)

	ss, _ := section[*StorageSection](m, SectionIDStorage)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "campaigns"), ss.Settings().Root)
	assert.False(t, ss.Settings().Catalog)
	assert.True(t, ss.Settings().Sync)

	cx, _ := section[*ContextSection](m, SectionIDContext)
	assert.Equal(t, 2000, cx.Settings().TokenBudget)
	assert.False(t, cx.Settings().IncludeCompletedModules)
	assert.Equal(t, 4, cx.Settings().MinTailTurns)
}

func TestLoad_RejectsWrongTypes(t *testing.T) {
	_, err := Load(writeConfig(t, "sections:\n  compaction:\n    max_attempts: lots\n"))
	assert.ErrorContains(t, err, "max_attempts")

	_, err = Load(writeConfig(t, "sections:\n  compaction:\n    oracle_timeout: soon\n"))
	assert.ErrorContains(t, err, "oracle_timeout")
}

func TestLoad_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := Load(path)
	require.NoError(t, err)

	cs, _ := section[*CompactionSection](m, SectionIDCompaction)
	require.NoError(t, cs.SetData(map[string]any{"max_attempts": 7, "narrate_modules": true}))
	require.NoError(t, m.SaveAll())

	again, err := Load(path)
	require.NoError(t, err)
	cs, _ = section[*CompactionSection](again, SectionIDCompaction)
	assert.Equal(t, 7, cs.Settings().MaxAttempts)
	assert.True(t, cs.Settings().NarrateModules)
	assert.Equal(t, 30*time.Second, cs.Settings().OracleTimeout)
}

func TestSections_Validate(t *testing.T) {
	c := NewCompactionSection()
	require.NoError(t, c.Validate())

	require.NoError(t, c.SetData(map[string]any{"max_attempts": 0}))
	assert.Error(t, c.Validate())
	c.Reset()

	require.NoError(t, c.SetData(map[string]any{"initial_backoff": "5s", "max_backoff": "1s"}))
	assert.Error(t, c.Validate())
	c.Reset()

	require.NoError(t, c.SetData(map[string]any{"sweep_schedule": "every so often"}))
	assert.ErrorContains(t, c.Validate(), "sweep_schedule")
	c.Reset()

	require.NoError(t, c.SetData(map[string]any{"exclude_patterns": []any{"[unclosed"}}))
	assert.Error(t, c.Validate())

	s := NewStorageSection()
	require.NoError(t, s.SetData(map[string]any{"root": " "}))
	assert.Error(t, s.Validate())

	cx := NewContextSection()
	require.NoError(t, cx.SetData(map[string]any{"token_budget": -1}))
	assert.Error(t, cx.Validate())
}
