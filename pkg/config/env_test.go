package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnv_OverridesFile(t *testing.T) {
	path := writeConfig(t, `sections:
  llm:
    model: from-file
    base_url: http://file.local
  compaction:
    max_attempts: 2
  context:
    token_budget: 100
`)
	t.Setenv("SAGA_MODEL", "from-env")
	t.Setenv("SAGA_MAX_ATTEMPTS", "6")
	t.Setenv("SAGA_ORACLE_TIMEOUT", "2m")
	t.Setenv("SAGA_VERBATIM_FALLBACK", "true")
	t.Setenv("SAGA_EXCLUDE_PATTERNS", "OOC:*,Debug:*")
	t.Setenv("SAGA_ROOT", "/srv/saga")
	t.Setenv("SAGA_CATALOG", "false")
	t.Setenv("SAGA_TOKEN_BUDGET", "0")

	m, err := Load(path)
	require.NoError(t, err)

	llm, _ := section[*LLMSection](m, SectionIDLLM)
	assert.Equal(t, "from-env", llm.GetModel())
	assert.Equal(t, "http://file.local", llm.GetBaseURL())

	cs, _ := section[*CompactionSection](m, SectionIDCompaction)
	c := cs.Settings()
	assert.Equal(t, 6, c.MaxAttempts)
	assert.Equal(t, 2*time.Minute, c.OracleTimeout)
	assert.True(t, c.VerbatimFallback)
	assert.Equal(t, []string{"OOC:*", "Debug:*"}, c.ExcludePatterns)

	ss, _ := section[*StorageSection](m, SectionIDStorage)
	assert.Equal(t, "/srv/saga", ss.Settings().Root)
	assert.False(t, ss.Settings().Catalog)

	cx, _ := section[*ContextSection](m, SectionIDContext)
	assert.Equal(t, 0, cx.Settings().TokenBudget)
}

func TestApplyEnv_UnsetLeavesFile(t *testing.T) {
	path := writeConfig(t, "sections:\n  compaction:\n    max_attempts: 2\n")
	m, err := Load(path)
	require.NoError(t, err)
	cs, _ := section[*CompactionSection](m, SectionIDCompaction)
	assert.Equal(t, 2, cs.Settings().MaxAttempts)
	assert.False(t, cs.Settings().VerbatimFallback)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Setenv("SAGA_MAX_ATTEMPTS", "many")
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	assert.ErrorContains(t, err, "parse env")
}

func TestApplyEnv_ValidatesResult(t *testing.T) {
	t.Setenv("SAGA_MAX_ATTEMPTS", "0")
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	assert.ErrorContains(t, err, "max_attempts")
}

func TestBuildOracle_Precedence(t *testing.T) {
	resetGlobal(t)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")

	_, err := BuildOracle("", "", "", "gpt-4o-mini")
	assert.ErrorContains(t, err, "API key is required")

	path := writeConfig(t, `sections:
  llm:
    model: gpt-4o
    summarization_model: gpt-4o-mini-summaries
    api_key: file-key
    base_url: http://file.local/v1
`)
	require.NoError(t, Initialize(path))

	o, err := BuildOracle("", "", "", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini-summaries", o.Model())
	assert.Equal(t, "http://file.local/v1", o.BaseURL())

	o, err = BuildOracle("cli-model", "http://cli.local/v1", "cli-key", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "cli-model", o.Model())
	assert.Equal(t, "http://cli.local/v1", o.BaseURL())
}
