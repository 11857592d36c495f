package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	var p BackendParams
	p.SetDefaults()

	assert.Equal(t, DefaultMaxRetries, *p.MaxRetries)
	assert.True(t, *p.RequireAllResponses)
	assert.Equal(t, DefaultMaxRequestsPerMinute, p.MaxRequestsPerMinute)
	assert.Equal(t, DefaultBatchSize, p.BatchSize)
	assert.True(t, *p.DeleteSuccessfulBatchFiles)
	assert.False(t, *p.DeleteFailedBatchFiles)
	assert.Equal(t, DefaultMaxBatchResubmissions, *p.MaxBatchResubmissions)
	assert.Equal(t, time.Duration(DefaultBatchCheckInterval)*time.Second, p.BatchCheckInterval())
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	zero := 0
	no := false
	p := BackendParams{
		MaxRetries:          &zero,
		RequireAllResponses: &no,
		BatchSize:           5,
	}
	p.SetDefaults()

	assert.Equal(t, 0, *p.MaxRetries)
	assert.False(t, *p.RequireAllResponses)
	assert.Equal(t, 5, p.BatchSize)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_LUBAN_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	content := `
model: gpt-4o-mini
backend: openai
batch: true
api_key: os.environ/TEST_LUBAN_KEY
generation_params:
  temperature: 0.7
backend_params:
  batch_size: 3
  batch_check_interval: 10
prompt_template: "just say '{prompt}'"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.True(t, cfg.Batch)
	require.NotNil(t, cfg.APIKey)
	assert.Equal(t, "sk-test-123", *cfg.APIKey)
	assert.Equal(t, 3, cfg.BackendParams.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.BackendParams.BatchCheckInterval())
	assert.Equal(t, 0.7, cfg.GenerationParams["temperature"])
}

func TestLoadRejectsMissingModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch: false\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolveEnvVar(t *testing.T) {
	t.Setenv("SOME_KEY", "value")

	assert.Equal(t, "value", ResolveEnvVar("os.environ/SOME_KEY"))
	assert.Equal(t, "literal", ResolveEnvVar("literal"))
	assert.Equal(t, "", ResolveEnvVar("os.environ/DOES_NOT_EXIST"))
}

func TestCacheDisabled(t *testing.T) {
	t.Setenv(EnvDisableCache, "")
	assert.False(t, CacheDisabled())

	t.Setenv(EnvDisableCache, "true")
	assert.True(t, CacheDisabled())

	t.Setenv(EnvDisableCache, "1")
	assert.True(t, CacheDisabled())

	t.Setenv(EnvDisableCache, "false")
	assert.False(t, CacheDisabled())
}
