package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }},
		{"mysql without dsn", func(c *Config) { c.Store.Backend = "mysql"; c.Store.DSN = "" }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "redis" }},
		{"nats without url", func(c *Config) { c.Queue.Backend = "nats"; c.Queue.URL = "" }},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "llama" }},
		{"missing model", func(c *Config) { c.LLM.Model = "" }},
		{"http image without endpoint", func(c *Config) { c.Image.Provider = "http"; c.Image.Endpoint = "" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"zero pass threshold", func(c *Config) { c.Workflow.PassThreshold = 0 }},
		{"pass threshold above scale", func(c *Config) { c.Workflow.PassThreshold = 12 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
llm:
  provider: anthropic
  model: claude-sonnet-4-5
worker:
  concurrency: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Workflow.MaxRetries)
	assert.InDelta(t, 7.0, cfg.Workflow.PassThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n  model: gpt-4o\n"), 0o644))

	t.Setenv("CONTENTFLOW_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("CONTENTFLOW_LLM_API_KEY", "sk-test")
	t.Setenv("CONTENTFLOW_WORKER_CONCURRENCY", "2")
	t.Setenv("CONTENTFLOW_FORCE_PASS", "true")
	t.Setenv("CONTENTFLOW_PASS_THRESHOLD", "5.0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.True(t, cfg.Workflow.ForcePass)
	assert.InDelta(t, 5.0, cfg.Workflow.PassThreshold, 0.001)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}
