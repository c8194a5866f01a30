package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, _, err := LoadFromWorkdir(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 11434, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Server.MaxPortProbe)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, 25, cfg.LLM.MaxToolIterations)
	assert.True(t, cfg.RAG.IsEnabled())
	assert.Equal(t, 100000, cfg.Summarization.TriggerTokenBudget)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	writeConfigFile(t, dir, `
server:
  port: 5000
llm:
  model: gpt-4o-mini
  api_key: sk-from-file
  temperature: 0.2
rag:
  enabled: false
`)

	cfg, _, err := LoadFromWorkdir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "sk-from-file", cfg.LLM.APIKey)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.False(t, cfg.RAG.IsEnabled())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4-turbo")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("SERVER_PORT", "6001")
	dir := t.TempDir()
	writeConfigFile(t, dir, `
server:
  port: 5000
llm:
  model: gpt-4o-mini
  api_key: sk-from-file
`)

	cfg, _, err := LoadFromWorkdir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Server.Port)
	assert.Equal(t, "gpt-4-turbo", cfg.LLM.Model)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
}

func TestEnvVarExpansionInFile(t *testing.T) {
	t.Setenv("MY_KEY", "sk-expanded")
	t.Setenv("UNSET_MODEL", "")
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	writeConfigFile(t, dir, `
llm:
  model: ${UNSET_MODEL:-gpt-4o}
  api_key: ${MY_KEY}
  base_url: $OPENAI_COMPAT_URL
`)
	t.Setenv("OPENAI_COMPAT_URL", "http://localhost:8080/v1")

	cfg, _, err := LoadFromWorkdir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "sk-expanded", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:8080/v1", cfg.LLM.BaseURL)
}

func TestValidationFailsWithoutModel(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "sk-x")

	_, _, err := LoadFromWorkdir(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestValidationFailsWithoutAPIKey(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "")

	_, _, err := LoadFromWorkdir(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is required")
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-x")
	dir := t.TempDir()
	writeConfigFile(t, dir, `
llm:
  temperature: 3.5
`)
	_, _, err := LoadFromWorkdir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestJSONFallbackParsing(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"llm": {"model": "gpt-4o", "api_key": "sk-json"}}`)

	cfg, _, err := LoadFromWorkdir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "sk-json", cfg.LLM.APIKey)
}

func TestMalformedFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm: [unclosed")

	_, _, err := LoadFromWorkdir(context.Background(), dir)
	require.Error(t, err)
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.LLM.APIKey = "sk-secret"
	cfg.Tools.WebSearchAPIKey = "tvly-secret"
	cfg.SetDefaults()

	red := cfg.Redacted()
	assert.Equal(t, "********", red.LLM.APIKey)
	assert.Equal(t, "********", red.Tools.WebSearchAPIKey)
	assert.Empty(t, red.Embedder.APIKey)
	// The original is untouched.
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey)
}

func TestRAGValidationChunkOverlap(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-x")
	dir := t.TempDir()
	writeConfigFile(t, dir, `
rag:
  chunk_size: 100
  chunk_overlap: 200
`)
	_, _, err := LoadFromWorkdir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_overlap")
}
