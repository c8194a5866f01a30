// Package config defines the server configuration and its loader.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, an optional agentsmithy.yaml in the workdir, and
// environment variables (typically via .env).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty"`
	LLM           LLMConfig           `yaml:"llm,omitempty"`
	Summarization SummarizationConfig `yaml:"summarization,omitempty"`
	Embedder      EmbedderConfig      `yaml:"embedder,omitempty"`
	RAG           RAGConfig           `yaml:"rag,omitempty"`
	Tools         ToolsConfig         `yaml:"tools,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Summarization.SetDefaults()
	c.Embedder.SetDefaults()
	c.RAG.SetDefaults()
	c.Tools.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Summarization.Validate(); err != nil {
		return fmt.Errorf("summarization: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.RAG.Validate(); err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables on top of the loaded document.
// Env always wins so a .env file can drive a config-less deployment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SUMMARY_MODEL"); v != "" {
		c.Summarization.Model = v
	}
	if v := os.Getenv("SUMMARY_TRIGGER_TOKEN_BUDGET"); v != "" {
		if budget, err := strconv.Atoi(v); err == nil {
			c.Summarization.TriggerTokenBudget = budget
		}
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedder.Model = v
	}
	if v := os.Getenv("WEB_SEARCH_API_KEY"); v != "" {
		c.Tools.WebSearchAPIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Redacted returns a copy safe for the /api/config endpoint.
// Secrets are masked, never removed, so clients can tell they are set.
func (c *Config) Redacted() *Config {
	out := *c
	out.LLM.APIKey = redactSecret(c.LLM.APIKey)
	out.Embedder.APIKey = redactSecret(c.Embedder.APIKey)
	out.Tools.WebSearchAPIKey = redactSecret(c.Tools.WebSearchAPIKey)
	return &out
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
