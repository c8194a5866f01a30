package config

import "fmt"

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port is the base port; the runtime probes upward from here.
	Port int `yaml:"port,omitempty"`

	// MaxPortProbe bounds the upward port search.
	MaxPortProbe int `yaml:"max_port_probe,omitempty"`

	// CORS configuration for IDE clients.
	CORS *CORSConfig `yaml:"cors,omitempty"`
}

// CORSConfig configures CORS.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	AllowedMethods []string `yaml:"allowed_methods,omitempty"`
	AllowedHeaders []string `yaml:"allowed_headers,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 11434
	}
	if c.MaxPortProbe == 0 {
		c.MaxPortProbe = 20
	}
	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxPortProbe < 1 {
		return fmt.Errorf("max_port_probe must be positive")
	}
	return nil
}

// Address returns the HTTP server address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig configures the chat model provider.
type LLMConfig struct {
	// Model is the chat model identifier (DEFAULT_MODEL).
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates against the provider (OPENAI_API_KEY).
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL of the OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for sampling.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// TimeoutSeconds bounds a single streaming request.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxToolIterations caps tool-call rounds in one turn.
	MaxToolIterations int `yaml:"max_tool_iterations,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8000
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 300
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 25
	}
}

func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required (set DEFAULT_MODEL)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set OPENAI_API_KEY)")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// SummarizationConfig configures history compaction.
type SummarizationConfig struct {
	// Model used for the summary pass; defaults to the chat model.
	Model string `yaml:"model,omitempty"`

	// TriggerTokenBudget starts a summary pass once the prompt reaches it.
	TriggerTokenBudget int `yaml:"trigger_token_budget,omitempty"`

	// KeepLastMessages are never evicted into the summary.
	KeepLastMessages int `yaml:"keep_last_messages,omitempty"`
}

func (c *SummarizationConfig) SetDefaults() {
	if c.TriggerTokenBudget == 0 {
		c.TriggerTokenBudget = 100000
	}
	if c.KeepLastMessages == 0 {
		c.KeepLastMessages = 24
	}
}

func (c *SummarizationConfig) Validate() error {
	if c.TriggerTokenBudget < 0 {
		return fmt.Errorf("trigger_token_budget must be non-negative")
	}
	if c.KeepLastMessages < 1 {
		return fmt.Errorf("keep_last_messages must be positive")
	}
	return nil
}

// EmbedderConfig configures the embeddings provider used by RAG.
type EmbedderConfig struct {
	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimension of produced vectors; 0 derives it from the model.
	Dimension int `yaml:"dimension,omitempty"`

	// BatchSize bounds texts per embeddings request.
	BatchSize int `yaml:"batch_size,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

func (c *EmbedderConfig) Validate() error {
	return nil
}

// RAGConfig configures project indexing.
type RAGConfig struct {
	// Enabled turns background indexing on.
	Enabled *bool `yaml:"enabled,omitempty"`

	// ChunkSize in characters.
	ChunkSize int `yaml:"chunk_size,omitempty"`

	// ChunkOverlap in characters.
	ChunkOverlap int `yaml:"chunk_overlap,omitempty"`

	// Workers bounds concurrent file indexing.
	Workers int `yaml:"workers,omitempty"`

	// MaxFileBytes skips files larger than this.
	MaxFileBytes int64 `yaml:"max_file_bytes,omitempty"`

	// TopK results returned per retrieval.
	TopK int `yaml:"top_k,omitempty"`
}

func (c *RAGConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxFileBytes == 0 {
		c.MaxFileBytes = 1 << 20
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
}

func (c *RAGConfig) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be smaller than chunk_size")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

// IsEnabled returns whether indexing is on.
func (c *RAGConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// ToolsConfig configures tool behavior limits.
type ToolsConfig struct {
	// CommandTimeoutSeconds bounds run_command execution.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds,omitempty"`

	// MaxOutputBytes caps captured command output.
	MaxOutputBytes int `yaml:"max_output_bytes,omitempty"`

	// MaxReadBytes caps read_file content.
	MaxReadBytes int `yaml:"max_read_bytes,omitempty"`

	// MaxSearchMatches caps search_files results.
	MaxSearchMatches int `yaml:"max_search_matches,omitempty"`

	// MaxListEntries caps list_files results.
	MaxListEntries int `yaml:"max_list_entries,omitempty"`

	// MaxFetchBytes caps web_fetch downloads.
	MaxFetchBytes int64 `yaml:"max_fetch_bytes,omitempty"`

	// WebSearchAPIKey authenticates the search provider.
	WebSearchAPIKey string `yaml:"web_search_api_key,omitempty"`

	// WebSearchBaseURL is the search provider endpoint.
	WebSearchBaseURL string `yaml:"web_search_base_url,omitempty"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.CommandTimeoutSeconds == 0 {
		c.CommandTimeoutSeconds = 60
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = 100 * 1024
	}
	if c.MaxReadBytes == 0 {
		c.MaxReadBytes = 256 * 1024
	}
	if c.MaxSearchMatches == 0 {
		c.MaxSearchMatches = 200
	}
	if c.MaxListEntries == 0 {
		c.MaxListEntries = 500
	}
	if c.MaxFetchBytes == 0 {
		c.MaxFetchBytes = 2 << 20
	}
	if c.WebSearchBaseURL == "" {
		c.WebSearchBaseURL = "https://api.tavily.com/search"
	}
}

func (c *ToolsConfig) Validate() error {
	if c.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("command_timeout_seconds must be positive")
	}
	return nil
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}
