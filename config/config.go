// Package config loads and validates the finagent process configuration:
// a typed Config struct assembled from a YAML file (local or remote KV),
// .env files, and environment-variable interpolation, following the
// teacher's pkg/config layering (SetDefaults/Validate, env expansion,
// koanf-backed remote sources).
package config

import (
	"fmt"
	"time"

	"github.com/finagent-ai/finagent/observability"
)

const (
	defaultMaxIterations      = 5
	defaultMaxContextMessages = 10
	defaultContextRoot        = "./context"
	defaultServerAddr         = ":8080"
)

// LLMConfig configures the OpenAI-compatible client used for every
// Orchestrator phase.
type LLMConfig struct {
	Provider    string  `yaml:"provider,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// FastLLMConfig configures the smaller/faster model the Tool Executor
// uses for tool selection (spec.md §4.3). Empty fields fall back to
// LLMConfig's values.
type FastLLMConfig struct {
	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// SessionStoreConfig selects and configures the Session Store backend
// (spec.md §6's session_store_backend).
type SessionStoreConfig struct {
	// Backend is one of "memory" (default), "sql", or "etcd". Left
	// empty, it is inferred from DSN/Endpoints by SetDefaults, matching
	// spec.md §6's "auto-selected if a connection string is present".
	Backend string `yaml:"backend,omitempty"`
	// Dialect is required when Backend is "sql": "postgres", "mysql", or
	// "sqlite".
	Dialect   string        `yaml:"dialect,omitempty"`
	DSN       string        `yaml:"dsn,omitempty"`
	Endpoints []string      `yaml:"endpoints,omitempty"` // required when Backend is "etcd"
	// TTL is the memory backend's session eviction window, or the etcd
	// backend's per-request timeout. Unused by the sql backend.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// OrchestratorConfig mirrors spec.md §6's configuration options.
type OrchestratorConfig struct {
	MaxIterations          int  `yaml:"max_iterations,omitempty"`
	SummarizeViaLLM        bool `yaml:"summarize_via_llm,omitempty"`
	UseEmbeddingsForSelect bool `yaml:"use_embeddings_for_selection,omitempty"`
	MaxContextMessages     int  `yaml:"max_context_messages,omitempty"`
}

// EmbeddingConfig configures the embedding-similarity Message History
// strategy that backs Orchestrator.UseEmbeddingsForSelect. Left mostly
// empty, the embedding client falls back to the main LLMConfig's
// provider credentials, and the index defaults to the in-process
// chromem-go backend.
type EmbeddingConfig struct {
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`

	// Index selects the vector index backend: "chromem" (default,
	// in-process) or "qdrant" (networked, shared across processes).
	Index            string `yaml:"index,omitempty"`
	IndexPersistPath string `yaml:"index_persist_path,omitempty"`
	QdrantHost       string `yaml:"qdrant_host,omitempty"`
	QdrantPort       int    `yaml:"qdrant_port,omitempty"`
	QdrantAPIKey     string `yaml:"qdrant_api_key,omitempty"`
	QdrantUseTLS     bool   `yaml:"qdrant_use_tls,omitempty"`
}

// AuthConfig configures the Session API's optional JWT middleware.
// finagent is a JWT consumer: it validates tokens issued elsewhere.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// ServerConfig configures the Session API's HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// Config is the complete, validated process configuration.
type Config struct {
	LLM           LLMConfig            `yaml:"llm,omitempty"`
	FastLLM       FastLLMConfig        `yaml:"fast_llm,omitempty"`
	ContextRoot   string               `yaml:"context_root,omitempty"`
	SessionStore  SessionStoreConfig   `yaml:"session_store,omitempty"`
	Orchestrator  OrchestratorConfig   `yaml:"orchestrator,omitempty"`
	Embedding     EmbeddingConfig      `yaml:"embedding,omitempty"`
	Server        ServerConfig         `yaml:"server,omitempty"`
	Auth          AuthConfig           `yaml:"auth,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
}

// SetDefaults fills in every field with its documented default, mirroring
// the teacher's Config.SetDefaults layering (called once after
// unmarshalling, before Validate).
func (c *Config) SetDefaults() {
	if c.ContextRoot == "" {
		c.ContextRoot = defaultContextRoot
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = defaultMaxIterations
	}
	if c.Orchestrator.MaxContextMessages == 0 {
		c.Orchestrator.MaxContextMessages = defaultMaxContextMessages
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.SessionStore.Backend == "" {
		c.SessionStore.Backend = inferSessionStoreBackend(c.SessionStore)
	}
	if c.FastLLM.Model == "" {
		c.FastLLM.Model = c.LLM.Model
	}
	if c.FastLLM.APIKey == "" {
		c.FastLLM.APIKey = c.LLM.APIKey
	}
	if c.FastLLM.BaseURL == "" {
		c.FastLLM.BaseURL = c.LLM.BaseURL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Orchestrator.UseEmbeddingsForSelect {
		if c.Embedding.BaseURL == "" {
			c.Embedding.BaseURL = c.LLM.BaseURL
		}
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = c.LLM.APIKey
		}
		if c.Embedding.Index == "" {
			c.Embedding.Index = "chromem"
		}
	}
	c.Observability.SetDefaults()
}

// inferSessionStoreBackend implements spec.md §6's "auto-selected if a
// connection string is present": a DSN implies "sql", endpoints imply
// "etcd", otherwise "memory".
func inferSessionStoreBackend(s SessionStoreConfig) string {
	if s.DSN != "" {
		return "sql"
	}
	if len(s.Endpoints) > 0 {
		return "etcd"
	}
	return "memory"
}

// Validate checks the config for internal consistency, returning the
// first error found.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator.max_iterations must be >= 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.MaxContextMessages < 1 {
		return fmt.Errorf("orchestrator.max_context_messages must be >= 1, got %d", c.Orchestrator.MaxContextMessages)
	}

	switch c.SessionStore.Backend {
	case "memory":
	case "sql":
		if c.SessionStore.Dialect == "" {
			return fmt.Errorf("session_store.dialect is required for the sql backend")
		}
		if c.SessionStore.DSN == "" {
			return fmt.Errorf("session_store.dsn is required for the sql backend")
		}
	case "etcd":
		if len(c.SessionStore.Endpoints) == 0 {
			return fmt.Errorf("session_store.endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("session_store.backend must be one of memory, sql, etcd, got %q", c.SessionStore.Backend)
	}

	if c.Auth.Enabled {
		if c.Auth.JWKSURL == "" || c.Auth.Issuer == "" || c.Auth.Audience == "" {
			return fmt.Errorf("auth.jwks_url, auth.issuer and auth.audience are required when auth is enabled")
		}
	}

	if c.Orchestrator.UseEmbeddingsForSelect {
		if c.Embedding.BaseURL == "" || c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.base_url and embedding.api_key are required when use_embeddings_for_selection is set")
		}
		switch c.Embedding.Index {
		case "chromem", "qdrant":
		default:
			return fmt.Errorf("embedding.index must be one of chromem, qdrant, got %q", c.Embedding.Index)
		}
	}

	return c.Observability.Validate()
}
