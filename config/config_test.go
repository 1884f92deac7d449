package config

import "testing"

func TestConfig_SetDefaults(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		validate func(t *testing.T, c Config)
	}{
		{
			name:   "empty_config_gets_defaults",
			config: Config{},
			validate: func(t *testing.T, c Config) {
				if c.ContextRoot != defaultContextRoot {
					t.Errorf("ContextRoot = %v, want %v", c.ContextRoot, defaultContextRoot)
				}
				if c.Orchestrator.MaxIterations != defaultMaxIterations {
					t.Errorf("MaxIterations = %v, want %v", c.Orchestrator.MaxIterations, defaultMaxIterations)
				}
				if c.Orchestrator.MaxContextMessages != defaultMaxContextMessages {
					t.Errorf("MaxContextMessages = %v, want %v", c.Orchestrator.MaxContextMessages, defaultMaxContextMessages)
				}
				if c.Server.Addr != defaultServerAddr {
					t.Errorf("Server.Addr = %v, want %v", c.Server.Addr, defaultServerAddr)
				}
				if c.SessionStore.Backend != "memory" {
					t.Errorf("SessionStore.Backend = %v, want memory", c.SessionStore.Backend)
				}
				if c.Logging.Level != "info" || c.Logging.Format != "simple" {
					t.Errorf("Logging defaults = %+v", c.Logging)
				}
			},
		},
		{
			name: "dsn_selects_sql_backend",
			config: Config{
				SessionStore: SessionStoreConfig{DSN: "postgres://localhost/finagent"},
			},
			validate: func(t *testing.T, c Config) {
				if c.SessionStore.Backend != "sql" {
					t.Errorf("SessionStore.Backend = %v, want sql", c.SessionStore.Backend)
				}
			},
		},
		{
			name: "endpoints_select_etcd_backend",
			config: Config{
				SessionStore: SessionStoreConfig{Endpoints: []string{"localhost:2379"}},
			},
			validate: func(t *testing.T, c Config) {
				if c.SessionStore.Backend != "etcd" {
					t.Errorf("SessionStore.Backend = %v, want etcd", c.SessionStore.Backend)
				}
			},
		},
		{
			name: "explicit_backend_is_preserved",
			config: Config{
				SessionStore: SessionStoreConfig{Backend: "memory", DSN: "postgres://localhost/finagent"},
			},
			validate: func(t *testing.T, c Config) {
				if c.SessionStore.Backend != "memory" {
					t.Errorf("SessionStore.Backend = %v, want memory", c.SessionStore.Backend)
				}
			},
		},
		{
			name: "fast_llm_falls_back_to_llm",
			config: Config{
				LLM: LLMConfig{Model: "gpt-4o", APIKey: "key", BaseURL: "https://api.openai.com/v1"},
			},
			validate: func(t *testing.T, c Config) {
				if c.FastLLM.Model != "gpt-4o" || c.FastLLM.APIKey != "key" || c.FastLLM.BaseURL != "https://api.openai.com/v1" {
					t.Errorf("FastLLM should inherit from LLM, got %+v", c.FastLLM)
				}
			},
		},
		{
			name: "embedding_falls_back_to_llm_when_enabled",
			config: Config{
				LLM:          LLMConfig{Model: "gpt-4o", APIKey: "key", BaseURL: "https://api.openai.com/v1"},
				Orchestrator: OrchestratorConfig{UseEmbeddingsForSelect: true},
			},
			validate: func(t *testing.T, c Config) {
				if c.Embedding.BaseURL != "https://api.openai.com/v1" || c.Embedding.APIKey != "key" {
					t.Errorf("Embedding should inherit from LLM, got %+v", c.Embedding)
				}
				if c.Embedding.Index != "chromem" {
					t.Errorf("Embedding.Index = %v, want chromem", c.Embedding.Index)
				}
			},
		},
		{
			name:   "embedding_untouched_when_disabled",
			config: Config{LLM: LLMConfig{Model: "gpt-4o", APIKey: "key", BaseURL: "https://api.openai.com/v1"}},
			validate: func(t *testing.T, c Config) {
				if c.Embedding.Index != "" {
					t.Errorf("Embedding.Index = %v, want empty when unused", c.Embedding.Index)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.config
			c.SetDefaults()
			tt.validate(t, c)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		c := Config{LLM: LLMConfig{Model: "gpt-4o"}}
		c.SetDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid_defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing_model", mutate: func(c *Config) { c.LLM.Model = "" }, wantErr: true},
		{name: "zero_max_iterations", mutate: func(c *Config) { c.Orchestrator.MaxIterations = 0 }, wantErr: true},
		{name: "zero_max_context_messages", mutate: func(c *Config) { c.Orchestrator.MaxContextMessages = 0 }, wantErr: true},
		{
			name: "sql_backend_missing_dialect",
			mutate: func(c *Config) {
				c.SessionStore = SessionStoreConfig{Backend: "sql", DSN: "postgres://localhost/finagent"}
			},
			wantErr: true,
		},
		{
			name: "sql_backend_complete",
			mutate: func(c *Config) {
				c.SessionStore = SessionStoreConfig{Backend: "sql", Dialect: "postgres", DSN: "postgres://localhost/finagent"}
			},
			wantErr: false,
		},
		{
			name:    "etcd_backend_missing_endpoints",
			mutate:  func(c *Config) { c.SessionStore = SessionStoreConfig{Backend: "etcd"} },
			wantErr: true,
		},
		{
			name:    "unknown_backend",
			mutate:  func(c *Config) { c.SessionStore.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "auth_enabled_missing_fields",
			mutate:  func(c *Config) { c.Auth = AuthConfig{Enabled: true} },
			wantErr: true,
		},
		{
			name: "auth_enabled_complete",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{Enabled: true, JWKSURL: "https://issuer/.well-known/jwks.json", Issuer: "issuer", Audience: "finagent"}
			},
			wantErr: false,
		},
		{
			name: "embeddings_enabled_missing_credentials",
			mutate: func(c *Config) {
				c.Orchestrator.UseEmbeddingsForSelect = true
				c.Embedding = EmbeddingConfig{}
			},
			wantErr: true,
		},
		{
			name: "embeddings_enabled_complete",
			mutate: func(c *Config) {
				c.Orchestrator.UseEmbeddingsForSelect = true
				c.Embedding = EmbeddingConfig{BaseURL: "https://api.openai.com/v1", APIKey: "key", Index: "chromem"}
			},
			wantErr: false,
		},
		{
			name: "embeddings_enabled_unknown_index",
			mutate: func(c *Config) {
				c.Orchestrator.UseEmbeddingsForSelect = true
				c.Embedding = EmbeddingConfig{BaseURL: "https://api.openai.com/v1", APIKey: "key", Index: "pinecone"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseConfigType(t *testing.T) {
	tests := []struct {
		in      string
		want    ConfigType
		wantErr bool
	}{
		{"file", ConfigTypeFile, false},
		{"FILE", ConfigTypeFile, false},
		{"consul", ConfigTypeConsul, false},
		{"etcd", ConfigTypeEtcd, false},
		{"zookeeper", "", true},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		got, err := ParseConfigType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConfigType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseConfigType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
