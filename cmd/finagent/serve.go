package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/finagent-ai/finagent/auth"
	"github.com/finagent-ai/finagent/config"
	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/embeddings"
	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/observability"
	"github.com/finagent-ai/finagent/orchestrator"
	"github.com/finagent-ai/finagent/scheduler"
	"github.com/finagent-ai/finagent/server"
	"github.com/finagent-ai/finagent/sessionstore"
	"github.com/finagent-ai/finagent/toolexec"
	"github.com/finagent-ai/finagent/tools"
	"github.com/google/uuid"
)

// ServeCmd starts the Session API server.
type ServeCmd struct {
	MCPCommand string `name:"mcp-command" help:"Launch an MCP server as a subprocess to source tools from (e.g. 'npx')."`
	MCPArgs    string `name:"mcp-args" help:"Comma-separated arguments for --mcp-command."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := c.loadConfig(cli)
	if err != nil {
		return err
	}

	logger, err := initLogging(cfg, cli)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if sd, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		defer sd.Shutdown(context.Background()) //nolint:errcheck
	}

	metrics, err := observability.NewMetrics(&cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	mainClient := llm.NewOpenAICompatibleClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
		llm.WithTemperature(cfg.LLM.Temperature))
	fastClient := llm.NewOpenAICompatibleClient(cfg.FastLLM.BaseURL, cfg.FastLLM.APIKey, cfg.FastLLM.Model)

	registry := tools.NewToolRegistry()
	if c.MCPCommand != "" {
		var args []string
		if c.MCPArgs != "" {
			args = strings.Split(c.MCPArgs, ",")
		}
		repo, err := tools.NewMCPRepository(tools.MCPConfig{Name: "mcp", Command: c.MCPCommand, Args: args})
		if err != nil {
			return fmt.Errorf("create mcp repository: %w", err)
		}
		if _, err := registry.RegisterRepository(ctx, repo); err != nil {
			return fmt.Errorf("register mcp repository: %w", err)
		}
		logger.Info("mcp tools registered", "command", c.MCPCommand)
	}

	store, err := contextstore.New(cfg.ContextRoot, mainClient)
	if err != nil {
		return fmt.Errorf("create context store: %w", err)
	}

	toolsExec := toolexec.New(registry, fastClient, store, nil)
	sched := scheduler.New(toolsExec, scheduler.NewLLMReasoner(fastClient), store, nil)

	var embedder embeddings.Client
	var vectorIndex history.VectorIndex
	if cfg.Orchestrator.UseEmbeddingsForSelect {
		embedder = embeddings.NewOpenAIEmbeddingClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimension)
		idx, err2 := newVectorIndex(cfg.Embedding)
		if err2 != nil {
			return fmt.Errorf("create vector index: %w", err2)
		}
		vectorIndex = vectorIndexAdapter{idx}
		logger.Info("embedding-backed history selection enabled", "index", cfg.Embedding.Index)
	}

	// newHistory builds a fresh MessageHistory per session. Each session
	// gets its own vector-index collection, named per call, so turns from
	// different sessions never collide in a shared index.
	newHistory := func() *history.MessageHistory {
		var strategy history.Strategy = history.NewRecencyStrategy(cfg.Orchestrator.MaxContextMessages)
		var opts []history.Option
		if embedder != nil {
			collection := "history-" + uuid.NewString()
			strategy = history.NewIndexedEmbeddingStrategy(embedder, vectorIndex, collection, cfg.Orchestrator.MaxContextMessages)
			opts = append(opts, history.WithIndexer(history.NewEmbeddingIndexer(embedder, vectorIndex, collection)))
		}
		var summarizer history.Summarizer
		if cfg.Orchestrator.SummarizeViaLLM {
			summarizer = history.NewLLMSummarizer(fastClient)
		}
		return history.New(strategy, summarizer, opts...)
	}

	sessions, err := newSessionStore(cfg, newHistory)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}

	orch := orchestrator.New(mainClient, sched, store, sessions, newHistory,
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations))

	var validator *auth.Validator
	if cfg.Auth.Enabled {
		validator, err = auth.NewValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("create auth validator: %w", err)
		}
	}

	srv, err := server.New(server.Options{
		Addr:         cfg.Server.Addr,
		Orchestrator: orch,
		Sessions:     sessions,
		NewHistory:   newHistory,
		Validator:    validator,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("finagent server ready", "addr", cfg.Server.Addr)

	<-ctx.Done()
	return srv.Shutdown(context.Background())
}

// loadConfig loads configuration from cli.Config, or returns a minimal
// config for zero-config use when no file is given.
func (c *ServeCmd) loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		cfg := &config.Config{
			LLM: config.LLMConfig{
				Provider: "openai",
				Model:    os.Getenv("FINAGENT_MODEL"),
				APIKey:   config.GetProviderAPIKey("openai"),
				BaseURL:  "https://api.openai.com/v1",
			},
		}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("zero-config mode requires FINAGENT_MODEL and OPENAI_API_KEY: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadConfig(config.LoaderOptions{Type: config.ConfigTypeFile, Path: cli.Config})
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", cli.Config, err)
	}
	return cfg, nil
}

func initLogging(cfg *config.Config, cli *CLI) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if cli.LogLevel != "" && cli.LogLevel != "info" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" && cli.LogFormat != "simple" {
		format = cli.LogFormat
	}

	slogLevel, err := observability.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	logFile := cfg.Logging.File
	if cli.LogFile != "" {
		logFile = cli.LogFile
	}
	if logFile != "" {
		f, _, err := observability.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
	}

	return observability.InitLogging(slogLevel, output, format), nil
}

// vectorIndexAdapter adapts embeddings.Index to history.VectorIndex.
// The two packages define structurally identical but distinctly named
// result types (embeddings.Result vs. history.VectorResult) so they
// don't import each other; this is the thin translation between them.
type vectorIndexAdapter struct {
	embeddings.Index
}

func (a vectorIndexAdapter) Search(ctx context.Context, collection string, vector []float32, topK int) ([]history.VectorResult, error) {
	results, err := a.Index.Search(ctx, collection, vector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]history.VectorResult, len(results))
	for i, r := range results {
		out[i] = history.VectorResult{ID: r.ID, Score: r.Score}
	}
	return out, nil
}

// newVectorIndex builds the Index backend selected by cfg.Index, used
// by the embedding-similarity history strategy.
func newVectorIndex(cfg config.EmbeddingConfig) (embeddings.Index, error) {
	switch cfg.Index {
	case "qdrant":
		return embeddings.NewQdrantIndex(embeddings.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
	default:
		return embeddings.NewChromemIndex(embeddings.ChromemConfig{PersistPath: cfg.IndexPersistPath})
	}
}

// newSessionStore selects the Session Store backend from cfg, matching
// spec.md §6's auto-selection on a configured connection string.
func newSessionStore(cfg *config.Config, newHistory sessionstore.HistoryFactory) (sessionstore.Store, error) {
	switch cfg.SessionStore.Backend {
	case "sql":
		return sessionstore.NewSQLStore(cfg.SessionStore.Dialect, cfg.SessionStore.DSN, newHistory)
	case "etcd":
		var opts []sessionstore.EtcdOption
		if cfg.SessionStore.TTL > 0 {
			opts = append(opts, sessionstore.WithRequestTimeout(cfg.SessionStore.TTL))
		}
		return sessionstore.NewEtcdStore(cfg.SessionStore.Endpoints, newHistory, opts...)
	default:
		var opts []sessionstore.MemoryOption
		if cfg.SessionStore.TTL > 0 {
			opts = append(opts, sessionstore.WithTTL(cfg.SessionStore.TTL))
		}
		return sessionstore.NewMemoryStore(opts...), nil
	}
}
