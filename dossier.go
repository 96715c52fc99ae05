// Package dossier provides a top-level entry point that assembles the whole
// bot from one configuration: memory, tools, tracing, metrics and the
// reasoning engine, with the streaming adapter on top.
//
// Usage:
//
//	cfg, _ := config.Load("config.yaml")
//	bot, err := dossier.New(cfg, provider)
//	defer bot.Close(ctx)
//	for ev := range bot.Stream.Message(ctx, "conv-1", "brief me on ACME Corp") {
//		...
//	}
//
// Callers that need finer control wire the packages directly; New is a thin
// convenience layer over those same constructors.
package dossier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dossierbot/dossier/agent"
	"github.com/dossierbot/dossier/config"
	"github.com/dossierbot/dossier/internal/metrics"
	"github.com/dossierbot/dossier/internal/telemetry"
	"github.com/dossierbot/dossier/llm"
	"github.com/dossierbot/dossier/llm/retry"
	"github.com/dossierbot/dossier/memory"
	"github.com/dossierbot/dossier/stream"
	"github.com/dossierbot/dossier/tools"
	"github.com/dossierbot/dossier/trace"
)

// Version is the library version.
const Version = "0.1.0"

// Bot bundles an assembled engine with its collaborators.
type Bot struct {
	Engine   *agent.Engine
	Stream   *stream.Adapter
	Memory   memory.Adapter
	Registry *tools.DefaultRegistry
	Logger   *zap.Logger

	traces    *trace.Writer
	telemetry *telemetry.Providers
	cache     *memory.SearchCache
}

// Option customizes assembly.
type Option func(*assembly)

type assembly struct {
	logger   *zap.Logger
	registry *tools.DefaultRegistry
}

// WithLogger supplies a pre-built logger instead of one derived from the
// config's log section.
func WithLogger(l *zap.Logger) Option {
	return func(a *assembly) { a.logger = l }
}

// WithRegistry supplies a pre-populated tool registry. The builtin
// calculator and kb_search tools are still added when absent.
func WithRegistry(r *tools.DefaultRegistry) Option {
	return func(a *assembly) { a.registry = r }
}

// New assembles a Bot from configuration and an LLM provider.
func New(cfg config.Config, provider llm.Provider, opts ...Option) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var asm assembly
	for _, opt := range opts {
		opt(&asm)
	}

	logger := asm.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	sqlStore, err := memory.OpenSQLStore(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	index := memory.NewVectorIndex(memory.NewHashingEmbedder(0), logger)

	var cache *memory.SearchCache
	if cfg.Cache.Enabled {
		cache, err = memory.NewSearchCache(cfg.Cache.CacheConfig, logger)
		if err != nil {
			// The cache is an accelerator; the bot runs without it.
			logger.Warn("search cache unavailable, continuing without", zap.Error(err))
			cache = nil
		}
	}

	collector := metrics.NewCollector("dossier", logger)
	store := memory.NewStore(sqlStore, index, cache, collector, logger)

	registry := asm.registry
	if registry == nil {
		registry = tools.NewDefaultRegistry(logger)
	}
	if !registry.Has("calculator") {
		if err := tools.RegisterCalculator(registry); err != nil {
			return nil, err
		}
	}
	if !registry.Has("kb_search") {
		if err := tools.RegisterKBSearch(registry, store); err != nil {
			return nil, err
		}
	}

	traces := trace.NewWriter(cfg.Trace, logger)

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.MaxRetries = cfg.LLM.MaxRetries
	retryPolicy.OnRetry = func(int, error, time.Duration) { collector.RecordLLMRetry() }
	retryer := retry.NewBackoffRetryer(retryPolicy, logger)

	engine, err := agent.NewEngine(agent.EngineConfig{
		Profile: agent.Profile{
			Name:      cfg.Agent.Name,
			Persona:   cfg.Agent.Persona,
			Objective: cfg.Agent.Objective,
		},
		Model:              cfg.LLM.Model,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		LLMTimeout:         cfg.LLM.Timeout,
		MaxIterations:      cfg.Agent.MaxIterations,
		RetrievalTopK:      cfg.Agent.RetrievalTopK,
		HistoryLimit:       cfg.Agent.HistoryLimit,
		HistoryTokenBudget: cfg.Agent.HistoryTokenBudget,
	}, provider, registry, store,
		agent.WithLogger(logger),
		agent.WithMetrics(collector),
		agent.WithTraceWriter(traces),
		agent.WithRetryer(retryer),
		agent.WithAdmissionGate(agent.NewAdmissionGate(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)),
	)
	if err != nil {
		return nil, err
	}

	return &Bot{
		Engine:    engine,
		Stream:    stream.NewAdapter(engine, stream.WithLogger(logger)),
		Memory:    store,
		Registry:  registry,
		Logger:    logger,
		traces:    traces,
		telemetry: tel,
		cache:     cache,
	}, nil
}

// Close flushes traces and telemetry and releases the cache connection.
func (b *Bot) Close(ctx context.Context) error {
	var firstErr error
	if b.traces != nil {
		if err := b.traces.Close(); err != nil {
			firstErr = err
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.telemetry != nil {
		if err := b.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLogger builds a zap logger from the log configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
