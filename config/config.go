// Package config loads the agent configuration.
//
// Precedence: built-in defaults, then the YAML file, then environment
// variables prefixed with DOSSIER_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dossierbot/dossier/internal/telemetry"
	"github.com/dossierbot/dossier/memory"
	"github.com/dossierbot/dossier/trace"
)

// Config is the complete agent configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	LLM       LLMConfig        `yaml:"llm"`
	Database  memory.SQLConfig `yaml:"database"`
	Cache     CacheConfig      `yaml:"cache"`
	Trace     trace.Config     `yaml:"trace"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// AgentConfig tunes the reasoning cycle.
type AgentConfig struct {
	Name          string `yaml:"name"`
	Persona       string `yaml:"persona"`
	Objective     string `yaml:"objective"`
	MaxIterations int    `yaml:"max_iterations"`
	RetrievalTopK int    `yaml:"retrieval_top_k"`
	HistoryLimit  int    `yaml:"history_limit"`
	// HistoryTokenBudget bounds prompt assembly; 0 disables token trimming.
	HistoryTokenBudget int `yaml:"history_token_budget"`
}

// LLMConfig tunes provider calls.
type LLMConfig struct {
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// CacheConfig enables the optional redis search cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	memory.CacheConfig `yaml:",inline"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level       string `yaml:"level"`       // debug/info/warn/error
	Development bool   `yaml:"development"` // human-readable console output
}

// RateLimitConfig tunes the per-conversation admission token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name: "DossierOutreachAgent",
			Persona: "Calm, analytical research strategist that plans first, cites sources, " +
				"writes crisp briefings, and drafts professional outreach emails on request.",
			Objective: "Produce competitive/company/topic briefings with concrete facts and citations. " +
				"When asked, draft an outreach email and save artifacts to disk.",
			MaxIterations:      6,
			RetrievalTopK:      4,
			HistoryLimit:       20,
			HistoryTokenBudget: 6000,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o",
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
		},
		Database:  memory.DefaultSQLConfig(),
		Cache:     CacheConfig{CacheConfig: memory.DefaultCacheConfig()},
		Trace:     trace.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 30, Burst: 5},
	}
}

// Load reads path (optional) over the defaults and applies env overrides.
// An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.RetrievalTopK < 0 {
		return fmt.Errorf("agent.retrieval_top_k must not be negative")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql")
	}
	return nil
}

func applyEnv(cfg *Config) {
	envString("DOSSIER_AGENT_NAME", &cfg.Agent.Name)
	envInt("DOSSIER_AGENT_MAX_ITERATIONS", &cfg.Agent.MaxIterations)
	envInt("DOSSIER_AGENT_RETRIEVAL_TOP_K", &cfg.Agent.RetrievalTopK)
	envInt("DOSSIER_AGENT_HISTORY_LIMIT", &cfg.Agent.HistoryLimit)

	envString("DOSSIER_LLM_MODEL", &cfg.LLM.Model)
	envInt("DOSSIER_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	envDuration("DOSSIER_LLM_TIMEOUT", &cfg.LLM.Timeout)

	envString("DOSSIER_DATABASE_DRIVER", &cfg.Database.Driver)
	envString("DOSSIER_DATABASE_DSN", &cfg.Database.DSN)

	envBool("DOSSIER_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("DOSSIER_CACHE_ADDR", &cfg.Cache.Addr)

	envString("DOSSIER_TRACE_DIR", &cfg.Trace.Dir)
	envBool("DOSSIER_TRACE_DISABLED", &cfg.Trace.Disabled)

	envBool("DOSSIER_TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	envString("DOSSIER_TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	envString("DOSSIER_LOG_LEVEL", &cfg.Log.Level)
	envInt("DOSSIER_RATE_LIMIT_RPM", &cfg.RateLimit.RequestsPerMinute)
	envInt("DOSSIER_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
}

func envString(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envDuration(key string, target *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
