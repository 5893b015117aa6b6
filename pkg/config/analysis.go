package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Scoring policies for the overall risk score.
const (
	ScoreMean     = "mean"
	ScoreWeighted = "weighted"
)

// AnalysisConfig holds the tunables of an analysis run.
type AnalysisConfig struct {
	Default   RouteTarget            `yaml:"default"`
	Stages    map[string]RouteTarget `yaml:"stages,omitempty"`
	Retry     RetryConfig            `yaml:"retry,omitempty"`
	RateLimit RateLimitConfig        `yaml:"rate_limit,omitempty"`
	Scheduler SchedulerConfig        `yaml:"scheduler,omitempty"`
	Scoring   ScoringConfig          `yaml:"scoring,omitempty"`
	Pricing   PricingConfig          `yaml:"pricing,omitempty"`
	Storage   StorageConfig          `yaml:"storage,omitempty"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// RetryConfig defines oracle retry and backoff behavior.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
	BudgetMs      int `yaml:"budget_ms,omitempty"`
	CallTimeoutMs int `yaml:"call_timeout_ms,omitempty"`
}

// RateLimitConfig bounds outbound oracle calls across all runs.
// A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// SchedulerConfig bounds a single run.
type SchedulerConfig struct {
	RunTimeoutMs      int `yaml:"run_timeout_ms,omitempty"`
	PlanningReserveMs int `yaml:"planning_reserve_ms,omitempty"`
	MaxConcurrency    int `yaml:"max_concurrency,omitempty"`
}

// ScoringConfig selects how leaf scores combine into the overall score.
type ScoringConfig struct {
	Policy  string             `yaml:"policy,omitempty"`
	Weights map[string]float64 `yaml:"weights,omitempty"`
}

// StorageConfig locates persisted runs and evidence bundles.
type StorageConfig struct {
	ArchiveDir  string `yaml:"archive_dir,omitempty"`
	EvidenceDir string `yaml:"evidence_dir,omitempty"`
	// KeyDir holds the ed25519 keys used to sign evidence attestations.
	KeyDir string `yaml:"key_dir,omitempty"`
}

// PricingConfig maps adapter -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// LoadAnalysisConfig reads analysis configuration from a YAML file.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAnalysisConfig(data)
}

// ParseAnalysisConfig decodes, defaults and validates an analysis config.
func ParseAnalysisConfig(data []byte) (*AnalysisConfig, error) {
	var cfg AnalysisConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse analysis config")
	}
	applyAnalysisDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultAnalysisConfig returns the default analysis configuration.
func DefaultAnalysisConfig() *AnalysisConfig {
	cfg := &AnalysisConfig{
		Default: RouteTarget{
			Adapter: "anthropic",
			Model:   "claude-sonnet-4-20250514",
		},
		Pricing: PricingConfig{
			"anthropic": {
				"claude-sonnet-4-20250514": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
				"claude-opus-4-20250514":   {PromptPer1K: 0.015, CompletionPer1K: 0.075},
			},
			"openai": {
				"gpt-4.1":      {PromptPer1K: 0.002, CompletionPer1K: 0.008},
				"gpt-4.1-mini": {PromptPer1K: 0.0004, CompletionPer1K: 0.0016},
			},
			"deepseek": {
				"default": {PromptPer1K: 0.00027, CompletionPer1K: 0.0011},
			},
		},
	}
	applyAnalysisDefaults(cfg)
	return cfg
}

// Target returns the adapter and model for a stage.
func (c *AnalysisConfig) Target(stage string) RouteTarget {
	target := c.Default
	if override, ok := c.Stages[stage]; ok {
		if override.Adapter != "" {
			target.Adapter = override.Adapter
			if override.Model == "" {
				target.Model = ""
			}
		}
		if override.Model != "" {
			target.Model = override.Model
		}
	}
	return target
}

// Validate checks values that defaults cannot repair.
func (c *AnalysisConfig) Validate() error {
	if c.Default.Adapter == "" {
		return errors.New("default adapter is required")
	}
	switch c.Scoring.Policy {
	case ScoreMean:
	case ScoreWeighted:
		if len(c.Scoring.Weights) == 0 {
			return errors.New("weighted scoring requires scoring.weights")
		}
		for stage, w := range c.Scoring.Weights {
			if w < 0 {
				return errors.Newf("scoring weight for %s must not be negative", stage)
			}
		}
	default:
		return errors.WithHint(
			errors.Newf("unknown scoring policy %q", c.Scoring.Policy),
			"use \"mean\" or \"weighted\"")
	}
	if c.Scheduler.PlanningReserveMs >= c.Scheduler.RunTimeoutMs {
		return errors.Newf("planning reserve (%dms) must be shorter than the run timeout (%dms)",
			c.Scheduler.PlanningReserveMs, c.Scheduler.RunTimeoutMs)
	}
	return nil
}

// Duration converts a millisecond setting.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyAnalysisDefaults(cfg *AnalysisConfig) {
	if cfg == nil {
		return
	}
	if cfg.Default.Adapter == "" {
		cfg.Default = RouteTarget{Adapter: "anthropic", Model: "claude-sonnet-4-20250514"}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 500
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 8000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	if cfg.Retry.BudgetMs == 0 {
		cfg.Retry.BudgetMs = 90_000
	}
	if cfg.Retry.CallTimeoutMs == 0 {
		cfg.Retry.CallTimeoutMs = 60_000
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.Scheduler.RunTimeoutMs == 0 {
		cfg.Scheduler.RunTimeoutMs = 300_000
	}
	if cfg.Scheduler.PlanningReserveMs == 0 {
		cfg.Scheduler.PlanningReserveMs = 90_000
	}
	if cfg.Scheduler.MaxConcurrency == 0 {
		cfg.Scheduler.MaxConcurrency = 4
	}
	if cfg.Scoring.Policy == "" {
		cfg.Scoring.Policy = ScoreMean
	}
}
