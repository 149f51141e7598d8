// Package config defines the proxy's typed configuration and its one-shot
// YAML loader (spec §6's enumerated knobs). Config hot-reload is an
// explicit Non-goal: Load is called once at startup, the same shape the
// teacher's config.Config uses before its own hot-reload manager wraps it.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document (on-disk: YAML).
type Config struct {
	Server              ServerConfig              `yaml:"server"`
	Keys                []KeyEntry                `yaml:"apiKeys"`
	CircuitBreaker      CircuitBreakerConfig       `yaml:"circuitBreaker"`
	RateLimit           RateLimitConfig            `yaml:"rateLimit"`
	PoolCooldown        PoolCooldownConfig         `yaml:"poolCooldown"`
	AdaptiveConcurrency AdaptiveConcurrencyConfig  `yaml:"adaptiveConcurrency"`
	ModelRouting        ModelRoutingConfig         `yaml:"modelRouting"`
	MaxRetries          int                        `yaml:"maxRetries"`
	Logging             LoggingConfig              `yaml:"logging"`
}

// ServerConfig covers listen/upstream endpoint and I/O bounds.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	Host             string        `yaml:"host"`
	TargetHost       string        `yaml:"targetHost"`
	TargetBasePath   string        `yaml:"targetBasePath"`
	AuthHeader       string        `yaml:"authHeader"`
	MaxBodySize      int64         `yaml:"maxBodySize"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	KeepAliveTimeout time.Duration `yaml:"keepAliveTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`

	MaxConcurrencyPerKey int `yaml:"maxConcurrencyPerKey"`
	MaxInFlight          int `yaml:"maxInFlight"`
	QueueMaxSize         int `yaml:"queueMaxSize"`
	QueueTimeoutMs       int `yaml:"queueTimeout"`

	// AttemptTimeoutMs is the initial per-attempt upstream timeout (spec
	// §4.8 step b, "timeout = adaptiveTimeout.initialMs"); it grows across
	// retries but is always capped by the remaining time under
	// RequestTimeout, the overall per-request deadline.
	AttemptTimeoutMs int64 `yaml:"attemptTimeoutMs"`
}

// KeyEntry is one configured upstream credential.
type KeyEntry struct {
	ID         string `yaml:"id"`
	Credential string `yaml:"credential"`
	Provider   string `yaml:"provider"`
}

// CircuitBreakerConfig mirrors spec §6's circuitBreaker.* knobs.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	CooldownMs       time.Duration `yaml:"cooldownMs"`
	MaxCooldownMs    time.Duration `yaml:"maxCooldownMs"`
	SlowLatencyMs    int64         `yaml:"slowLatencyMs"`
	SlowSampleRun    int           `yaml:"slowSampleRun"`
	MinSamples       int           `yaml:"minSamples"`
}

// RateLimitConfig is the per-key token-bucket tuning.
type RateLimitConfig struct {
	RateLimitPerMinute float64 `yaml:"rateLimitPerMinute"`
	RateLimitBurst     int     `yaml:"rateLimitBurst"`
}

// PoolCooldownConfig mirrors spec §6's poolCooldown.* knobs.
type PoolCooldownConfig struct {
	BaseMs           int64 `yaml:"baseMs"`
	CapMs            int64 `yaml:"capMs"`
	DecayMs          int64 `yaml:"decayMs"`
	RetryJitterMs    int64 `yaml:"retryJitterMs"`
	SleepThresholdMs int64 `yaml:"sleepThresholdMs"`
}

// AdaptiveConcurrencyConfig mirrors spec §6's adaptiveConcurrency.* knobs.
type AdaptiveConcurrencyConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Mode                   string  `yaml:"mode"`
	MinConcurrency         int64   `yaml:"minConcurrency"`
	HardMax                int64   `yaml:"hardMax"`
	MultiplicativeDecrease float64 `yaml:"multiplicativeDecrease"`
	AdditiveIncrease       int64   `yaml:"additiveIncrease"`
	SampleWindowMs         int64   `yaml:"sampleWindowMs"`
}

// ModelRoutingConfig mirrors spec §6's modelRouting.* knobs.
type ModelRoutingConfig struct {
	Enabled           bool                    `yaml:"enabled"`
	Version           string                  `yaml:"version"`
	ClientModelPolicy string                  `yaml:"clientModelPolicy"`
	Tiers             []TierConfig            `yaml:"tiers"`
	Rules             []RuleConfig            `yaml:"rules"`
	ComplexityUpgrade ComplexityUpgradeConfig `yaml:"complexityUpgrade"`
	Failover          FailoverConfig          `yaml:"failover"`
	Cooldown          CooldownKnobs           `yaml:"cooldown"`
}

// TierConfig is one modelRouting.tiers[] entry.
type TierConfig struct {
	Name     string        `yaml:"name"`
	Strategy string        `yaml:"strategy"`
	Models   []ModelConfig `yaml:"models"`
}

// ModelConfig is one catalog model entry within a tier.
type ModelConfig struct {
	ID      string `yaml:"id"`
	HardMax int64  `yaml:"hardMax"`
}

// MatchConfig is one rule's match criteria, all pointers so "absent" is
// distinguishable from the zero value.
type MatchConfig struct {
	Model           string `yaml:"model"`
	HasTools        *bool  `yaml:"hasTools"`
	HasVision       *bool  `yaml:"hasVision"`
	MaxTokensGte    *int   `yaml:"maxTokensGte"`
	MessageCountGte *int   `yaml:"messageCountGte"`
	SystemLengthGte *int   `yaml:"systemLengthGte"`
}

// RuleConfig is one modelRouting.rules[] entry.
type RuleConfig struct {
	Match    MatchConfig `yaml:"match"`
	Tier     string      `yaml:"tier"`
	CatchAll bool        `yaml:"catchAll"`
}

// ComplexityUpgradeConfig mirrors spec §4.4's complexityUpgrade knobs.
type ComplexityUpgradeConfig struct {
	Enabled         bool     `yaml:"enabled"`
	AllowedFamilies []string `yaml:"allowedFamilies"`
	HasTools        *bool    `yaml:"hasTools"`
	HasVision       *bool    `yaml:"hasVision"`
	MaxTokensGte    *int     `yaml:"maxTokensGte"`
	MessageCountGte *int     `yaml:"messageCountGte"`
	SystemLengthGte *int     `yaml:"systemLengthGte"`
}

// FailoverConfig mirrors spec §6's modelRouting.failover.* knobs.
type FailoverConfig struct {
	Enabled                    bool  `yaml:"enabled"`
	MaxModelSwitchesPerRequest int   `yaml:"maxModelSwitchesPerRequest"`
	ColdStartMs                int64 `yaml:"coldStartMs"`
}

// CooldownKnobs mirrors spec §6's modelRouting.cooldown.* knobs.
type CooldownKnobs struct {
	BaseMs  int64 `yaml:"baseMs"`
	CapMs   int64 `yaml:"capMs"`
	DecayMs int64 `yaml:"decayMs"`
}

// LoggingConfig controls the slog handler (ambient stack, carried
// regardless of Non-goals).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns a Config with the same production defaults documented
// throughout the component packages.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                 8080,
			Host:                 "0.0.0.0",
			AuthHeader:           "x-api-key",
			MaxBodySize:          1 << 20,
			RequestTimeout:       120 * time.Second,
			KeepAliveTimeout:     90 * time.Second,
			ShutdownTimeout:      30 * time.Second,
			MaxConcurrencyPerKey: 50,
			MaxInFlight:          200,
			QueueMaxSize:         500,
			QueueTimeoutMs:       5000,
			AttemptTimeoutMs:     10_000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			CooldownMs:       time.Second,
			MaxCooldownMs:    60 * time.Second,
			SlowLatencyMs:    8000,
			SlowSampleRun:    5,
			MinSamples:       20,
		},
		RateLimit: RateLimitConfig{RateLimitPerMinute: 6000, RateLimitBurst: 100},
		PoolCooldown: PoolCooldownConfig{
			BaseMs: 2000, CapMs: 30_000, DecayMs: 10_000, RetryJitterMs: 500, SleepThresholdMs: 3000,
		},
		AdaptiveConcurrency: AdaptiveConcurrencyConfig{
			Enabled: true, Mode: "enforce", MinConcurrency: 1, HardMax: 100,
			MultiplicativeDecrease: 0.7, AdditiveIncrease: 1, SampleWindowMs: 10_000,
		},
		MaxRetries: 2,
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses a YAML config file at path, merged over Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// A second, strict decode only detects unknown fields and logs them;
	// it never rejects the file.
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	if err := strict.Decode(Default()); err != nil && err != io.EOF {
		slog.Warn("config: ignoring unknown or mismatched fields", "path", path, "error", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants the loader can't enforce via types
// alone: a required catch-all routing rule, a non-negative queue cap, a
// positive in-flight cap, and at least one configured key.
func (c *Config) Validate() error {
	if len(c.Keys) == 0 {
		return fmt.Errorf("config: at least one apiKeys entry is required")
	}
	if c.Server.QueueMaxSize < 0 {
		return fmt.Errorf("config: server.queueMaxSize must be >= 0")
	}
	if c.Server.MaxInFlight <= 0 {
		return fmt.Errorf("config: server.maxInFlight must be > 0")
	}
	if c.ModelRouting.Enabled {
		hasCatchAll := false
		for _, r := range c.ModelRouting.Rules {
			if r.CatchAll {
				hasCatchAll = true
			}
		}
		if !hasCatchAll {
			return fmt.Errorf("config: modelRouting.rules requires a catch-all entry")
		}
		seen := make(map[string]bool)
		for _, t := range c.ModelRouting.Tiers {
			seen[t.Name] = true
		}
		for _, r := range c.ModelRouting.Rules {
			if r.Tier != "" && !seen[r.Tier] {
				return fmt.Errorf("config: rule references undefined tier %q", r.Tier)
			}
		}
	}
	return nil
}
