// Package config holds all codelens configuration, loaded from YAML with
// sane defaults and a small set of environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheStrategy selects the cache tier arrangement.
type CacheStrategy string

const (
	CacheMemory CacheStrategy = "memory"
	CacheRemote CacheStrategy = "remote"
	CacheHybrid CacheStrategy = "hybrid"
)

// Config holds all codelens configuration.
type Config struct {
	Workspace  string           `yaml:"workspace"`
	Cache      CacheConfig      `yaml:"cache"`
	Layers     LayersConfig     `yaml:"layers"`
	Database   DatabaseConfig   `yaml:"database"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Learning   LearningConfig   `yaml:"learning"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
	Team       TeamConfig       `yaml:"team"`
	Watch      WatchConfig      `yaml:"watch"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CacheConfig configures the two-tier cache service.
type CacheConfig struct {
	Strategy CacheStrategy     `yaml:"strategy"`
	Memory   MemoryTierConfig  `yaml:"memory"`
	Remote   *RemoteTierConfig `yaml:"remote,omitempty"`
}

// MemoryTierConfig configures the in-process LRU tier.
type MemoryTierConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// RemoteTierConfig configures the Redis-backed remote tier.
type RemoteTierConfig struct {
	Host       string `yaml:"host"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// LayersConfig sets per-layer time budgets in milliseconds.
type LayersConfig struct {
	FastTextBudgetMs    int `yaml:"fast_text_budget_ms"`
	StructuralBudgetMs  int `yaml:"structural_budget_ms"`
	OntologyBudgetMs    int `yaml:"ontology_budget_ms"`
	PatternBudgetMs     int `yaml:"pattern_budget_ms"`
	PropagationBudgetMs int `yaml:"propagation_budget_ms"`
}

// DatabaseConfig configures the embedded SQLite store.
type DatabaseConfig struct {
	Path              string `yaml:"path"`
	MaxConnections    int    `yaml:"max_connections"`
	BusyTimeoutMs     int    `yaml:"busy_timeout_ms"`
	EnableWAL         bool   `yaml:"enable_wal"`
	EnableForeignKeys bool   `yaml:"enable_foreign_keys"`
}

// MonitoringConfig configures the metrics collector.
type MonitoringConfig struct {
	Enabled           bool `yaml:"enabled"`
	MetricsIntervalMs int  `yaml:"metrics_interval_ms"`
}

// MetricsInterval returns the periodic report interval.
func (m MonitoringConfig) MetricsInterval() time.Duration {
	return time.Duration(m.MetricsIntervalMs) * time.Millisecond
}

// LearningConfig configures the learning orchestrator.
type LearningConfig struct {
	EnabledComponents       []string `yaml:"enabled_components"`
	MaxLearningTimeMs       int      `yaml:"max_learning_time_ms"`
	MaxPipelineTimeMs       int      `yaml:"max_pipeline_time_ms"`
	MaxConcurrentOperations int      `yaml:"max_concurrent_operations"`
	RetentionDays           int      `yaml:"retention_days"`
}

// MaxLearningTime returns the per-operation deadline.
func (l LearningConfig) MaxLearningTime() time.Duration {
	return time.Duration(l.MaxLearningTimeMs) * time.Millisecond
}

// MaxPipelineTime returns the per-pipeline deadline.
func (l LearningConfig) MaxPipelineTime() time.Duration {
	return time.Duration(l.MaxPipelineTimeMs) * time.Millisecond
}

// FeedbackConfig configures the feedback loop.
type FeedbackConfig struct {
	MinToLearn          int     `yaml:"min_to_learn"`
	WeakThreshold       float64 `yaml:"weak_threshold"`
	StrongThreshold     float64 `yaml:"strong_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// EvolutionConfig configures evolution pattern detection.
type EvolutionConfig struct {
	MinOccurrences    int     `yaml:"min_occurrences"`
	MinConfidence     float64 `yaml:"min_confidence"`
	MaxPatternAgeDays int     `yaml:"max_pattern_age_days"`
}

// TeamConfig configures the team-knowledge state machine.
type TeamConfig struct {
	MinValidators     int     `yaml:"min_validators"`
	MinApprovalScore  float64 `yaml:"min_approval_score"`
	AdoptionThreshold int     `yaml:"adoption_threshold"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	IgnoreDirs []string `yaml:"ignore_dirs"`
	DebounceMs int      `yaml:"debounce_ms"`
}

// ServerConfig configures the REST adapter.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// Default returns the configuration defaults documented in the config
// reference. Callers overlay loaded YAML on top of this.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Strategy: CacheMemory,
			Memory:   MemoryTierConfig{MaxEntries: 1000, TTLSeconds: 300},
		},
		Layers: LayersConfig{
			FastTextBudgetMs:    5,
			StructuralBudgetMs:  50,
			OntologyBudgetMs:    10,
			PatternBudgetMs:     10,
			PropagationBudgetMs: 20,
		},
		Database: DatabaseConfig{
			Path:              ".codelens/codelens.db",
			MaxConnections:    10,
			BusyTimeoutMs:     5000,
			EnableWAL:         true,
			EnableForeignKeys: true,
		},
		Monitoring: MonitoringConfig{Enabled: true, MetricsIntervalMs: 60000},
		Learning: LearningConfig{
			EnabledComponents:       []string{"feedback", "evolution", "team"},
			MaxLearningTimeMs:       30000,
			MaxPipelineTimeMs:       120000,
			MaxConcurrentOperations: 3,
			RetentionDays:           30,
		},
		Feedback: FeedbackConfig{
			MinToLearn:          5,
			WeakThreshold:       0.3,
			StrongThreshold:     0.8,
			SimilarityThreshold: 0.7,
		},
		Evolution: EvolutionConfig{
			MinOccurrences:    3,
			MinConfidence:     0.6,
			MaxPatternAgeDays: 90,
		},
		Team: TeamConfig{
			MinValidators:     2,
			MinApprovalScore:  3.0,
			AdoptionThreshold: 3,
		},
		Watch: WatchConfig{
			Enabled:    false,
			IgnoreDirs: []string{".git", "node_modules", ".codelens", "vendor"},
			DebounceMs: 200,
		},
		Server:  ServerConfig{Addr: ":7420"},
		Logging: LoggingConfig{DebugMode: false, Level: "info"},
	}
}

// Load reads configuration from path, overlaying it on defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CODELENS_-prefixed environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODELENS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CODELENS_REDIS_HOST"); v != "" {
		if cfg.Cache.Remote == nil {
			cfg.Cache.Remote = &RemoteTierConfig{TTLSeconds: cfg.Cache.Memory.TTLSeconds}
		}
		cfg.Cache.Remote.Host = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Cache.Strategy {
	case CacheMemory, CacheRemote, CacheHybrid:
	default:
		return fmt.Errorf("invalid cache strategy %q", c.Cache.Strategy)
	}
	if (c.Cache.Strategy == CacheRemote || c.Cache.Strategy == CacheHybrid) && c.Cache.Remote == nil {
		return fmt.Errorf("cache strategy %q requires cache.remote configuration", c.Cache.Strategy)
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database.max_connections must be positive")
	}
	if c.Learning.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("learning.max_concurrent_operations must be positive")
	}
	return nil
}

// DatabasePath resolves the database path against the workspace.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) || c.Workspace == "" {
		return c.Database.Path
	}
	return filepath.Join(c.Workspace, c.Database.Path)
}
