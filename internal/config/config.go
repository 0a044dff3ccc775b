package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/l3aro/go-taint-flow/internal/log"
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/flow"
)

// Config holds all configuration for go-taint-flow
type Config struct {
	// Database is the SQLite file holding the control flow relations
	Database string `yaml:"database" env:"GTF_DATABASE"`

	// Search ceilings
	MaxPaths      int `yaml:"max_paths" env:"GTF_MAX_PATHS"`
	MaxDepth      int `yaml:"max_depth" env:"GTF_MAX_DEPTH"`
	MaxHops       int `yaml:"max_hops" env:"GTF_MAX_HOPS"`
	MaxPathLength int `yaml:"max_path_length" env:"GTF_MAX_PATH_LENGTH"`
	MaxExpansions int `yaml:"max_expansions" env:"GTF_MAX_EXPANSIONS"`

	// Budget is the wall-clock ceiling of one propagation pass
	Budget time.Duration `yaml:"budget" env:"GTF_BUDGET"`

	// Memory cache
	UseCache             bool    `yaml:"use_cache" env:"GTF_USE_CACHE"`
	RequireCache         bool    `yaml:"require_cache" env:"GTF_REQUIRE_CACHE"`
	MemoryBudgetFraction float64 `yaml:"memory_budget_fraction" env:"GTF_MEMORY_BUDGET_FRACTION"`
	MemoryBudgetBytes    uint64  `yaml:"memory_budget_bytes" env:"GTF_MEMORY_BUDGET_BYTES"`

	// Workers is the number of pairs analyzed concurrently
	Workers int `yaml:"workers" env:"GTF_WORKERS"`

	// FlowSensitive drops paths on which sanitizers or reassignments clear
	// the taint before the sink
	FlowSensitive bool `yaml:"flow_sensitive" env:"GTF_FLOW_SENSITIVE"`

	// Logging
	LogLevel string `yaml:"log_level" env:"GTF_LOG_LEVEL"`
	LogJSON  bool   `yaml:"log_json" env:"GTF_LOG_JSON"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database:             "repo_index.db",
		MaxPaths:             100,
		MaxDepth:             5,
		MaxHops:              10,
		MaxPathLength:        200,
		MaxExpansions:        100000,
		Budget:               10 * time.Minute,
		UseCache:             true,
		RequireCache:         false,
		MemoryBudgetFraction: 0.6,
		MemoryBudgetBytes:    0,
		Workers:              1,
		FlowSensitive:        true,
		LogLevel:             "info",
		LogJSON:              false,
	}
}

// GlobalConfigFilePath returns the global config file path (~/.gtf/config.yaml)
func GlobalConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gtf/config.yaml"
	}
	return filepath.Join(home, ".gtf", "config.yaml")
}

// ProjectConfigFilePath returns the project-level config file path (./.gtf/config.yaml)
func ProjectConfigFilePath() string {
	return filepath.Join(".gtf", "config.yaml")
}

// Load reads configuration with the following priority (highest to lowest):
// 1. Project-level config (./.gtf/config.yaml)
// 2. Environment variables
// 3. Global config (~/.gtf/config.yaml)
// 4. Defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	globalConfigPath := GlobalConfigFilePath()
	if err := mergeFile(cfg, globalConfigPath); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// the project file wins over the environment
	if err := mergeFile(cfg, ProjectConfigFilePath()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFile overlays the YAML file at path onto cfg. A missing file is not
// an error.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromFile reads configuration from a specific YAML file path
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the specified YAML file path.
// It creates parent directories if they don't exist.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// A malformed value is an error rather than being ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("GTF_DATABASE"); v != "" {
		cfg.Database = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"GTF_MAX_PATHS", &cfg.MaxPaths},
		{"GTF_MAX_DEPTH", &cfg.MaxDepth},
		{"GTF_MAX_HOPS", &cfg.MaxHops},
		{"GTF_MAX_PATH_LENGTH", &cfg.MaxPathLength},
		{"GTF_MAX_EXPANSIONS", &cfg.MaxExpansions},
		{"GTF_WORKERS", &cfg.Workers},
	}
	for _, o := range ints {
		if v := os.Getenv(o.env); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = i
		}
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"GTF_USE_CACHE", &cfg.UseCache},
		{"GTF_REQUIRE_CACHE", &cfg.RequireCache},
		{"GTF_LOG_JSON", &cfg.LogJSON},
		{"GTF_FLOW_SENSITIVE", &cfg.FlowSensitive},
	}
	for _, o := range bools {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = parseBool(v)
		}
	}

	if v := os.Getenv("GTF_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GTF_BUDGET: %w", err)
		}
		cfg.Budget = d
	}
	if v := os.Getenv("GTF_MEMORY_BUDGET_FRACTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GTF_MEMORY_BUDGET_FRACTION: %w", err)
		}
		cfg.MemoryBudgetFraction = f
	}
	if v := os.Getenv("GTF_MEMORY_BUDGET_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GTF_MEMORY_BUDGET_BYTES: %w", err)
		}
		cfg.MemoryBudgetBytes = n
	}
	if v := os.Getenv("GTF_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

// Validate checks that the configuration has valid required fields
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}

	for _, f := range []struct {
		name  string
		value int
	}{
		{"max_paths", c.MaxPaths},
		{"max_depth", c.MaxDepth},
		{"max_hops", c.MaxHops},
		{"max_path_length", c.MaxPathLength},
		{"max_expansions", c.MaxExpansions},
	} {
		if f.value < 0 {
			return fmt.Errorf("%s must be non-negative", f.name)
		}
	}

	if c.Budget < 0 {
		return fmt.Errorf("budget must be non-negative")
	}
	if c.MemoryBudgetFraction <= 0 || c.MemoryBudgetFraction > 1 {
		return fmt.Errorf("memory_budget_fraction must be in (0, 1]")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.RequireCache && !c.UseCache {
		return fmt.Errorf("require_cache needs use_cache")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Level returns the configured log level. Validate has already rejected
// unknown names.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}

// Limits returns the search ceilings.
func (c *Config) Limits() flow.Limits {
	return flow.Limits{
		MaxPaths:      c.MaxPaths,
		MaxDepth:      c.MaxDepth,
		MaxHops:       c.MaxHops,
		MaxPathLength: c.MaxPathLength,
		MaxExpansions: c.MaxExpansions,
	}
}

// CacheOptions returns the memory cache budget settings.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		BudgetBytes:    c.MemoryBudgetBytes,
		BudgetFraction: c.MemoryBudgetFraction,
	}
}
