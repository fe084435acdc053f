// ============================================================================
// Arbor Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with built-in defaults
//
// Configuration sections:
//   - worker: worker command argv prefix and per-job timeout
//   - limits: recursion ledger ceilings (depth, totals, concurrency)
//   - results: result file directory for fire-and-forget polling
//   - archive: SQLite archive of terminal jobs
//   - api: HTTP callback surface for recursive spawns and observers
//
// Loading model:
//   Load starts from Default() and overlays only the fields present in
//   the YAML document, so partial config files are always valid. An empty
//   path means "defaults only"; a named file that cannot be read is an
//   error rather than a silent fallback.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/krizzo101/arbor/pkg/types"
)

// WorkerConfig controls how worker processes are invoked.
type WorkerConfig struct {
	// Command is the argv prefix; the task string is appended as the
	// final argument of every invocation.
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// ResultsConfig controls result file placement.
type ResultsConfig struct {
	Dir string `yaml:"dir"`
}

// ArchiveConfig controls the terminal job archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig controls the HTTP surface (REST, websocket feed, /metrics).
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the complete orchestrator configuration.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Limits  types.Limits  `yaml:"limits"`
	Results ResultsConfig `yaml:"results"`
	Archive ArchiveConfig `yaml:"archive"`
	API     APIConfig     `yaml:"api"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Worker.Command = []string{"claude", "-p"}
	cfg.Worker.TimeoutSeconds = 300
	cfg.Limits = types.Limits{
		MaxDepth:             3,
		MaxTotalJobs:         50,
		MaxChildrenPerParent: 5,
		DefaultConcurrent:    8,
	}
	cfg.Results.Dir = "data/results"
	cfg.Archive.Enabled = true
	cfg.Archive.Path = "data/arbor.db"
	cfg.API.Enabled = true
	cfg.API.Addr = "127.0.0.1:7410"
	return cfg
}

// Load reads a YAML file over the built-in defaults.
//
// An empty path returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// JobTimeout returns the per-job deadline as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if len(c.Worker.Command) == 0 {
		return errors.New("worker.command must name an executable")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return errors.New("worker.timeout_seconds must be positive")
	}
	if c.Limits.MaxDepth < 0 {
		return errors.New("limits.max_depth must not be negative")
	}
	if c.Limits.MaxTotalJobs < 1 {
		return errors.New("limits.max_total_jobs must be at least 1")
	}
	if c.Limits.MaxChildrenPerParent < 1 {
		return errors.New("limits.max_children_per_parent must be at least 1")
	}
	if c.Limits.DefaultConcurrent < 1 {
		return errors.New("limits.default_concurrent must be at least 1")
	}
	for depth, n := range c.Limits.MaxConcurrentPerDepth {
		if depth < 0 {
			return fmt.Errorf("limits.max_concurrent_per_depth: depth %d must not be negative", depth)
		}
		if n < 1 {
			return fmt.Errorf("limits.max_concurrent_per_depth[%d] must be at least 1", depth)
		}
	}
	if c.Results.Dir == "" {
		return errors.New("results.dir must not be empty")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return errors.New("archive.path must not be empty when the archive is enabled")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return errors.New("api.addr must not be empty when the API is enabled")
	}
	return nil
}
