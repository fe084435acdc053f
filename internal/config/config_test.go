package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"claude", "-p"}, cfg.Worker.Command)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 3, cfg.Limits.MaxDepth)
	assert.Equal(t, 50, cfg.Limits.MaxTotalJobs)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "worker: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

// TestLoadOverlay verifies that partial files override only what they name
func TestLoadOverlay(t *testing.T) {
	path := writeConfig(t, `
worker:
  command: ["/usr/local/bin/agent", "--print"]
limits:
  max_depth: 5
  max_concurrent_per_depth:
    0: 2
    1: 6
api:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden fields
	assert.Equal(t, []string{"/usr/local/bin/agent", "--print"}, cfg.Worker.Command)
	assert.Equal(t, 5, cfg.Limits.MaxDepth)
	assert.Equal(t, map[int]int{0: 2, 1: 6}, cfg.Limits.MaxConcurrentPerDepth)
	assert.False(t, cfg.API.Enabled)

	// Untouched fields keep their defaults
	assert.Equal(t, 300, cfg.Worker.TimeoutSeconds)
	assert.Equal(t, 50, cfg.Limits.MaxTotalJobs)
	assert.Equal(t, "data/results", cfg.Results.Dir)
	assert.True(t, cfg.Archive.Enabled)
}

func TestConcurrencyLookup(t *testing.T) {
	path := writeConfig(t, `
limits:
  default_concurrent: 4
  max_concurrent_per_depth:
    2: 9
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Limits.ConcurrencyAt(2))
	assert.Equal(t, 4, cfg.Limits.ConcurrencyAt(0), "depths without overrides use the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty worker command", func(c *Config) { c.Worker.Command = nil }},
		{"zero timeout", func(c *Config) { c.Worker.TimeoutSeconds = 0 }},
		{"negative depth", func(c *Config) { c.Limits.MaxDepth = -1 }},
		{"zero total jobs", func(c *Config) { c.Limits.MaxTotalJobs = 0 }},
		{"zero children", func(c *Config) { c.Limits.MaxChildrenPerParent = 0 }},
		{"zero default concurrency", func(c *Config) { c.Limits.DefaultConcurrent = 0 }},
		{"negative per-depth key", func(c *Config) {
			c.Limits.MaxConcurrentPerDepth = map[int]int{-1: 3}
		}},
		{"zero per-depth ceiling", func(c *Config) {
			c.Limits.MaxConcurrentPerDepth = map[int]int{0: 0}
		}},
		{"empty results dir", func(c *Config) { c.Results.Dir = "" }},
		{"archive enabled without path", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Path = ""
		}},
		{"api enabled without addr", func(c *Config) {
			c.API.Enabled = true
			c.API.Addr = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateDisabledSectionsSkipPaths(t *testing.T) {
	cfg := Default()
	cfg.Archive.Enabled = false
	cfg.Archive.Path = ""
	cfg.API.Enabled = false
	cfg.API.Addr = ""
	assert.NoError(t, cfg.Validate())
}
