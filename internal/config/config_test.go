package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("GROQ_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Memory.Backend)
	assert.Equal(t, 7*24*time.Hour, cfg.Memory.Window())
	assert.Equal(t, 2, cfg.Memory.LowSpecificityThreshold)
	assert.Len(t, cfg.Tiers, 5)
	assert.Equal(t, tier.DefaultLevels(), cfg.Levels())

	require.Len(t, cfg.Providers, 3)
	assert.Equal(t, "gemini", cfg.Providers[0].Name)
	assert.Equal(t, "g-key", cfg.Providers[0].APIKey.Value())
	assert.False(t, cfg.Providers[1].APIKey.IsSet())
	assert.Equal(t, "extractive", cfg.Providers[2].Type)
	assert.False(t, cfg.Telegram.Enabled())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
memory:
  window_days: 3
  lock_timeout: 2s
chain:
  concurrency: 2
tiers:
  - {name: skip, lower_bound: 0}
  - {name: brief, lower_bound: 50, max_tokens: 200, max_duration: 10s}
providers:
  - name: local
    type: ollama
    model: llama3.1
    priority: 1
  - name: fallback
    type: extractive
    priority: 2
`)
	t.Setenv("TIA_CHAIN_CONCURRENCY", "6")
	t.Setenv("TIA_MEMORY_WINDOW_DAYS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Memory.WindowDays)
	assert.Equal(t, 2*time.Second, cfg.Memory.LockTimeout)
	assert.Equal(t, 6, cfg.Chain.Concurrency)

	levels := cfg.Levels()
	require.Len(t, levels, 2)
	assert.Equal(t, 50, levels[1].LowerBound)
	assert.Equal(t, 200, levels[1].Budget.MaxTokens)
	assert.Equal(t, 10*time.Second, levels[1].Budget.MaxDuration)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "local", cfg.Providers[0].Backend().Name)
	assert.Equal(t, time.Second, cfg.Providers[0].BaseBackoff)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"gap at zero", func(c *Config) { c.Tiers[0].LowerBound = 5 }},
		{"bounds not increasing", func(c *Config) { c.Tiers[2].LowerBound = c.Tiers[1].LowerBound }},
		{"duplicate provider", func(c *Config) { c.Providers[1].Name = c.Providers[0].Name }},
		{"unknown provider type", func(c *Config) { c.Providers[0].Type = "carrier-pigeon" }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"postgres without dsn", func(c *Config) { c.Memory.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Memory.Backend = "redis" }},
		{"bad pattern", func(c *Config) { c.Memory.HighSpecificityPatterns = []string{"(cve"} }},
		{"zero concurrency", func(c *Config) { c.Chain.Concurrency = 0 }},
		{"weights", func(c *Config) { c.Scoring.Weights.HitRate = 0.9 }},
		{"backoff order", func(c *Config) { c.Providers[0].MaxBackoff = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "memory:\n  backend: postgres\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestLoad_DebugForcesLogLevel(t *testing.T) {
	t.Setenv("DEBUG", "true")

	cfg, err := Load(writeConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "memory.window_days", envKey("TIA_MEMORY_WINDOW_DAYS"))
	assert.Equal(t, "output.dir", envKey("TIA_OUTPUT_DIR"))
	assert.Equal(t, "debug", envKey("TIA_DEBUG"))
}

func TestSecret(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(b))

	assert.Equal(t, "", Secret("").String())
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "tia.yaml"))
	require.NoError(t, err)

	assert.Equal(t, tier.DefaultLevels(), cfg.Levels())
	require.Len(t, cfg.Providers, 4)
	assert.Equal(t, "ollama", cfg.Providers[2].Type)
	assert.Equal(t, 200, cfg.Providers[0].MaxRequests)
	assert.Empty(t, cfg.Memory.HighSpecificityPatterns)
}
