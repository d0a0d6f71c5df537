// Package config holds the run configuration. It is loaded once by cmd/tia and passed
// down; no other package reads the environment.
package config

import (
	"time"

	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Memory     MemoryConfig     `koanf:"memory"`
	Sources    SourcesConfig    `koanf:"sources"`
	Scoring    scoring.Config   `koanf:"scoring"`
	Tiers      []TierConfig     `koanf:"tiers" validate:"dive"`
	Providers  []ProviderConfig `koanf:"providers" validate:"dive"`
	Chain      ChainConfig      `koanf:"chain"`
	Scrape     ScrapeConfig     `koanf:"scrape"`
	Output     OutputConfig     `koanf:"output"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	File   string `koanf:"file"`
}

// MemoryConfig configures the dedup memory.
type MemoryConfig struct {
	Backend                 string        `koanf:"backend" validate:"oneof=file postgres"`
	Path                    string        `koanf:"path"`
	WindowDays              int           `koanf:"window_days" validate:"gte=1,lte=365"`
	LockTimeout             time.Duration `koanf:"lock_timeout"`
	PostgresDSN             Secret        `koanf:"postgres_dsn"`
	LowSpecificityThreshold int           `koanf:"low_specificity_threshold" validate:"gte=1"`
	HighSpecificityPatterns []string      `koanf:"high_specificity_patterns"`
}

// Window returns the dedup window as a duration.
func (m MemoryConfig) Window() time.Duration {
	return time.Duration(m.WindowDays) * 24 * time.Hour
}

type SourcesConfig struct {
	// Path of the persisted source registry.
	Path string `koanf:"path" validate:"required"`
	// Feeds is the feeds.yaml used when no item file is given.
	Feeds      string        `koanf:"feeds"`
	MaxAge     time.Duration `koanf:"max_age"`
	MaxPerFeed int           `koanf:"max_per_feed" validate:"gte=0"`
}

// TierConfig is one tier level. Lower bounds must partition [0,100].
type TierConfig struct {
	Name            string        `koanf:"name"`
	LowerBound      int           `koanf:"lower_bound" validate:"gte=0,lte=100"`
	MaxTokens       int           `koanf:"max_tokens" validate:"gte=0"`
	MaxDuration     time.Duration `koanf:"max_duration"`
	ExtractEntities bool          `koanf:"extract_entities"`
}

// ProviderConfig is one backend in the fallback chain.
type ProviderConfig struct {
	Name        string        `koanf:"name" validate:"required"`
	Type        string        `koanf:"type" validate:"required,oneof=gemini openai groq mistral openrouter ollama extractive"`
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	Priority    int           `koanf:"priority"`
	MaxRetries  int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	BaseBackoff time.Duration `koanf:"base_backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
	RPS         float64       `koanf:"rps" validate:"gte=0"`
	Burst       int           `koanf:"burst" validate:"gte=0"`
	MaxRequests int           `koanf:"max_requests" validate:"gte=0"`
	Timeout     time.Duration `koanf:"timeout"`

	// APIKey is resolved from APIKeyEnv by the loader.
	APIKey Secret `koanf:"-"`
}

type ChainConfig struct {
	Concurrency int           `koanf:"concurrency" validate:"gte=1,lte=64"`
	Jitter      float64       `koanf:"jitter" validate:"gte=0,lte=1"`
	CacheTTL    time.Duration `koanf:"cache_ttl"`
}

type ScrapeConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Concurrency int           `koanf:"concurrency" validate:"gte=0"`
	MaxArticles int           `koanf:"max_articles" validate:"gte=0"`
	MinBody     int           `koanf:"min_body" validate:"gte=0"`
	Timeout     time.Duration `koanf:"timeout"`
}

type OutputConfig struct {
	Dir string `koanf:"dir"`
}

type TelegramConfig struct {
	TokenEnv string `koanf:"token_env"`
	ChatID   string `koanf:"chat_id"`

	Token Secret `koanf:"-"`
}

// Enabled reports whether run summaries should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.Token.IsSet() && t.ChatID != ""
}

type MonitoringConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port" validate:"omitempty,gte=1,lte=65535"`
}
