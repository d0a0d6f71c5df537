package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/news"
	"github.com/zarguell/tia-n-list-sub002/internal/provider"
	"github.com/zarguell/tia-n-list-sub002/internal/scoring"
	"github.com/zarguell/tia-n-list-sub002/internal/tier"
)

// EnvPrefix marks environment variables that override file settings.
// TIA_MEMORY_WINDOW_DAYS sets memory.window_days.
const EnvPrefix = "TIA_"

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := defaultScalars()
	applyDefaults(cfg)
	return cfg
}

func defaultScalars() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Memory: MemoryConfig{
			Backend:                 "file",
			Path:                    "data/memory.json",
			WindowDays:              7,
			LockTimeout:             10 * time.Second,
			LowSpecificityThreshold: dedup.DefaultLowSpecificityThreshold,
		},
		Sources: SourcesConfig{
			Path:       "data/sources.json",
			Feeds:      "configs/feeds.yaml",
			MaxAge:     48 * time.Hour,
			MaxPerFeed: 25,
		},
		Scoring: scoring.DefaultConfig(),
		Chain: ChainConfig{
			Concurrency: 4,
			Jitter:      0.2,
			CacheTTL:    6 * time.Hour,
		},
		Scrape: ScrapeConfig{
			Enabled:     true,
			Concurrency: 8,
			MaxArticles: 10,
			MinBody:     400,
			Timeout:     15 * time.Second,
		},
		Output:     OutputConfig{Dir: "output"},
		Telegram:   TelegramConfig{TokenEnv: "TELEGRAM_BOT_TOKEN"},
		Monitoring: MonitoringConfig{Port: 9090},
	}
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name: "gemini", Type: provider.TypeGemini, APIKeyEnv: "GEMINI_API_KEY", Priority: 1,
			MaxRetries: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second,
			RPS: 0.25, Burst: 1, Timeout: 60 * time.Second,
		},
		{
			Name: "groq", Type: provider.TypeGroq, APIKeyEnv: "GROQ_API_KEY", Priority: 2,
			MaxRetries: 2, BaseBackoff: time.Second, MaxBackoff: 20 * time.Second,
			RPS: 0.5, Burst: 2, Timeout: 45 * time.Second,
		},
		{Name: "extractive", Type: provider.TypeExtractive, Priority: 99},
	}
}

func applyDefaults(cfg *Config) {
	if len(cfg.Tiers) == 0 {
		for _, l := range tier.DefaultLevels() {
			cfg.Tiers = append(cfg.Tiers, TierConfig{
				Name:            l.Name,
				LowerBound:      l.LowerBound,
				MaxTokens:       l.Budget.MaxTokens,
				MaxDuration:     l.Budget.MaxDuration,
				ExtractEntities: l.Budget.ExtractEntities,
			})
		}
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.BaseBackoff <= 0 {
			p.BaseBackoff = time.Second
		}
		if p.MaxBackoff <= 0 {
			p.MaxBackoff = 30 * time.Second
		}
	}
}

// Load reads the YAML file at path when it exists, applies TIA_* environment overrides,
// resolves secrets and validates the result. A .env file in the working directory is
// loaded first; variables already set win. DEBUG=true forces the debug log level.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults and environment only
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := defaultScalars()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	cfg.resolveSecrets()
	if os.Getenv("DEBUG") == "true" {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps TIA_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func (c *Config) resolveSecrets() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKeyEnv != "" && !p.APIKey.IsSet() {
			p.APIKey = Secret(os.Getenv(p.APIKeyEnv))
		}
	}
	if c.Telegram.TokenEnv != "" && !c.Telegram.Token.IsSet() {
		c.Telegram.Token = Secret(os.Getenv(c.Telegram.TokenEnv))
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if err := tier.ValidateLevels(c.Levels()); err != nil {
		return err
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxBackoff < p.BaseBackoff {
			return fmt.Errorf("provider %s: max_backoff %s is below base_backoff %s", p.Name, p.MaxBackoff, p.BaseBackoff)
		}
	}

	switch c.Memory.Backend {
	case "file":
		if c.Memory.Path == "" {
			return errors.New("memory.path is required for the file backend")
		}
	case "postgres":
		if !c.Memory.PostgresDSN.IsSet() {
			return errors.New("memory.postgres_dsn is required for the postgres backend")
		}
	}

	if _, err := news.NewTokenMatcher(c.Memory.HighSpecificityPatterns); err != nil {
		return fmt.Errorf("memory.high_specificity_patterns: %w", err)
	}

	w := c.Scoring.Weights
	if sum := w.HitRate + w.Completeness + w.Recency; sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scoring weights must sum to 1, got %.2f", sum)
	}
	return nil
}

// Levels converts the tier settings for tier.NewClassifier.
func (c *Config) Levels() []tier.Level {
	levels := make([]tier.Level, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		levels = append(levels, tier.Level{
			Name:       t.Name,
			LowerBound: t.LowerBound,
			Budget: tier.Budget{
				MaxTokens:       t.MaxTokens,
				MaxDuration:     t.MaxDuration,
				ExtractEntities: t.ExtractEntities,
			},
		})
	}
	return levels
}

// Backend converts p for provider.New.
func (p ProviderConfig) Backend() provider.Config {
	return provider.Config{
		Name:    p.Name,
		Type:    p.Type,
		Model:   p.Model,
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey.Value(),
		Timeout: p.Timeout,
	}
}
