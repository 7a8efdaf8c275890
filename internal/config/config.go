package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	FeedURL         string        `env:"BUS_POSITIONS_URL"` // empty selects buspositions.DefaultFeedURL
	SourceURI       string        `env:"SOURCE_URI" envDefault:"buspositions://"`
	CacheType       string        `env:"CACHE" envDefault:"memory"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"15s"`
	FetchAttempts   int           `env:"FETCH_ATTEMPTS" envDefault:"20"`
	FetchRetryDelay time.Duration `env:"FETCH_RETRY_DELAY" envDefault:"30s"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`
	TileMaxZoom     int           `env:"TILE_MAX_ZOOM" envDefault:"20"`
	TileBuffer      int           `env:"TILE_BUFFER" envDefault:"512"`
	Warmup          bool          `env:"WARMUP" envDefault:"true"`
	AllowedOrigin   string        `env:"ALLOWED_ORIGIN"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.FeedURL = strings.TrimSpace(c.FeedURL)
	c.OTelEndpoint = strings.TrimSpace(c.OTelEndpoint)
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("FETCH_ATTEMPTS must be at least 1, got %d", c.FetchAttempts)
	}
	if c.FetchRetryDelay < 0 {
		return fmt.Errorf("FETCH_RETRY_DELAY must not be negative, got %s", c.FetchRetryDelay)
	}
	if c.TileMaxZoom < 0 || c.TileMaxZoom > 24 {
		return fmt.Errorf("TILE_MAX_ZOOM must be within [0, 24], got %d", c.TileMaxZoom)
	}
	if c.TileBuffer < 0 {
		return fmt.Errorf("TILE_BUFFER must not be negative, got %d", c.TileBuffer)
	}
	return nil
}

func (c *Config) TracingEnabled() bool {
	return c.OTelEndpoint != ""
}
