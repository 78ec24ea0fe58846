package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration, loaded once at startup.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Listing ListingConfig `mapstructure:"listing"`
}

// ServerConfig configures the HTTP server and the proxy identity.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Owner is the namespace every proxied image is forced under.
	// The proxy is single-tenant: it never serves images outside it.
	Owner           string `mapstructure:"owner"`
	DefaultRegistry string `mapstructure:"default_registry"`
}

// LimitsConfig configures per-IP rate limiting on the /v2 surface.
type LimitsConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// ListingConfig configures the landing-page image listing, which talks
// to the GitHub packages API with a personal access token. The token is
// only read from the environment, never from the config file.
type ListingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Token   string        `mapstructure:"-"`
}

var validRegistries = []string{"docker", "ghcr"}

// Load reads the configuration resolved by viper and validates it.
func Load() (*Config, error) {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.default_registry", "docker")
	viper.SetDefault("limits.enabled", true)
	viper.SetDefault("limits.rate", 20.0)
	viper.SetDefault("limits.burst", 50)
	viper.SetDefault("listing.enabled", true)
	viper.SetDefault("listing.ttl", 10*time.Minute)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Listing.Token = os.Getenv("GITHUB_TOKEN")

	if cfg.Server.Owner == "" {
		return nil, fmt.Errorf("server.owner is required")
	}
	if strings.Contains(cfg.Server.Owner, "/") {
		return nil, fmt.Errorf("server.owner must be a bare namespace (got %q)", cfg.Server.Owner)
	}

	isValid := false
	for _, valid := range validRegistries {
		if cfg.Server.DefaultRegistry == valid {
			isValid = true
			break
		}
	}
	if !isValid {
		return nil, fmt.Errorf("server.default_registry must be one of: %s", strings.Join(validRegistries, ", "))
	}

	if cfg.Limits.Enabled && (cfg.Limits.Rate <= 0 || cfg.Limits.Burst <= 0) {
		return nil, fmt.Errorf("limits.rate and limits.burst must be positive when rate limiting is enabled")
	}

	if cfg.Listing.TTL <= 0 {
		return nil, fmt.Errorf("listing.ttl must be positive")
	}

	return &cfg, nil
}
