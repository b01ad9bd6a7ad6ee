package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	RegistryBackendMemory = "memory"
	RegistryBackendRedis  = "redis"
)

type Config struct {
	Port               int    `env:"PORT" envDefault:"8080"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	RegistryBackend    string `env:"REGISTRY_BACKEND" envDefault:"memory"`
	SessionWindowHours int    `env:"SESSION_WINDOW_HOURS" envDefault:"168"`
	DurableTimeoutMS   int    `env:"DURABLE_TIMEOUT_MS" envDefault:"3000"`
	EndedRetentionDays int    `env:"ENDED_RETENTION_DAYS" envDefault:"90"`
	StartRateLimit     int    `env:"START_RATE_LIMIT_PER_MIN" envDefault:"60"`
	CustomerMapPath    string `env:"CUSTOMER_MAP_PATH"`
	RunMigrations      bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionWindow() time.Duration {
	return time.Duration(c.SessionWindowHours) * time.Hour
}

func (c *Config) DurableTimeout() time.Duration {
	return time.Duration(c.DurableTimeoutMS) * time.Millisecond
}

func (c *Config) EndedRetention() time.Duration {
	return time.Duration(c.EndedRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DurableEnabled reports whether a durable store is configured. Without one
// the service runs on the registry alone.
func (c *Config) DurableEnabled() bool {
	return c.DatabaseURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	switch c.RegistryBackend {
	case RegistryBackendMemory:
	case RegistryBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REGISTRY_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("REGISTRY_BACKEND must be %q or %q, got %q",
			RegistryBackendMemory, RegistryBackendRedis, c.RegistryBackend)
	}

	if c.SessionWindowHours <= 0 {
		return fmt.Errorf("SESSION_WINDOW_HOURS must be positive")
	}
	if c.DurableTimeoutMS <= 0 {
		return fmt.Errorf("DURABLE_TIMEOUT_MS must be positive")
	}

	if isProduction {
		if !c.DurableEnabled() {
			log.Warn().Msg("DATABASE_URL is empty in production: sessions will not survive a restart")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
