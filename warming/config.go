package warming

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds the warming service's external configuration: where the
// upstream oracle and shared store live. It mirrors pricing's Config so an
// operator configures both services the same way.
type EnvConfig struct {
	RedisURL   string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RateAPIURL string `env:"RATE_API_URL" envDefault:"https://pricing-oracle.internal/v1/rates"`

	UpstreamTimeout time.Duration `env:"WARMING_UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamDial    time.Duration `env:"WARMING_UPSTREAM_DIAL_TIMEOUT" envDefault:"10s"`

	FreshTTL time.Duration `env:"WARMING_FRESH_TTL" envDefault:"300s"`
	StaleTTL time.Duration `env:"WARMING_STALE_TTL" envDefault:"900s"`
}

// LoadEnvConfig parses EnvConfig from the process environment.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}
