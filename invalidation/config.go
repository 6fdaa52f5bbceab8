package invalidation

import "github.com/caarlos0/env/v11"

// Config holds the invalidation service's external configuration. It shares
// the same Redis-backed store as the pricing service, since force-evicting a
// key only means anything if it hits the same store pricing reads from.
type Config struct {
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

// LoadConfig parses Config from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
