package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

// Config is process-level configuration, read from the environment. Per-site
// provider configuration lives in a separate file, see sites.go.
type Config struct {
	BrokerURL         string `env:"BROKER_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	SitesPath         string `env:"SITES_CONFIG_PATH,required=true"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=8"`
	WorkerPrefetch    int    `env:"WORKER_PREFETCH,default=8"`
	RateLimitPerSec   int    `env:"RATE_LIMIT_PER_SEC,default=50"`
	OpsPort           int    `env:"OPS_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
