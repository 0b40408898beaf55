package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":3000"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	// RedisAddr is a single host:port, or a comma-separated seed node list
	// when cluster mode is on.
	RedisAddr        string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisClusterMode bool   `env:"REDIS_CLUSTER_MODE" envDefault:"false"`

	// Default job policy, fixed at construction.
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"10s"`

	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"1s"`
	ProbeTimeout  time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	SMTPHost string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort int    `env:"SMTP_PORT" envDefault:"25"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
