// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration for the dnsforge daemon.
type Config struct {
	// AppEnv gates behavior that only makes sense against real
	// infrastructure, such as live DNS propagation checks.
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Zone is the managed DNS zone under which all user records live.
	Zone string `env:"DNS_ZONE,required"`

	CloudflareAPIToken string `env:"CLOUDFLARE_API_TOKEN,required"`
	ProviderRecordTTL  int    `env:"PROVIDER_RECORD_TTL" envDefault:"60"`

	ACMEDirectoryURL  string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	ACMEEmail         string `env:"ACME_EMAIL"`
	ACMEAccountKeyPEM string `env:"ACME_ACCOUNT_KEY_PEM,required"`
	ACMEAccountKID    string `env:"ACME_ACCOUNT_KID"`

	// ChallengeRecursor is the resolver queried for challenge propagation
	// checks. Empty uses the system resolver.
	ChallengeRecursor string `env:"CHALLENGE_RECURSOR" envDefault:"8.8.8.8:53"`

	// RecordQuota is the per-user record limit. Zero disables it.
	RecordQuota int `env:"USER_DNS_RECORD_LIMIT" envDefault:"100"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	WorkerLockTimeout  time.Duration `env:"WORKER_LOCK_TIMEOUT" envDefault:"5m"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	TaskMaxRetries     int           `env:"TASK_MAX_RETRIES" envDefault:"10"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Production reports whether the daemon runs against real infrastructure.
func (c Config) Production() bool {
	return c.AppEnv == "production"
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}
