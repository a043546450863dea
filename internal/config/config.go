package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	WebhookEndpointURL string `env:"WEBHOOK_ENDPOINT_URL,required=true"`
	EmailGatewayURL    string `env:"EMAIL_GATEWAY_URL"`
	EmailGatewayAPIKey string `env:"EMAIL_GATEWAY_API_KEY"`
	EmailSenderAddress string `env:"EMAIL_SENDER_ADDRESS,default=no-reply@notify.local"`

	UserRateLimitPerMinute  int `env:"USER_RATE_LIMIT_PER_MINUTE,default=0"`
	BurstLimit              int `env:"BURST_LIMIT,default=5"`
	BurstWindowSeconds      int `env:"BURST_WINDOW_SECONDS,default=10"`
	WorkerConcurrency       int `env:"WORKER_CONCURRENCY,default=16"`
	ProviderTimeoutSeconds  int `env:"PROVIDER_TIMEOUT_SECONDS,default=30"`
	RetryScanIntervalSec    int `env:"RETRY_SCAN_INTERVAL_SECONDS,default=5"`
	PendingScanIntervalSec  int `env:"PENDING_SCAN_INTERVAL_SECONDS,default=30"`
	ScheduleScanIntervalSec int `env:"SCHEDULE_SCAN_INTERVAL_SECONDS,default=5"`
	StatusCheckIntervalSec  int `env:"STATUS_CHECK_INTERVAL_SECONDS,default=60"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) RetryScanInterval() time.Duration {
	return time.Duration(c.RetryScanIntervalSec) * time.Second
}

func (c *Config) PendingScanInterval() time.Duration {
	return time.Duration(c.PendingScanIntervalSec) * time.Second
}

func (c *Config) ScheduleScanInterval() time.Duration {
	return time.Duration(c.ScheduleScanIntervalSec) * time.Second
}

func (c *Config) StatusCheckInterval() time.Duration {
	return time.Duration(c.StatusCheckIntervalSec) * time.Second
}

func (c *Config) BurstWindow() time.Duration {
	return time.Duration(c.BurstWindowSeconds) * time.Second
}
