package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

const (
	TenantsSourceFile     = "file"
	TenantsSourcePostgres = "postgres"

	ReadinessPolicyLatch = "latch"
	ReadinessPolicyDrop  = "drop"
)

// Config holds the process-level settings. Tenants are loaded separately,
// see LoadTenantsFile and database.PostgresDB.GetTenants.
type Config struct {
	TenantsSource string `env:"KA_TENANTS_SOURCE" envDefault:"file"`
	TenantsFile   string `env:"KA_TENANTS_FILE" envDefault:"apps.yaml"`
	DatabaseURL   string `env:"KA_DATABASE_URL" envDefault:""`
	RedisURL      string `env:"KA_REDIS_URL" envDefault:""`

	LogLevel  string `env:"KA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KA_LOG_FORMAT" envDefault:"console"`

	TelegramToken       string `env:"KA_TELEGRAM_TOKEN" envDefault:""`
	TelegramPollTimeout int    `env:"KA_TELEGRAM_POLL_TIMEOUT" envDefault:"10"` // seconds

	AWSRegion          string `env:"KA_AWS_REGION" envDefault:""`
	AWSAccessKeyID     string `env:"KA_AWS_ACCESS_KEY_ID" envDefault:""`
	AWSSecretAccessKey string `env:"KA_AWS_SECRET_ACCESS_KEY" envDefault:""`
	SMSSenderID        string `env:"KA_SMS_SENDER_ID" envDefault:""`
	SMSType            string `env:"KA_SMS_TYPE" envDefault:"Transactional"`

	SendTimeout    int `env:"KA_SEND_TIMEOUT" envDefault:"10"`      // seconds, per recipient
	SendRatePerSec int `env:"KA_SEND_RATE_PER_SEC" envDefault:"10"` // per channel

	MQTTKeepAlive      int `env:"KA_MQTT_KEEPALIVE" envDefault:"60"`       // seconds
	MQTTConnectTimeout int `env:"KA_MQTT_CONNECT_TIMEOUT" envDefault:"10"` // seconds

	ReconnectMinDelay    int `env:"KA_RECONNECT_MIN_DELAY" envDefault:"1"`   // seconds
	ReconnectMaxDelay    int `env:"KA_RECONNECT_MAX_DELAY" envDefault:"60"`  // seconds
	ReconnectMaxAttempts int `env:"KA_RECONNECT_MAX_ATTEMPTS" envDefault:"0"` // 0 keeps retrying
	ReconnectRatePerMin  int `env:"KA_RECONNECT_RATE_PER_MIN" envDefault:"30"` // across all tenants

	ReadinessPolicy string `env:"KA_READINESS_POLICY" envDefault:"latch"`
	ShutdownTimeout int    `env:"KA_SHUTDOWN_TIMEOUT" envDefault:"10"` // seconds
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values env.Parse cannot.
func (c *Config) Validate() error {
	switch c.TenantsSource {
	case TenantsSourceFile:
		if c.TenantsFile == "" {
			return fmt.Errorf("%w: KA_TENANTS_FILE is empty", ErrInvalidConfig)
		}
	case TenantsSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: KA_DATABASE_URL is required for the postgres tenants source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown KA_TENANTS_SOURCE %q", ErrInvalidConfig, c.TenantsSource)
	}

	switch c.ReadinessPolicy {
	case ReadinessPolicyLatch, ReadinessPolicyDrop:
	default:
		return fmt.Errorf("%w: unknown KA_READINESS_POLICY %q", ErrInvalidConfig, c.ReadinessPolicy)
	}

	if c.ReconnectMinDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect delays must satisfy 0 < min <= max", ErrInvalidConfig)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: KA_RECONNECT_MAX_ATTEMPTS must not be negative", ErrInvalidConfig)
	}
	if c.SendTimeout <= 0 || c.MQTTConnectTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.SendRatePerSec <= 0 || c.ReconnectRatePerMin <= 0 {
		return fmt.Errorf("%w: rates must be positive", ErrInvalidConfig)
	}

	return nil
}

func (c *Config) SendTimeoutDuration() time.Duration {
	return time.Duration(c.SendTimeout) * time.Second
}

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.MQTTConnectTimeout) * time.Second
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

func (c *Config) TelegramPollTimeoutDuration() time.Duration {
	return time.Duration(c.TelegramPollTimeout) * time.Second
}
