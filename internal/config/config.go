package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "chat"

type Config struct {
	Env  string `envconfig:"env" default:"development"`
	Addr string `envconfig:"addr" default:":8080"`

	DBDSN     string `envconfig:"db_dsn"`
	RedisAddr string `envconfig:"redis_addr" default:"localhost:6379"`
	JWTSecret string `envconfig:"jwt_secret"`

	// BusDriver selects the broadcast bus backend: redis or nats.
	BusDriver string `envconfig:"bus_driver" default:"redis"`
	NatsURL   string `envconfig:"nats_url" default:"nats://localhost:4222"`

	IdempotencyTTL     time.Duration `envconfig:"idempotency_ttl" default:"5m"`
	OfflineMaxMessages int64         `envconfig:"offline_max_messages" default:"1000"`
	OfflineTTL         time.Duration `envconfig:"offline_ttl" default:"168h"`
	PresenceTTL        time.Duration `envconfig:"presence_ttl" default:"70s"`
	FanoutConcurrency  int           `envconfig:"fanout_concurrency" default:"16"`

	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"json"`

	TracingEnabled    bool    `envconfig:"tracing_enabled" default:"false"`
	TracingStdout     bool    `envconfig:"tracing_stdout" default:"true"`
	TracingEndpoint   string  `envconfig:"tracing_endpoint" default:"localhost:4318"`
	TracingSampleRate float64 `envconfig:"tracing_sample_rate" default:"0.1"`
}

// Load reads .env (outside production) and then the CHAT_* environment.
func Load() (*Config, error) {
	if os.Getenv("CHAT_ENV") != "production" {
		if err := godotenv.Load("./.env"); err != nil && !os.IsNotExist(err) {
			log.Printf("couldn't load env vars: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("CHAT_DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("CHAT_JWT_SECRET is not set")
	}
	switch c.BusDriver {
	case "redis", "nats":
	default:
		return fmt.Errorf("unknown bus driver %q", c.BusDriver)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency ttl must be positive")
	}
	if c.OfflineMaxMessages <= 0 {
		return fmt.Errorf("offline max messages must be positive")
	}
	if c.OfflineTTL <= 0 {
		return fmt.Errorf("offline ttl must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence ttl must be positive")
	}
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("fanout concurrency must be positive")
	}
	return nil
}
