package config

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/env"
)

// Config holds every tunable of the hub, the polling engine and the
// external client. Values come from the environment (see .env.example);
// the defaults follow the WebSub recommendations.
type Config struct {
	Port    string `validate:"required"`
	BaseURL string `validate:"required,url"`
	// HubURL is the public URL of the hub endpoint, advertised in the
	// Link header of every distribution. Defaults to BaseURL.
	HubURL string `validate:"required,url"`

	DefaultLeaseSeconds int `validate:"min=1"`
	MaxLeaseSeconds     int `validate:"min=1"`

	DefaultPollingIntervalMinutes int `validate:"min=1"`
	MinPollingIntervalMinutes     int `validate:"min=1"`

	WebhookTimeout time.Duration `validate:"required"`
	WebhookRetries int           `validate:"min=0"`

	// FetchTimeout bounds feed polls and publish fetches; webhook-style
	// calls (verification, distribution, relay) use WebhookTimeout.
	FetchTimeout time.Duration `validate:"required"`

	// RenewalWindow is how far ahead of expiry an external subscription
	// becomes a renewal candidate.
	RenewalWindow time.Duration `validate:"required"`

	// ExpiredGrace is how long an expired inbound subscription survives
	// before the hourly sweep deletes it.
	ExpiredGrace time.Duration `validate:"required"`

	QueueWorkers int `validate:"min=1"`

	AdminUser         string
	AdminPasswordHash string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	once.Do(func() {
		var err error
		cfg, err = Load()
		if err != nil {
			panic(err)
		}
	})
	return cfg
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	baseURL := env.GetEnv("BASE_URL", "http://localhost:4000")

	c := &Config{
		Port:                          env.GetEnv("APP_PORT", "4000"),
		BaseURL:                       baseURL,
		HubURL:                        env.GetEnv("HUB_URL", baseURL),
		DefaultLeaseSeconds:           getInt("DEFAULT_LEASE_SECONDS", 86400),
		MaxLeaseSeconds:               getInt("MAX_LEASE_SECONDS", 2592000),
		DefaultPollingIntervalMinutes: getInt("DEFAULT_POLLING_INTERVAL_MINUTES", 60),
		MinPollingIntervalMinutes:     getInt("MIN_POLLING_INTERVAL_MINUTES", 15),
		WebhookTimeout:                time.Duration(getInt("WEBHOOK_TIMEOUT_MS", 10000)) * time.Millisecond,
		WebhookRetries:                getInt("WEBHOOK_RETRIES", 3),
		FetchTimeout:                  time.Duration(getInt("FETCH_TIMEOUT_MS", 30000)) * time.Millisecond,
		RenewalWindow:                 time.Duration(getInt("RENEWAL_WINDOW_MINUTES", 60)) * time.Minute,
		ExpiredGrace:                  time.Duration(getInt("EXPIRED_GRACE_HOURS", 24)) * time.Hour,
		QueueWorkers:                  getInt("QUEUE_WORKERS", 5),
		AdminUser:                     env.GetEnv("ADMIN_USER", "admin"),
		AdminPasswordHash:             env.GetEnv("ADMIN_PASSWORD_HASH", ""),
	}

	if c.DefaultLeaseSeconds > c.MaxLeaseSeconds {
		return nil, fmt.Errorf("DEFAULT_LEASE_SECONDS (%d) exceeds MAX_LEASE_SECONDS (%d)",
			c.DefaultLeaseSeconds, c.MaxLeaseSeconds)
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func getInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
