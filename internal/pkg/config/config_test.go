package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/env"
)

func TestLoadDefaults(t *testing.T) {
	env.Env = map[string]string{}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, "http://localhost:4000", cfg.BaseURL)
	assert.Equal(t, cfg.BaseURL, cfg.HubURL)
	assert.Equal(t, 86400, cfg.DefaultLeaseSeconds)
	assert.Equal(t, 2592000, cfg.MaxLeaseSeconds)
	assert.Equal(t, 60, cfg.DefaultPollingIntervalMinutes)
	assert.Equal(t, 15, cfg.MinPollingIntervalMinutes)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 3, cfg.WebhookRetries)
	assert.Equal(t, time.Hour, cfg.RenewalWindow)
	assert.Equal(t, 24*time.Hour, cfg.ExpiredGrace)
}

func TestLoadOverrides(t *testing.T) {
	env.Env = map[string]string{
		"APP_PORT":              "8080",
		"BASE_URL":              "https://feeder.example.com",
		"HUB_URL":               "https://hub.example.com",
		"DEFAULT_LEASE_SECONDS": "3600",
		"WEBHOOK_TIMEOUT_MS":    "2500",
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "https://feeder.example.com", cfg.BaseURL)
	assert.Equal(t, "https://hub.example.com", cfg.HubURL)
	assert.Equal(t, 3600, cfg.DefaultLeaseSeconds)
	assert.Equal(t, 2500*time.Millisecond, cfg.WebhookTimeout)
}

func TestLoadRejectsLeaseInversion(t *testing.T) {
	env.Env = map[string]string{
		"DEFAULT_LEASE_SECONDS": "7200",
		"MAX_LEASE_SECONDS":     "3600",
	}

	_, err := Load()
	assert.Error(t, err)
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	env.Env = map[string]string{"WEBHOOK_RETRIES": "many"}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WebhookRetries)
}
