package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "mailprobe", cfg.Database.DBName)

	assert.Equal(t, 4, cfg.Verifier.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.Verifier.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.Verifier.OperationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Verifier.AckTimeout)
	assert.True(t, cfg.Verifier.CheckCatchAll)

	assert.Equal(t, 2*time.Minute, cfg.Greylist.Backoff)
	assert.Equal(t, 5, cfg.Greylist.MaxRetries)

	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
	assert.Empty(t, cfg.Webhook.Secret)

	assert.Equal(t, 168*time.Hour, cfg.Recovery.ZombieTTL)
	assert.Equal(t, VERSION, cfg.Version)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("GREYLIST_BACKOFF", "5m")
	t.Setenv("GREYLIST_MAX_RETRIES", "2")
	t.Setenv("WEBHOOK_SECRET", "whsec_dGVzdHNlY3JldA==")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Verifier.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Greylist.Backoff)
	assert.Equal(t, 2, cfg.Greylist.MaxRetries)
	assert.Equal(t, "whsec_dGVzdHNlY3JldA==", cfg.Webhook.Secret)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("worker count below one", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "0")
		_, err := LoadWithOptions(LoadOptions{})
		assert.ErrorContains(t, err, "WORKER_COUNT")
	})

	t.Run("backoff below a minute", func(t *testing.T) {
		t.Setenv("GREYLIST_BACKOFF", "10s")
		_, err := LoadWithOptions(LoadOptions{})
		assert.ErrorContains(t, err, "GREYLIST_BACKOFF")
	})
}
