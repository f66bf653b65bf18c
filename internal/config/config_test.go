package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRAPER_BACKEND", "stub")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.AnalysisModel)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingsModel)
	assert.Equal(t, 10, cfg.BatchMinSize)
	assert.Equal(t, 2*time.Hour, cfg.BatchMaxAge)
	assert.Equal(t, 8, cfg.BatchMaxImages)
	assert.Equal(t, 26*time.Hour, cfg.BatchStaleAfter)
	assert.Equal(t, 60*24*time.Hour, cfg.FreshnessWindow)
	assert.Equal(t, 60*24*time.Hour, cfg.UpdateAfter)
	assert.Equal(t, 30*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 2, cfg.WorkerMaxConcurrent)
	assert.Equal(t, "blog-images", cfg.SupabaseBucket)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCRAPER_BACKEND", "stub")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("SCRAPER_PORT", "9090")
	t.Setenv("BATCH_MIN_SIZE", "25")
	t.Setenv("WORKER_POLL_INTERVAL", "5")
	t.Setenv("BATCH_MAX_AGE_HOURS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 25, cfg.BatchMinSize)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 6*time.Hour, cfg.BatchMaxAge)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestLoadNumericIntervalForms(t *testing.T) {
	t.Setenv("SCRAPER_BACKEND", "stub")
	t.Setenv("WORKER_POLL_INTERVAL", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.WorkerPollInterval)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("SCRAPER_BACKEND", "selenium")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCRAPER_BACKEND")
}

func TestAuthEnabled(t *testing.T) {
	assert.False(t, Config{}.AuthEnabled())
	assert.True(t, Config{APIKey: "secret"}.AuthEnabled())
}

func TestBackoffConfig(t *testing.T) {
	cfg := Config{
		BackoffMaxElapsedTime:  time.Minute,
		BackoffInitialInterval: time.Second,
		BackoffMaxInterval:     15 * time.Second,
		BackoffMultiplier:      2.0,
	}
	maxElapsed, initial, maxInterval, mult := cfg.BackoffConfig()
	assert.Equal(t, time.Minute, maxElapsed)
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 15*time.Second, maxInterval)
	assert.Equal(t, 2.0, mult)
}
