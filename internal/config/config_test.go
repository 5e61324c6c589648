package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyyyy64/opentiger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 10*time.Minute, cfg.RunningRunGrace())
	assert.Equal(t, time.Hour, cfg.LeaseDefault())
	assert.Equal(t, 4*time.Hour, cfg.CycleMaxDuration())
	assert.Equal(t, 100, cfg.CycleMaxTasks)
	assert.InDelta(t, 0.3, cfg.CycleMaxFailureRate, 1e-9)
	assert.Equal(t, 10, cfg.MinTasksForFailureCheck)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, time.Minute, cfg.CleanupInterval())
	assert.Equal(t, time.Minute, cfg.StatsInterval())
	assert.False(t, cfg.AutoReplan)
	assert.Equal(t, 5*time.Minute, cfg.ReplanInterval())
	assert.Equal(t, int64(30000), cfg.RetryBaseDelayMs)
	assert.Equal(t, int64(1800000), cfg.RetryMaxDelayMs)
	assert.InDelta(t, 2.0, cfg.RetryFactor, 1e-9)
	assert.InDelta(t, 0.2, cfg.RetryJitterRatio, 1e-9)
	assert.Equal(t, -1, cfg.GlobalRetryLimit)
	assert.Equal(t, 2*time.Minute, cfg.QueueLockDuration())
	assert.Equal(t, 1, cfg.QueueMaxStalledCount)
	assert.Equal(t, 1, cfg.QueuePerAgentConcurrency)
}

func TestLoad_Floors(t *testing.T) {
	t.Setenv("QUEUE_LOCK_DURATION_MS", "1000")
	t.Setenv("QUEUE_STALLED_INTERVAL_MS", "100")
	t.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "0")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(30000), cfg.QueueLockDurationMs)
	assert.Equal(t, int64(5000), cfg.QueueStalledIntervalMs)
	assert.Equal(t, 120, cfg.HeartbeatTimeoutSeconds)
}

func TestCategoryLimits_Parsing(t *testing.T) {
	t.Setenv("CATEGORY_RETRY_LIMITS", "policy=5, flaky=8,bad,junk=,noop=0")
	cfg, err := config.Load()
	require.NoError(t, err)
	limits := cfg.CategoryLimits()
	assert.Equal(t, 5, limits["policy"])
	assert.Equal(t, 8, limits["flaky"])
	assert.Equal(t, 0, limits["noop"])
	assert.NotContains(t, limits, "bad")
	assert.NotContains(t, limits, "junk")
}

func TestEnvModes(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	assert.False(t, cfg.IsTest())
}
