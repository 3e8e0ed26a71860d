package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-notify/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", c.HTTPPort)
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.Equal(t, SchedulerTimer, c.FlushScheduler)
	assert.Equal(t, 5*time.Second, c.WorkerPollInterval)
	assert.Equal(t, 1, c.WorkerMaxConcurrent)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.False(t, c.UsesRedis())

	s := c.NotificationSettings()
	assert.Equal(t, models.DefaultNotificationSettings(), s)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MERGE_WINDOW_SEC", "30")
	t.Setenv("THROTTLE_SEC", "0")
	t.Setenv("POINTS_DISPLAY", "points")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("BUFFER_BACKEND", "redis")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.WorkerPollInterval)
	assert.True(t, c.UsesRedis())

	s := c.NotificationSettings()
	assert.Equal(t, 30*time.Second, s.MergeWindow)
	assert.Negative(t, s.Throttle, "zero disables throttling")
	assert.Equal(t, models.PointsDisplayTotal, s.PointsDisplay)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero merge window", func(c *Config) { c.MergeWindowSec = 0 }, false},
		{"bad points display", func(c *Config) { c.PointsDisplay = "stars" }, false},
		{"zero concurrency", func(c *Config) { c.WorkerMaxConcurrent = 0 }, false},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }, false},
		{"job scheduler without shared state", func(c *Config) { c.FlushScheduler = SchedulerJob }, false},
		{"job scheduler embedded worker", func(c *Config) {
			c.FlushScheduler = SchedulerJob
			c.APIRunWorker = true
		}, true},
		{"job scheduler shared backends", func(c *Config) {
			c.FlushScheduler = SchedulerJob
			c.StoreBackend = BackendPostgres
			c.BufferBackend = BackendRedis
		}, true},
		{"rate limit without refill", func(c *Config) {
			c.RateLimitCapacity = 10
			c.RateLimitRefill = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
