package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENTITLEMENT_CACHE_BACKEND", "")
	t.Setenv("JOB_MAX_RETRIES", "")

	cfg := Load()

	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 10, cfg.Alerts.DenyThreshold)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENTITLEMENT_CACHE_BACKEND", " Redis ")
	t.Setenv("ENTITLEMENT_CACHE_TTL", "90s")
	t.Setenv("JOB_MAX_RETRIES", "5")
	t.Setenv("SCHEDULER_ENABLED_JOBS", "entitlement_reconcile, retry_on_recovery,")
	t.Setenv("SCHEDULER_RUN_INTERVAL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, []string{"entitlement_reconcile", "retry_on_recovery"}, cfg.Scheduler.EnabledJobs)
	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
}

func TestValidateStandaloneScheduler(t *testing.T) {
	cfg := Config{
		Cache:     CacheConfig{Backend: CacheBackendMemory},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	assert.ErrorIs(t, cfg.ValidateStandaloneScheduler(), ErrSharedCacheRequired)

	cfg.Cache.Backend = CacheBackendRedis
	assert.NoError(t, cfg.ValidateStandaloneScheduler())

	cfg.Cache.Backend = CacheBackendMemory
	cfg.Scheduler.Enabled = false
	assert.NoError(t, cfg.ValidateStandaloneScheduler())
}
