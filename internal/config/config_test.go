package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.GraceWindow)
	assert.Equal(t, 20, cfg.DispatchConcurrency)
	assert.Equal(t, 60*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5*time.Minute, cfg.PlanCacheTTL)
	assert.Equal(t, 10, cfg.PlanHorizon)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("GRACE_WINDOW", "2m")
	t.Setenv("DISPATCH_CONCURRENCY", "5")
	t.Setenv("DB_DRIVER", "postgres")

	cfg := LoadConfig()
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.GraceWindow)
	assert.Equal(t, 5, cfg.DispatchConcurrency)
	assert.Equal(t, "postgres", cfg.DBDriver)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("DISPATCH_CONCURRENCY", "many")

	cfg := LoadConfig()
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 20, cfg.DispatchConcurrency)
}
