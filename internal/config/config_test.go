package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":2112", cfg.MetricsAddr)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, "./data", cfg.Store.Dir)
	assert.Equal(t, 50<<20, cfg.Store.MaxBytes)
	assert.Equal(t, 5000, cfg.Store.CompactParticipants)
	assert.Equal(t, 1000, cfg.Store.CompactReports)
	assert.Equal(t, 3, cfg.Store.WriteRetries)
	assert.Equal(t, 30*time.Minute, cfg.Engine.SessionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.QueueMaxWait)
	assert.Equal(t, 30*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 3, cfg.Moderation.Threshold)
	assert.False(t, cfg.Moderation.EndSessionOnReport)
	assert.Equal(t, 24*time.Hour, cfg.Maintenance.Interval)
	assert.Equal(t, 720*time.Hour, cfg.Maintenance.ParticipantRetention)
	assert.Equal(t, 6, cfg.Maintenance.ReportRetentionMonths)
	assert.Equal(t, 10*time.Minute, cfg.Maintenance.Timeout)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PAIRING_STORE_BACKEND":                       "bolt",
		"PAIRING_STORE_BOLT_PATH":                     "/var/lib/pairing/db",
		"PAIRING_ENGINE_SESSION_TIMEOUT":              "10m",
		"PAIRING_MODERATION_THRESHOLD":                "5",
		"PAIRING_MODERATION_END_SESSION_ON_REPORT":    "true",
		"PAIRING_REDIS_ADDR":                          "redis:6379",
		"PAIRING_MAINTENANCE_REPORT_RETENTION_MONTHS": "12",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/pairing/db", cfg.Store.BoltPath)
	assert.Equal(t, 10*time.Minute, cfg.Engine.SessionTimeout)
	assert.Equal(t, 5, cfg.Moderation.Threshold)
	assert.True(t, cfg.Moderation.EndSessionOnReport)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 12, cfg.Maintenance.ReportRetentionMonths)
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"backend":   {"PAIRING_STORE_BACKEND": "sqlite"},
		"threshold": {"PAIRING_MODERATION_THRESHOLD": "0"},
		"timeout":   {"PAIRING_ENGINE_SESSION_TIMEOUT": "0s"},
		"sample":    {"PAIRING_TRACING_SAMPLE_RATE": "1.5"},
		"parse":     {"PAIRING_ENGINE_QUEUE_MAX_WAIT": "soon"},
		"admin id":  {"PAIRING_ADMIN_ID": "ops.admin"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}
