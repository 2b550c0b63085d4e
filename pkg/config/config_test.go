package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL", "SWEEP_INTERVAL",
		"PRE_ALERT_DAYS", "PROFILES_DIR", "PROFILE_CODE", "OTLP_ENDPOINT", "TELEMETRY_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "file:retentio.db", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30, cfg.PreAlertDays)
	assert.False(t, cfg.Telemetry)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/retentio")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("PRE_ALERT_DAYS", "45")
	t.Setenv("TELEMETRY_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, 45, cfg.PreAlertDays)
	assert.True(t, cfg.Telemetry)
}

func TestLoadIgnoresInvalidOverrides(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("PRE_ALERT_DAYS", "-3")

	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30, cfg.PreAlertDays)
}

func TestLoadProfile(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("PRE_ALERT_DAYS", "")
	dir := t.TempDir()
	profileYAML := `name: Territorial entity
code: territorial
pre_alert_days: 60
sweep:
  interval: 10m
  dispatch_per_second: 5
repeats:
  critical_interval_hours: 2
  critical_max_repeats: 20
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_territorial.yaml"), []byte(profileYAML), 0o644))

	p, err := LoadProfile(dir, "territorial")
	require.NoError(t, err)
	assert.Equal(t, "territorial", p.Code)
	assert.Equal(t, 60, p.PreAlertDays)
	assert.Equal(t, 10*time.Minute, time.Duration(p.Sweep.Interval))
	assert.Equal(t, 2, p.Repeats.CriticalIntervalHours)

	cfg := Load()
	p.Apply(cfg)
	assert.Equal(t, 60, cfg.PreAlertDays)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
}

func TestLoadProfileErrors(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "")
	assert.Error(t, err)

	_, err = LoadProfile(t.TempDir(), "missing")
	assert.Error(t, err)
}
