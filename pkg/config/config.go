// Package config loads engine configuration from the environment and
// jurisdiction profiles from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	LogLevel       string
	DatabaseDriver string
	DatabaseURL    string
	SweepInterval  time.Duration
	PreAlertDays   int
	ProfilesDir    string
	ProfileCode    string
	OTLPEndpoint   string
	Telemetry      bool
}

// Load reads configuration from environment variables with defaults suitable
// for local development.
func Load() *Config {
	cfg := &Config{
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "file:retentio.db"),
		SweepInterval:  5 * time.Minute,
		PreAlertDays:   30,
		ProfilesDir:    envOr("PROFILES_DIR", "profiles"),
		ProfileCode:    os.Getenv("PROFILE_CODE"),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
		Telemetry:      os.Getenv("TELEMETRY_ENABLED") == "true",
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("PRE_ALERT_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PreAlertDays = n
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
