// Package config loads the gateway's runtime settings and the hot-reloadable
// routing configuration (providers, canonical models, costs, policies).
//
// Two layers:
//   - Settings: process-level knobs read once at startup from SYNAXIS_*
//     environment variables (optionally via a .env file).
//   - Snapshot: the routing configuration read from the YAML file named by
//     SYNAXIS_CONFIG. Snapshots are immutable; the Store re-reads the file on
//     a poll interval and swaps an atomic pointer, so a malformed edit never
//     disturbs in-flight requests.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Settings is the process-level configuration container.
type Settings struct {
	// ConfigPath is the routing configuration file (SYNAXIS_CONFIG). Required.
	ConfigPath string

	// Listen is the host:port the HTTP server binds. Default: 0.0.0.0:5000.
	Listen string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// DBDSN is the ClickHouse DSN for the usage store. Empty → in-memory.
	DBDSN string

	// RedisURL enables the distributed quota window and the config-change
	// pub/sub channel. Empty → in-process quota, poll-only reload.
	RedisURL string

	// ReloadInterval is the config poll interval. Default: 5s.
	ReloadInterval time.Duration

	// RequestDeadline bounds the orchestrator's total wall time per request.
	// Default: 60s.
	RequestDeadline time.Duration

	// MaxBodyBytes caps the request body. Default: 10 MiB.
	MaxBodyBytes int
}

// Load reads Settings from environment variables (and .env when present).
func Load() (*Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SYNAXIS_LISTEN", "0.0.0.0:5000")
	v.SetDefault("SYNAXIS_LOG_LEVEL", "info")
	v.SetDefault("SYNAXIS_RELOAD_SECONDS", 5)
	v.SetDefault("SYNAXIS_REQUEST_DEADLINE_SECONDS", 60)
	v.SetDefault("SYNAXIS_MAX_BODY_BYTES", 10*1024*1024)

	s := &Settings{
		ConfigPath:      v.GetString("SYNAXIS_CONFIG"),
		Listen:          v.GetString("SYNAXIS_LISTEN"),
		LogLevel:        strings.ToLower(v.GetString("SYNAXIS_LOG_LEVEL")),
		DBDSN:           v.GetString("SYNAXIS_DB_DSN"),
		RedisURL:        v.GetString("SYNAXIS_REDIS_URL"),
		ReloadInterval:  time.Duration(v.GetInt("SYNAXIS_RELOAD_SECONDS")) * time.Second,
		RequestDeadline: time.Duration(v.GetInt("SYNAXIS_REQUEST_DEADLINE_SECONDS")) * time.Second,
		MaxBodyBytes:    v.GetInt("SYNAXIS_MAX_BODY_BYTES"),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.ConfigPath == "" {
		return fmt.Errorf("config: SYNAXIS_CONFIG is required (path to the routing configuration file)")
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid SYNAXIS_LOG_LEVEL %q; must be one of: debug, info, warn, error", s.LogLevel)
	}
	if s.ReloadInterval <= 0 {
		return fmt.Errorf("config: SYNAXIS_RELOAD_SECONDS must be ≥ 1")
	}
	if s.RequestDeadline <= 0 {
		return fmt.Errorf("config: SYNAXIS_REQUEST_DEADLINE_SECONDS must be ≥ 1")
	}
	if s.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: SYNAXIS_MAX_BODY_BYTES must be positive")
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
