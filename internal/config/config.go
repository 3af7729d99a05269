// Package config loads process-level runtime settings from the
// environment. This is distinct from the Metadata Store's config
// table, which holds mutable data rows (available_port_start,
// jwt_secret, ...) rather than process configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the settings needed to start the daemon, before any
// store or gateway component exists.
type Config struct {
	HomeDir  string
	BindAddr string
	LogLevel string
	Quiet    bool

	// JWTSecret seeds the Metadata Store's jwt_secret config row on
	// first boot. The runtime never verifies JWTs itself; that is an
	// external collaborator's job.
	JWTSecret string

	PollIntervalMillis int
	DefaultTaskTimeout int // seconds
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:8089",
		LogLevel:           "info",
		PollIntervalMillis: 200, // 5 Hz
		DefaultTaskTimeout: 30,
	}
}

// HomeDir resolves the runtime's home directory: LATTICERUN_HOME if set,
// otherwise ~/.latticerun.
func HomeDir() string {
	if override := os.Getenv("LATTICERUN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".latticerun")
}

// Load builds a Config from environment variables, loading a .env file
// from the working directory first if one exists.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create runtime home: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LATTICERUN_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("LATTICERUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LATTICERUN_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalMillis = n
		}
	}
	if v := os.Getenv("LATTICERUN_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultTaskTimeout = n
		}
	}
}

// loadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment, without overriding variables already set. Missing file
// is not an error.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"'`)
		if key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, val)
		}
	}
}
