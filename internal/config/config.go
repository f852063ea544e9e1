// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SandboxConfig holds sandbox execution configuration.
type SandboxConfig struct {
	Backend        string        // "subprocess" (default) or "docker"
	ReaperInterval time.Duration // Idle-container reaper interval (docker backend)
}

// SSEConfig holds Server-Sent Events configuration.
type SSEConfig struct {
	MaxRequestBodySize int64 // Max request body size in bytes (default: 1MB)
}

// CommitConfig holds post-stream persistence configuration.
type CommitConfig struct {
	Timeout time.Duration // Deadline for the background commit transaction
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AgentsDir   string
	Sandbox     SandboxConfig
	SSE         SSEConfig
	Commit      CommitConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/agentgate.db"),
		AgentsDir:   getEnv("AGENTS_DIR", "./agents"),
		Sandbox: SandboxConfig{
			Backend:        getEnv("SANDBOX_BACKEND", "subprocess"),
			ReaperInterval: getEnvDuration("SANDBOX_REAPER_INTERVAL", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: getEnvInt64("SSE_MAX_BODY_SIZE", 1<<20), // 1MB
		},
		Commit: CommitConfig{
			Timeout: getEnvDuration("COMMIT_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentsDir == "" {
		return fmt.Errorf("AGENTS_DIR cannot be empty")
	}
	if c.Sandbox.ReaperInterval <= 0 {
		return fmt.Errorf("SANDBOX_REAPER_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
