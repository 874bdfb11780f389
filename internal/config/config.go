package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds process-level configuration from the environment.
// File-backed configuration (upstream configs, filters, routing, LB state)
// lives under Home and is managed by the stores in this package.
type Settings struct {
	// Bind addresses
	ProxyHost string
	UIHost    string

	// Service ports
	ClaudePort int
	CodexPort  int
	UIPort     int

	// Root of all file-backed state, default ~/.clp
	Home string

	// Upstream client
	ConnectTimeout   time.Duration
	ReadIdleTimeout  time.Duration
	MaxConnections   int
	MaxKeepAlive     int
	MaxRequestBodyMB int

	// Logging
	LogLevel string
}

func Load() *Settings {
	return &Settings{
		ProxyHost: envOr("CLP_PROXY_HOST", "127.0.0.1"),
		UIHost:    envOr("CLP_UI_HOST", "127.0.0.1"),

		ClaudePort: envInt("CLP_CLAUDE_PORT", 3210),
		CodexPort:  envInt("CLP_CODEX_PORT", 3211),
		UIPort:     envInt("CLP_UI_PORT", 3300),

		Home: envOr("CLP_HOME", defaultHome()),

		ConnectTimeout:   envDuration("CLP_CONNECT_TIMEOUT", 30*time.Second),
		ReadIdleTimeout:  envDuration("CLP_READ_IDLE_TIMEOUT", 300*time.Second),
		MaxConnections:   envInt("CLP_MAX_CONNECTIONS", 200),
		MaxKeepAlive:     envInt("CLP_MAX_KEEPALIVE", 100),
		MaxRequestBodyMB: envInt("CLP_REQUEST_MAX_SIZE_MB", 60),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// DataDir is where routing, LB state, request logs and stats live.
func (s *Settings) DataDir() string { return filepath.Join(s.Home, "data") }

// RunDir holds pid and log files for the process supervisor.
func (s *Settings) RunDir() string { return filepath.Join(s.Home, "run") }

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clp"
	}
	return filepath.Join(home, ".clp")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
