/*
Package configs loads the server configuration from environment variables.

It covers the running environment, HTTP port, CORS origins, the identity token
secret, the storage DSN and the timing parameters of the realtime layer (heartbeat,
presence grace, request timeout).
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// MinHeartbeatTimeout and MaxHeartbeatTimeout bound HEARTBEAT_TIMEOUT.
	MinHeartbeatTimeout = 5 * time.Second
	MaxHeartbeatTimeout = 5 * time.Minute
)

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int

	// Security Settings
	AllowedOrigins []string
	JWTSecret      string

	// Database Settings. An empty DSN selects the in-memory store (development only).
	DatabaseDSN string

	// Realtime Settings
	HeartbeatTimeout time.Duration
	PresenceGrace    time.Duration
	RequestTimeout   time.Duration
	MessageMaxBytes  int
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads and validates the configuration from environment variables,
// applying defaults where a variable is unset.
func LoadConfig() (*AppConfig, error) {
	return loadFrom(os.Getenv)
}

func loadFrom(getenv func(string) string) (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	// --- General Server Settings ---
	cfg.Environment = getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Port, err = intVar(getenv, "PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// --- Security Settings ---
	if originsStr := getenv("ALLOWED_ORIGINS"); originsStr != "" {
		for _, origin := range strings.Split(originsStr, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{}
	}

	cfg.JWTSecret = getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required in %s environment for security", cfg.Environment)
		}
		cfg.JWTSecret = "your_default_insecure_secret_key_change_me"
	}

	// --- Database Settings ---
	cfg.DatabaseDSN = getenv("DATABASE_URL")
	if cfg.DatabaseDSN == "" && !cfg.IsDevelopment() {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required in %s environment", cfg.Environment)
	}

	// --- Realtime Settings ---
	if cfg.HeartbeatTimeout, err = durationVar(getenv, "HEARTBEAT_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTimeout < MinHeartbeatTimeout || cfg.HeartbeatTimeout > MaxHeartbeatTimeout {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT %s is outside the allowed range (%s-%s)", cfg.HeartbeatTimeout, MinHeartbeatTimeout, MaxHeartbeatTimeout)
	}

	// The offline announcement waits as long as a silent connection is tolerated, so a
	// reconnect within the heartbeat window is invisible to other users.
	if cfg.PresenceGrace, err = durationVar(getenv, "PRESENCE_GRACE", cfg.HeartbeatTimeout); err != nil {
		return nil, err
	}
	if cfg.PresenceGrace < 0 {
		return nil, fmt.Errorf("PRESENCE_GRACE must not be negative")
	}

	if cfg.RequestTimeout, err = durationVar(getenv, "REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if cfg.MessageMaxBytes, err = intVar(getenv, "MESSAGE_MAX_BYTES", 5000); err != nil {
		return nil, err
	}
	if cfg.MessageMaxBytes <= 0 {
		return nil, fmt.Errorf("MESSAGE_MAX_BYTES must be positive")
	}

	return cfg, nil
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", name, err)
	}
	return v, nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", name, err)
	}
	return v, nil
}
