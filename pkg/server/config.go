package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	ListenAddr   string `toml:"listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"` // "" disables the metrics endpoint
	DatabasePath string `toml:"database_path"`
	Ephemeral    bool   `toml:"ephemeral"` // In-memory history only, nothing written to disk
}

type LimitsSection struct {
	HistoryLimit           int   `toml:"history_limit"`
	MaxMessageLength       int   `toml:"max_message_length"`
	MaxEnvelopeBytes       int64 `toml:"max_envelope_bytes"`
	IdleTimeoutSeconds     int   `toml:"idle_timeout_seconds"` // 0 disables idle disconnects
	WriteTimeoutSeconds    int   `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int   `toml:"shutdown_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddr:   ":8080",
			MetricsAddr:  ":9090",
			DatabasePath: "~/.roomcast/roomcast.db",
		},
		Limits: LimitsSection{
			HistoryLimit:           50,
			MaxMessageLength:       4096,  // bytes
			MaxEnvelopeBytes:       16384, // bytes
			IdleTimeoutSeconds:     0,     // unjoined idlers are allowed to linger
			WriteTimeoutSeconds:    10,
			ShutdownTimeoutSeconds: 5,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not
// found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config file, creating parent
// directories as needed
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: ROOMCAST_SECTION_KEY
// Example: ROOMCAST_SERVER_LISTEN_ADDR=:9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("ROOMCAST_SERVER_LISTEN_ADDR"); val != "" {
		config.Server.ListenAddr = val
	}
	if val := os.Getenv("ROOMCAST_SERVER_METRICS_ADDR"); val != "" {
		config.Server.MetricsAddr = val
	}
	if val := os.Getenv("ROOMCAST_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("ROOMCAST_SERVER_EPHEMERAL"); val != "" {
		if ephemeral, err := strconv.ParseBool(val); err == nil {
			config.Server.Ephemeral = ephemeral
		}
	}

	// Limits section
	if val := os.Getenv("ROOMCAST_LIMITS_HISTORY_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.HistoryLimit = limit
		}
	}
	if val := os.Getenv("ROOMCAST_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("ROOMCAST_LIMITS_MAX_ENVELOPE_BYTES"); val != "" {
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Limits.MaxEnvelopeBytes = limit
		}
	}
	if val := os.Getenv("ROOMCAST_LIMITS_IDLE_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.IdleTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("ROOMCAST_LIMITS_WRITE_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("ROOMCAST_LIMITS_SHUTDOWN_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.ShutdownTimeoutSeconds = timeout
		}
	}

	return config
}

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	ListenAddr       string
	MetricsAddr      string
	HistoryLimit     int
	MaxMessageLength int
	MaxEnvelopeBytes int64
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().ToServerConfig()
}

// ToServerConfig converts the file representation to the runtime one
func (c TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       c.Server.ListenAddr,
		MetricsAddr:      c.Server.MetricsAddr,
		HistoryLimit:     c.Limits.HistoryLimit,
		MaxMessageLength: c.Limits.MaxMessageLength,
		MaxEnvelopeBytes: c.Limits.MaxEnvelopeBytes,
		IdleTimeout:      time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second,
		WriteTimeout:     time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second,
		ShutdownTimeout:  time.Duration(c.Limits.ShutdownTimeoutSeconds) * time.Second,
	}
}

// DatabasePath returns the expanded database path from the config file
func (c TOMLConfig) DatabasePath() (string, error) {
	return expandPath(c.Server.DatabasePath)
}
