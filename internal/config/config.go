package config

import "context"

// Package config provides configuration management for mira-client.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (MIRA_* prefix)
//   3. YAML config file (default: ./mira.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Connection
//      - origin: page origin the chat socket is resolved from (http/https)
//      - path: socket path on that origin
//      - url: explicit ws/wss URL, overrides origin+path
//      - initial_delay_ms, base_delay_ms, decay, max_delay_ms: reconnect backoff
//      - handshake_timeout_ms, write_timeout_ms
//
//   2. Queue
//      - max_size: outbound envelopes held while disconnected
//      - policy: "drop_oldest" | "reject"
//
//   3. Chat
//      - session_id: fixed session id (generated when empty)
//      - project_id: default project for outbound chat envelopes
//      - status_clear_ms, error_clear_ms, thinking_timeout_ms
//      - max_file_bytes: file_content truncation limit
//
//   4. Server (local HTTP API)
//      - enabled, address, allowed_origins
//
//   5. Transcript
//      - enabled, sqlite_path
//
//   6. Logging / Audit
//      - level, format, file, max_size_mb, max_backups, max_age_days, compress
//      - audit.enabled, audit.path
//
// Config struct contains all configuration fields
type Config struct {
	Connection struct {
		Origin             string
		Path               string
		URL                string
		InitialDelayMs     int
		BaseDelayMs        int
		Decay              float64
		MaxDelayMs         int
		HandshakeTimeoutMs int
		WriteTimeoutMs     int
	}

	Queue struct {
		MaxSize int
		Policy  string
	}

	Chat struct {
		SessionID         string
		ProjectID         string
		StatusClearMs     int
		ErrorClearMs      int
		ThinkingTimeoutMs int
		MaxFileBytes      int
	}

	// Server is the loopback HTTP API used by UI shells.
	Server struct {
		Enabled bool
		Address string
		// AllowedOrigins is a list of origins permitted by CORS.
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins []string
		// SendRatePerSec limits POSTed chat and command envelopes; 0 disables.
		SendRatePerSec float64
		SendBurst      int
	}

	Transcript struct {
		Enabled    bool
		SQLitePath string
	}

	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	Audit struct {
		Enabled bool
		Path    string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
