package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("MIRA")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	m.setDefaults()

	// A missing file is fine: defaults + env vars apply.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and pushes every successfully reloaded config.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Connection defaults
	m.viper.SetDefault("connection.origin", defaults.Connection.Origin)
	m.viper.SetDefault("connection.path", defaults.Connection.Path)
	m.viper.SetDefault("connection.url", defaults.Connection.URL)
	m.viper.SetDefault("connection.initial_delay_ms", defaults.Connection.InitialDelayMs)
	m.viper.SetDefault("connection.base_delay_ms", defaults.Connection.BaseDelayMs)
	m.viper.SetDefault("connection.decay", defaults.Connection.Decay)
	m.viper.SetDefault("connection.max_delay_ms", defaults.Connection.MaxDelayMs)
	m.viper.SetDefault("connection.handshake_timeout_ms", defaults.Connection.HandshakeTimeoutMs)
	m.viper.SetDefault("connection.write_timeout_ms", defaults.Connection.WriteTimeoutMs)

	// Queue defaults
	m.viper.SetDefault("queue.max_size", defaults.Queue.MaxSize)
	m.viper.SetDefault("queue.policy", defaults.Queue.Policy)

	// Chat defaults
	m.viper.SetDefault("chat.session_id", defaults.Chat.SessionID)
	m.viper.SetDefault("chat.project_id", defaults.Chat.ProjectID)
	m.viper.SetDefault("chat.status_clear_ms", defaults.Chat.StatusClearMs)
	m.viper.SetDefault("chat.error_clear_ms", defaults.Chat.ErrorClearMs)
	m.viper.SetDefault("chat.thinking_timeout_ms", defaults.Chat.ThinkingTimeoutMs)
	m.viper.SetDefault("chat.max_file_bytes", defaults.Chat.MaxFileBytes)

	// Server defaults
	m.viper.SetDefault("server.enabled", defaults.Server.Enabled)
	m.viper.SetDefault("server.address", defaults.Server.Address)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.send_rate_per_sec", defaults.Server.SendRatePerSec)
	m.viper.SetDefault("server.send_burst", defaults.Server.SendBurst)

	// Transcript defaults
	m.viper.SetDefault("transcript.enabled", defaults.Transcript.Enabled)
	m.viper.SetDefault("transcript.sqlite_path", defaults.Transcript.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Connection
	cfg.Connection.Origin = m.viper.GetString("connection.origin")
	cfg.Connection.Path = m.viper.GetString("connection.path")
	cfg.Connection.URL = m.viper.GetString("connection.url")
	cfg.Connection.InitialDelayMs = m.viper.GetInt("connection.initial_delay_ms")
	cfg.Connection.BaseDelayMs = m.viper.GetInt("connection.base_delay_ms")
	cfg.Connection.Decay = m.viper.GetFloat64("connection.decay")
	cfg.Connection.MaxDelayMs = m.viper.GetInt("connection.max_delay_ms")
	cfg.Connection.HandshakeTimeoutMs = m.viper.GetInt("connection.handshake_timeout_ms")
	cfg.Connection.WriteTimeoutMs = m.viper.GetInt("connection.write_timeout_ms")

	// Queue
	cfg.Queue.MaxSize = m.viper.GetInt("queue.max_size")
	cfg.Queue.Policy = m.viper.GetString("queue.policy")

	// Chat
	cfg.Chat.SessionID = m.viper.GetString("chat.session_id")
	cfg.Chat.ProjectID = m.viper.GetString("chat.project_id")
	cfg.Chat.StatusClearMs = m.viper.GetInt("chat.status_clear_ms")
	cfg.Chat.ErrorClearMs = m.viper.GetInt("chat.error_clear_ms")
	cfg.Chat.ThinkingTimeoutMs = m.viper.GetInt("chat.thinking_timeout_ms")
	cfg.Chat.MaxFileBytes = m.viper.GetInt("chat.max_file_bytes")

	// Server
	cfg.Server.Enabled = m.viper.GetBool("server.enabled")
	cfg.Server.Address = m.viper.GetString("server.address")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.SendRatePerSec = m.viper.GetFloat64("server.send_rate_per_sec")
	cfg.Server.SendBurst = m.viper.GetInt("server.send_burst")

	// Transcript
	cfg.Transcript.Enabled = m.viper.GetBool("transcript.enabled")
	cfg.Transcript.SQLitePath = m.viper.GetString("transcript.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
