package config

// Settings returns the configuration keyed the same way as the config file,
// for display by `mira-client config view`.
func (c *Config) Settings() map[string]interface{} {
	return map[string]interface{}{
		"connection": map[string]interface{}{
			"origin":               c.Connection.Origin,
			"path":                 c.Connection.Path,
			"url":                  c.Connection.URL,
			"initial_delay_ms":     c.Connection.InitialDelayMs,
			"base_delay_ms":        c.Connection.BaseDelayMs,
			"decay":                c.Connection.Decay,
			"max_delay_ms":         c.Connection.MaxDelayMs,
			"handshake_timeout_ms": c.Connection.HandshakeTimeoutMs,
			"write_timeout_ms":     c.Connection.WriteTimeoutMs,
		},
		"queue": map[string]interface{}{
			"max_size": c.Queue.MaxSize,
			"policy":   c.Queue.Policy,
		},
		"chat": map[string]interface{}{
			"session_id":          c.Chat.SessionID,
			"project_id":          c.Chat.ProjectID,
			"status_clear_ms":     c.Chat.StatusClearMs,
			"error_clear_ms":      c.Chat.ErrorClearMs,
			"thinking_timeout_ms": c.Chat.ThinkingTimeoutMs,
			"max_file_bytes":      c.Chat.MaxFileBytes,
		},
		"server": map[string]interface{}{
			"enabled":           c.Server.Enabled,
			"address":           c.Server.Address,
			"allowed_origins":   c.Server.AllowedOrigins,
			"send_rate_per_sec": c.Server.SendRatePerSec,
			"send_burst":        c.Server.SendBurst,
		},
		"transcript": map[string]interface{}{
			"enabled":     c.Transcript.Enabled,
			"sqlite_path": c.Transcript.SQLitePath,
		},
		"logging": map[string]interface{}{
			"level":        c.Logging.Level,
			"format":       c.Logging.Format,
			"file":         c.Logging.File,
			"max_size_mb":  c.Logging.MaxSizeMB,
			"max_backups":  c.Logging.MaxBackups,
			"max_age_days": c.Logging.MaxAgeDays,
			"compress":     c.Logging.Compress,
		},
		"audit": map[string]interface{}{
			"enabled": c.Audit.Enabled,
			"path":    c.Audit.Path,
		},
	}
}
