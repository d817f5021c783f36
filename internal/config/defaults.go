package config

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "mira.yaml"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Connection defaults (backoff values observed in the browser client)
	cfg.Connection.Origin = "http://localhost:3001"
	cfg.Connection.Path = "/ws/chat"
	cfg.Connection.URL = ""
	cfg.Connection.InitialDelayMs = 100
	cfg.Connection.BaseDelayMs = 1000
	cfg.Connection.Decay = 1.5
	cfg.Connection.MaxDelayMs = 30000
	cfg.Connection.HandshakeTimeoutMs = 10000
	cfg.Connection.WriteTimeoutMs = 10000

	// Queue defaults
	cfg.Queue.MaxSize = 256
	cfg.Queue.Policy = "drop_oldest"

	// Chat defaults
	cfg.Chat.SessionID = ""
	cfg.Chat.ProjectID = ""
	cfg.Chat.StatusClearMs = 5000
	cfg.Chat.ErrorClearMs = 5000
	cfg.Chat.ThinkingTimeoutMs = 0 // 0 means no client-side deadline
	cfg.Chat.MaxFileBytes = 64 * 1024

	// Server defaults
	cfg.Server.Enabled = true
	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.SendRatePerSec = 5
	cfg.Server.SendBurst = 10

	// Transcript defaults
	cfg.Transcript.Enabled = false
	cfg.Transcript.SQLitePath = "mira-transcript.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = false
	cfg.Audit.Path = "logs/audit.log"

	return cfg
}
