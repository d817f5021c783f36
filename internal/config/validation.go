package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Connection endpoint: either an explicit ws/wss URL or an http/https origin.
	if c.Connection.URL != "" {
		u, err := url.Parse(c.Connection.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "connection.url",
				Message: fmt.Sprintf("url must be an absolute ws:// or wss:// URL, got %q", c.Connection.URL),
			})
		}
	} else {
		u, err := url.Parse(c.Connection.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "connection.origin",
				Message: fmt.Sprintf("origin must be an absolute http:// or https:// URL, got %q", c.Connection.Origin),
			})
		}
		if !strings.HasPrefix(c.Connection.Path, "/") {
			errs = append(errs, &ValidationError{
				Field:   "connection.path",
				Message: fmt.Sprintf("path must start with '/', got %q", c.Connection.Path),
			})
		}
	}

	// Backoff
	if c.Connection.BaseDelayMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "connection.base_delay_ms",
			Message: fmt.Sprintf("base delay must be positive, got %d", c.Connection.BaseDelayMs),
		})
	}
	if c.Connection.Decay < 1.0 {
		errs = append(errs, &ValidationError{
			Field:   "connection.decay",
			Message: fmt.Sprintf("decay must be >= 1.0, got %v", c.Connection.Decay),
		})
	}
	if c.Connection.MaxDelayMs < c.Connection.BaseDelayMs {
		errs = append(errs, &ValidationError{
			Field:   "connection.max_delay_ms",
			Message: fmt.Sprintf("max delay (%d) must be >= base delay (%d)", c.Connection.MaxDelayMs, c.Connection.BaseDelayMs),
		})
	}
	if c.Connection.InitialDelayMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "connection.initial_delay_ms",
			Message: "initial delay cannot be negative",
		})
	}

	// Queue
	if c.Queue.MaxSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "queue.max_size",
			Message: fmt.Sprintf("max size must be at least 1, got %d", c.Queue.MaxSize),
		})
	}
	switch c.Queue.Policy {
	case "drop_oldest", "reject":
	default:
		errs = append(errs, &ValidationError{
			Field:   "queue.policy",
			Message: fmt.Sprintf("policy must be drop_oldest or reject, got %q", c.Queue.Policy),
		})
	}

	// Chat timers
	if c.Chat.StatusClearMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "chat.status_clear_ms",
			Message: "status clear delay must be positive",
		})
	}
	if c.Chat.ErrorClearMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "chat.error_clear_ms",
			Message: "error clear delay must be positive",
		})
	}
	if c.Chat.ThinkingTimeoutMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "chat.thinking_timeout_ms",
			Message: "thinking timeout cannot be negative (use 0 to disable)",
		})
	}

	// Server
	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "server.address",
				Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
			})
		}
		if c.Server.SendRatePerSec < 0 {
			errs = append(errs, &ValidationError{
				Field:   "server.send_rate_per_sec",
				Message: "send rate cannot be negative (use 0 to disable)",
			})
		}
		if c.Server.SendRatePerSec > 0 && c.Server.SendBurst < 1 {
			errs = append(errs, &ValidationError{
				Field:   "server.send_burst",
				Message: "send burst must be at least 1 when a send rate is set",
			})
		}
	}

	// Transcript
	if c.Transcript.Enabled && c.Transcript.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "transcript.sqlite_path",
			Message: "sqlite_path is required when transcript is enabled",
		})
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug, info, warn, error, got %q", c.Logging.Level),
		})
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or console, got %q", c.Logging.Format),
		})
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.path",
			Message: "path is required when audit is enabled",
		})
	}

	return errs
}

// EndpointURL returns the chat socket URL: the explicit URL when set, otherwise one
// resolved from the origin and path.
func (c *Config) EndpointURL() (string, error) {
	if c.Connection.URL != "" {
		return c.Connection.URL, nil
	}
	u, err := url.Parse(c.Connection.Origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	u.Path = c.Connection.Path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
