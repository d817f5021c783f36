package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/client"
	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/db"
	"github.com/conarylabs/mira-realtime/internal/logging"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type app struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "mira-client",
		Short:         "Realtime chat client for the Mira backend",
		Long:          "mira-client keeps a chat socket to the Mira backend open, assembles streamed answers and serves them to local UI shells over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(
		newRunCmd(a),
		newSendCmd(a),
		newConfigCmd(a),
	)

	cmd.SetVersionTemplate(fmt.Sprintf("mira-client {{.Version}} (commit %s, built %s)\n", Commit, BuildDate))
	return cmd
}

// loadConfig loads the config file, applies flag overrides and validates the
// result. The manager is returned for watching.
func (a *app) loadConfig(ctx context.Context) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	cfg := *mgr.Get(ctx)
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := validate(&cfg); err != nil {
		return nil, nil, err
	}
	return mgr, &cfg, nil
}

func validate(cfg *config.Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func loggingOptions(cfg *config.Config) logging.Options {
	return logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
}

func newAuditLogger(cfg *config.Config, logger *zap.Logger) (audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return audit.NewNopLogger(), nil
	}
	ac := audit.DefaultConfig()
	ac.Path = cfg.Audit.Path
	ac.MaxSize = cfg.Logging.MaxSizeMB
	ac.MaxBackups = cfg.Logging.MaxBackups
	ac.MaxAge = cfg.Logging.MaxAgeDays
	ac.Compress = cfg.Logging.Compress
	return audit.NewLogger(ac, logger)
}

// openTranscript returns nil when transcripts are disabled.
func openTranscript(cfg *config.Config) (db.Store, error) {
	if !cfg.Transcript.Enabled {
		return nil, nil
	}
	store, err := db.NewSQLiteStore(cfg.Transcript.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	return store, nil
}

func newClient(cfg *config.Config, store db.Store, logger *zap.Logger, auditLog audit.Logger) (*client.Client, error) {
	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts.Stream.Store = db.NewTranscript(store, cfg.Chat.ProjectID)
	}
	return client.New(opts, logger, auditLog)
}
