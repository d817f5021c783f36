package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conarylabs/mira-realtime/internal/api"
	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/config"
	"github.com/conarylabs/mira-realtime/internal/logging"
	"github.com/conarylabs/mira-realtime/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"connection": true,
	"queue":      true,
	"chat":       true,
	"server":     true,
	"transcript": true,
	"audit":      true,
}

func newRunCmd(a *app) *cobra.Command {
	var printAnswers bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the chat socket open and serve the local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, printAnswers)
		},
	}
	cmd.Flags().BoolVar(&printAnswers, "print", false, "print finalized assistant answers to stdout")
	return cmd
}

func (a *app) run(ctx context.Context, printAnswers bool) error {
	mgr, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	logger, level, err := logging.NewWithLevel(loggingOptions(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	auditLog, err := newAuditLogger(cfg, logger)
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	defer auditLog.Close()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription("Configuration loaded").
		WithMetadata("path", a.configPath).
		WithResult(audit.ResultSuccess))

	store, err := openTranscript(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	c, err := newClient(cfg, store, logger, auditLog)
	if err != nil {
		return err
	}
	if printAnswers {
		c.Assembler().OnChange(func(ch stream.Change) {
			if ch.Kind == stream.ChangeMessageFinalized && ch.Message != nil && ch.Message.Role == stream.RoleAssistant {
				fmt.Fprintln(a.stdout, ch.Message.Content)
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	c.Start(gctx)
	_ = auditLog.Log(gctx, audit.NewEvent(audit.EventClientStarted).
		WithSession(c.SessionID()).
		WithDescription("Realtime client started").
		WithResult(audit.ResultSuccess))

	g.Go(func() error {
		states := c.Manager().StateChanges()
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-states:
				logger.Info("connection state changed", zap.String("state", string(s)))
			}
		}
	})

	if cfg.Server.Enabled {
		srv := api.NewServer(api.ServerOptions{
			Address:        cfg.Server.Address,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			SendLimit: api.SendLimit{
				PerSecond: cfg.Server.SendRatePerSec,
				Burst:     cfg.Server.SendBurst,
			},
		}, api.NewHandler(c, store, logger), logger)

		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		updates := mgr.Watch(gctx)
		current := cfg
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				current = applyReload(gctx, current, &next, level, logger, auditLog)
			}
		}
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := c.Close(closeCtx)
	_ = auditLog.Log(closeCtx, audit.NewEvent(audit.EventClientShutdown).
		WithSession(c.SessionID()).
		WithDescription("Realtime client stopped").
		WithResult(audit.ResultSuccess))

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// applyReload applies what can change at runtime (the log level) and reports
// the sections that need a restart. Invalid configs are ignored.
func applyReload(ctx context.Context, current, next *config.Config, level zap.AtomicLevel, logger *zap.Logger, auditLog audit.Logger) *config.Config {
	if err := validate(next); err != nil {
		logger.Warn("ignoring invalid config reload", zap.Error(err))
		_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReload).
			WithError(err, "invalid_config").
			WithResult(audit.ResultFailure))
		return current
	}

	changed := changedSections(current, next)
	if len(changed) == 0 {
		return current
	}

	if current.Logging.Level != next.Logging.Level {
		if l, err := logging.ParseLevel(next.Logging.Level); err == nil {
			level.SetLevel(l)
		}
	}

	var restart []string
	for _, section := range changed {
		if restartSections[section] {
			restart = append(restart, section)
		}
	}
	if len(restart) > 0 {
		logger.Warn("config changed, restart required to apply", zap.Strings("sections", restart))
	}
	logger.Info("config reloaded", zap.Strings("changed", changed))
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReload).
		WithDescription("Configuration reloaded").
		WithMetadata("changed", changed).
		WithMetadata("restart_required", restart).
		WithResult(audit.ResultSuccess))
	return next
}

// changedSections lists the top-level config sections that differ.
func changedSections(current, next *config.Config) []string {
	before, after := current.Settings(), next.Settings()
	var changed []string
	for section, values := range after {
		if !reflect.DeepEqual(before[section], values) {
			changed = append(changed, section)
		}
	}
	sort.Strings(changed)
	return changed
}
