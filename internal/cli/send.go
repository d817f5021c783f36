package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conarylabs/mira-realtime/internal/audit"
	"github.com/conarylabs/mira-realtime/internal/enricher"
	"github.com/conarylabs/mira-realtime/internal/logging"
	"github.com/conarylabs/mira-realtime/internal/stream"
)

type sendOptions struct {
	projectID string
	filePath  string
	language  string
	branch    string
	modified  int
	timeout   time.Duration
	live      bool
}

func newSendCmd(a *app) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one chat message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.send(ctx, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.projectID, "project", "", "project id (defaults to chat.project_id)")
	cmd.Flags().StringVar(&opts.filePath, "file", "", "attach this file as the active editor file")
	cmd.Flags().StringVar(&opts.language, "language", "", "language of --file (detected from the extension by default)")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "current git branch; marks the project as a repository")
	cmd.Flags().IntVar(&opts.modified, "modified", 0, "number of modified files in the repository")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long to wait for the answer")
	cmd.Flags().BoolVar(&opts.live, "stream", false, "print the answer as it streams in")
	return cmd
}

func (o sendOptions) projectContext() (enricher.ProjectContext, error) {
	pc := enricher.ProjectContext{ProjectID: o.projectID, Language: o.language}
	if o.filePath != "" {
		data, err := os.ReadFile(o.filePath)
		if err != nil {
			return pc, fmt.Errorf("read --file: %w", err)
		}
		pc.FilePath = o.filePath
		pc.FileContent = string(data)
	}
	if o.branch != "" {
		pc.Git = &enricher.GitState{
			HasRepository:      true,
			CurrentBranch:      o.branch,
			ModifiedFilesCount: o.modified,
		}
	}
	return pc, nil
}

// answer is the outcome of one send: a finalized message or an error text.
type answer struct {
	msg    *stream.Message
	errMsg string
}

func (a *app) send(ctx context.Context, content string, opts sendOptions) error {
	pc, err := opts.projectContext()
	if err != nil {
		return err
	}
	_, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(loggingOptions(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openTranscript(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	c, err := newClient(cfg, store, logger, audit.NewNopLogger())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = c.Close(closeCtx)
	}()

	done := make(chan answer, 1)
	c.Assembler().OnChange(func(ch stream.Change) {
		switch ch.Kind {
		case stream.ChangeMessageStarted:
			if opts.live && ch.Message != nil {
				fmt.Fprint(a.stdout, ch.Message.Content)
			}
		case stream.ChangeMessageDelta:
			if opts.live {
				fmt.Fprint(a.stdout, ch.Delta)
			}
		case stream.ChangeMessageFinalized:
			if ch.Message != nil && ch.Message.Role == stream.RoleAssistant {
				select {
				case done <- answer{msg: ch.Message}:
				default:
				}
			}
		case stream.ChangeError:
			if ch.Text != "" {
				select {
				case done <- answer{errMsg: ch.Text}:
				default:
				}
			}
		}
	})

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c.Start(ctx)
	if _, err := c.SendChat(content, pc); err != nil {
		return err
	}

	select {
	case ans := <-done:
		if ans.errMsg != "" {
			return errors.New(ans.errMsg)
		}
		if opts.live {
			fmt.Fprintln(a.stdout)
		} else {
			fmt.Fprintln(a.stdout, ans.msg.Content)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no answer within %s (connection %s)", opts.timeout, c.State())
	}
}
