package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fairplay/internal/app"
	appLog "fairplay/internal/log"
	"fairplay/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled jobs and the status API",
		Long: `Open the store, start the reveal, attendance and invite jobs on their cron
schedules and serve /health, /metrics and /api/jobs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Error("error closing store", err)
		}
	}()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLog.Info("fairplay starting",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"store", cfg.Store.Driver,
		"reveal", cfg.Jobs.Reveal.Schedule,
		"attendance", cfg.Jobs.Attendance.Schedule,
		"invites", cfg.Jobs.Invites.Schedule,
	)

	a.Scheduler.Start()
	err = web.NewServer(cfg, a.Scheduler, a.Metrics.Handler()).Serve(ctx)
	appLog.Info("fairplay exiting")
	return err
}
