package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fairplay/internal/app"
	appLog "fairplay/internal/log"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Now string
}

type runOutput struct {
	Job       string    `json:"job"`
	Now       time.Time `json:"now"`
	Processed int       `json:"processed"`
	Stats     any       `json:"stats"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <reveal|attendance|invites>",
		Short: "Run one batch job once and print its stats",
		Long: `Run a single pass of a batch job against the configured store.

Example:
  fairplay run reveal
  fairplay run attendance --now 2025-03-07T17:00:00Z --format json`,
		ValidArgs: app.Jobs,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Now, "now", "", "evaluate the job at this RFC 3339 instant instead of the current time")
	return cmd
}

func runJob(cmd *cobra.Command, opts *RunOptions, job string) error {
	now := time.Now()
	if opts.Now != "" {
		t, err := time.Parse(time.RFC3339, opts.Now)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
		now = t
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
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

	out, err := a.RunJob(cmd.Context(), job, now)
	if err != nil {
		return err
	}

	res := runOutput{Job: job, Now: now, Processed: out.Processed, Stats: out.Stats}
	return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
		fmt.Fprintf(w, "%s at %s: processed %d\n%+v\n", job, now.Format(time.RFC3339), out.Processed, out.Stats)
	})
}
