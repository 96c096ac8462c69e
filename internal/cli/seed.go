package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fairplay/internal/app"
	"fairplay/internal/config"
	appLog "fairplay/internal/log"
	"fairplay/internal/model"
	"fairplay/internal/series"
	"fairplay/internal/store"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Horizon time.Duration
}

// seedFile is the YAML layout accepted by seed.
//
//	users:
//	  - uid: ann
//	    email: ann@example.org
//	series:
//	  - group_id: football
//	    spots: 10
//	    event_start: 2025-03-07T18:00:00Z
//	    registration_open: 2025-03-04T18:00:00Z
//	    list_reveal: 2025-03-06T18:00:00Z
//	    recurrence: {type: weeks, value: 1}
//	    recurrence_end: 2025-06-30T00:00:00Z
//	    participants: [ann]
type seedFile struct {
	Users  []model.UserProfile `yaml:"users"`
	Series []seedSeries        `yaml:"series"`
}

type seedSeries struct {
	model.EventSeries `yaml:",inline"`
	// Participants are registered, in order, on every generated instance.
	Participants []string `yaml:"participants"`
}

type seedOutput struct {
	Users     int `json:"users"`
	Series    int `json:"series"`
	Instances int `json:"instances"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load users and event series into the store",
		Long: `Load user profiles and event series from a YAML file. Recurring series are
expanded into instances up to the end of the series or the horizon,
whichever comes first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.Horizon, "horizon", 90*24*time.Hour, "do not generate instances starting later than now plus this")
	return cmd
}

func runSeed(cmd *cobra.Command, opts *SeedOptions, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Error("error closing store", err)
		}
	}()

	out, err := seed(cmd.Context(), st, cfg, file, time.Now().Add(opts.Horizon))
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
		fmt.Fprintf(w, "seeded %d users, %d series, %d instances\n", out.Users, out.Series, out.Instances)
	})
}

func seed(ctx context.Context, st store.Store, cfg *config.Config, file seedFile, until time.Time) (seedOutput, error) {
	var out seedOutput

	for i := range file.Users {
		u := &file.Users[i]
		if err := st.PutUser(ctx, u); err != nil {
			return out, err
		}
		out.Users++
	}

	exp := series.Expander{Location: cfg.Location()}
	for i := range file.Series {
		s := file.Series[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		instances, err := exp.Expand(s.EventSeries, until)
		if err != nil {
			return out, fmt.Errorf("series %d (%s): %w", i, s.Title, err)
		}
		for j := range instances {
			inst := &instances[j]
			for k, uid := range s.Participants {
				inst.Participants = append(inst.Participants, model.Participant{
					UID:          uid,
					RegisteredAt: inst.RegistrationOpenDateTime.Add(time.Duration(k+1) * time.Minute),
				})
			}
			if err := st.PutInstance(ctx, inst); err != nil {
				return out, err
			}
		}
		appLog.Info("seed: series expanded", "series", s.ID, "group", s.GroupID, "instances", len(instances))
		out.Series++
		out.Instances += len(instances)
	}
	return out, nil
}
