// Package app assembles the store, processors, scheduler and metrics from a
// Config.
package app

import (
	"context"
	"fmt"
	"time"

	"fairplay/internal/attendance"
	"fairplay/internal/config"
	"fairplay/internal/invite"
	appLog "fairplay/internal/log"
	"fairplay/internal/metrics"
	"fairplay/internal/reveal"
	"fairplay/internal/scheduler"
	"fairplay/internal/store"
)

// Job names, used in config, metrics labels and the CLI.
const (
	JobReveal     = "reveal"
	JobAttendance = "attendance"
	JobInvites    = "invites"
)

// Jobs lists the job names in the order they are registered.
var Jobs = []string{JobReveal, JobAttendance, JobInvites}

// App holds everything a running instance needs.
type App struct {
	Config    *config.Config
	Store     store.Store
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler

	Reveal     *reveal.Processor
	Attendance *attendance.Processor
	Invites    *invite.Dispatcher
}

// OpenStore opens the backend selected by cfg.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.NewSQLite(cfg.Path)
	case config.DriverBolt:
		return store.NewBolt(cfg.Path)
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.Driver)
	}
}

// NewSink builds the invitation sink selected by cfg.
func NewSink(cfg config.SinkConfig) (invite.Sink, error) {
	switch cfg.Type {
	case config.SinkLog:
		return invite.NewLog(), nil
	case config.SinkOutbox:
		return invite.NewOutbox(cfg.OutboxDir)
	case config.SinkSMTP:
		return invite.NewSMTP(invite.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
	default:
		return nil, fmt.Errorf("app: unknown invite sink %q", cfg.Type)
	}
}

// New opens the configured store and wires the processors around it.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a, err := NewWithStore(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore wires the processors around an already open store. The App
// takes ownership of st.
func NewWithStore(cfg *config.Config, st store.Store) (*App, error) {
	sink, err := NewSink(cfg.Invites.Sink)
	if err != nil {
		return nil, err
	}
	dispatcher, err := invite.NewDispatcher(st, sink, invite.Config{
		Options: invite.Options{
			OrganizerEmail: cfg.Invites.OrganizerEmail,
			OrganizerName:  cfg.Invites.OrganizerName,
			Domain:         cfg.Invites.Domain,
			ResignURL:      cfg.Invites.ResignURL,
		},
		Lookback:      cfg.Jobs.Invites.Window,
		RatePerMinute: cfg.Invites.RatePerMinute,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Store:      st,
		Metrics:    metrics.New(),
		Reveal:     reveal.NewProcessor(st, nil, cfg.Jobs.Reveal.Window),
		Attendance: attendance.NewProcessor(st, cfg.Jobs.Attendance.Window),
		Invites:    dispatcher,
	}
	a.Scheduler = scheduler.New(cfg.Location(), a.Metrics)

	jobs := []scheduler.Job{
		{Name: JobReveal, Schedule: cfg.Jobs.Reveal.Schedule, Timeout: cfg.Jobs.Reveal.Timeout, Run: a.runReveal},
		{Name: JobAttendance, Schedule: cfg.Jobs.Attendance.Schedule, Timeout: cfg.Jobs.Attendance.Timeout, Run: a.runAttendance},
		{Name: JobInvites, Schedule: cfg.Jobs.Invites.Schedule, Timeout: cfg.Jobs.Invites.Timeout, Run: a.runInvites},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Add(j); err != nil {
			return nil, err
		}
	}

	appLog.Info("app: wired",
		"store", cfg.Store.Driver,
		"sink", sink.Name(),
		"timezone", cfg.Timezone,
	)
	return a, nil
}

func (a *App) runReveal(ctx context.Context, now time.Time) (scheduler.Outcome, error) {
	stats, err := a.Reveal.Run(ctx, now)
	return scheduler.Outcome{Processed: stats.Processed, Stats: stats}, err
}

func (a *App) runAttendance(ctx context.Context, now time.Time) (scheduler.Outcome, error) {
	stats, err := a.Attendance.Run(ctx, now)
	return scheduler.Outcome{Processed: stats.Processed, Stats: stats}, err
}

func (a *App) runInvites(ctx context.Context, now time.Time) (scheduler.Outcome, error) {
	stats, err := a.Invites.Run(ctx, now)
	return scheduler.Outcome{Processed: stats.Sent, Stats: stats}, err
}

// RunJob executes one job immediately at the given instant, bypassing the
// schedule. It is what the CLI's run command uses.
func (a *App) RunJob(ctx context.Context, name string, now time.Time) (scheduler.Outcome, error) {
	switch name {
	case JobReveal:
		return a.runReveal(ctx, now)
	case JobAttendance:
		return a.runAttendance(ctx, now)
	case JobInvites:
		return a.runInvites(ctx, now)
	default:
		return scheduler.Outcome{}, fmt.Errorf("app: unknown job %q", name)
	}
}

// Close stops the scheduler, waits for running jobs and closes the store.
func (a *App) Close() error {
	<-a.Scheduler.Stop().Done()
	return a.Store.Close()
}
