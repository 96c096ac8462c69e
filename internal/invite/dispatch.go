package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"fairplay/internal/attendance"
	"fairplay/internal/ics"
	appLog "fairplay/internal/log"
	"fairplay/internal/model"
	"fairplay/internal/store"
)

// DefaultLookback is the reveal window scanned for instances awaiting invites.
const DefaultLookback = 2 * time.Hour

// Config configures a Dispatcher.
type Config struct {
	Options

	Lookback time.Duration
	// RatePerMinute caps sends per minute; zero means unlimited.
	RatePerMinute int
}

// Stats summarizes one dispatch run.
type Stats struct {
	// Selected is the number of instances in the reveal window.
	Selected int
	// Pending counts revealed instances whose invites were not sent yet.
	Pending int
	// Sent counts instances delivered to the sink and marked sent.
	Sent int
	// NoAttendees counts instances left unmarked because no confirmed
	// participant has an email address.
	NoAttendees int
	// Failed counts instances whose resolve, build, send or mark step
	// failed; they are retried on the next run.
	Failed int
}

// Dispatcher sends invitations for revealed instances.
type Dispatcher struct {
	store    store.Store
	profiles *attendance.Accessor
	sink     Sink
	opts     Options
	lookback time.Duration
	limiter  *rate.Limiter
}

// NewDispatcher validates cfg and builds a dispatcher around sink.
func NewDispatcher(s store.Store, sink Sink, cfg Config) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("invite: sink is nil")
	}
	if err := cfg.Options.validate(); err != nil {
		return nil, err
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	return &Dispatcher{
		store:    s,
		profiles: attendance.NewAccessor(s),
		sink:     sink,
		opts:     cfg.Options,
		lookback: lookback,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

// Run sends invites for every instance revealed in [now-lookback, now] that
// has not been invited yet. Each successful send is marked with its own
// commit; a failure on one instance is logged and the instance is retried
// on the next run. Only a failed query or a cancelled context is returned.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	from := now.Add(-d.lookback)

	instances, err := d.store.QueryInstances(ctx, model.FieldListRevealDateTime, from, now)
	if err != nil {
		appLog.Error("invite: query failed", err, "from", from, "to", now)
		return stats, fmt.Errorf("invite: query instances: %w", err)
	}
	stats.Selected = len(instances)

	for i := range instances {
		inst := &instances[i]
		if !inst.ParticipantsListProcessed || inst.CalendarInvitesSent {
			continue
		}
		stats.Pending++

		attendees, err := d.attendees(ctx, inst)
		if err != nil {
			appLog.Error("invite: resolve attendees failed", err, "instance", inst.ID)
			stats.Failed++
			continue
		}
		if len(attendees) == 0 {
			appLog.Info("invite: no reachable confirmed participants", "instance", inst.ID)
			stats.NoAttendees++
			continue
		}

		inv, err := NewInvitation(inst, attendees, d.opts, now)
		if err != nil {
			appLog.Error("invite: build failed", err, "instance", inst.ID)
			stats.Failed++
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return stats, fmt.Errorf("invite: rate limit: %w", err)
		}

		if err := d.sink.Send(ctx, inv); err != nil {
			appLog.Error("invite: send failed", err, "instance", inst.ID, "sink", d.sink.Name())
			stats.Failed++
			continue
		}

		b := store.NewBatch()
		b.Update(model.CollectionInstances, inst.ID, map[string]any{model.FieldCalendarInvitesSent: true})
		if err := d.store.Commit(ctx, b); err != nil {
			// The invite went out but the flag did not stick; the next run
			// sends it again.
			appLog.Error("invite: mark sent failed", err, "instance", inst.ID)
			stats.Failed++
			continue
		}
		stats.Sent++
	}

	appLog.Info("invite: run complete",
		"selected", stats.Selected,
		"pending", stats.Pending,
		"sent", stats.Sent,
		"failed", stats.Failed,
	)
	return stats, nil
}

// attendees resolves the confirmed participants to addresses, keeping the
// confirmed order and dropping anyone without a profile or email.
func (d *Dispatcher) attendees(ctx context.Context, inst *model.EventInstance) ([]ics.Person, error) {
	confirmed := inst.Confirmed()
	if len(confirmed) == 0 {
		return nil, nil
	}
	uids := make([]string, 0, len(confirmed))
	for _, p := range confirmed {
		uids = append(uids, p.UID)
	}
	profiles, err := d.profiles.Profiles(ctx, uids)
	if err != nil {
		return nil, err
	}

	out := make([]ics.Person, 0, len(confirmed))
	seen := map[string]bool{}
	for _, p := range confirmed {
		u, ok := profiles[p.UID]
		if !ok || u.Email == "" || seen[u.Email] {
			continue
		}
		seen[u.Email] = true
		name := u.DisplayName
		if name == "" {
			name = p.DisplayName
		}
		out = append(out, ics.Person{Name: name, Email: u.Email})
	}
	return out, nil
}
