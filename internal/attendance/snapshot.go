// Package attendance records which users were confirmed for events that are
// about to start, so later reveals can prioritize people who attended least
// recently.
package attendance

import (
	"context"
	"fmt"
	"time"

	appLog "fairplay/internal/log"
	"fairplay/internal/model"
	"fairplay/internal/store"
)

// DefaultLookahead is how far past now the snapshot looks for starting events.
const DefaultLookahead = 2 * time.Hour

// Stats summarizes one snapshot run.
type Stats struct {
	// Selected is the number of instances in the start-time window.
	Selected int
	// AlreadyProcessed counts instances skipped by the idempotence guard.
	AlreadyProcessed int
	// Malformed counts instances marked processed without crediting anyone.
	Malformed int
	// Processed counts instances marked processed, Malformed included.
	Processed int
	// Credited counts staged attendance updates.
	Credited int
	// NotAdvanced counts confirmed users whose stored value was already
	// at or past the event start.
	NotAdvanced int
	// MissingProfiles counts confirmed users without a profile document.
	MissingProfiles int
	// Operations is the number of staged updates; Committed reports whether
	// they were sent to the store.
	Operations int
	Committed  bool
}

// Processor runs the attendance snapshot.
type Processor struct {
	store     store.Store
	profiles  *Accessor
	lookahead time.Duration
}

// NewProcessor builds a snapshot processor. A non-positive lookahead falls
// back to DefaultLookahead.
func NewProcessor(s store.Store, lookahead time.Duration) *Processor {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Processor{
		store:     s,
		profiles:  NewAccessor(s),
		lookahead: lookahead,
	}
}

// Run selects instances starting in [now, now+lookahead] that were not
// snapshotted yet, credits their confirmed participants and marks them
// processed, all in one atomic commit. Any store error aborts the run with
// nothing written.
func (p *Processor) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	windowEnd := now.Add(p.lookahead)

	instances, err := p.store.QueryInstances(ctx, model.FieldEventStartDateTime, now, windowEnd)
	if err != nil {
		appLog.Error("attendance: query failed", err, "from", now, "to", windowEnd)
		return stats, fmt.Errorf("attendance: query instances: %w", err)
	}
	stats.Selected = len(instances)
	if len(instances) == 0 {
		appLog.Info("attendance: no upcoming event instances in window", "from", now, "to", windowEnd)
		return stats, nil
	}

	pending := make([]*model.EventInstance, 0, len(instances))
	for i := range instances {
		if instances[i].AttendanceProcessed {
			stats.AlreadyProcessed++
			continue
		}
		pending = append(pending, &instances[i])
	}

	// Every confirmed uid across all pending instances is read in one
	// fan-out before any update is staged.
	var uids []string
	for _, inst := range pending {
		if len(inst.MissingFields()) > 0 {
			continue
		}
		for _, part := range inst.Confirmed() {
			uids = append(uids, part.UID)
		}
	}
	profiles, err := p.profiles.Profiles(ctx, uids)
	if err != nil {
		appLog.Error("attendance: profile read failed", err, "users", len(uids))
		return stats, fmt.Errorf("attendance: read profiles: %w", err)
	}
	// view tracks attendance as it will be after this run, so two instances
	// of one group crediting the same user keep the newer start.
	view := newHistoryView(profiles)

	batch := store.NewBatch()
	for _, inst := range pending {
		if missing := inst.MissingFields(); len(missing) > 0 {
			appLog.Warn("attendance: instance missing required fields; marking processed",
				"instance", inst.ID, "missing", missing)
			batch.Update(model.CollectionInstances, inst.ID, map[string]any{model.FieldAttendanceProcessed: true})
			stats.Malformed++
			stats.Processed++
			continue
		}

		confirmed := inst.Confirmed()
		appLog.Info("attendance: processing instance",
			"instance", inst.ID,
			"title", inst.Title,
			"spots", inst.Spots,
			"confirmed", len(confirmed),
			"registered", len(inst.Participants),
		)

		for _, part := range confirmed {
			if part.UID == "" {
				continue
			}
			current, known := view.get(part.UID, inst.GroupID)
			if !known {
				appLog.Warn("attendance: confirmed user has no profile; skipping",
					"instance", inst.ID, "uid", part.UID)
				stats.MissingProfiles++
				continue
			}
			if !StageAdvance(batch, part.UID, inst.GroupID, current, inst.EventStartDateTime) {
				appLog.Debug("attendance: stored attendance is newer; not overwriting",
					"instance", inst.ID, "uid", part.UID, "group", inst.GroupID)
				stats.NotAdvanced++
				continue
			}
			view.set(part.UID, inst.GroupID, inst.EventStartDateTime)
			stats.Credited++
		}

		batch.Update(model.CollectionInstances, inst.ID, map[string]any{model.FieldAttendanceProcessed: true})
		stats.Processed++
	}

	stats.Operations = batch.Len()
	if batch.Len() == 0 {
		appLog.Info("attendance: all instances in window already processed",
			"selected", stats.Selected)
		return stats, nil
	}

	if err := p.store.Commit(ctx, batch); err != nil {
		appLog.Error("attendance: commit failed", err, "operations", batch.Len())
		return stats, fmt.Errorf("attendance: commit: %w", err)
	}
	stats.Committed = true

	appLog.Info("attendance: snapshot committed",
		"processed", stats.Processed,
		"credited", stats.Credited,
		"operations", stats.Operations,
	)
	return stats, nil
}

type historyView struct {
	known   map[string]bool
	history map[string]map[string]time.Time
}

func newHistoryView(profiles map[string]*model.UserProfile) *historyView {
	v := &historyView{
		known:   make(map[string]bool, len(profiles)),
		history: make(map[string]map[string]time.Time, len(profiles)),
	}
	for uid, u := range profiles {
		v.known[uid] = true
		h := make(map[string]time.Time, len(u.AttendanceHistory))
		for g, t := range u.AttendanceHistory {
			if !t.IsZero() {
				h[g] = t
			}
		}
		v.history[uid] = h
	}
	return v
}

// get returns the current value (nil when unset) and whether the user has a
// profile at all.
func (v *historyView) get(uid, groupID string) (*time.Time, bool) {
	if !v.known[uid] {
		return nil, false
	}
	t, ok := v.history[uid][groupID]
	if !ok {
		return nil, true
	}
	return &t, true
}

func (v *historyView) set(uid, groupID string, at time.Time) {
	v.history[uid][groupID] = at
}
