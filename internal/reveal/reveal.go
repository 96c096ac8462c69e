// Package reveal reorders the participant lists of events whose reveal time
// has just passed.
package reveal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fairplay/internal/attendance"
	appLog "fairplay/internal/log"
	"fairplay/internal/model"
	"fairplay/internal/ranking"
	"fairplay/internal/store"
)

// DefaultLookback bounds how far back the reveal query reaches.
const DefaultLookback = 2 * time.Hour

// Stats summarizes one reveal run.
type Stats struct {
	// Selected is the number of instances in the reveal window.
	Selected int
	// Skipped counts instances that were already revealed.
	Skipped int
	// Failed counts instances whose attendance could not be loaded; they
	// are left for the next run.
	Failed int
	// Processed counts instances staged with a new order.
	Processed int
	// Committed reports whether the staged reorders reached the store.
	Committed bool
}

// Processor runs reveal passes. It is safe to call Run from several
// goroutines; the random source is guarded.
type Processor struct {
	store    store.Store
	history  *attendance.Accessor
	lookback time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewProcessor builds a reveal processor. rnd drives the tie-break; pass nil
// for a time-seeded source. A non-positive lookback uses DefaultLookback.
func NewProcessor(s store.Store, rnd *rand.Rand, lookback time.Duration) *Processor {
	if rnd == nil {
		rnd = ranking.NewSource()
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Processor{
		store:    s,
		history:  attendance.NewAccessor(s),
		lookback: lookback,
		rnd:      rnd,
	}
}

// Run reveals every unprocessed instance whose listRevealDateTime falls in
// [now-lookback, now]. An instance that cannot be enriched is logged and left
// for the next run. All reorders commit together; a commit failure is
// returned and nothing is written. A cancelled ctx aborts the run before the
// commit and is returned.
func (p *Processor) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	from := now.Add(-p.lookback)

	instances, err := p.store.QueryInstances(ctx, model.FieldListRevealDateTime, from, now)
	if err != nil {
		appLog.Error("reveal: query failed", err, "from", from, "to", now)
		return stats, fmt.Errorf("reveal: query instances: %w", err)
	}
	stats.Selected = len(instances)

	batch := store.NewBatch()
	for i := range instances {
		inst := &instances[i]
		if inst.ParticipantsListProcessed {
			stats.Skipped++
			continue
		}

		ranked, err := p.rankInstance(ctx, inst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				appLog.Warn("reveal: run cancelled; nothing committed", "instance", inst.ID, "err", ctxErr)
				return stats, fmt.Errorf("reveal: %w", ctxErr)
			}
			appLog.Error("reveal: instance failed; leaving for next run", err, "instance", inst.ID)
			stats.Failed++
			continue
		}

		ordered := ranking.Participants(ranked)
		// A concurrent run that revealed the instance first makes the
		// whole commit fail instead of reordering it a second time.
		batch.Require(model.CollectionInstances, inst.ID, model.FieldParticipantsProcessed, false)
		batch.Update(model.CollectionInstances, inst.ID, map[string]any{
			model.FieldParticipants:          ordered,
			model.FieldParticipantsProcessed: true,
		})
		stats.Processed++

		late := 0
		for _, r := range ranked {
			if r.IsLate {
				late++
			}
		}
		revealed := model.EventInstance{Spots: inst.Spots, Participants: ordered}
		appLog.Info("reveal: ranked instance",
			"instance", inst.ID,
			"group", inst.GroupID,
			"participants", len(ranked),
			"confirmed", len(revealed.Confirmed()),
			"waiting", len(revealed.Waiting()),
			"late", late,
		)
	}

	if err := ctx.Err(); err != nil {
		appLog.Warn("reveal: run cancelled; nothing committed", "staged", stats.Processed, "err", err)
		return stats, fmt.Errorf("reveal: %w", err)
	}
	if batch.Len() == 0 {
		appLog.Info("reveal: nothing to reveal",
			"selected", stats.Selected, "skipped", stats.Skipped, "failed", stats.Failed)
		return stats, nil
	}

	if err := p.store.Commit(ctx, batch); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			appLog.Warn("reveal: another run revealed an instance first; retrying next run", "err", err)
		} else {
			appLog.Error("reveal: commit failed", err, "instances", stats.Processed)
		}
		return stats, fmt.Errorf("reveal: commit: %w", err)
	}
	stats.Committed = true
	appLog.Info("reveal: committed", "instances", stats.Processed)
	return stats, nil
}

func (p *Processor) rankInstance(ctx context.Context, inst *model.EventInstance) ([]ranking.Ranked, error) {
	uids := make([]string, 0, len(inst.Participants))
	for _, part := range inst.Participants {
		uids = append(uids, part.UID)
	}
	last, err := p.history.LastAttended(ctx, uids, inst.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load attendance for %s: %w", inst.ID, err)
	}

	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return ranking.Rank(inst.Participants, ranking.MapLookup(last), inst.ListRevealDateTime, p.rnd), nil
}
