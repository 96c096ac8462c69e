// Package series turns an event template into concrete instances.
package series

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "fairplay/internal/log"
	"fairplay/internal/model"
)

const defaultMaxInstances = 500

// Expander controls how a series is expanded.
type Expander struct {
	// Location is the zone the recurrence steps in, so a weekly 18:00 event
	// stays at 18:00 across DST changes. If nil, the start's own location
	// is used.
	Location *time.Location

	// MaxInstances caps a single expansion. If zero, defaultMaxInstances
	// is used.
	MaxInstances int

	// NewID generates instance ids. If nil, random UUIDs are used.
	NewID func() string
}

// Expand expands s with the default Expander.
func Expand(s model.EventSeries, until time.Time) ([]model.EventInstance, error) {
	return Expander{}.Expand(s, until)
}

// Validate checks the template invariants shared by every instance.
func Validate(s model.EventSeries) error {
	if s.GroupID == "" {
		return errors.New("series: group id is empty")
	}
	if s.Spots < 1 {
		return fmt.Errorf("series: spots must be >= 1, got %d", s.Spots)
	}
	if s.EventStartDateTime.IsZero() {
		return errors.New("series: event start is not set")
	}
	if s.RegistrationOpenDateTime.After(s.EventStartDateTime) {
		return errors.New("series: registration opens after the event starts")
	}
	if s.Duration != nil && *s.Duration <= 0 {
		return fmt.Errorf("series: duration must be positive, got %s", *s.Duration)
	}
	if r := s.Recurrence; r != nil {
		switch r.Unit {
		case model.RecurrenceDays, model.RecurrenceWeeks, model.RecurrenceMonths:
		default:
			return fmt.Errorf("series: unknown recurrence type %q", r.Unit)
		}
		if r.Value < 1 {
			return fmt.Errorf("series: recurrence value must be >= 1, got %d", r.Value)
		}
		if s.RecurrenceEndDate.IsZero() {
			return errors.New("series: recurring series needs an end date")
		}
	}
	return nil
}

// Expand generates one instance per occurrence whose start is at or before
// the earlier of s.RecurrenceEndDate and until (a zero until means no extra
// bound). Registration-open and reveal keep their offset from the start. A
// series without Recurrence yields exactly one instance.
func (e Expander) Expand(s model.EventSeries, until time.Time) ([]model.EventInstance, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	if e.MaxInstances <= 0 {
		e.MaxInstances = defaultMaxInstances
	}
	if e.NewID == nil {
		e.NewID = uuid.NewString
	}

	starts, truncated, err := e.occurrences(s, until)
	if err != nil {
		return nil, err
	}
	if truncated {
		appLog.Warn("series: expansion hit the instance cap",
			"series", s.ID, "cap", e.MaxInstances)
	}

	regOffset := s.EventStartDateTime.Sub(s.RegistrationOpenDateTime)
	revealOffset := s.EventStartDateTime.Sub(s.ListRevealDateTime)

	out := make([]model.EventInstance, 0, len(starts))
	for _, start := range starts {
		inst := model.EventInstance{
			ID:                       e.NewID(),
			SeriesID:                 s.ID,
			GroupID:                  s.GroupID,
			Title:                    s.Title,
			Description:              s.Description,
			Location:                 s.Location,
			Spots:                    s.Spots,
			EventStartDateTime:       start,
			RegistrationOpenDateTime: start.Add(-regOffset),
			ListRevealDateTime:       start.Add(-revealOffset),
			Participants:             []model.Participant{},
		}
		if s.Duration != nil {
			end := start.Add(*s.Duration)
			inst.EventEndDateTime = &end
		}
		out = append(out, inst)
	}
	return out, nil
}

func (e Expander) occurrences(s model.EventSeries, until time.Time) ([]time.Time, bool, error) {
	start := s.EventStartDateTime
	if e.Location != nil {
		start = start.In(e.Location)
	}

	if s.Recurrence == nil {
		if !until.IsZero() && start.After(until) {
			return nil, false, nil
		}
		return []time.Time{start}, false, nil
	}

	limit := s.RecurrenceEndDate
	if !until.IsZero() && until.Before(limit) {
		limit = until
	}
	if start.After(limit) {
		return nil, false, nil
	}

	var freq rrule.Frequency
	interval := s.Recurrence.Value
	switch s.Recurrence.Unit {
	case model.RecurrenceDays:
		freq = rrule.DAILY
	case model.RecurrenceWeeks:
		freq = rrule.WEEKLY
	case model.RecurrenceMonths:
		freq = rrule.MONTHLY
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:     freq,
		Interval: interval,
		Dtstart:  start,
		Until:    limit,
	})
	if err != nil {
		return nil, false, fmt.Errorf("series: build rule: %w", err)
	}

	var out []time.Time
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok {
			return out, false, nil
		}
		if len(out) == e.MaxInstances {
			return out, true, nil
		}
		out = append(out, t)
	}
}
