// Package ics builds and reads the iCalendar payload attached to event
// invitations.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// ProductID is written as the calendar PRODID.
const ProductID = "-//Fairplay Scheduler//EN"

// Person is an organizer or attendee.
type Person struct {
	Name  string
	Email string
}

// Invite is a single VEVENT sent with METHOD:REQUEST.
type Invite struct {
	UID         string
	Sequence    int
	Summary     string
	Description string
	Location    string

	Start time.Time
	End   time.Time
	// Stamp is DTSTAMP; the zero value means Start.
	Stamp time.Time

	Organizer Person
	Attendees []Person
}

// rsvp is spelled out because ical.WithRSVP renders the lower-case Go
// boolean and several clients only honour RSVP=TRUE.
var rsvp = &ical.KeyValues{Key: string(ical.ParameterRsvp), Value: []string{"TRUE"}}

// Build renders inv as a complete VCALENDAR. An End that is unset or not
// after Start becomes Start + 1h.
func Build(inv Invite) (string, error) {
	if inv.UID == "" {
		return "", errors.New("ics: invite UID is empty")
	}
	if inv.Start.IsZero() {
		return "", fmt.Errorf("ics: invite %s has no start time", inv.UID)
	}
	if strings.TrimSpace(inv.Organizer.Email) == "" {
		return "", fmt.Errorf("ics: invite %s has no organizer", inv.UID)
	}

	end := inv.End
	if end.IsZero() || !end.After(inv.Start) {
		end = inv.Start.Add(time.Hour)
	}
	stamp := inv.Stamp
	if stamp.IsZero() {
		stamp = inv.Start
	}

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodRequest)

	ev := cal.AddEvent(inv.UID)
	ev.SetDtStampTime(stamp)
	ev.SetSequence(inv.Sequence)
	ev.SetStartAt(inv.Start)
	ev.SetEndAt(end)
	ev.SetSummary(inv.Summary)
	if inv.Description != "" {
		ev.SetDescription(inv.Description)
	}
	if inv.Location != "" {
		ev.SetLocation(inv.Location)
	}

	ev.SetOrganizer(inv.Organizer.Email, personParams(inv.Organizer)...)
	for _, a := range inv.Attendees {
		if a.Email == "" {
			continue
		}
		params := append(personParams(a),
			ical.ParticipationRoleReqParticipant,
			ical.ParticipationStatusNeedsAction,
			rsvp,
		)
		ev.AddAttendee(a.Email, params...)
	}

	return cal.Serialize(), nil
}

func personParams(p Person) []ical.PropertyParameter {
	if p.Name == "" {
		return nil
	}
	return []ical.PropertyParameter{ical.WithCN(p.Name)}
}
