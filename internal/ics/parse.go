package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "fairplay/internal/log"
)

// Parsed is a calendar read back from its wire form.
type Parsed struct {
	Method string
	Events []Invite

	// RSVP and PartStat are keyed by attendee email.
	RSVP     map[string]string
	PartStat map[string]string
}

// Parse reads a VCALENDAR produced by Build (or any compatible client).
// Events without a UID are logged and skipped.
func Parse(body []byte) (*Parsed, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := &Parsed{
		RSVP:     map[string]string{},
		PartStat: map[string]string{},
	}
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(ical.PropertyMethod) {
			out.Method = p.Value
		}
	}

	for _, ve := range cal.Events() {
		inv, perr := parseVEvent(ve, out)
		if perr != nil {
			appLog.Warn("ics: skipping vevent", "err", perr)
			continue
		}
		out.Events = append(out.Events, inv)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, into *Parsed) (Invite, error) {
	var inv Invite

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return inv, errors.New("missing UID")
	}
	inv.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			inv.Sequence = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		inv.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		inv.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		inv.Location = p.Value
	}

	inv.Start, _ = ve.GetStartAt()
	inv.End, _ = ve.GetEndAt()
	if p := ve.GetProperty(ical.ComponentPropertyDtstamp); p != nil {
		if t, err := parseUTC(p.Value); err == nil {
			inv.Stamp = t
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		inv.Organizer = Person{
			Email: strings.TrimPrefix(p.Value, "mailto:"),
			Name:  firstParam(p.ICalParameters, string(ical.ParameterCn)),
		}
	}

	for _, a := range ve.Attendees() {
		email := a.Email()
		inv.Attendees = append(inv.Attendees, Person{
			Email: email,
			Name:  firstParam(a.ICalParameters, string(ical.ParameterCn)),
		})
		into.RSVP[email] = firstParam(a.ICalParameters, string(ical.ParameterRsvp))
		into.PartStat[email] = string(a.ParticipationStatus())
	}
	return inv, nil
}

func firstParam(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func parseUTC(v string) (time.Time, error) {
	return time.Parse("20060102T150405Z", strings.TrimSpace(v))
}
