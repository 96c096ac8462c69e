// Package invite sends calendar invitations to the confirmed participants of
// revealed events.
package invite

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"fairplay/internal/ics"
	"fairplay/internal/model"
)

// Options carries the organizer identity and link settings that every
// invitation shares.
type Options struct {
	OrganizerEmail string
	OrganizerName  string
	// Domain is the right-hand side of the iCalendar UID.
	Domain string
	// ResignURL is the page where a participant can give up their spot.
	// "{groupId}" is replaced with the event's group.
	ResignURL string
}

func (o Options) validate() error {
	if strings.TrimSpace(o.OrganizerEmail) == "" {
		return errors.New("invite: organizer email is empty")
	}
	if strings.TrimSpace(o.Domain) == "" {
		return errors.New("invite: uid domain is empty")
	}
	return nil
}

func (o Options) resignLink(groupID string) string {
	return strings.ReplaceAll(o.ResignURL, "{groupId}", groupID)
}

// Invitation is everything a sink needs to deliver one event's invite.
type Invitation struct {
	InstanceID  string
	GroupID     string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time

	Organizer ics.Person
	Attendees []ics.Person

	ResignLink string
	Subject    string
	HTMLBody   string
	// ICS is the text/calendar attachment.
	ICS string
}

// Recipients returns the attendee addresses in order.
func (inv *Invitation) Recipients() []string {
	out := make([]string, 0, len(inv.Attendees))
	for _, a := range inv.Attendees {
		out = append(out, a.Email)
	}
	return out
}

var bodyTmpl = template.Must(template.New("invite").Parse(`<h1>You're Invited!</h1>
<p>Please accept the attached calendar invite for: <strong>{{.Title}}</strong>.</p>
{{- if .ResignLink}}
<p>If you can't make it, please use the link below to resign.</p>
<p><a href="{{.ResignLink}}">Resign from this event</a></p>
{{- end}}
`))

// NewInvitation assembles the invitation for inst. stamp becomes DTSTAMP.
func NewInvitation(inst *model.EventInstance, attendees []ics.Person, opts Options, stamp time.Time) (*Invitation, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(attendees) == 0 {
		return nil, fmt.Errorf("invite: instance %s has no attendees", inst.ID)
	}

	inv := &Invitation{
		InstanceID:  inst.ID,
		GroupID:     inst.GroupID,
		Title:       inst.Title,
		Description: inst.Description,
		Location:    inst.Location,
		Start:       inst.EventStartDateTime,
		End:         inst.EndOrDefault(),
		Organizer:   ics.Person{Name: opts.OrganizerName, Email: opts.OrganizerEmail},
		Attendees:   attendees,
		Subject:     "Invite: " + inst.Title,
	}
	if opts.ResignURL != "" {
		inv.ResignLink = opts.resignLink(inst.GroupID)
	}

	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, inv); err != nil {
		return nil, fmt.Errorf("invite: render body: %w", err)
	}
	inv.HTMLBody = body.String()

	payload, err := ics.Build(ics.Invite{
		UID:         inst.ID + "@" + opts.Domain,
		Summary:     inst.Title,
		Description: calendarDescription(inv.ResignLink, inst.Description),
		Location:    inst.Location,
		Start:       inv.Start,
		End:         inv.End,
		Stamp:       stamp,
		Organizer:   inv.Organizer,
		Attendees:   attendees,
	})
	if err != nil {
		return nil, fmt.Errorf("invite: %w", err)
	}
	inv.ICS = payload
	return inv, nil
}

func calendarDescription(resignLink, description string) string {
	if resignLink == "" {
		return description
	}
	return "To resign if you can't make it, please visit: " + resignLink + "\n\n---\n\n" + description
}
