package model

import (
	"errors"
	"fmt"
	"time"
)

// Collection names in the document store.
const (
	CollectionInstances = "eventInstances"
	CollectionUsers     = "users"
)

// Field names used for field-level updates. Processors never overwrite whole
// documents, only these paths.
const (
	FieldParticipants          = "participants"
	FieldParticipantsProcessed = "participantsListProcessed"
	FieldAttendanceProcessed   = "attendanceProcessed"
	FieldCalendarInvitesSent   = "calendarInvitesSent"
	FieldAttendanceHistory     = "attendanceHistory"

	FieldListRevealDateTime = "listRevealDateTime"
	FieldEventStartDateTime = "eventStartDateTime"
)

// AttendanceField returns the dotted update path for a user's last attendance
// in the given group.
func AttendanceField(groupID string) string {
	return FieldAttendanceHistory + "." + groupID
}

// Participant is a registrant embedded in an EventInstance. Identity is UID.
type Participant struct {
	UID          string    `json:"uid" yaml:"uid"`
	DisplayName  string    `json:"displayName" yaml:"display_name"`
	PhotoURL     string    `json:"photoURL" yaml:"photo_url"`
	IsOrganizer  bool      `json:"isOrganizer" yaml:"is_organizer"`
	RegisteredAt time.Time `json:"registeredAt" yaml:"registered_at"`
}

// EventInstance is one concrete occurrence of a recurring or one-off event.
//
// Participants are in registration order until ParticipantsListProcessed is
// set; afterwards the order is the reveal order and the first Spots entries
// are the confirmed list.
type EventInstance struct {
	ID       string `json:"id"`
	SeriesID string `json:"eventId,omitempty"`
	GroupID  string `json:"groupId"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`

	Spots int `json:"spots"`

	EventStartDateTime       time.Time  `json:"eventStartDateTime"`
	EventEndDateTime         *time.Time `json:"eventEndDateTime,omitempty"`
	RegistrationOpenDateTime time.Time  `json:"registrationOpenDateTime"`
	ListRevealDateTime       time.Time  `json:"listRevealDateTime"`

	// Participants is nil when the field is absent from the stored document.
	Participants []Participant `json:"participants"`

	ParticipantsListProcessed bool `json:"participantsListProcessed,omitempty"`
	AttendanceProcessed       bool `json:"attendanceProcessed,omitempty"`
	CalendarInvitesSent       bool `json:"calendarInvitesSent,omitempty"`
}

// Confirmed returns the first Spots participants in stored order.
func (e *EventInstance) Confirmed() []Participant {
	n := e.Spots
	if n <= 0 {
		return nil
	}
	if n > len(e.Participants) {
		n = len(e.Participants)
	}
	return e.Participants[:n]
}

// Waiting returns the participants past the Spots boundary.
func (e *EventInstance) Waiting() []Participant {
	n := e.Spots
	if n < 0 {
		n = 0
	}
	if n >= len(e.Participants) {
		return nil
	}
	return e.Participants[n:]
}

// EndOrDefault returns EventEndDateTime, or start + 1h when unset.
func (e *EventInstance) EndOrDefault() time.Time {
	if e.EventEndDateTime != nil && !e.EventEndDateTime.IsZero() {
		return *e.EventEndDateTime
	}
	return e.EventStartDateTime.Add(time.Hour)
}

// MissingFields lists the fields the attendance snapshot requires but the
// instance lacks.
func (e *EventInstance) MissingFields() []string {
	var missing []string
	if e.Participants == nil {
		missing = append(missing, FieldParticipants)
	}
	if e.GroupID == "" {
		missing = append(missing, "groupId")
	}
	if e.EventStartDateTime.IsZero() {
		missing = append(missing, FieldEventStartDateTime)
	}
	return missing
}

// Validate checks the creation-time invariants of an instance.
func (e *EventInstance) Validate() error {
	if e.ID == "" {
		return errors.New("model: instance id is empty")
	}
	if e.Spots < 1 {
		return fmt.Errorf("model: instance %s: spots must be >= 1, got %d", e.ID, e.Spots)
	}
	if e.RegistrationOpenDateTime.After(e.EventStartDateTime) {
		return fmt.Errorf("model: instance %s: registration opens after the event starts", e.ID)
	}
	return nil
}

// UserProfile is owned by the profile subsystem; the attendance snapshot only
// advances AttendanceHistory entries.
type UserProfile struct {
	UID         string `json:"uid" yaml:"uid"`
	Email       string `json:"email" yaml:"email"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	PhotoURL    string `json:"photoURL" yaml:"photo_url"`

	// AttendanceHistory maps group id to the start time of the user's most
	// recent confirmed attendance in that group.
	AttendanceHistory map[string]time.Time `json:"attendanceHistory" yaml:"attendance_history"`
}

// LastAttended returns the recorded attendance for groupID, if any.
func (u *UserProfile) LastAttended(groupID string) (time.Time, bool) {
	if u == nil || u.AttendanceHistory == nil {
		return time.Time{}, false
	}
	t, ok := u.AttendanceHistory[groupID]
	if !ok || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}
