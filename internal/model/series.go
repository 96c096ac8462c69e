package model

import "time"

// RecurrenceUnit is the step unit of a recurring series.
type RecurrenceUnit string

const (
	RecurrenceDays   RecurrenceUnit = "days"
	RecurrenceWeeks  RecurrenceUnit = "weeks"
	RecurrenceMonths RecurrenceUnit = "months"
)

// Recurrence repeats a series every Value Units.
type Recurrence struct {
	Unit  RecurrenceUnit `json:"type" yaml:"type"`
	Value int            `json:"value" yaml:"value"`
}

// EventSeries is the template a set of EventInstances is generated from.
// A nil Recurrence describes a one-off event.
type EventSeries struct {
	ID      string `json:"id" yaml:"id"`
	GroupID string `json:"groupId" yaml:"group_id"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Location    string `json:"location" yaml:"location"`
	Spots       int    `json:"spots" yaml:"spots"`

	EventStartDateTime       time.Time      `json:"eventStartDateTime" yaml:"event_start"`
	Duration                 *time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	RegistrationOpenDateTime time.Time      `json:"registrationOpenDateTime" yaml:"registration_open"`
	ListRevealDateTime       time.Time      `json:"listRevealDateTime" yaml:"list_reveal"`

	Recurrence        *Recurrence `json:"recurrence,omitempty" yaml:"recurrence,omitempty"`
	RecurrenceEndDate time.Time   `json:"recurrenceEndDate,omitempty" yaml:"recurrence_end,omitempty"`
}
