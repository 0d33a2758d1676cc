// Package incidence defines the contract the persistence engine expects
// from a calendaring object model (RFC 5545 events, to-dos, journals).
// The engine never parses iCalendar data itself; it only consumes the
// operations declared here, so any RFC 5545 implementation can be
// plugged in behind it (see package incidence/memimpl for the
// deterministic fake used by tests).
package incidence

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the calendaring object type.
type Kind int

const (
	KindEvent Kind = iota
	KindTodo
	KindJournal
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindTodo:
		return "todo"
	case KindJournal:
		return "journal"
	default:
		return "unknown"
	}
}

// Status is the incidence confirmation state.
type Status int

const (
	StatusConfirmed Status = iota
	StatusTentative
	StatusCanceled
)

// AlarmKind distinguishes the alarm action.
type AlarmKind int

const (
	AlarmDisplay AlarmKind = iota
	AlarmProcedure
	AlarmEmail
	AlarmAudio
)

// Attendee is a participant on an incidence.
type Attendee struct {
	Email  string
	Name   string
	Role   string
	Status string
}

// Alarm is owned by exactly one incidence.
type Alarm struct {
	Enabled bool
	// StartOffset is signed, relative to the incidence start (or end for
	// todos where that applies). It is used only when HasOffset is true;
	// otherwise the alarm fires at AbsoluteTime.
	StartOffset   time.Duration
	HasOffset     bool
	AbsoluteTime  time.Time
	RepeatCount   int
	RepeatSpacing time.Duration
	Kind          AlarmKind
	ProgramFile   string
	ProgramArgs   string
}

// NextTime returns the first trigger instant strictly after `after`
// (or at-or-after when inclusive is true), or the zero Time if the
// alarm never fires again. Repetition (RepeatCount/RepeatSpacing) is
// honored: once the base trigger has passed, NextTime walks forward in
// RepeatSpacing steps up to RepeatCount times before giving up.
func (a Alarm) NextTime(base time.Time, after time.Time, inclusive bool) time.Time {
	trigger := a.absoluteFor(base)
	if trigger.IsZero() {
		return time.Time{}
	}
	for i := 0; i <= a.RepeatCount; i++ {
		candidate := trigger.Add(time.Duration(i) * a.RepeatSpacing)
		if inclusive && !candidate.Before(after) {
			return candidate
		}
		if !inclusive && candidate.After(after) {
			return candidate
		}
	}
	return time.Time{}
}

func (a Alarm) absoluteFor(incidenceStart time.Time) time.Time {
	if !a.HasOffset {
		return a.AbsoluteTime
	}
	if incidenceStart.IsZero() {
		return time.Time{}
	}
	return incidenceStart.Add(a.StartOffset)
}

// Recurrence exposes the operations the engine needs from an RRULE
// evaluator, kept behind an interface so the engine never depends on a
// concrete RFC 5545 implementation.
type Recurrence interface {
	// GetNextDateTime returns the first occurrence strictly after `after`,
	// or the zero Time if the series has ended.
	GetNextDateTime(after time.Time) time.Time
	// RecursAt reports whether the series has a scheduled occurrence at
	// exactly t.
	RecursAt(t time.Time) bool
	// AddExDate records an exception date so future expansion skips it.
	AddExDate(t time.Time)
	// ExDates returns the currently recorded exception dates.
	ExDates() []time.Time
	// Rules returns the raw RRULE/RDATE strings for persistence.
	Rules() []string
}

// Incidence is the opaque calendaring object the engine persists and
// expands. Implementations are expected to be cheap to Clone; the
// engine treats values it holds as owned copies.
type Incidence interface {
	UID() string
	RecurrenceID() time.Time // zero Time => series master
	Kind() Kind
	Revision() int
	Created() time.Time
	LastModified() time.Time
	Summary() string
	Description() string
	Location() string
	Status() Status
	DtStart() time.Time
	DtEnd() time.Time  // events
	Due() time.Time    // todos
	AllDay() bool
	Recurs() bool
	Recurrence() Recurrence
	Attendees() []Attendee
	Organizer() string
	Alarms() []Alarm
	Categories() []string
	GeoLat() (float64, bool)
	GeoLon() (float64, bool)
	CustomProperties() map[string]string

	Clone() Incidence

	// InstanceIdentifier returns the string identity used as a pending
	// change-set map key: UID when RecurrenceID is zero, otherwise
	// UID||"T"||ISO-8601(RecurrenceID).
	InstanceIdentifier() string
}

// InstanceIdentifier computes the identifier for a (uid, recurrenceID)
// pair without requiring a full Incidence value.
func InstanceIdentifier(uid string, recurrenceID time.Time) string {
	if recurrenceID.IsZero() {
		return uid
	}
	return uid + "T" + recurrenceID.UTC().Format(time.RFC3339)
}

// SeriesUID strips a trailing "T<RFC3339 timestamp>" segment from an
// instance identifier to recover the series UID. Returns the input
// unchanged if no such suffix is present (already a series UID).
func SeriesUID(instanceID string) string {
	idx := lastTIndex(instanceID)
	if idx < 0 {
		return instanceID
	}
	return instanceID[:idx]
}

// lastTIndex finds the "T" that separates a series UID from an
// appended RFC3339 recurrence-id suffix. It scans every "T" in the
// string from the end and accepts the first one whose remainder parses
// as RFC3339, so a UID that itself contains "T" cannot confuse it.
func lastTIndex(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 'T' {
			continue
		}
		if _, err := time.Parse(time.RFC3339, s[i+1:]); err == nil {
			return i
		}
	}
	return -1
}

// NewUID generates a random 128-bit UID for a notebook or series when
// none is supplied.
func NewUID() string {
	return uuid.NewString()
}
