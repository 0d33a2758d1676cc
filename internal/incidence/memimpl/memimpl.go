// Package memimpl is a deterministic, in-memory implementation of the
// incidence.Incidence / incidence.Recurrence contract. It backs the
// engine's tests and the reference CLI; production embedders are
// expected to supply their own RFC 5545 implementation behind the same
// interfaces.
package memimpl

import (
	"fmt"
	"sort"
	"time"

	"github.com/calstore/mkcal/internal/incidence"
)

// DailyRecurrence is a minimal fixed-frequency recurrence engine:
// occurrences at dtStart, dtStart+interval, dtStart+2*interval, ...
// up to Count occurrences (Count <= 0 means unbounded). It is
// deliberately simple — real embedders plug in a full RRULE evaluator.
type DailyRecurrence struct {
	Start    time.Time
	Interval time.Duration
	Count    int

	exdates map[time.Time]struct{}
}

func NewDailyRecurrence(start time.Time, interval time.Duration, count int) *DailyRecurrence {
	return &DailyRecurrence{Start: start, Interval: interval, Count: count, exdates: map[time.Time]struct{}{}}
}

func (r *DailyRecurrence) GetNextDateTime(after time.Time) time.Time {
	if r.Interval <= 0 {
		return time.Time{}
	}
	n := 0
	if after.After(r.Start) || after.Equal(r.Start) {
		elapsed := after.Sub(r.Start)
		n = int(elapsed/r.Interval) + 1
	}
	for {
		if r.Count > 0 && n >= r.Count {
			return time.Time{}
		}
		candidate := r.Start.Add(time.Duration(n) * r.Interval)
		if candidate.After(after) {
			if _, excluded := r.exdates[candidate.UTC()]; !excluded {
				return candidate
			}
		}
		n++
	}
}

func (r *DailyRecurrence) RecursAt(t time.Time) bool {
	if r.Interval <= 0 {
		return false
	}
	if _, excluded := r.exdates[t.UTC()]; excluded {
		return false
	}
	delta := t.Sub(r.Start)
	if delta < 0 {
		return false
	}
	if delta%r.Interval != 0 {
		return false
	}
	n := int(delta / r.Interval)
	return r.Count <= 0 || n < r.Count
}

func (r *DailyRecurrence) AddExDate(t time.Time) {
	r.exdates[t.UTC()] = struct{}{}
}

func (r *DailyRecurrence) ExDates() []time.Time {
	out := make([]time.Time, 0, len(r.exdates))
	for t := range r.exdates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Rules emits the persisted form the storage codec decodes back into a
// DailyRecurrence: interval in seconds, count of occurrences.
func (r *DailyRecurrence) Rules() []string {
	return []string{fmt.Sprintf("FREQ=DAILY;INTERVAL=%d;COUNT=%d", int64(r.Interval/time.Second), r.Count)}
}

// Value is the concrete incidence.Incidence implementation.
type Value struct {
	UIDField          string
	RecurrenceIDField time.Time
	KindField         incidence.Kind
	RevisionField     int
	CreatedField      time.Time
	LastModField      time.Time
	SummaryField      string
	DescriptionField  string
	LocationField     string
	StatusField       incidence.Status
	DtStartField      time.Time
	DtEndField        time.Time
	DueField          time.Time
	AllDayField       bool
	RecurrenceField   incidence.Recurrence
	AttendeesField    []incidence.Attendee
	OrganizerField    string
	AlarmsField       []incidence.Alarm
	CategoriesField   []string
	GeoLatField       *float64
	GeoLonField       *float64
	CustomProps       map[string]string
}

func (v *Value) UID() string                  { return v.UIDField }
func (v *Value) RecurrenceID() time.Time      { return v.RecurrenceIDField }
func (v *Value) Kind() incidence.Kind         { return v.KindField }
func (v *Value) Revision() int                { return v.RevisionField }
func (v *Value) Created() time.Time           { return v.CreatedField }
func (v *Value) LastModified() time.Time      { return v.LastModField }
func (v *Value) Summary() string              { return v.SummaryField }
func (v *Value) Description() string          { return v.DescriptionField }
func (v *Value) Location() string             { return v.LocationField }
func (v *Value) Status() incidence.Status     { return v.StatusField }
func (v *Value) DtStart() time.Time           { return v.DtStartField }
func (v *Value) DtEnd() time.Time             { return v.DtEndField }
func (v *Value) Due() time.Time               { return v.DueField }
func (v *Value) AllDay() bool                 { return v.AllDayField }
func (v *Value) Recurs() bool                 { return v.RecurrenceField != nil }
func (v *Value) Recurrence() incidence.Recurrence { return v.RecurrenceField }
func (v *Value) Attendees() []incidence.Attendee  { return v.AttendeesField }
func (v *Value) Organizer() string            { return v.OrganizerField }
func (v *Value) Alarms() []incidence.Alarm    { return v.AlarmsField }
func (v *Value) Categories() []string         { return v.CategoriesField }

func (v *Value) GeoLat() (float64, bool) {
	if v.GeoLatField == nil {
		return 0, false
	}
	return *v.GeoLatField, true
}

func (v *Value) GeoLon() (float64, bool) {
	if v.GeoLonField == nil {
		return 0, false
	}
	return *v.GeoLonField, true
}

func (v *Value) CustomProperties() map[string]string { return v.CustomProps }

func (v *Value) InstanceIdentifier() string {
	return incidence.InstanceIdentifier(v.UIDField, v.RecurrenceIDField)
}

func (v *Value) Clone() incidence.Incidence {
	clone := *v
	clone.AttendeesField = append([]incidence.Attendee(nil), v.AttendeesField...)
	clone.AlarmsField = append([]incidence.Alarm(nil), v.AlarmsField...)
	clone.CategoriesField = append([]string(nil), v.CategoriesField...)
	clone.CustomProps = make(map[string]string, len(v.CustomProps))
	for k, val := range v.CustomProps {
		clone.CustomProps[k] = val
	}
	if v.GeoLatField != nil {
		lat := *v.GeoLatField
		clone.GeoLatField = &lat
	}
	if v.GeoLonField != nil {
		lon := *v.GeoLonField
		clone.GeoLonField = &lon
	}
	return &clone
}
