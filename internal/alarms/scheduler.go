// Package alarms turns an incidence's alarm definitions into concrete
// fire times and publishes them to an external scheduler. The scheduler
// itself (the daemon that actually wakes a notification) is an external
// collaborator; this package defines the interface the engine expects
// from it plus a logging stand-in for development and tests.
package alarms

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Application tags every scheduled event so a broad query can find all
// events this library owns, regardless of notebook or series.
const Application = "libmkcal"

// Plugin is the presentation-plugin tag carried on every alarm record;
// the daemon uses it to route the fired alarm to the calendar reminder
// UI. It is a fixed library constant, not the notebook's sync-source
// plugin name.
const Plugin = "libCalendarReminder"

// EventAttributes is the flat string-keyed attribute bag a scheduled
// event carries; mkcal uses it to tag events with enough identity to
// cancel or requery them later without a separate side table.
type EventAttributes map[string]string

// Well-known attribute keys.
const (
	AttrApplication = "APPLICATION"
	AttrTitle       = "TITLE"
	AttrPlugin      = "PLUGIN"
	AttrNotebookUID = "notebook"
	AttrSeriesUID   = "uid"
	AttrInstanceID  = "mkcal-instance-id"
	// AttrType is "event" or "todo"; AttrTime is the event start or the
	// todo due time, RFC 3339.
	AttrType      = "type"
	AttrTime      = "time"
	AttrStartDate = "startDate"
	AttrEndDate   = "endDate"
	// AttrRecurrenceID is set only on events armed for an exception
	// instance.
	AttrRecurrenceID = "recurrenceId"
	// AttrRecurs marks events belonging to a recurring series; their
	// firing is expected to trigger a reset-alarms round so the next
	// occurrence gets rearmed.
	AttrRecurs = "recurs"
	// AttrAction distinguishes a normal display alarm from the
	// reset-alarms self-action a recurring series schedules for itself,
	// and from the run-program action a procedure alarm carries.
	AttrAction = "mkcal-action"
	// AttrProcedure carries the program a procedure alarm runs on
	// completion; AttrProcedureArgs its argument string.
	AttrProcedure     = "procedure"
	AttrProcedureArgs = "procedure-args"
	// AttrReminder/AttrSnooze are set on non-procedure alarms so the
	// daemon presents them as snoozable reminders.
	AttrReminder = "reminder"
	AttrSnooze   = "aligned-snooze"

	ActionDisplay     = "display"
	ActionProcedure   = "run-procedure"
	ActionResetAlarms = "reset-alarms"
)

// ScheduledEvent is one entry handed to a Scheduler.
type ScheduledEvent struct {
	Trigger    time.Time
	Attributes EventAttributes
}

// Scheduler is the external alarm daemon's interface as mkcal consumes
// it. A concrete implementation — e.g. a D-Bus binding to a system
// timed service — is supplied by the embedding application; tests and
// the CLI use LogScheduler.
type Scheduler interface {
	// AddEvents registers events and returns a scheduler-assigned cookie
	// per event, in the same order.
	AddEvents(ctx context.Context, events []ScheduledEvent) ([]int64, error)
	// QueryBy returns every currently-scheduled event whose attribute
	// key equals value — used to find existing alarms before cancelling
	// and recomputing them.
	QueryBy(ctx context.Context, key, value string) (map[int64]ScheduledEvent, error)
	// QueryAttributes returns the attributes of a single scheduled event,
	// or nil if the cookie is unknown.
	QueryAttributes(ctx context.Context, cookie int64) (EventAttributes, error)
	// Cancel removes scheduled events by cookie. Cancelling an unknown
	// cookie is not an error (a prior cancel-recompute pass may have
	// already removed it).
	Cancel(ctx context.Context, cookies []int64) error
}

// LogScheduler is an in-memory Scheduler that logs every call instead
// of reaching a real daemon.
type LogScheduler struct {
	mu     sync.Mutex
	logger *slog.Logger
	nextID int64
	events map[int64]ScheduledEvent
}

// NewLogScheduler returns a LogScheduler logging through logger (nil
// uses slog.Default()).
func NewLogScheduler(logger *slog.Logger) *LogScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogScheduler{logger: logger, events: map[int64]ScheduledEvent{}}
}

func (s *LogScheduler) AddEvents(_ context.Context, events []ScheduledEvent) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cookies := make([]int64, len(events))
	for i, ev := range events {
		s.nextID++
		cookies[i] = s.nextID
		s.events[s.nextID] = ev
		s.logger.Info("alarm scheduled", "cookie", s.nextID, "trigger", ev.Trigger,
			"uid", ev.Attributes[AttrSeriesUID], "action", ev.Attributes[AttrAction])
	}
	return cookies, nil
}

func (s *LogScheduler) QueryBy(_ context.Context, key, value string) (map[int64]ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]ScheduledEvent{}
	for cookie, ev := range s.events {
		if ev.Attributes[key] == value {
			out[cookie] = ev
		}
	}
	return out, nil
}

func (s *LogScheduler) QueryAttributes(_ context.Context, cookie int64) (EventAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[cookie]
	if !ok {
		return nil, nil
	}
	return ev.Attributes, nil
}

func (s *LogScheduler) Cancel(_ context.Context, cookies []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		if _, ok := s.events[c]; ok {
			delete(s.events, c)
			s.logger.Info("alarm cancelled", "cookie", c)
		}
	}
	return nil
}
