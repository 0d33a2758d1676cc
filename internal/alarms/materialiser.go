package alarms

import (
	"context"
	"log/slog"
	"time"

	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/notebook"
)

// minimumLead is how close to now a freshly-computed trigger may sit.
// A trigger landing inside this window is recomputed past it, so
// reopening the app (or a slow reset-alarms round trip) never fires an
// alarm the instant it is rearmed.
const minimumLead = 60 * time.Second

// Pair names one rearm target: a series within a notebook, or — with
// an empty SeriesUID — every series of the notebook.
type Pair struct {
	NotebookUID string
	SeriesUID   string
}

// Store is the slice of the storage layer the materialiser reads when
// recomputing alarms: notebook metadata (for the visibility check) and
// the incidences-with-alarms query.
type Store interface {
	NotebookByUID(uid string) (*notebook.Notebook, bool)
	// IncidencesWithAlarms returns the incidences of the series (or of
	// the whole notebook when seriesUID is empty) that carry any enabled
	// alarm, plus the master/exception siblings of any series that
	// recurs — alarms may live on exceptions, and walking a master's
	// occurrences needs the exception set.
	IncidencesWithAlarms(notebookUID, seriesUID string) ([]incidence.Incidence, error)
}

// Materialiser computes concrete next-fire instants for incidence
// alarms and publishes them to a Scheduler.
type Materialiser struct {
	scheduler Scheduler
	logger    *slog.Logger
}

// New returns a Materialiser driving scheduler. logger defaults to
// slog.Default() if nil.
func New(scheduler Scheduler, logger *slog.Logger) *Materialiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materialiser{scheduler: scheduler, logger: logger}
}

// Reset cancels every scheduled alarm matching the given pairs and
// recomputes them from the store's current state. Pairs whose notebook
// is missing or not visible are cancelled but not rearmed. Scheduler
// failures are logged and reported as success: the database state is
// already consistent and alarms are best-effort.
func (m *Materialiser) Reset(ctx context.Context, store Store, pairs []Pair, now time.Time) error {
	if len(pairs) == 0 {
		return nil
	}
	if err := m.cancelPairs(ctx, pairs); err != nil {
		m.logger.Warn("alarm scheduler unreachable, skipping rearm", "error", err)
		return nil
	}
	for _, p := range pairs {
		nb, ok := store.NotebookByUID(p.NotebookUID)
		if !ok || !nb.Has(notebook.FlagVisible) {
			continue
		}
		incs, err := store.IncidencesWithAlarms(p.NotebookUID, p.SeriesUID)
		if err != nil {
			return err
		}
		for uid, series := range groupByUID(incs) {
			exceptions := exceptionRecurrenceIDs(series)
			for _, inc := range series {
				if inc.Status() == incidence.StatusCanceled {
					continue
				}
				if err := m.addAlarms(ctx, p.NotebookUID, inc, exceptions, now); err != nil {
					m.logger.Warn("scheduling alarms failed", "uid", uid, "error", err)
					return nil
				}
			}
		}
	}
	return nil
}

// cancelPairs removes every scheduled event matching any pair. A
// single pair queries narrowly by notebook; a larger set issues one
// broad query for everything this library scheduled and reads each
// event's attributes back to decide.
func (m *Materialiser) cancelPairs(ctx context.Context, pairs []Pair) error {
	var candidates map[int64]ScheduledEvent
	var err error
	if len(pairs) == 1 {
		candidates, err = m.scheduler.QueryBy(ctx, AttrNotebookUID, pairs[0].NotebookUID)
	} else {
		candidates, err = m.scheduler.QueryBy(ctx, AttrApplication, Application)
	}
	if err != nil {
		return err
	}

	var cookies []int64
	for cookie := range candidates {
		attrs, err := m.scheduler.QueryAttributes(ctx, cookie)
		if err != nil {
			return err
		}
		if attrs == nil {
			continue
		}
		for _, p := range pairs {
			if attrs[AttrNotebookUID] != p.NotebookUID {
				continue
			}
			if p.SeriesUID == "" || attrs[AttrSeriesUID] == p.SeriesUID {
				cookies = append(cookies, cookie)
				break
			}
		}
	}
	if len(cookies) == 0 {
		return nil
	}
	return m.scheduler.Cancel(ctx, cookies)
}

// SetupAlarms cancels whatever is currently scheduled for one incidence
// and recomputes it from scratch. For a recurring master,
// exceptionRecurrenceIDs is the set of recurrence ids that have their
// own exception incidence and so must be skipped when walking the
// master's occurrences — each exception gets its own SetupAlarms call
// instead.
func (m *Materialiser) SetupAlarms(ctx context.Context, notebookUID string, inc incidence.Incidence, exceptionRecurrenceIDs []time.Time, now time.Time) error {
	if err := m.CancelAlarms(ctx, notebookUID, inc); err != nil {
		return err
	}
	return m.addAlarms(ctx, notebookUID, inc, exceptionRecurrenceIDs, now)
}

// CancelAlarms removes every currently-scheduled event tagged with this
// incidence's instance identifier.
func (m *Materialiser) CancelAlarms(ctx context.Context, notebookUID string, inc incidence.Incidence) error {
	existing, err := m.scheduler.QueryBy(ctx, AttrInstanceID, compositeInstanceID(notebookUID, inc))
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	cookies := make([]int64, 0, len(existing))
	for cookie := range existing {
		cookies = append(cookies, cookie)
	}
	return m.scheduler.Cancel(ctx, cookies)
}

// addAlarms computes the next fire time for every enabled alarm on inc
// and schedules it, plus — for a recurring, non-exception incidence — a
// reset-alarms self-action timed at the occurrence start so the
// following occurrence gets rearmed once this one has passed.
func (m *Materialiser) addAlarms(ctx context.Context, notebookUID string, inc incidence.Incidence, exceptionRecurrenceIDs []time.Time, now time.Time) error {
	recurringMaster := inc.Recurs() && inc.RecurrenceID().IsZero()

	// laterThan is the reference instant the alarm search starts from:
	// the series' next valid occurrence for a recurring master, plain
	// now for exceptions and non-recurring incidences.
	laterThan := now
	base := referenceTime(inc)
	if recurringMaster {
		occurrence := nextOccurrence(inc, exceptionRecurrenceIDs, now)
		if occurrence.IsZero() {
			return nil // series has ended; nothing to schedule
		}
		laterThan = occurrence
		base = occurrence
	}

	var events []ScheduledEvent
	hasEnabled := false
	for _, alarm := range inc.Alarms() {
		if !alarm.Enabled {
			continue
		}
		hasEnabled = true
		// A negative start offset widens the search window ahead of the
		// occurrence so a pre-event reminder is not skipped as already
		// past. The offset is applied unclamped: an offset larger than
		// the distance to the series start can land preTime before the
		// series begins.
		preTime := laterThan
		if recurringMaster && alarm.HasOffset && alarm.StartOffset < 0 {
			preTime = preTime.Add(alarm.StartOffset)
		}
		trigger := alarm.NextTime(base, preTime.Add(-time.Second), true)
		if trigger.IsZero() {
			continue
		}
		if trigger.Before(now.Add(minimumLead)) {
			trigger = alarm.NextTime(base, preTime.Add(minimumLead), false)
			if trigger.IsZero() {
				continue
			}
		}
		events = append(events, m.buildEvent(notebookUID, inc, alarm, trigger))
	}

	// The self-action is armed whenever the series carries any enabled
	// alarm, even if none survived this window: its firing is what
	// recomputes the next occurrence's alarms.
	if recurringMaster && hasEnabled {
		events = append(events, ScheduledEvent{
			Trigger: base,
			Attributes: EventAttributes{
				AttrApplication: Application,
				AttrNotebookUID: notebookUID,
				AttrSeriesUID:   inc.UID(),
				AttrInstanceID:  compositeInstanceID(notebookUID, inc),
				AttrRecurs:      "true",
				AttrAction:      ActionResetAlarms,
			},
		})
	}

	if len(events) == 0 {
		return nil
	}
	_, err := m.scheduler.AddEvents(ctx, events)
	return err
}

// buildEvent assembles the attribute record for one surviving alarm.
func (m *Materialiser) buildEvent(notebookUID string, inc incidence.Incidence, alarm incidence.Alarm, trigger time.Time) ScheduledEvent {
	title := inc.Summary()
	if title == "" {
		title = " " // the scheduler rejects empty titles
	}
	attrs := EventAttributes{
		AttrApplication: Application,
		AttrPlugin:      Plugin,
		AttrTitle:       title,
		AttrNotebookUID: notebookUID,
		AttrSeriesUID:   inc.UID(),
		AttrInstanceID:  compositeInstanceID(notebookUID, inc),
		AttrType:        inc.Kind().String(),
	}
	switch inc.Kind() {
	case incidence.KindTodo:
		if due := inc.Due(); !due.IsZero() {
			attrs[AttrTime] = due.UTC().Format(time.RFC3339)
		}
	default:
		if start := inc.DtStart(); !start.IsZero() {
			attrs[AttrTime] = start.UTC().Format(time.RFC3339)
			attrs[AttrStartDate] = start.UTC().Format(time.RFC3339)
		}
		if end := inc.DtEnd(); !end.IsZero() {
			attrs[AttrEndDate] = end.UTC().Format(time.RFC3339)
		}
	}
	if recID := inc.RecurrenceID(); !recID.IsZero() {
		attrs[AttrRecurrenceID] = recID.UTC().Format(time.RFC3339)
	}
	if inc.Recurs() {
		attrs[AttrRecurs] = "true"
	}
	if alarm.Kind == incidence.AlarmProcedure {
		attrs[AttrAction] = ActionProcedure
		attrs[AttrProcedure] = alarm.ProgramFile
		if alarm.ProgramArgs != "" {
			attrs[AttrProcedureArgs] = alarm.ProgramArgs
		}
	} else {
		attrs[AttrAction] = ActionDisplay
		attrs[AttrReminder] = "true"
		attrs[AttrSnooze] = "true"
	}
	return ScheduledEvent{Trigger: trigger, Attributes: attrs}
}

// nextOccurrence walks the recurrence rule forward from after, skipping
// any occurrence whose datetime has its own exception incidence — that
// exception's alarms are materialised by its own pass, never by the
// master's.
func nextOccurrence(inc incidence.Incidence, exceptionRecurrenceIDs []time.Time, after time.Time) time.Time {
	rec := inc.Recurrence()
	if rec == nil {
		return time.Time{}
	}
	excluded := make(map[int64]bool, len(exceptionRecurrenceIDs))
	for _, t := range exceptionRecurrenceIDs {
		excluded[t.UTC().Unix()] = true
	}

	cursor := after.Add(-time.Nanosecond) // GetNextDateTime is exclusive; step back so `after` itself can match
	const maxProbes = 10000               // guards against a pathological rule that never advances
	for i := 0; i < maxProbes; i++ {
		next := rec.GetNextDateTime(cursor)
		if next.IsZero() {
			return time.Time{}
		}
		if !excluded[next.UTC().Unix()] {
			return next
		}
		cursor = next
	}
	return time.Time{}
}

// referenceTime is the instant alarm offsets are relative to: the start
// time, or the due time for a todo with no start.
func referenceTime(inc incidence.Incidence) time.Time {
	if start := inc.DtStart(); !start.IsZero() {
		return start
	}
	return inc.Due()
}

func groupByUID(incs []incidence.Incidence) map[string][]incidence.Incidence {
	out := map[string][]incidence.Incidence{}
	for _, inc := range incs {
		out[inc.UID()] = append(out[inc.UID()], inc)
	}
	return out
}

func exceptionRecurrenceIDs(series []incidence.Incidence) []time.Time {
	var out []time.Time
	for _, inc := range series {
		if recID := inc.RecurrenceID(); !recID.IsZero() {
			out = append(out, recID)
		}
	}
	return out
}

func compositeInstanceID(notebookUID string, inc incidence.Incidence) string {
	return notebookUID + "::NBUID::" + inc.InstanceIdentifier()
}
