package alarms

import (
	"context"
	"testing"
	"time"

	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/incidence/memimpl"
	"github.com/calstore/mkcal/internal/notebook"
)

func TestSetupAlarmsNonRecurring(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)

	inc := &memimpl.Value{
		UIDField:     "event-1",
		SummaryField: "standup",
		DtStartField: start,
		AlarmsField: []incidence.Alarm{
			{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute},
		},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)

	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, now); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}

	events, err := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	if err != nil {
		t.Fatalf("QueryBy: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d scheduled events, want 1", len(events))
	}
	for _, ev := range events {
		want := start.Add(-15 * time.Minute)
		if !ev.Trigger.Equal(want) {
			t.Errorf("got trigger %v, want %v", ev.Trigger, want)
		}
		if ev.Attributes[AttrAction] != ActionDisplay {
			t.Errorf("got action %q, want display", ev.Attributes[AttrAction])
		}
		if ev.Attributes[AttrType] != "event" {
			t.Errorf("got type %q, want event", ev.Attributes[AttrType])
		}
		if ev.Attributes[AttrStartDate] != start.Format(time.RFC3339) {
			t.Errorf("got startDate %q, want %q", ev.Attributes[AttrStartDate], start.Format(time.RFC3339))
		}
		if ev.Attributes[AttrTitle] != "standup" {
			t.Errorf("got title %q, want the summary", ev.Attributes[AttrTitle])
		}
		if ev.Attributes[AttrPlugin] != Plugin {
			t.Errorf("got plugin %q, want the fixed reminder-plugin tag", ev.Attributes[AttrPlugin])
		}
	}
}

func TestImminentAlarmWithoutRepetitionIsDropped(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(-30 * time.Second) // trigger would land 20s from now

	inc := &memimpl.Value{
		UIDField:     "event-1",
		DtStartField: start,
		AlarmsField: []incidence.Alarm{
			{Enabled: true, HasOffset: true, StartOffset: -10 * time.Second},
		},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, now); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}

	events, _ := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	if len(events) != 0 {
		t.Errorf("an alarm due inside the minimum lead with no repetitions should be dropped, got %d events", len(events))
	}
}

func TestImminentAlarmAdvancesToNextRepetition(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(-30 * time.Second)

	inc := &memimpl.Value{
		UIDField:     "event-1",
		DtStartField: start,
		AlarmsField: []incidence.Alarm{
			{Enabled: true, HasOffset: true, StartOffset: -10 * time.Second,
				RepeatCount: 3, RepeatSpacing: 5 * time.Minute},
		},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, now); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}

	events, _ := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	if len(events) != 1 {
		t.Fatalf("got %d scheduled events, want the first repetition outside the minimum lead", len(events))
	}
	want := start.Add(-10 * time.Second).Add(5 * time.Minute)
	for _, ev := range events {
		if !ev.Trigger.Equal(want) {
			t.Errorf("got trigger %v, want the repetition at %v", ev.Trigger, want)
		}
	}
}

func TestCancelAlarmsRemovesExisting(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inc := &memimpl.Value{
		UIDField:     "event-1",
		DtStartField: start,
		AlarmsField:  []incidence.Alarm{{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	_ = m.SetupAlarms(ctx, "nb-1", inc, nil, start.Add(-time.Hour))

	if err := m.CancelAlarms(ctx, "nb-1", inc); err != nil {
		t.Fatalf("CancelAlarms: %v", err)
	}
	events, _ := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	if len(events) != 0 {
		t.Errorf("expected no scheduled events after cancel, got %d", len(events))
	}
}

func TestRecurringSeriesSchedulesResetSelfAction(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := memimpl.NewDailyRecurrence(start, 24*time.Hour, 0)

	inc := &memimpl.Value{
		UIDField:        "series-1",
		DtStartField:    start,
		RecurrenceField: rec,
		AlarmsField:     []incidence.Alarm{{Enabled: true, HasOffset: true, StartOffset: -10 * time.Minute}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, start.Add(-time.Hour)); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}

	events, _ := sched.QueryBy(ctx, AttrSeriesUID, "series-1")
	var sawDisplay, sawReset bool
	for _, ev := range events {
		switch ev.Attributes[AttrAction] {
		case ActionDisplay:
			sawDisplay = true
			if ev.Attributes[AttrRecurs] != "true" {
				t.Error("a recurring series' display alarm should carry recurs=true")
			}
		case ActionResetAlarms:
			sawReset = true
			if !ev.Trigger.Equal(start) {
				t.Errorf("reset self-action should fire at the occurrence start %v, got %v", start, ev.Trigger)
			}
		}
	}
	if !sawDisplay || !sawReset {
		t.Error("expected both a display alarm and a reset-alarms self-action to be scheduled")
	}
}

func TestGetNextOccurrenceSkipsExceptionRecurrenceIDs(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := memimpl.NewDailyRecurrence(start, 24*time.Hour, 0)
	exceptionDay2 := start.AddDate(0, 0, 1)

	inc := &memimpl.Value{
		UIDField:        "series-1",
		DtStartField:    start,
		RecurrenceField: rec,
		AlarmsField:     []incidence.Alarm{{Enabled: true, AbsoluteTime: start}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	// now is just before day 2's occurrence, which is excluded (it has its
	// own exception incidence handled separately); day 3 should be picked.
	now := exceptionDay2.Add(-time.Minute)
	if err := m.SetupAlarms(ctx, "nb-1", inc, []time.Time{exceptionDay2}, now); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}

	events, _ := sched.QueryBy(ctx, AttrSeriesUID, "series-1")
	wantDay3 := start.AddDate(0, 0, 2)
	found := false
	for _, ev := range events {
		if ev.Attributes[AttrAction] == ActionResetAlarms && ev.Trigger.Equal(wantDay3) {
			found = true
		}
	}
	if !found {
		t.Error("expected the reset self-action to be armed against day 3, skipping the excluded day 2 occurrence")
	}
}

// fakeStore is the minimal Store backing the Reset tests.
type fakeStore struct {
	nbs  map[string]*notebook.Notebook
	incs map[string][]incidence.Incidence
}

func (f *fakeStore) NotebookByUID(uid string) (*notebook.Notebook, bool) {
	nb, ok := f.nbs[uid]
	return nb, ok
}

func (f *fakeStore) IncidencesWithAlarms(notebookUID, seriesUID string) ([]incidence.Incidence, error) {
	var out []incidence.Incidence
	for _, inc := range f.incs[notebookUID] {
		if seriesUID == "" || inc.UID() == seriesUID {
			out = append(out, inc)
		}
	}
	return out, nil
}

func alarmedEvent(uid string, start time.Time) *memimpl.Value {
	return &memimpl.Value{
		UIDField:     uid,
		SummaryField: "summary " + uid,
		DtStartField: start,
		AlarmsField:  []incidence.Alarm{{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute}},
	}
}

func TestResetHiddenNotebookSuppressesAlarms(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)

	nb := notebook.New("Personal")
	store := &fakeStore{
		nbs:  map[string]*notebook.Notebook{nb.UID(): nb},
		incs: map[string][]incidence.Incidence{nb.UID(): {alarmedEvent("event-1", start)}},
	}
	pairs := []Pair{{NotebookUID: nb.UID()}}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)

	if err := m.Reset(ctx, store, pairs, now); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if events, _ := sched.QueryBy(ctx, AttrNotebookUID, nb.UID()); len(events) != 1 {
		t.Fatalf("visible notebook: got %d scheduled events, want 1", len(events))
	}

	nb.SetFlag(notebook.FlagVisible, false)
	if err := m.Reset(ctx, store, pairs, now); err != nil {
		t.Fatalf("Reset after hide: %v", err)
	}
	if events, _ := sched.QueryBy(ctx, AttrNotebookUID, nb.UID()); len(events) != 0 {
		t.Fatalf("hidden notebook: got %d scheduled events, want 0", len(events))
	}

	nb.SetFlag(notebook.FlagVisible, true)
	if err := m.Reset(ctx, store, pairs, now); err != nil {
		t.Fatalf("Reset after unhide: %v", err)
	}
	events, _ := sched.QueryBy(ctx, AttrNotebookUID, nb.UID())
	if len(events) != 1 {
		t.Fatalf("re-shown notebook: got %d scheduled events, want 1", len(events))
	}
	want := start.Add(-15 * time.Minute)
	for _, ev := range events {
		if !ev.Trigger.Equal(want) {
			t.Errorf("re-shown notebook should rearm the same trigger %v, got %v", want, ev.Trigger)
		}
	}
}

func TestResetSkipsCancelledIncidence(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	nb := notebook.New("Personal")
	cancelled := alarmedEvent("event-1", start)
	cancelled.StatusField = incidence.StatusCanceled
	store := &fakeStore{
		nbs:  map[string]*notebook.Notebook{nb.UID(): nb},
		incs: map[string][]incidence.Incidence{nb.UID(): {cancelled}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.Reset(ctx, store, []Pair{{NotebookUID: nb.UID()}}, start.Add(-time.Hour)); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if events, _ := sched.QueryBy(ctx, AttrNotebookUID, nb.UID()); len(events) != 0 {
		t.Errorf("a cancelled incidence must not schedule alarms, got %d events", len(events))
	}
}

func TestResetCancelsAcrossPairsWithBroadQuery(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)

	nb1 := notebook.New("One")
	nb2 := notebook.New("Two")
	store := &fakeStore{
		nbs: map[string]*notebook.Notebook{nb1.UID(): nb1, nb2.UID(): nb2},
		incs: map[string][]incidence.Incidence{
			nb1.UID(): {alarmedEvent("event-1", start)},
			nb2.UID(): {alarmedEvent("event-2", start)},
		},
	}
	pairs := []Pair{{NotebookUID: nb1.UID()}, {NotebookUID: nb2.UID()}}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.Reset(ctx, store, pairs, now); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	all, _ := sched.QueryBy(ctx, AttrApplication, Application)
	if len(all) != 2 {
		t.Fatalf("got %d scheduled events across two notebooks, want 2", len(all))
	}

	// Empty the store and reset both pairs again: the broad-query path
	// must cancel everything previously scheduled for either notebook.
	store.incs = map[string][]incidence.Incidence{}
	if err := m.Reset(ctx, store, pairs, now); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	all, _ = sched.QueryBy(ctx, AttrApplication, Application)
	if len(all) != 0 {
		t.Errorf("expected every prior event cancelled, got %d left", len(all))
	}
}

func TestEmptySummaryBecomesSingleSpaceTitle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	inc := &memimpl.Value{
		UIDField:     "event-1",
		DtStartField: start,
		AlarmsField:  []incidence.Alarm{{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, start.Add(-time.Hour)); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}
	events, _ := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	if len(events) != 1 {
		t.Fatalf("got %d scheduled events, want 1", len(events))
	}
	for _, ev := range events {
		if ev.Attributes[AttrTitle] != " " {
			t.Errorf("got title %q, want a single space for an empty summary", ev.Attributes[AttrTitle])
		}
	}
}

func TestProcedureAlarmCarriesProgramAction(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	inc := &memimpl.Value{
		UIDField:     "event-1",
		DtStartField: start,
		AlarmsField: []incidence.Alarm{{
			Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute,
			Kind: incidence.AlarmProcedure, ProgramFile: "/usr/bin/notify", ProgramArgs: "--urgent",
		}},
	}

	sched := NewLogScheduler(nil)
	m := New(sched, nil)
	if err := m.SetupAlarms(ctx, "nb-1", inc, nil, start.Add(-time.Hour)); err != nil {
		t.Fatalf("SetupAlarms: %v", err)
	}
	events, _ := sched.QueryBy(ctx, AttrInstanceID, "nb-1::NBUID::event-1")
	for _, ev := range events {
		if ev.Attributes[AttrAction] != ActionProcedure {
			t.Errorf("got action %q, want run-procedure", ev.Attributes[AttrAction])
		}
		if ev.Attributes[AttrProcedure] != "/usr/bin/notify" {
			t.Errorf("got procedure %q", ev.Attributes[AttrProcedure])
		}
		if ev.Attributes[AttrReminder] != "" {
			t.Error("a procedure alarm must not carry the reminder flag")
		}
	}
}
