package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calstore/mkcal/internal/alarms"
	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/incidence/memimpl"
	"github.com/calstore/mkcal/internal/notebook"
)

func openTestMulti(t *testing.T) *Multi {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calendar.db")
	m, err := OpenMulti(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenMulti: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMultiAddNotebookAndSaveRoundTrip(t *testing.T) {
	m := openTestMulti(t)
	work := notebook.New("Work")
	if err := m.AddNotebook(work, true); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}
	if m.DefaultNotebookUID() != work.UID() {
		t.Errorf("got default %q, want %q", m.DefaultNotebookUID(), work.UID())
	}

	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := m.Insert(work.UID(), newValue("event-1", start)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Save(work.UID(), MarkDeleted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := m.LoadUID(work.UID(), "event-1"); err != nil {
		t.Fatalf("LoadUID: %v", err)
	}
	inc, err := m.Incidence(work.UID(), "event-1")
	if err != nil {
		t.Fatalf("Incidence: %v", err)
	}
	if inc == nil {
		t.Fatal("expected event-1 to round-trip through storage")
	}
}

func TestMultiUnknownNotebookIsRejected(t *testing.T) {
	m := openTestMulti(t)
	if err := m.Insert("nonexistent", newValue("event-1", time.Now().UTC())); err == nil {
		t.Error("expected an error addressing an unknown notebook")
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	id := CompositeID("nb-1", "event-1")
	notebookUID, instanceID, ok := SplitCompositeID(id)
	if !ok {
		t.Fatal("expected SplitCompositeID to succeed on a well-formed id")
	}
	if notebookUID != "nb-1" || instanceID != "event-1" {
		t.Errorf("got (%q, %q), want (nb-1, event-1)", notebookUID, instanceID)
	}

	if _, _, ok := SplitCompositeID("no-separator-here"); ok {
		t.Error("expected SplitCompositeID to fail without the separator")
	}
}

func TestLoadRangeLedgerCoversRange(t *testing.T) {
	m := openTestMulti(t)
	nb := notebook.New("Personal")
	if err := m.AddNotebook(nb, true); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := m.LoadRange(jan, feb, false); err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
	if !m.CoversRange(nb.UID(), jan, feb) {
		t.Error("expected the just-loaded range to be covered")
	}
	if m.CoversRange(nb.UID(), jan, mar) {
		t.Error("a wider range than what was loaded should not be reported as covered")
	}

	if err := m.LoadRange(feb, mar, false); err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
	if !m.CoversRange(nb.UID(), jan, mar) {
		t.Error("two adjacent loaded ranges should merge into one covering span")
	}
}

func TestMultiDeleteNotebookRemovesEntry(t *testing.T) {
	m := openTestMulti(t)
	nb := notebook.New("Temp")
	if err := m.AddNotebook(nb, false); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}
	if err := m.DeleteNotebook(nb.UID()); err != nil {
		t.Fatalf("DeleteNotebook: %v", err)
	}
	if _, err := m.Incidences(nb.UID()); err == nil {
		t.Error("expected addressing a deleted notebook to fail")
	}
}

func TestSaveRearmsAlarmsAndVisibilityFlipSuppresses(t *testing.T) {
	m := openTestMulti(t)
	sched := alarms.NewLogScheduler(nil)
	m.SetAlarmMaterialiser(alarms.New(sched, nil))

	nb := notebook.New("Personal")
	if err := m.AddNotebook(nb, true); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}

	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	ev := newValue("event-1", start)
	ev.(*memimpl.Value).AlarmsField = []incidence.Alarm{
		{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute},
	}
	if err := m.Insert(nb.UID(), ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Save(nb.UID(), MarkDeleted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx := context.Background()
	events, _ := sched.QueryBy(ctx, alarms.AttrNotebookUID, nb.UID())
	if len(events) != 1 {
		t.Fatalf("after save: got %d scheduled alarms, want 1", len(events))
	}
	var firstTrigger time.Time
	for _, e := range events {
		firstTrigger = e.Trigger
	}

	hidden := nb.Clone()
	hidden.SetFlag(notebook.FlagVisible, false)
	if err := m.UpdateNotebook(hidden, true); err != nil {
		t.Fatalf("UpdateNotebook hide: %v", err)
	}
	if events, _ := sched.QueryBy(ctx, alarms.AttrNotebookUID, nb.UID()); len(events) != 0 {
		t.Fatalf("hidden notebook: got %d scheduled alarms, want 0", len(events))
	}

	shown := hidden.Clone()
	shown.SetFlag(notebook.FlagVisible, true)
	if err := m.UpdateNotebook(shown, true); err != nil {
		t.Fatalf("UpdateNotebook unhide: %v", err)
	}
	events, _ = sched.QueryBy(ctx, alarms.AttrNotebookUID, nb.UID())
	if len(events) != 1 {
		t.Fatalf("re-shown notebook: got %d scheduled alarms, want 1", len(events))
	}
	for _, e := range events {
		if !e.Trigger.Equal(firstTrigger) {
			t.Errorf("rearm after unhide should restore trigger %v, got %v", firstTrigger, e.Trigger)
		}
	}
}

func TestDeleteNotebookCancelsItsAlarms(t *testing.T) {
	m := openTestMulti(t)
	sched := alarms.NewLogScheduler(nil)
	m.SetAlarmMaterialiser(alarms.New(sched, nil))

	nb := notebook.New("Temp")
	if err := m.AddNotebook(nb, false); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	ev := newValue("event-1", start)
	ev.(*memimpl.Value).AlarmsField = []incidence.Alarm{
		{Enabled: true, HasOffset: true, StartOffset: -15 * time.Minute},
	}
	if err := m.Insert(nb.UID(), ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Save(nb.UID(), MarkDeleted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx := context.Background()
	if events, _ := sched.QueryBy(ctx, alarms.AttrNotebookUID, nb.UID()); len(events) != 1 {
		t.Fatal("expected one scheduled alarm before notebook deletion")
	}
	if err := m.DeleteNotebook(nb.UID()); err != nil {
		t.Fatalf("DeleteNotebook: %v", err)
	}
	if events, _ := sched.QueryBy(ctx, alarms.AttrNotebookUID, nb.UID()); len(events) != 0 {
		t.Error("deleting a notebook must cancel every alarm scheduled for it")
	}
}
