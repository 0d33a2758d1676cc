package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/incidence/memimpl"
	"github.com/calstore/mkcal/internal/notebook"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calendar.db")
	b, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mustAddNotebook(t *testing.T, b *Backend, name string) *notebook.Notebook {
	t.Helper()
	nb := notebook.New(name)
	if err := b.AddNotebook(nb, true); err != nil {
		t.Fatalf("AddNotebook: %v", err)
	}
	return nb
}

func testEvent(uid string, start time.Time) incidence.Incidence {
	return &memimpl.Value{
		UIDField:     uid,
		KindField:    incidence.KindEvent,
		SummaryField: "summary " + uid,
		DtStartField: start,
		DtEndField:   start.Add(time.Hour),
		CreatedField: start,
		LastModField: start,
	}
}

func TestAddAndFetchIncidence(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inc := testEvent("event-1", start)

	if err := b.AddIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}

	got, err := b.Incidences(nb.UID(), "event-1")
	if err != nil {
		t.Fatalf("Incidences: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d incidences, want 1", len(got))
	}
	if got[0].Summary() != "summary event-1" {
		t.Errorf("got summary %q", got[0].Summary())
	}
	if !got[0].DtStart().Equal(start) {
		t.Errorf("got dtStart %v, want %v", got[0].DtStart(), start)
	}
}

func TestModifyAndDeleteIncidence(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inc := testEvent("event-1", start)
	if err := b.AddIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}

	inc.(*memimpl.Value).SummaryField = "changed"
	if err := b.ModifyIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("ModifyIncidence: %v", err)
	}
	got, _ := b.Incidences(nb.UID(), "event-1")
	if got[0].Summary() != "changed" {
		t.Errorf("got %q, want changed", got[0].Summary())
	}

	if err := b.DeleteIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("DeleteIncidence: %v", err)
	}
	live, _ := b.Incidences(nb.UID(), "event-1")
	if len(live) != 0 {
		t.Error("a deleted incidence must not appear among live incidences")
	}
	deleted, err := b.DeletedIncidences(nb.UID())
	if err != nil {
		t.Fatalf("DeletedIncidences: %v", err)
	}
	if len(deleted) != 1 {
		t.Fatalf("got %d tombstones, want 1", len(deleted))
	}

	if err := b.PurgeDeletedIncidences(nb.UID(), deleted); err != nil {
		t.Fatalf("PurgeDeletedIncidences: %v", err)
	}
	deleted, _ = b.DeletedIncidences(nb.UID())
	if len(deleted) != 0 {
		t.Error("purged tombstones must no longer be returned")
	}
}

func TestIncidencesInRange(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)

	for i, d := range []time.Time{day1, day2, day3} {
		if err := b.AddIncidence(nb.UID(), testEvent(genUID(i), d)); err != nil {
			t.Fatalf("AddIncidence: %v", err)
		}
	}

	byNotebook, err := b.IncidencesInRange(day1.Add(-time.Hour), day2.Add(time.Hour), false)
	if err != nil {
		t.Fatalf("IncidencesInRange: %v", err)
	}
	if len(byNotebook[nb.UID()]) != 2 {
		t.Fatalf("got %d incidences in range, want 2 (day1 and day2)", len(byNotebook[nb.UID()]))
	}
}

func genUID(i int) string {
	return []string{"event-a", "event-b", "event-c"}[i]
}

func TestTransactionIDBumpsOnEveryWrite(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")

	before, err := readTxnID(b.db)
	if err != nil {
		t.Fatalf("readTxnID: %v", err)
	}
	if err := b.AddIncidence(nb.UID(), testEvent("event-1", time.Now().UTC())); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}
	after, err := readTxnID(b.db)
	if err != nil {
		t.Fatalf("readTxnID: %v", err)
	}
	if after <= before {
		t.Errorf("transaction_id did not advance: before=%d after=%d", before, after)
	}
}

func TestOnUpdatedFiresOncePerCommit(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")

	calls := 0
	b.OnUpdated(func(ChangeSet) { calls++ })

	if err := b.DeferSaving(); err != nil {
		t.Fatalf("DeferSaving: %v", err)
	}
	if err := b.AddIncidence(nb.UID(), testEvent("event-1", time.Now().UTC())); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}
	if err := b.AddIncidence(nb.UID(), testEvent("event-2", time.Now().UTC())); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if calls != 1 {
		t.Errorf("got %d OnUpdated calls for a two-insert batch, want exactly 1", calls)
	}
}

func TestSearchEscapesLikeMetacharacters(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	inc := testEvent("event-1", time.Now().UTC())
	inc.(*memimpl.Value).SummaryField = "100% done_soon"
	if err := b.AddIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}

	byNotebook, _, err := b.Search("100% done_soon", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byNotebook[nb.UID()]) != 1 {
		t.Fatalf("expected the literal %% and _ characters to match literally, got %d hits", len(byNotebook[nb.UID()]))
	}

	byNotebook, _, err = b.Search("zzz-no-match", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byNotebook[nb.UID()]) != 0 {
		t.Error("expected no matches for an unrelated needle")
	}
}

func TestDeleteNotebookCascades(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Second")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, uid := range []string{"a", "b", "c", "d"} {
		if err := b.AddIncidence(nb.UID(), testEvent(uid, start)); err != nil {
			t.Fatalf("AddIncidence: %v", err)
		}
	}
	for _, uid := range []string{"a", "b"} {
		if err := b.DeleteIncidence(nb.UID(), testEvent(uid, start)); err != nil {
			t.Fatalf("DeleteIncidence: %v", err)
		}
	}

	if err := b.DeleteNotebook(nb); err != nil {
		t.Fatalf("DeleteNotebook: %v", err)
	}
	live, err := b.Incidences(nb.UID(), "")
	if err != nil {
		t.Fatalf("Incidences: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("got %d live incidences after notebook deletion, want 0", len(live))
	}
	deleted, err := b.DeletedIncidences(nb.UID())
	if err != nil {
		t.Fatalf("DeletedIncidences: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("got %d tombstones after notebook deletion, want 0", len(deleted))
	}
}

func TestAddIncidencePurgesMatchingTombstone(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inc := testEvent("event-1", start)

	if err := b.AddIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}
	if err := b.DeleteIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("DeleteIncidence: %v", err)
	}

	// Re-inserting the same identity replaces the tombstone: at most one
	// of (live row, tombstone) may exist per identity.
	if err := b.AddIncidence(nb.UID(), inc); err != nil {
		t.Fatalf("AddIncidence after delete: %v", err)
	}
	live, _ := b.Incidences(nb.UID(), "event-1")
	if len(live) != 1 {
		t.Fatalf("got %d live rows, want 1", len(live))
	}
	deleted, _ := b.DeletedIncidences(nb.UID())
	if len(deleted) != 0 {
		t.Errorf("got %d tombstones after re-insert, want 0", len(deleted))
	}

	// A second add of the same live identity conflicts.
	if err := b.AddIncidence(nb.UID(), inc); err == nil {
		t.Error("adding an identity that already has a live row should fail")
	}
}

func TestRangeQueryBoundaryCases(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := b.AddIncidence(nb.UID(), testEvent("event-a", day1)); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}

	// start > end: empty, not an error.
	got, err := b.IncidencesInRange(day1.AddDate(0, 0, 5), day1, false)
	if err != nil {
		t.Fatalf("inverted range should not error: %v", err)
	}
	if len(got[nb.UID()]) != 0 {
		t.Error("inverted range should return no incidences")
	}

	// Both bounds zero: rejected.
	if _, err := b.IncidencesInRange(time.Time{}, time.Time{}, false); err == nil {
		t.Error("a fully unbounded range should be rejected")
	}

	// One open end: that side is unbounded.
	got, err = b.IncidencesInRange(time.Time{}, day1.AddDate(0, 0, 1), false)
	if err != nil {
		t.Fatalf("open-start range: %v", err)
	}
	if len(got[nb.UID()]) != 1 {
		t.Errorf("open-start range should include the event, got %d", len(got[nb.UID()]))
	}
	got, err = b.IncidencesInRange(day1.Add(-time.Hour), time.Time{}, false)
	if err != nil {
		t.Fatalf("open-end range: %v", err)
	}
	if len(got[nb.UID()]) != 1 {
		t.Errorf("open-end range should include the event, got %d", len(got[nb.UID()]))
	}
}

func TestNoopCommitDoesNotBumpTransactionID(t *testing.T) {
	b := openTestBackend(t)
	mustAddNotebook(t, b, "Personal")

	before, err := readTxnID(b.db)
	if err != nil {
		t.Fatalf("readTxnID: %v", err)
	}
	calls := 0
	b.OnUpdated(func(ChangeSet) { calls++ })

	if err := b.DeferSaving(); err != nil {
		t.Fatalf("DeferSaving: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, _ := readTxnID(b.db)
	if after != before {
		t.Errorf("an empty batch must not bump transaction_id: before=%d after=%d", before, after)
	}
	if calls != 0 {
		t.Errorf("an empty batch must not emit updated, got %d calls", calls)
	}
}

func TestRecurringRoundTripWithExceptionAndExdate(t *testing.T) {
	b := openTestBackend(t)
	nb := mustAddNotebook(t, b, "Personal")
	start := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	rec := memimpl.NewDailyRecurrence(start, 24*time.Hour, 10)
	rec.AddExDate(start.AddDate(0, 0, 1))
	master := &memimpl.Value{
		UIDField:        "series-1",
		KindField:       incidence.KindEvent,
		SummaryField:    "daily",
		DtStartField:    start,
		DtEndField:      start.Add(time.Hour),
		RecurrenceField: rec,
	}
	exception := &memimpl.Value{
		UIDField:          "series-1",
		RecurrenceIDField: start.AddDate(0, 0, 2),
		KindField:         incidence.KindEvent,
		SummaryField:      "moved occurrence",
		DtStartField:      start.AddDate(0, 0, 3),
	}

	if err := b.AddIncidence(nb.UID(), master); err != nil {
		t.Fatalf("AddIncidence master: %v", err)
	}
	if err := b.AddIncidence(nb.UID(), exception); err != nil {
		t.Fatalf("AddIncidence exception: %v", err)
	}

	got, err := b.Incidences(nb.UID(), "series-1")
	if err != nil {
		t.Fatalf("Incidences: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d incidences for the series, want master plus exception", len(got))
	}
	for _, inc := range got {
		if inc.RecurrenceID().IsZero() {
			if !inc.Recurs() {
				t.Fatal("the master should come back recurring")
			}
			loaded := inc.Recurrence()
			// The exdate survives the round trip: day 2 is skipped.
			next := loaded.GetNextDateTime(start)
			if want := start.AddDate(0, 0, 2); !next.Equal(want) {
				t.Errorf("got next occurrence %v, want %v with the exdate skipped", next, want)
			}
		} else {
			if inc.Summary() != "moved occurrence" {
				t.Errorf("exception summary %q did not round-trip", inc.Summary())
			}
			if !inc.DtStart().Equal(start.AddDate(0, 0, 3)) {
				t.Errorf("exception start %v did not round-trip", inc.DtStart())
			}
		}
	}

	// A date-range query with loadAllRecurring brings back the whole
	// series regardless of the window.
	byNotebook, err := b.IncidencesInRange(start.AddDate(1, 0, 0), start.AddDate(1, 0, 7), true)
	if err != nil {
		t.Fatalf("IncidencesInRange: %v", err)
	}
	if len(byNotebook[nb.UID()]) != 2 {
		t.Errorf("loadAllRecurring should return the full series, got %d", len(byNotebook[nb.UID()]))
	}
}

func TestExternalChangeDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.db")
	a, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	bEnd, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	t.Cleanup(func() { _ = bEnd.Close() })

	modified := 0
	a.OnModified(func() { modified++ })

	nb := mustAddNotebook(t, bEnd, "Shared")
	if err := bEnd.AddIncidence(nb.UID(), testEvent("event-2", time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("AddIncidence: %v", err)
	}

	// Drive the sentinel-wake path deterministically instead of waiting
	// on filesystem notification latency.
	a.checkExternalChange()
	if modified != 1 {
		t.Fatalf("got %d modified notifications after an external commit, want exactly 1", modified)
	}

	// A spurious wake (no new commit) must not notify again.
	a.checkExternalChange()
	if modified != 1 {
		t.Errorf("a spurious wake bumped the count to %d", modified)
	}

	got, err := a.Incidences(nb.UID(), "")
	if err != nil {
		t.Fatalf("Incidences: %v", err)
	}
	if len(got) != 1 || got[0].UID() != "event-2" {
		t.Errorf("process a should see the externally-added event, got %v", got)
	}
}
