// Package storage implements the single-notebook and multi-notebook
// facades applications use instead of talking to the sqlite backend
// directly. Both share one backend; they differ in lifetime model (one
// calendar per storage vs many calendars sharing one database file).
package storage

import (
	"context"
	"time"

	"github.com/calstore/mkcal/internal/calendar"
	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/notebook"
	"github.com/calstore/mkcal/internal/storage/sqlite"
)

// DeleteAction selects what Save does with incidences staged for
// deletion.
type DeleteAction int

const (
	// MarkDeleted tombstones deleted incidences; they remain visible via
	// DeletedIncidences until explicitly purged.
	MarkDeleted DeleteAction = iota
	// PurgeDeleted removes deleted incidences immediately, skipping the
	// tombstone stage.
	PurgeDeleted
)

// Observer is notified when a Single facade's in-memory view changes,
// whether from a local Save or an externally-detected change.
type Observer interface {
	StorageUpdated()
}

// Single is the facade for an application that only ever deals with
// one notebook. It owns the single notebook's identity
// and forwards everything else to a calendar.Handler backed by one
// sqlite.Backend.
type Single struct {
	backend  *sqlite.Backend
	handler  *calendar.Handler
	nb       *notebook.Notebook
	observers []Observer
}

// OpenSingle opens (creating if absent) the database at path and binds
// it to a single default notebook. A notebook absent from the database
// only gets its row on the first Save.
func OpenSingle(ctx context.Context, path string, defaultNotebookName string) (*Single, error) {
	backend, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Single{backend: backend, handler: calendar.New()}

	notebooks, defaultUID, err := backend.Notebooks()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	for _, nb := range notebooks {
		if nb.UID() == defaultUID || len(notebooks) == 1 {
			s.nb = nb
			break
		}
	}
	if s.nb == nil {
		// The row itself is only written on the first Save (syncNotebook).
		s.nb = notebook.New(defaultNotebookName)
	}
	s.handler.SetRuntimeOnly(s.nb.Has(notebook.FlagRuntimeOnly))

	backend.OnUpdated(func(sqlite.ChangeSet) { s.notifyObservers() })
	backend.OnModified(func() { s.notifyObservers() })
	return s, nil
}

func (s *Single) notifyObservers() {
	for _, o := range s.observers {
		o.StorageUpdated()
	}
}

// AddObserver registers an observer notified of local saves and
// externally-detected changes alike.
func (s *Single) AddObserver(o Observer) { s.observers = append(s.observers, o) }

// Close releases the backend.
func (s *Single) Close() error { return s.backend.Close() }

// Notebook returns a clone of the bound notebook.
func (s *Single) Notebook() *notebook.Notebook { return s.nb.Clone() }

// Load populates the in-memory cache with every live incidence.
func (s *Single) Load() error {
	incs, err := s.backend.Incidences(s.nb.UID(), "")
	if err != nil {
		return err
	}
	s.handler.AddIncidences(incs)
	return nil
}

// LoadUID populates the cache with the series (master + exceptions)
// matching uid.
func (s *Single) LoadUID(uid string) error {
	incs, err := s.backend.Incidences(s.nb.UID(), uid)
	if err != nil {
		return err
	}
	s.handler.AddIncidences(incs)
	return nil
}

// LoadRange populates the cache with incidences intersecting
// [start,end); loadAllRecurring additionally loads every recurring
// series regardless of date.
func (s *Single) LoadRange(start, end time.Time, loadAllRecurring bool) error {
	byNotebook, err := s.backend.IncidencesInRange(start, end, loadAllRecurring)
	if err != nil {
		return err
	}
	s.handler.AddIncidences(byNotebook[s.nb.UID()])
	return nil
}

// Incidence returns a cached incidence by instance identifier.
func (s *Single) Incidence(instanceID string) incidence.Incidence { return s.handler.Incidence(instanceID) }

// Incidences returns every incidence currently cached in memory.
func (s *Single) Incidences() []incidence.Incidence { return s.handler.Incidences() }

// Insert, Update, Delete stage changes for the next Save.
func (s *Single) Insert(inc incidence.Incidence) { s.handler.Insert(inc) }
func (s *Single) Update(inc incidence.Incidence) { s.handler.Update(inc) }
func (s *Single) Delete(instanceID string)        { s.handler.Delete(instanceID) }

// SetNotebook replaces the in-memory notebook metadata; the change is
// written out on the next Save.
func (s *Single) SetNotebook(nb *notebook.Notebook) {
	s.nb = nb.Clone()
	s.handler.SetRuntimeOnly(s.nb.Has(notebook.FlagRuntimeOnly))
}

// Save first makes the stored notebook row match the in-memory
// notebook (inserting or updating as needed), then flushes the pending
// change-set inside one deferred batch, so observers see the whole set
// as one commit.
func (s *Single) Save(action DeleteAction) error {
	if err := s.syncNotebook(); err != nil {
		return err
	}
	inserts := s.handler.PendingInserts()
	updates := s.handler.PendingUpdates()
	deleteIDs := s.handler.PendingDeleteIDs()
	if len(inserts) == 0 && len(updates) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	if err := s.backend.DeferSaving(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = s.backend.Rollback()
		}
	}()

	for _, inc := range inserts {
		if err := s.backend.AddIncidence(s.nb.UID(), inc); err != nil {
			return err
		}
	}
	for _, inc := range updates {
		if err := s.backend.ModifyIncidence(s.nb.UID(), inc); err != nil {
			return err
		}
	}
	for _, id := range deleteIDs {
		if err := s.deleteOne(action, id); err != nil {
			return err
		}
	}

	if err := s.backend.Commit(); err != nil {
		return err
	}
	committed = true
	s.handler.ClearPending()
	return nil
}

// syncNotebook writes the bound notebook's row if it is missing or
// stale. Runtime-only notebooks are never written.
func (s *Single) syncNotebook() error {
	if s.nb.Has(notebook.FlagRuntimeOnly) {
		return nil
	}
	stored, defaultUID, err := s.backend.Notebooks()
	if err != nil {
		return err
	}
	for _, nb := range stored {
		if nb.UID() != s.nb.UID() {
			continue
		}
		if s.nb.Equal(nb) {
			return nil
		}
		return s.backend.UpdateNotebook(s.nb, nb.UID() == defaultUID)
	}
	return s.backend.AddNotebook(s.nb, len(stored) == 0)
}

func (s *Single) deleteOne(action DeleteAction, instanceID string) error {
	// The handler already dropped the live copy on Delete(); rebuild the
	// identity from the instance identifier alone, since delete and purge
	// only need uid+recurrence.
	uid, recID := splitInstanceID(instanceID)
	placeholder := deletionTarget{uid: uid, recurrenceID: recID}
	if action == PurgeDeleted {
		if err := s.backend.DeleteIncidence(s.nb.UID(), placeholder); err != nil {
			return err
		}
		return s.backend.PurgeIncidence(s.nb.UID(), placeholder)
	}
	return s.backend.DeleteIncidence(s.nb.UID(), placeholder)
}

// DeletedIncidences returns tombstoned incidences for the bound
// notebook.
func (s *Single) DeletedIncidences() ([]incidence.Incidence, error) {
	return s.backend.DeletedIncidences(s.nb.UID())
}

// PurgeDeletedIncidences permanently removes the given tombstones.
func (s *Single) PurgeDeletedIncidences(list []incidence.Incidence) error {
	return s.backend.PurgeDeletedIncidences(s.nb.UID(), list)
}

// ObservedIncidences snapshots the instance identifiers changed since
// the last acknowledgement, split by kind of change.
func (s *Single) ObservedIncidences() (inserted, updated, deleted []string) {
	return s.handler.ObservedIncidences()
}

// InsertedIncidences, ModifiedIncidences, DeletedLocalIncidences
// resolve backend-emitted instance identifiers back to the incidence
// objects the pending change-set held, so observers receive incidences
// rather than raw ids.
func (s *Single) InsertedIncidences(ids []string) []incidence.Incidence {
	return s.handler.InsertedIncidences(ids)
}
func (s *Single) ModifiedIncidences(ids []string) []incidence.Incidence {
	return s.handler.UpdatedIncidences(ids)
}
func (s *Single) DeletedLocalIncidences(ids []string) []incidence.Incidence {
	return s.handler.DeletedIncidences(ids)
}

// AcknowledgeObserved clears the observed sets once a caller has
// relayed them onward.
func (s *Single) AcknowledgeObserved() { s.handler.ClearObservedIncidences() }

func splitInstanceID(id string) (uid string, recurrenceID time.Time) {
	series := incidence.SeriesUID(id)
	if series == id {
		return id, time.Time{}
	}
	suffix := id[len(series)+1:]
	t, err := time.Parse(time.RFC3339, suffix)
	if err != nil {
		return id, time.Time{}
	}
	return series, t
}

// deletionTarget is the minimal incidence.Incidence a delete/purge call
// needs: uid and recurrence id. The backend's delete path only reads
// those two fields plus InstanceIdentifier for the change set.
type deletionTarget struct {
	uid          string
	recurrenceID time.Time
}

func (d deletionTarget) UID() string                    { return d.uid }
func (d deletionTarget) RecurrenceID() time.Time         { return d.recurrenceID }
func (d deletionTarget) Kind() incidence.Kind            { return incidence.KindEvent }
func (d deletionTarget) Revision() int                   { return 0 }
func (d deletionTarget) Created() time.Time              { return time.Time{} }
func (d deletionTarget) LastModified() time.Time         { return time.Time{} }
func (d deletionTarget) Summary() string                 { return "" }
func (d deletionTarget) Description() string             { return "" }
func (d deletionTarget) Location() string                { return "" }
func (d deletionTarget) Status() incidence.Status        { return incidence.StatusConfirmed }
func (d deletionTarget) DtStart() time.Time              { return time.Time{} }
func (d deletionTarget) DtEnd() time.Time                { return time.Time{} }
func (d deletionTarget) Due() time.Time                  { return time.Time{} }
func (d deletionTarget) AllDay() bool                    { return false }
func (d deletionTarget) Recurs() bool                    { return false }
func (d deletionTarget) Recurrence() incidence.Recurrence { return nil }
func (d deletionTarget) Attendees() []incidence.Attendee { return nil }
func (d deletionTarget) Organizer() string               { return "" }
func (d deletionTarget) Alarms() []incidence.Alarm       { return nil }
func (d deletionTarget) Categories() []string            { return nil }
func (d deletionTarget) GeoLat() (float64, bool)         { return 0, false }
func (d deletionTarget) GeoLon() (float64, bool)         { return 0, false }
func (d deletionTarget) CustomProperties() map[string]string { return nil }
func (d deletionTarget) Clone() incidence.Incidence      { return d }
func (d deletionTarget) InstanceIdentifier() string {
	return incidence.InstanceIdentifier(d.uid, d.recurrenceID)
}
