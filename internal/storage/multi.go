package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/calstore/mkcal/internal/alarms"
	"github.com/calstore/mkcal/internal/calendar"
	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/notebook"
	"github.com/calstore/mkcal/internal/storage/sqlite"
	"github.com/calstore/mkcal/internal/storeerr"
)

// instanceSeparator joins a notebook uid to an instance identifier in
// the multi-facade's composite identifier format.
const instanceSeparator = "::NBUID::"

// PurgeOnLocal is the multi-facade's third DeleteAction: for each
// notebook, if the notebook is master, not shared, and has no plugin
// name, purge outright; otherwise mark-deleted. This preserves deletion
// tombstones only for notebooks whose source needs them for
// synchronisation.
const PurgeOnLocal DeleteAction = 2

type dateRange struct {
	start, end time.Time // end.IsZero() means open-ended
}

// entry is the per-notebook bookkeeping the multi facade keeps: the
// notebook value itself, its in-memory handler, and the set of date
// ranges already loaded into that handler.
type entry struct {
	nb               *notebook.Notebook
	handler          *calendar.Handler
	loadedRanges     []dateRange
	allRecurringDone bool
}

// newEntry builds an entry for nb with its handler's runtime-only flag
// set to match the notebook's.
func newEntry(nb *notebook.Notebook) *entry {
	h := calendar.New()
	h.SetRuntimeOnly(nb.Has(notebook.FlagRuntimeOnly))
	return &entry{nb: nb, handler: h}
}

// Multi is the facade for an application managing several notebooks
// against one shared database file.
type Multi struct {
	backend    *sqlite.Backend
	notebooks  map[string]*entry
	defaultUID string
	observers  []Observer

	// rearm, when set, is invoked after every committed change so the
	// affected series' alarms are cancelled and recomputed. Attaching it
	// here rather than inside the backend keeps the backend free of
	// scheduler knowledge.
	rearm *alarms.Materialiser
}

// OpenMulti opens the database at path and loads the notebook
// directory (but no incidences — callers call LoadRange/LoadUID per
// notebook as needed).
func OpenMulti(ctx context.Context, path string) (*Multi, error) {
	backend, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	m := &Multi{backend: backend, notebooks: map[string]*entry{}}

	list, defaultUID, err := backend.Notebooks()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	m.defaultUID = defaultUID
	for _, nb := range list {
		m.notebooks[nb.UID()] = newEntry(nb)
	}

	backend.OnUpdated(func(cs sqlite.ChangeSet) {
		m.notifyObservers()
		m.rearmChanged(cs)
	})
	backend.OnModified(func() { m.notifyObservers() })
	return m, nil
}

// SetAlarmMaterialiser attaches a materialiser invoked after every
// committed change, so alarms track the stored state without any caller
// involvement.
func (m *Multi) SetAlarmMaterialiser(mat *alarms.Materialiser) { m.rearm = mat }

// rearmChanged translates a commit's change set into (notebook, series)
// pairs and hands them to the materialiser.
func (m *Multi) rearmChanged(cs sqlite.ChangeSet) {
	if m.rearm == nil {
		return
	}
	seen := map[alarms.Pair]bool{}
	var pairs []alarms.Pair
	collect := map[string][]string{}
	for nbUID, ids := range cs.Added {
		collect[nbUID] = append(collect[nbUID], ids...)
	}
	for nbUID, ids := range cs.Modified {
		collect[nbUID] = append(collect[nbUID], ids...)
	}
	for nbUID, ids := range cs.Deleted {
		collect[nbUID] = append(collect[nbUID], ids...)
	}
	for nbUID, ids := range collect {
		if nbUID == sqlite.NotebooksChangeKey {
			continue
		}
		for _, id := range ids {
			p := alarms.Pair{NotebookUID: nbUID, SeriesUID: incidence.SeriesUID(id)}
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}
	if len(pairs) == 0 {
		return
	}
	_ = m.rearm.Reset(context.Background(), m, pairs, time.Now().UTC())
}

// NotebookByUID returns a clone of one notebook, reporting ok=false for
// an unknown uid.
func (m *Multi) NotebookByUID(uid string) (*notebook.Notebook, bool) {
	e, ok := m.notebooks[uid]
	if !ok {
		return nil, false
	}
	return e.nb.Clone(), true
}

// IncidencesWithAlarms returns the incidences of the series (or of the
// whole notebook when seriesUID is empty) carrying any enabled alarm,
// plus the master/exception siblings of any series that recurs.
func (m *Multi) IncidencesWithAlarms(notebookUID, seriesUID string) ([]incidence.Incidence, error) {
	incs, err := m.backend.Incidences(notebookUID, seriesUID)
	if err != nil {
		return nil, err
	}
	byUID := map[string][]incidence.Incidence{}
	for _, inc := range incs {
		byUID[inc.UID()] = append(byUID[inc.UID()], inc)
	}
	var out []incidence.Incidence
	for _, series := range byUID {
		hasAlarm := false
		recurs := false
		for _, inc := range series {
			for _, a := range inc.Alarms() {
				if a.Enabled {
					hasAlarm = true
					break
				}
			}
			if inc.Recurs() {
				recurs = true
			}
		}
		if !hasAlarm {
			continue
		}
		for _, inc := range series {
			if recurs {
				out = append(out, inc)
				continue
			}
			for _, a := range inc.Alarms() {
				if a.Enabled {
					out = append(out, inc)
					break
				}
			}
		}
	}
	return out, nil
}

func (m *Multi) notifyObservers() {
	for _, o := range m.observers {
		o.StorageUpdated()
	}
}

// AddObserver registers an observer notified of any notebook's changes.
func (m *Multi) AddObserver(o Observer) { m.observers = append(m.observers, o) }

// Close releases the backend.
func (m *Multi) Close() error { return m.backend.Close() }

// Notebooks returns clones of every known notebook.
func (m *Multi) Notebooks() []*notebook.Notebook {
	list := make([]*notebook.Notebook, 0, len(m.notebooks))
	for _, e := range m.notebooks {
		list = append(list, e.nb.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UID() < list[j].UID() })
	return list
}

// DefaultNotebookUID returns the uid flagged default, or "" if none.
func (m *Multi) DefaultNotebookUID() string { return m.defaultUID }

// AddNotebook registers a new notebook's in-memory entry and, unless it
// is flagged runtime-only, persists it.
func (m *Multi) AddNotebook(nb *notebook.Notebook, makeDefault bool) error {
	if !nb.Has(notebook.FlagRuntimeOnly) {
		if err := m.backend.AddNotebook(nb, makeDefault); err != nil {
			return err
		}
	}
	m.notebooks[nb.UID()] = newEntry(nb.Clone())
	if makeDefault {
		m.defaultUID = nb.UID()
	}
	return nil
}

// UpdateNotebook persists notebook metadata changes, unless the
// notebook is flagged runtime-only. Alarms for the whole notebook are
// rearmed afterwards: a visibility flip must add or remove every
// scheduled alarm the notebook owns.
func (m *Multi) UpdateNotebook(nb *notebook.Notebook, makeDefault bool) error {
	if !nb.Has(notebook.FlagRuntimeOnly) {
		if err := m.backend.UpdateNotebook(nb, makeDefault); err != nil {
			return err
		}
	}
	if e, ok := m.notebooks[nb.UID()]; ok {
		e.nb = nb.Clone()
		e.handler.SetRuntimeOnly(nb.Has(notebook.FlagRuntimeOnly))
	}
	if makeDefault {
		m.defaultUID = nb.UID()
	}
	m.rearmNotebook(nb.UID())
	return nil
}

// DeleteNotebook removes a notebook and every incidence in it,
// including tombstones (the schema cascades the delete). Any alarms
// still scheduled for the notebook are cancelled.
func (m *Multi) DeleteNotebook(uid string) error {
	e, ok := m.notebooks[uid]
	if !ok {
		return fmt.Errorf("%w: unknown notebook %s", storeerr.ErrInvalidArgument, uid)
	}
	if !e.nb.Has(notebook.FlagRuntimeOnly) {
		if err := m.backend.DeleteNotebook(e.nb); err != nil {
			return err
		}
	}
	delete(m.notebooks, uid)
	if m.defaultUID == uid {
		m.defaultUID = ""
	}
	m.rearmNotebook(uid)
	return nil
}

// rearmNotebook resets alarms for every series of one notebook. With
// the notebook gone from the in-memory set this reduces to a cancel.
func (m *Multi) rearmNotebook(uid string) {
	if m.rearm == nil {
		return
	}
	_ = m.rearm.Reset(context.Background(), m, []alarms.Pair{{NotebookUID: uid}}, time.Now().UTC())
}

func (m *Multi) entryFor(notebookUID string) (*entry, error) {
	e, ok := m.notebooks[notebookUID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown notebook %s", storeerr.ErrInvalidArgument, notebookUID)
	}
	return e, nil
}

// LoadRange loads incidences intersecting [start,end) across all known
// notebooks into each notebook's handler, merging the newly-loaded
// span into that notebook's loaded-range ledger so a repeated call with
// an overlapping or contained span is a cheap no-op at the handler
// level (the query itself still runs; the ledger exists to let a
// caller skip calling LoadRange at all for spans it already knows are
// covered — see CoversRange).
func (m *Multi) LoadRange(start, end time.Time, loadAllRecurring bool) error {
	// The first range load pulls every recurring series regardless of
	// dates, so parents and exceptions stay consistent in memory; once
	// done, later range loads skip them unless explicitly asked.
	needRecurring := loadAllRecurring
	if !needRecurring {
		for _, e := range m.notebooks {
			if !e.allRecurringDone {
				needRecurring = true
				break
			}
		}
	}
	byNotebook, err := m.backend.IncidencesInRange(start, end, needRecurring)
	if err != nil {
		return err
	}
	for uid, e := range m.notebooks {
		e.handler.AddIncidences(byNotebook[uid])
		e.loadedRanges = mergeRange(e.loadedRanges, dateRange{start: start, end: end})
		if needRecurring {
			e.allRecurringDone = true
		}
	}
	return nil
}

// CoversRange reports whether notebookUID's ledger already covers
// [start,end) without needing another query.
func (m *Multi) CoversRange(notebookUID string, start, end time.Time) bool {
	e, ok := m.notebooks[notebookUID]
	if !ok {
		return false
	}
	for _, r := range e.loadedRanges {
		if rangeContains(r, dateRange{start: start, end: end}) {
			return true
		}
	}
	return false
}

// mergeRange inserts next into ranges, merging with any overlapping or
// adjacent existing range so the ledger stays a minimal disjoint set.
func mergeRange(ranges []dateRange, next dateRange) []dateRange {
	merged := []dateRange{next}
	for _, r := range ranges {
		if !overlapsOrAdjacent(r, merged[len(merged)-1]) {
			merged = append([]dateRange{r}, merged...)
			continue
		}
		last := merged[len(merged)-1]
		merged[len(merged)-1] = union(r, last)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].start.Before(merged[j].start) })
	return coalesce(merged)
}

func coalesce(ranges []dateRange) []dateRange {
	if len(ranges) == 0 {
		return ranges
	}
	out := []dateRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if overlapsOrAdjacent(*last, r) {
			*last = union(*last, r)
			continue
		}
		out = append(out, r)
	}
	return out
}

func overlapsOrAdjacent(a, b dateRange) bool {
	aEndsBeforeB := !a.end.IsZero() && a.end.Before(b.start)
	bEndsBeforeA := !b.end.IsZero() && b.end.Before(a.start)
	return !aEndsBeforeB && !bEndsBeforeA
}

func union(a, b dateRange) dateRange {
	out := dateRange{}
	if a.start.Before(b.start) {
		out.start = a.start
	} else {
		out.start = b.start
	}
	if a.end.IsZero() || b.end.IsZero() {
		out.end = time.Time{}
	} else if a.end.After(b.end) {
		out.end = a.end
	} else {
		out.end = b.end
	}
	return out
}

func rangeContains(outer, inner dateRange) bool {
	if !outer.start.IsZero() && outer.start.After(inner.start) {
		return false
	}
	if outer.end.IsZero() {
		return true
	}
	if inner.end.IsZero() {
		return false
	}
	return !outer.end.Before(inner.end)
}

// LoadUID loads a series into one notebook's handler.
func (m *Multi) LoadUID(notebookUID, uid string) error {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return err
	}
	incs, err := m.backend.Incidences(notebookUID, uid)
	if err != nil {
		return err
	}
	e.handler.AddIncidences(incs)
	return nil
}

// CompositeID builds the multi-facade's instance identifier: notebook
// uid plus the underlying instance identifier.
func CompositeID(notebookUID, instanceID string) string {
	return notebookUID + instanceSeparator + instanceID
}

// SplitCompositeID reverses CompositeID. ok is false if id does not
// contain the separator.
func SplitCompositeID(id string) (notebookUID, instanceID string, ok bool) {
	idx := strings.Index(id, instanceSeparator)
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+len(instanceSeparator):], true
}

// LoadIncidenceInstance resolves a composite identifier to a cached
// incidence, loading its series from storage first if the notebook's
// handler does not have it yet.
func (m *Multi) LoadIncidenceInstance(compositeID string) (incidence.Incidence, error) {
	notebookUID, instanceID, ok := SplitCompositeID(compositeID)
	if !ok {
		return nil, fmt.Errorf("%w: malformed composite identifier %q", storeerr.ErrInvalidArgument, compositeID)
	}
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return nil, err
	}
	if inc := e.handler.Incidence(instanceID); inc != nil {
		return inc, nil
	}
	seriesUID := incidence.SeriesUID(instanceID)
	if err := m.LoadUID(notebookUID, seriesUID); err != nil {
		return nil, err
	}
	return e.handler.Incidence(instanceID), nil
}

// Incidence, Incidences, Insert, Update, Delete address one notebook's
// handler directly.
func (m *Multi) Incidence(notebookUID, instanceID string) (incidence.Incidence, error) {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return nil, err
	}
	return e.handler.Incidence(instanceID), nil
}

func (m *Multi) Incidences(notebookUID string) ([]incidence.Incidence, error) {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return nil, err
	}
	return e.handler.Incidences(), nil
}

func (m *Multi) Insert(notebookUID string, inc incidence.Incidence) error {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return err
	}
	e.handler.Insert(inc)
	return nil
}

func (m *Multi) Update(notebookUID string, inc incidence.Incidence) error {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return err
	}
	e.handler.Update(inc)
	return nil
}

func (m *Multi) Delete(notebookUID, instanceID string) error {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return err
	}
	e.handler.Delete(instanceID)
	return nil
}

// Save flushes pending changes. The stored notebook directory is first
// reconciled with the in-memory set — notebooks on disk but no longer
// in memory are deleted, new ones inserted, modified ones updated,
// scoped to notebookUID when given. Then each notebook's pending
// incidence changes are committed in its own deferred batch, so one
// notebook's failure doesn't roll back another's. An empty notebookUID
// saves every notebook.
func (m *Multi) Save(notebookUID string, action DeleteAction) error {
	if err := m.syncNotebooks(notebookUID); err != nil {
		return err
	}
	uids := []string{notebookUID}
	if notebookUID == "" {
		uids = uids[:0]
		for uid := range m.notebooks {
			uids = append(uids, uid)
		}
	}
	for _, uid := range uids {
		if err := m.saveOne(uid, action); err != nil {
			return fmt.Errorf("saving notebook %s: %w", uid, err)
		}
	}
	return nil
}

// syncNotebooks reconciles the stored notebook rows with the in-memory
// set. Runtime-only notebooks are never written.
func (m *Multi) syncNotebooks(scopeUID string) error {
	stored, defaultUID, err := m.backend.Notebooks()
	if err != nil {
		return err
	}
	storedByUID := map[string]*notebook.Notebook{}
	for _, nb := range stored {
		storedByUID[nb.UID()] = nb
	}
	for uid, nb := range storedByUID {
		if scopeUID != "" && uid != scopeUID {
			continue
		}
		if _, ok := m.notebooks[uid]; !ok {
			if err := m.backend.DeleteNotebook(nb); err != nil {
				return err
			}
		}
	}
	for uid, e := range m.notebooks {
		if scopeUID != "" && uid != scopeUID {
			continue
		}
		if e.nb.Has(notebook.FlagRuntimeOnly) {
			continue
		}
		storedNB, ok := storedByUID[uid]
		switch {
		case !ok:
			if err := m.backend.AddNotebook(e.nb, uid == m.defaultUID); err != nil {
				return err
			}
		case !e.nb.Equal(storedNB):
			isDefault := uid == m.defaultUID || uid == defaultUID
			if err := m.backend.UpdateNotebook(e.nb, isDefault); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Multi) saveOne(notebookUID string, action DeleteAction) error {
	e, err := m.entryFor(notebookUID)
	if err != nil {
		return err
	}
	inserts := e.handler.PendingInserts()
	updates := e.handler.PendingUpdates()
	deleteIDs := e.handler.PendingDeleteIDs()
	if len(inserts) == 0 && len(updates) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	if err := m.backend.DeferSaving(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = m.backend.Rollback()
		}
	}()

	for _, inc := range inserts {
		if err := m.backend.AddIncidence(notebookUID, inc); err != nil {
			return err
		}
	}
	for _, inc := range updates {
		if err := m.backend.ModifyIncidence(notebookUID, inc); err != nil {
			return err
		}
	}
	for _, id := range deleteIDs {
		uid, recID := splitInstanceID(id)
		target := deletionTarget{uid: uid, recurrenceID: recID}
		switch action {
		case PurgeDeleted:
			if err := m.backend.DeleteIncidence(notebookUID, target); err != nil {
				return err
			}
			if err := m.backend.PurgeIncidence(notebookUID, target); err != nil {
				return err
			}
		case PurgeOnLocal:
			// Purge outright only for a notebook that is master, not
			// shared, and has no plugin name; any other notebook keeps
			// its tombstone for a sync source to see.
			if e.nb.Has(notebook.FlagMaster) && !e.nb.Has(notebook.FlagShared) && e.nb.Plugin() == "" {
				if err := m.backend.DeleteIncidence(notebookUID, target); err != nil {
					return err
				}
				if err := m.backend.PurgeIncidence(notebookUID, target); err != nil {
					return err
				}
			} else if err := m.backend.DeleteIncidence(notebookUID, target); err != nil {
				return err
			}
		default:
			if err := m.backend.DeleteIncidence(notebookUID, target); err != nil {
				return err
			}
		}
	}

	if err := m.backend.Commit(); err != nil {
		return err
	}
	committed = true
	e.handler.ClearPending()
	return nil
}

// DeletedIncidences, PurgeDeletedIncidences mirror Single's but take an
// explicit notebook uid.
func (m *Multi) DeletedIncidences(notebookUID string) ([]incidence.Incidence, error) {
	return m.backend.DeletedIncidences(notebookUID)
}

func (m *Multi) PurgeDeletedIncidences(notebookUID string, list []incidence.Incidence) error {
	return m.backend.PurgeDeletedIncidences(notebookUID, list)
}

// Search delegates to the backend across every notebook.
func (m *Multi) Search(needle string, limit int) (map[string][]incidence.Incidence, error) {
	byNotebook, _, err := m.backend.Search(needle, limit)
	return byNotebook, err
}

// IncidencesByUID returns every stored incidence sharing a uid, across
// all notebooks, keyed by notebook uid.
func (m *Multi) IncidencesByUID(uid string) (map[string][]incidence.Incidence, error) {
	return m.backend.IncidencesByUID(uid)
}
