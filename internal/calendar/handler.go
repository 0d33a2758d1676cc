// Package calendar implements the in-memory incidence cache and its
// pending change-set, observed by a single-notebook or multi-notebook
// facade.
package calendar

import (
	"sync"

	"github.com/calstore/mkcal/internal/incidence"
)

// pendingKind is the three-way state a pending change can be in,
// tracked per instance identifier.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingInsert
	pendingUpdate
	pendingDelete
)

// Observer is notified whenever the handler's observed set changes,
// mirroring the Backend.OnUpdated callback it typically sits behind.
type Observer interface {
	IncidenceUpdated(instanceID string)
}

// Handler owns one notebook's in-memory incidence set plus the pending
// change-set a caller accumulates between Save calls. Safe for
// concurrent use.
type Handler struct {
	mu sync.RWMutex

	// live holds every incidence currently known to be loaded, keyed by
	// InstanceIdentifier.
	live map[string]incidence.Incidence

	// pending holds the not-yet-saved kind per instance identifier.
	pending map[string]pendingKind

	// deletedSnapshots retains the last cached copy of every incidence
	// staged for deletion, keyed by instance identifier: Delete removes
	// the object from live, so resolving a deleted id back to its
	// incidence later is only possible from here.
	deletedSnapshots map[string]incidence.Incidence

	// observed accumulates instance identifiers changed since the last
	// clearObservedIncidences call, split by the kind of change, for
	// handing to a facade's own observer fan-out.
	observedInserted map[string]bool
	observedUpdated  map[string]bool
	observedDeleted  map[string]bool

	// runtimeOnly mirrors the bound notebook's runtime-only flag; when
	// set, the observed-set accessors report empty regardless of what
	// was actually staged.
	runtimeOnly bool

	observers []Observer
}

// New returns an empty handler.
func New() *Handler {
	return &Handler{
		live:             map[string]incidence.Incidence{},
		pending:          map[string]pendingKind{},
		deletedSnapshots: map[string]incidence.Incidence{},
		observedInserted: map[string]bool{},
		observedUpdated:  map[string]bool{},
		observedDeleted:  map[string]bool{},
	}
}

// SetRuntimeOnly marks the handler as belonging to a runtime-only
// notebook, so its observed sets never surface to a facade's save
// path.
func (h *Handler) SetRuntimeOnly(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runtimeOnly = v
}

// AddObserver registers an observer notified on every change.
func (h *Handler) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

func (h *Handler) notify(id string) {
	for _, o := range h.observers {
		o.IncidenceUpdated(id)
	}
}

// AddIncidences bulk-loads incidences fetched from storage into the
// cache. Conflict policy: a pending local change always wins over an
// incoming load; absent a pending change, the incoming copy replaces
// the cached one only if its revision is strictly greater.
func (h *Handler) AddIncidences(incs []incidence.Incidence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, inc := range incs {
		id := inc.InstanceIdentifier()
		if h.pending[id] != pendingNone {
			continue
		}
		existing, ok := h.live[id]
		if ok && existing.Revision() >= inc.Revision() {
			continue
		}
		h.live[id] = inc.Clone()
	}
}

// Incidence returns the cached copy for an instance identifier, or nil
// if not loaded.
func (h *Handler) Incidence(instanceID string) incidence.Incidence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inc, ok := h.live[instanceID]
	if !ok {
		return nil
	}
	return inc.Clone()
}

// Incidences returns every cached incidence. Tombstones never enter
// this cache.
func (h *Handler) Incidences() []incidence.Incidence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]incidence.Incidence, 0, len(h.live))
	for _, inc := range h.live {
		list = append(list, inc.Clone())
	}
	return list
}

// Insert stages a new incidence for the next Save. A new id becomes a
// pending insert; an id that was pending-delete becomes pending-update,
// since storage still has a live row under it until committed.
func (h *Handler) Insert(inc incidence.Incidence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := inc.InstanceIdentifier()
	h.live[id] = inc.Clone()
	switch h.pending[id] {
	case pendingDelete:
		h.pending[id] = pendingUpdate
	default:
		h.pending[id] = pendingInsert
	}
	h.markObserved(id, h.pending[id])
}

// Update stages a modification. An id with no pending state or a
// pendingUpdate one stays/moves to pendingUpdate; an id staged as
// pendingInsert stays pendingInsert (it has never reached storage).
func (h *Handler) Update(inc incidence.Incidence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := inc.InstanceIdentifier()
	h.live[id] = inc.Clone()
	if h.pending[id] != pendingInsert {
		h.pending[id] = pendingUpdate
	}
	h.markObserved(id, h.pending[id])
}

// Delete stages a deletion. An id that was pendingInsert (never saved)
// is simply forgotten rather than turned into a tombstone write; there
// is nothing to delete from storage yet.
func (h *Handler) Delete(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[instanceID] == pendingInsert {
		delete(h.pending, instanceID)
		delete(h.live, instanceID)
		h.notify(instanceID)
		return
	}
	if inc, ok := h.live[instanceID]; ok {
		h.deletedSnapshots[instanceID] = inc
	}
	h.pending[instanceID] = pendingDelete
	delete(h.live, instanceID)
	h.markObserved(instanceID, pendingDelete)
}

func (h *Handler) markObserved(id string, kind pendingKind) {
	switch kind {
	case pendingInsert:
		h.observedInserted[id] = true
	case pendingUpdate:
		h.observedUpdated[id] = true
	case pendingDelete:
		h.observedDeleted[id] = true
	}
	h.notify(id)
}

// PendingInserts and PendingUpdates return copies of the incidences
// staged with the matching kind, for a facade's Save to translate into
// Backend.AddIncidence/ModifyIncidence calls. Staged deletions are
// listed by PendingDeleteIDs.
func (h *Handler) PendingInserts() []incidence.Incidence { return h.pendingOf(pendingInsert) }
func (h *Handler) PendingUpdates() []incidence.Incidence { return h.pendingOf(pendingUpdate) }

func (h *Handler) pendingOf(kind pendingKind) []incidence.Incidence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []incidence.Incidence
	for id, k := range h.pending {
		if k != kind {
			continue
		}
		if inc, ok := h.live[id]; ok {
			out = append(out, inc.Clone())
		}
	}
	return out
}

// PendingDeleteIDs returns instance identifiers staged for deletion
// (there is no cached Incidence value to return once deleted).
func (h *Handler) PendingDeleteIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for id, k := range h.pending {
		if k == pendingDelete {
			out = append(out, id)
		}
	}
	return out
}

// ClearPending resets the pending change-set after a successful Save,
// without touching the observed sets; those are cleared independently
// via ClearObservedIncidences, since "saved" and
// "observed-and-acknowledged" are separate concerns.
func (h *Handler) ClearPending() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = map[string]pendingKind{}
}

// ObservedIncidences snapshots the three observed id sets accumulated
// since the last ClearObservedIncidences, or all-empty if the handler
// belongs to a runtime-only notebook.
func (h *Handler) ObservedIncidences() (inserted, updated, deleted []string) {
	if h.isRuntimeOnly() {
		return nil, nil, nil
	}
	return keysOf(h.observedInserted, &h.mu),
		keysOf(h.observedUpdated, &h.mu),
		keysOf(h.observedDeleted, &h.mu)
}

// InsertedIncidences, UpdatedIncidences, DeletedIncidences resolve
// instance identifiers back to the incidence objects held for the
// pending change-set. Unknown ids are skipped. Deleted incidences
// resolve through the snapshot Delete retained, since the live copy is
// gone by then.
func (h *Handler) InsertedIncidences(ids []string) []incidence.Incidence {
	return h.resolveLive(ids)
}
func (h *Handler) UpdatedIncidences(ids []string) []incidence.Incidence {
	return h.resolveLive(ids)
}
func (h *Handler) DeletedIncidences(ids []string) []incidence.Incidence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []incidence.Incidence
	for _, id := range ids {
		if inc, ok := h.deletedSnapshots[id]; ok {
			out = append(out, inc.Clone())
		}
	}
	return out
}

func (h *Handler) resolveLive(ids []string) []incidence.Incidence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []incidence.Incidence
	for _, id := range ids {
		if inc, ok := h.live[id]; ok {
			out = append(out, inc.Clone())
		}
	}
	return out
}

func (h *Handler) isRuntimeOnly() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runtimeOnly
}

func keysOf(m map[string]bool, mu *sync.RWMutex) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ClearObservedIncidences resets the three observed sets and the
// delete snapshots, typically called once a facade has relayed them to
// its own subscribers.
func (h *Handler) ClearObservedIncidences() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observedInserted = map[string]bool{}
	h.observedUpdated = map[string]bool{}
	h.observedDeleted = map[string]bool{}
	h.deletedSnapshots = map[string]incidence.Incidence{}
}

// ForgetDeleted drops cached bookkeeping for ids known to be purged
// from storage, called after a facade's purge completes.
func (h *Handler) ForgetDeleted(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.pending, id)
	}
}
