// Package sqlite implements the relational schema, the row codec, and
// the single-database backend that serialises all access behind the
// cross-process lock. One Backend wraps one database file; peer
// processes coordinate through internal/lockfile.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/lockfile"
	"github.com/calstore/mkcal/internal/notebook"
	"github.com/calstore/mkcal/internal/storeerr"
)

// ChangeSet is the added/modified/deleted triple the backend emits on
// every non-empty commit, keyed by notebook uid -> list of instance
// identifiers.
type ChangeSet struct {
	Added    map[string][]string
	Modified map[string][]string
	Deleted  map[string][]string
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{Added: map[string][]string{}, Modified: map[string][]string{}, Deleted: map[string][]string{}}
}

func (c *ChangeSet) empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

func (c *ChangeSet) add(m map[string][]string, notebookUID, instanceID string) {
	m[notebookUID] = append(m[notebookUID], instanceID)
}

// Backend is the single-database backend. Multiple processes each open
// their own Backend against the same path and coordinate through
// internal/lockfile.
type Backend struct {
	path     string
	db       *sql.DB
	lock     *lockfile.Lock
	sentinel *lockfile.Sentinel
	watcher  *lockfile.Watcher

	lastTxnID int64

	onUpdated  func(ChangeSet)
	onModified func()

	batch *batchState // non-nil while a deferSaving() batch is open
}

// batchState accumulates operations and the resulting change set for a
// deferSaving()/commit() pair.
type batchState struct {
	tx      *sql.Tx
	changes *ChangeSet
}

// Open creates the schema if absent, migrates older schema versions,
// reads the current transaction id, and arms the change sentinel
// watch.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", storeerr.ErrIOFailure, err)
	}
	db.SetMaxOpenConns(1) // one writer slot, no multi-reader mode
	// Notebook deletion relies on the components FK cascade.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}

	b := &Backend{
		path:     path,
		db:       db,
		lock:     lockfile.New(path),
		sentinel: lockfile.NewSentinel(path),
	}

	if err := b.lock.Lock(); err != nil {
		_ = db.Close()
		return nil, err
	}
	defer func() { _ = b.lock.Unlock() }()

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	txnID, err := readTxnID(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.lastTxnID = txnID

	watcher, err := lockfile.NewWatcher(b.sentinel.Path())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	b.watcher = watcher
	watcher.Start(ctx, b.checkExternalChange)

	return b, nil
}

// Close is idempotent; safe to call multiple times.
func (b *Backend) Close() error {
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// OnUpdated registers the callback fired exactly once per non-empty
// commit.
func (b *Backend) OnUpdated(fn func(ChangeSet)) { b.onUpdated = fn }

// OnModified registers the callback fired when an external process's
// commit is detected via the change sentinel. The notification carries
// no payload.
func (b *Backend) OnModified(fn func()) { b.onModified = fn }

// checkExternalChange re-reads transaction_id under the lock and emits
// Modified if it advanced since we last observed it.
func (b *Backend) checkExternalChange() {
	if err := b.lock.Lock(); err != nil {
		return
	}
	defer func() { _ = b.lock.Unlock() }()

	if b.db == nil {
		return
	}
	txnID, err := readTxnID(b.db)
	if err != nil {
		return
	}
	if txnID == b.lastTxnID {
		return // spurious wake
	}
	b.lastTxnID = txnID
	if b.onModified != nil {
		b.onModified()
	}
}

func readTxnID(db *sql.DB) (int64, error) {
	var id int64
	if err := db.QueryRow("SELECT transaction_id FROM metadata WHERE singleton_rowid = 1").Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: reading transaction_id: %v", storeerr.ErrIOFailure, err)
	}
	return id, nil
}

// withWriteTxn runs fn inside either the currently open batch
// transaction (if deferSaving() was called) or a fresh one-shot
// transaction, bumping transaction_id and touching the sentinel exactly
// once per non-empty outer commit.
func (b *Backend) withWriteTxn(fn func(tx *sql.Tx, changes *ChangeSet) error) error {
	// DeferSaving already holds the lock for the whole batch and
	// releases it itself on Commit/Rollback; a call arriving mid-batch
	// must not touch the lock at all, or cross-process exclusion would
	// end after the batch's first statement.
	if b.batch != nil {
		return fn(b.batch.tx, b.batch.changes)
	}

	if err := b.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = b.lock.Unlock() }()

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	changes := newChangeSet()
	if err := fn(tx, changes); err != nil {
		_ = tx.Rollback()
		return err
	}
	return b.finalizeCommit(tx, changes)
}

// finalizeCommit bumps transaction_id (only if the changeset is
// non-empty), commits, touches the sentinel, and fires OnUpdated — all
// while still holding the lock (caller holds it).
func (b *Backend) finalizeCommit(tx *sql.Tx, changes *ChangeSet) error {
	if changes.empty() {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		return nil
	}

	if _, err := tx.Exec("UPDATE metadata SET transaction_id = transaction_id + 1 WHERE singleton_rowid = 1"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	// Record the new id before the commit frees the connection, so the
	// sentinel watcher never takes this process's own commit for an
	// external one.
	var txnID int64
	if err := tx.QueryRow("SELECT transaction_id FROM metadata WHERE singleton_rowid = 1").Scan(&txnID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: reading transaction_id: %v", storeerr.ErrIOFailure, err)
	}
	prevTxnID := b.lastTxnID
	b.lastTxnID = txnID
	if err := tx.Commit(); err != nil {
		b.lastTxnID = prevTxnID
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}

	if err := b.sentinel.Touch(); err != nil {
		return err
	}
	if b.onUpdated != nil {
		b.onUpdated(*changes)
	}
	return nil
}

// DeferSaving opens a batch: subsequent Add/Modify/Delete/Purge calls
// share one SQL transaction and one transaction_id bump, closed by
// Commit.
func (b *Backend) DeferSaving() error {
	if b.batch != nil {
		return fmt.Errorf("%w: a batch is already open", storeerr.ErrInvalidArgument)
	}
	if err := b.lock.Lock(); err != nil {
		return err
	}
	tx, err := b.db.Begin()
	if err != nil {
		_ = b.lock.Unlock()
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	b.batch = &batchState{tx: tx, changes: newChangeSet()}
	return nil
}

// Commit closes a batch opened by DeferSaving, or is a no-op if no
// batch is open (every non-batch write already commits itself).
func (b *Backend) Commit() error {
	if b.batch == nil {
		return nil
	}
	batch := b.batch
	b.batch = nil
	defer func() { _ = b.lock.Unlock() }()
	return b.finalizeCommit(batch.tx, batch.changes)
}

// Rollback discards a batch opened by DeferSaving without writing
// anything, releasing the lock. A no-op if no batch is open. Callers
// must use this, not Commit, when an operation inside the batch failed
// — Commit always writes whatever the batch accumulated so far.
func (b *Backend) Rollback() error {
	if b.batch == nil {
		return nil
	}
	batch := b.batch
	b.batch = nil
	defer func() { _ = b.lock.Unlock() }()
	if err := batch.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return nil
}

// --- Notebooks -------------------------------------------------------

// Notebooks returns all notebooks and the default one's uid, if any.
func (b *Backend) Notebooks() ([]*notebook.Notebook, string, error) {
	rows, err := b.db.Query(`SELECT uid, name, description, colour, flags, sync_date, plugin,
		account, attachment_size, creation_date, modified_date, is_default, shared_with, sync_profile, extra_map
		FROM calendars`)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	defer rows.Close()

	var list []*notebook.Notebook
	defaultUID := ""
	for rows.Next() {
		nb, isDefault, err := scanNotebook(rows)
		if err != nil {
			return nil, "", err
		}
		list = append(list, nb)
		if isDefault {
			defaultUID = nb.UID()
		}
	}
	return list, defaultUID, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotebook(rs rowScanner) (*notebook.Notebook, bool, error) {
	var (
		uid, name, description, colour, plugin, account, sharedWith, syncProfile string
		flags                                                                    int64
		syncDate                                                                 sql.NullInt64
		attachmentSize, creationDate, modifiedDate                               int64
		isDefault                                                                bool
		extraMap                                                                 []byte
	)
	if err := rs.Scan(&uid, &name, &description, &colour, &flags, &syncDate, &plugin,
		&account, &attachmentSize, &creationDate, &modifiedDate, &isDefault, &sharedWith, &syncProfile, &extraMap); err != nil {
		return nil, false, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	nb := notebook.New(name)
	nb.SetUID(uid)
	nb.SetDescription(description)
	nb.SetColour(colour)
	nb.SetFlag(notebook.Flag(flags), true)
	nb.SetFlag(^notebook.Flag(flags), false)
	if syncDate.Valid {
		nb.SetSyncDate(time.Unix(syncDate.Int64, 0).UTC())
	}
	nb.SetPlugin(plugin)
	nb.SetAccount(account)
	nb.SetAttachmentSizeCap(attachmentSize)
	nb.SetSyncProfile(syncProfile)
	if sharedWith != "" {
		nb.SetSharedWith(splitCSV(sharedWith))
	}
	if len(extraMap) > 0 {
		props := map[string]string{}
		if err := json.Unmarshal(extraMap, &props); err == nil {
			for k, v := range props {
				nb.SetCustomProperty(k, v)
			}
		}
	}
	nb.RestoreTimestamps(time.Unix(creationDate, 0).UTC(), time.Unix(modifiedDate, 0).UTC())
	return nb, isDefault, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinCSV(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

// AddNotebook inserts a new notebook row. Each write increments
// transaction_id and touches the sentinel, even though no incidence
// changed.
func (b *Backend) AddNotebook(nb *notebook.Notebook, isDefault bool) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		var exists int64
		err := tx.QueryRow(`SELECT 1 FROM calendars WHERE uid = ?`, nb.UID()).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: notebook %s already exists", storeerr.ErrConflict, nb.UID())
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		sharedWith := joinCSV(nb.SharedWith())
		_, err = tx.Exec(`INSERT INTO calendars (uid, name, description, colour, flags, sync_date,
			plugin, account, attachment_size, creation_date, modified_date, is_default, shared_with, sync_profile, extra_map)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			nb.UID(), nb.Name(), nb.Description(), nb.Colour(), int64(nb.Flags()), nullableUnix(nb.SyncDate()),
			nb.Plugin(), nb.Account(), nb.AttachmentSizeCap(), nb.Created().Unix(), nb.LastModified().Unix(),
			isDefault, sharedWith, nb.SyncProfile(), encodeCustomProps(nb))
		if err != nil {
			return fmt.Errorf("%w: inserting notebook: %v", storeerr.ErrIOFailure, err)
		}
		markTouched(changes)
		return nil
	})
}

// UpdateNotebook overwrites an existing notebook row.
func (b *Backend) UpdateNotebook(nb *notebook.Notebook, isDefault bool) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		sharedWith := joinCSV(nb.SharedWith())
		res, err := tx.Exec(`UPDATE calendars SET name=?, description=?, colour=?, flags=?, sync_date=?,
			plugin=?, account=?, attachment_size=?, modified_date=?, is_default=?, shared_with=?, sync_profile=?, extra_map=?
			WHERE uid=?`,
			nb.Name(), nb.Description(), nb.Colour(), int64(nb.Flags()), nullableUnix(nb.SyncDate()),
			nb.Plugin(), nb.Account(), nb.AttachmentSizeCap(), nb.LastModified().Unix(), isDefault,
			sharedWith, nb.SyncProfile(), encodeCustomProps(nb), nb.UID())
		if err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: notebook %s does not exist", storeerr.ErrConflict, nb.UID())
		}
		markTouched(changes)
		return nil
	})
}

// DeleteNotebook removes a notebook; the FK ON DELETE CASCADE on
// components cascades to all its incidences, live and tombstoned.
func (b *Backend) DeleteNotebook(nb *notebook.Notebook) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		res, err := tx.Exec(`DELETE FROM calendars WHERE uid=?`, nb.UID())
		if err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: notebook %s does not exist", storeerr.ErrConflict, nb.UID())
		}
		markTouched(changes)
		return nil
	})
}

// NotebooksChangeKey is the pseudo-notebook key under which
// notebook-metadata writes are recorded in a ChangeSet, so a
// notebook-only commit still counts as non-empty and bumps
// transaction_id without naming any incidence.
const NotebooksChangeKey = "__notebooks__"

func markTouched(changes *ChangeSet) {
	changes.Modified[NotebooksChangeKey] = append(changes.Modified[NotebooksChangeKey], "")
}

// encodeCustomProps serialises a notebook's custom-property map for
// the extra_map column; nil when the notebook has none.
func encodeCustomProps(nb *notebook.Notebook) []byte {
	keys := nb.CustomPropertyKeys()
	if len(keys) == 0 {
		return nil
	}
	props := make(map[string]string, len(keys))
	for _, k := range keys {
		props[k] = nb.CustomProperty(k, "")
	}
	out, err := json.Marshal(props)
	if err != nil {
		return nil
	}
	return out
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

// --- Incidences --------------------------------------------------------

// Incidences returns live incidences of a notebook, optionally filtered
// by series uid (in which case exceptions of that series are included
// too, since they share the uid column).
func (b *Backend) Incidences(notebookUID, uid string) ([]incidence.Incidence, error) {
	var rows *sql.Rows
	var err error
	if uid == "" {
		rows, err = b.db.Query(liveComponentsSelect+" WHERE notebook_uid = ? AND deleted = 0", notebookUID)
	} else {
		rows, err = b.db.Query(liveComponentsSelect+" WHERE notebook_uid = ? AND uid = ? AND deleted = 0", notebookUID, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return b.scanIncidences(rows)
}

// IncidencesInRange returns, grouped by notebook, non-recurring
// incidences whose [dtStart,dtEnd) intersects [start,end). Either bound may be the zero
// Time (open-ended) but not both; loadAllRecurring additionally returns
// every series master and exception regardless of dates, preserving
// consistency between parents and exceptions.
func (b *Backend) IncidencesInRange(start, end time.Time, loadAllRecurring bool) (map[string][]incidence.Incidence, error) {
	if start.IsZero() && end.IsZero() {
		return nil, fmt.Errorf("%w: range query requires at least one bound", storeerr.ErrInvalidArgument)
	}

	query := liveComponentsSelect + " WHERE deleted = 0"
	var args []any
	switch {
	case start.IsZero():
		query += " AND dt_start < ?"
		args = append(args, end.UTC().Unix())
	case end.IsZero():
		query += " AND (dt_end IS NULL OR dt_end > ?)"
		args = append(args, start.UTC().Unix())
	default:
		if start.After(end) {
			return map[string][]incidence.Incidence{}, nil
		}
		query += " AND dt_start < ? AND (dt_end IS NULL OR dt_end > ?)"
		args = append(args, end.UTC().Unix(), start.UTC().Unix())
	}
	if !loadAllRecurring {
		query += " AND recurrence_id = 0 AND NOT EXISTS (SELECT 1 FROM rrules WHERE rrules.component_rowid = components.rowid)"
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	byNotebook, err := b.scanIncidencesGrouped(rows)
	if err != nil {
		return nil, err
	}

	if loadAllRecurring {
		recurring, err := b.allRecurringByNotebook()
		if err != nil {
			return nil, err
		}
		for nbUID, incs := range recurring {
			byNotebook[nbUID] = mergeByIdentity(byNotebook[nbUID], incs)
		}
	}
	return byNotebook, nil
}

func mergeByIdentity(base, extra []incidence.Incidence) []incidence.Incidence {
	seen := map[string]bool{}
	for _, i := range base {
		seen[i.InstanceIdentifier()] = true
	}
	for _, i := range extra {
		if !seen[i.InstanceIdentifier()] {
			base = append(base, i)
			seen[i.InstanceIdentifier()] = true
		}
	}
	return base
}

// allRecurringByNotebook loads every series master and exception
// (independent of dates), grouped by notebook.
func (b *Backend) allRecurringByNotebook() (map[string][]incidence.Incidence, error) {
	rows, err := b.db.Query(`SELECT c.notebook_uid, c.rowid FROM components c WHERE c.deleted = 0
		AND (c.recurrence_id != 0 OR EXISTS (SELECT 1 FROM rrules r WHERE r.component_rowid = c.rowid))`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	defer rows.Close()

	byNotebook := map[string][]incidence.Incidence{}
	var rowids []int64
	nbByRowid := map[int64]string{}
	for rows.Next() {
		var nbUID string
		var rowid int64
		if err := rows.Scan(&nbUID, &rowid); err != nil {
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		rowids = append(rowids, rowid)
		nbByRowid[rowid] = nbUID
	}
	for _, rowid := range rowids {
		row, err := b.loadComponentRow(rowid)
		if err != nil {
			return nil, err
		}
		nbUID := nbByRowid[rowid]
		byNotebook[nbUID] = append(byNotebook[nbUID], row.toIncidence())
	}
	return byNotebook, nil
}

// IncidencesByUID returns all incidences across notebooks sharing a uid.
func (b *Backend) IncidencesByUID(uid string) (map[string][]incidence.Incidence, error) {
	rows, err := b.db.Query(`SELECT notebook_uid, rowid FROM components WHERE uid = ? AND deleted = 0`, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	defer rows.Close()

	type ref struct {
		nbUID string
		rowid int64
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.nbUID, &r.rowid); err != nil {
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		refs = append(refs, r)
	}
	out := map[string][]incidence.Incidence{}
	for _, r := range refs {
		row, err := b.loadComponentRow(r.rowid)
		if err != nil {
			return nil, err
		}
		out[r.nbUID] = append(out[r.nbUID], row.toIncidence())
	}
	return out, nil
}

// DeletedIncidences returns tombstoned rows for a notebook.
func (b *Backend) DeletedIncidences(notebookUID string) ([]incidence.Incidence, error) {
	rows, err := b.db.Query(liveComponentsSelect+" WHERE notebook_uid = ? AND deleted = 1", notebookUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return b.scanIncidences(rows)
}

// Search performs a case-insensitive, escaped substring match against
// summary/description/location, returning whole series when any
// occurrence matches. limit caps non-recurring matches only.
func (b *Backend) Search(needle string, limit int) (map[string][]incidence.Incidence, map[string][]string, error) {
	pattern := escapeSearchPattern(needle)
	rows, err := b.db.Query(`SELECT notebook_uid, rowid, uid FROM components
		WHERE deleted = 0 AND (
			summary LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR location LIKE ? ESCAPE '\'
		)`, pattern, pattern, pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	defer rows.Close()

	type hit struct {
		nbUID string
		rowid int64
		uid   string
	}
	var hits []hit
	matchedUIDs := map[string]bool{}
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.nbUID, &h.rowid, &h.uid); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		hits = append(hits, h)
		matchedUIDs[h.nbUID+"\x00"+h.uid] = true
	}

	byNotebook := map[string][]incidence.Incidence{}
	idsByNotebook := map[string][]string{}
	nonRecurringCount := 0
	seen := map[string]bool{}
	for key := range matchedUIDs {
		var nbUID, uid string
		for i := 0; i < len(key); i++ {
			if key[i] == 0 {
				nbUID, uid = key[:i], key[i+1:]
				break
			}
		}
		series, err := b.Incidences(nbUID, uid)
		if err != nil {
			return nil, nil, err
		}
		for _, inc := range series {
			id := inc.InstanceIdentifier()
			if seen[nbUID+"/"+id] {
				continue
			}
			if !inc.Recurs() && inc.RecurrenceID().IsZero() {
				if limit > 0 && nonRecurringCount >= limit {
					continue
				}
				nonRecurringCount++
			}
			seen[nbUID+"/"+id] = true
			byNotebook[nbUID] = append(byNotebook[nbUID], inc)
			idsByNotebook[nbUID] = append(idsByNotebook[nbUID], id)
		}
	}
	return byNotebook, idsByNotebook, nil
}

const liveComponentsSelect = `SELECT rowid, notebook_uid, uid, recurrence_id, recurrence_id_tz, type,
	dt_start, dt_start_tz, dt_end, dt_end_tz, due, due_tz, all_day, summary, description, location,
	status, organizer, category, geo_lat, geo_lon, revision, created, last_modified
	FROM components`

func (b *Backend) scanIncidences(rows *sql.Rows) ([]incidence.Incidence, error) {
	defer rows.Close()
	var rowids []int64
	for rows.Next() {
		row, err := scanComponentRow(rows)
		if err != nil {
			return nil, err
		}
		rowids = append(rowids, row.rowid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	list := make([]incidence.Incidence, 0, len(rowids))
	for _, id := range rowids {
		row, err := b.loadComponentRow(id)
		if err != nil {
			return nil, err
		}
		list = append(list, row.toIncidence())
	}
	return list, nil
}

// scanIncidencesGrouped is scanIncidences but keeps each row's
// notebook_uid so the caller can group results by notebook.
func (b *Backend) scanIncidencesGrouped(rows *sql.Rows) (map[string][]incidence.Incidence, error) {
	defer rows.Close()
	type ref struct {
		rowid int64
		nbUID string
	}
	var refs []ref
	for rows.Next() {
		row, err := scanComponentRow(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref{rowid: row.rowid, nbUID: row.notebookUID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	out := map[string][]incidence.Incidence{}
	for _, r := range refs {
		row, err := b.loadComponentRow(r.rowid)
		if err != nil {
			return nil, err
		}
		out[r.nbUID] = append(out[r.nbUID], row.toIncidence())
	}
	return out, nil
}

func scanComponentRow(rs rowScanner) (*componentRow, error) {
	row := &componentRow{}
	if err := rs.Scan(&row.rowid, &row.notebookUID, &row.uid, &row.recurrenceID, &row.recurrenceIDTZ,
		&row.kind, &row.dtStart, &row.dtStartTZ, &row.dtEnd, &row.dtEndTZ, &row.due, &row.dueTZ,
		&row.allDay, &row.summary, &row.description, &row.location, &row.status, &row.organizer,
		&row.category, &row.geoLat, &row.geoLon, &row.revision, &row.created, &row.lastModified); err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return row, nil
}

// loadComponentRow fetches one component plus its side-table data by
// rowid, fully populated for toIncidence().
func (b *Backend) loadComponentRow(rowid int64) (*componentRow, error) {
	r := b.db.QueryRow(liveComponentsSelect+" WHERE rowid = ?", rowid)
	row, err := scanComponentRow(r)
	if err != nil {
		return nil, err
	}

	ruleRows, err := b.db.Query(`SELECT value FROM rrules WHERE component_rowid = ?`, rowid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	for ruleRows.Next() {
		var v string
		if err := ruleRows.Scan(&v); err != nil {
			ruleRows.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		row.rrules = append(row.rrules, v)
	}
	ruleRows.Close()

	exRows, err := b.db.Query(`SELECT value, tz FROM exdates WHERE component_rowid = ?`, rowid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	for exRows.Next() {
		var v int64
		var tz string
		if err := exRows.Scan(&v, &tz); err != nil {
			exRows.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		row.exdates = append(row.exdates, decodeTime(sql.NullInt64{Int64: v, Valid: true}, tz))
	}
	exRows.Close()
	sort.Slice(row.exdates, func(i, j int) bool { return row.exdates[i].Before(row.exdates[j]) })

	alarmRows, err := b.db.Query(`SELECT enabled, kind, has_offset, offset_sec, absolute_time,
		repeat_count, repeat_interval_sec, program_file, program_args FROM alarms WHERE component_rowid = ?`, rowid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	for alarmRows.Next() {
		var a incidence.Alarm
		var absTime sql.NullInt64
		var repeatIntervalSec int64
		if err := alarmRows.Scan(&a.Enabled, &a.Kind, &a.HasOffset, &a.StartOffset, &absTime,
			&a.RepeatCount, &repeatIntervalSec, &a.ProgramFile, &a.ProgramArgs); err != nil {
			alarmRows.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		a.StartOffset = a.StartOffset * time.Second
		a.RepeatSpacing = time.Duration(repeatIntervalSec) * time.Second
		if absTime.Valid {
			a.AbsoluteTime = time.Unix(absTime.Int64, 0).UTC()
		}
		row.alarms = append(row.alarms, a)
	}
	alarmRows.Close()

	attRows, err := b.db.Query(`SELECT email, name, role, status FROM attendees WHERE component_rowid = ?`, rowid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	for attRows.Next() {
		var a incidence.Attendee
		if err := attRows.Scan(&a.Email, &a.Name, &a.Role, &a.Status); err != nil {
			attRows.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		row.attendees = append(row.attendees, a)
	}
	attRows.Close()

	propRows, err := b.db.Query(`SELECT key, value FROM custom_properties WHERE component_rowid = ?`, rowid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	row.customProps = map[string]string{}
	for propRows.Next() {
		var k, v string
		if err := propRows.Scan(&k, &v); err != nil {
			propRows.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		row.customProps[k] = v
	}
	propRows.Close()

	return row, nil
}

// --- Incidence writes ----------------------------------------------------

// AddIncidence inserts a new series master or exception. Fails with
// ErrConflict if the (notebook, uid, recurrence_id) triple already
// exists among live rows. Any tombstone sharing the same identity is
// physically deleted first, so a live row and a tombstone for the same
// identity never coexist.
func (b *Backend) AddIncidence(notebookUID string, inc incidence.Incidence) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		recID, _ := encodeRecurrenceID(inc.RecurrenceID())
		if _, err := tx.Exec(`DELETE FROM components WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted = 1`,
			notebookUID, inc.UID(), recID); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		var exists int64
		err := tx.QueryRow(`SELECT 1 FROM components WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted = 0`,
			notebookUID, inc.UID(), recID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s/%s already has a live row", storeerr.ErrConflict, notebookUID, inc.InstanceIdentifier())
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		if err := insertComponentRow(tx, rowFromIncidence(notebookUID, inc)); err != nil {
			return err
		}
		changes.add(changes.Added, notebookUID, inc.InstanceIdentifier())
		return nil
	})
}

// ModifyIncidence overwrites an existing live row in place.
func (b *Backend) ModifyIncidence(notebookUID string, inc incidence.Incidence) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		rowid, err := findLiveRowid(tx, notebookUID, inc.UID(), inc.RecurrenceID())
		if err != nil {
			return err
		}
		if err := updateComponentRow(tx, rowid, rowFromIncidence(notebookUID, inc)); err != nil {
			return err
		}
		changes.add(changes.Modified, notebookUID, inc.InstanceIdentifier())
		return nil
	})
}

// DeleteIncidence marks a live row deleted=1 (a tombstone), leaving it
// queryable via DeletedIncidences until PurgeIncidence.
func (b *Backend) DeleteIncidence(notebookUID string, inc incidence.Incidence) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		rowid, err := findLiveRowid(tx, notebookUID, inc.UID(), inc.RecurrenceID())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE components SET deleted = 1, last_modified = ? WHERE rowid = ?`,
			time.Now().UTC().Unix(), rowid); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		changes.add(changes.Deleted, notebookUID, inc.InstanceIdentifier())
		return nil
	})
}

// PurgeIncidence permanently removes a live or tombstoned row and its
// side-table data (cascaded by the FK); absence is not an error.
func (b *Backend) PurgeIncidence(notebookUID string, inc incidence.Incidence) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		recID, _ := encodeRecurrenceID(inc.RecurrenceID())
		if _, err := tx.Exec(`DELETE FROM components WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ?`,
			notebookUID, inc.UID(), recID); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
		return nil
	})
}

// PurgeDeletedIncidences permanently removes every tombstone listed.
// Like single-incidence purge this does not touch the change set:
// purging an already-tombstoned row is invisible to observers, since it
// was already reported deleted.
func (b *Backend) PurgeDeletedIncidences(notebookUID string, list []incidence.Incidence) error {
	return b.withWriteTxn(func(tx *sql.Tx, changes *ChangeSet) error {
		for _, inc := range list {
			recID, _ := encodeRecurrenceID(inc.RecurrenceID())
			if _, err := tx.Exec(`DELETE FROM components WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted = 1`,
				notebookUID, inc.UID(), recID); err != nil {
				return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
			}
		}
		return nil
	})
}

func findLiveRowid(tx *sql.Tx, notebookUID, uid string, recurrenceID time.Time) (int64, error) {
	recID, _ := encodeRecurrenceID(recurrenceID)
	var rowid int64
	err := tx.QueryRow(`SELECT rowid FROM components WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted = 0`,
		notebookUID, uid, recID).Scan(&rowid)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s/%s has no live row", storeerr.ErrConflict, notebookUID, uid)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return rowid, nil
}

func insertComponentRow(tx *sql.Tx, row *componentRow) (err error) {
	res, err := tx.Exec(`INSERT INTO components (notebook_uid, uid, recurrence_id, recurrence_id_tz, type,
		dt_start, dt_start_tz, dt_end, dt_end_tz, due, due_tz, all_day, summary, description, location,
		status, organizer, category, geo_lat, geo_lon, revision, created, last_modified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.notebookUID, row.uid, row.recurrenceID, row.recurrenceIDTZ, row.kind,
		row.dtStart, row.dtStartTZ, row.dtEnd, row.dtEndTZ, row.due, row.dueTZ, row.allDay,
		row.summary, row.description, row.location, row.status, row.organizer, row.category,
		row.geoLat, row.geoLon, row.revision, row.created, row.lastModified)
	if err != nil {
		return fmt.Errorf("%w: inserting component: %v", storeerr.ErrIOFailure, err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return writeSideTables(tx, rowid, row)
}

func updateComponentRow(tx *sql.Tx, rowid int64, row *componentRow) error {
	_, err := tx.Exec(`UPDATE components SET dt_start=?, dt_start_tz=?, dt_end=?, dt_end_tz=?, due=?, due_tz=?,
		all_day=?, summary=?, description=?, location=?, status=?, organizer=?, category=?, geo_lat=?, geo_lon=?,
		revision=?, last_modified=? WHERE rowid=?`,
		row.dtStart, row.dtStartTZ, row.dtEnd, row.dtEndTZ, row.due, row.dueTZ, row.allDay,
		row.summary, row.description, row.location, row.status, row.organizer, row.category,
		row.geoLat, row.geoLon, row.revision, row.lastModified, rowid)
	if err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	for _, table := range []string{"rrules", "exdates", "rdates", "alarms", "attendees", "custom_properties"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE component_rowid = ?`, rowid); err != nil {
			return fmt.Errorf("%w: clearing %s: %v", storeerr.ErrIOFailure, table, err)
		}
	}
	return writeSideTables(tx, rowid, row)
}

func writeSideTables(tx *sql.Tx, rowid int64, row *componentRow) error {
	if rec := row.rrules; len(rec) > 0 {
		for _, rule := range rec {
			if _, err := tx.Exec(`INSERT INTO rrules (component_rowid, value) VALUES (?,?)`, rowid, rule); err != nil {
				return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
			}
		}
	}
	for _, ex := range row.exdates {
		epoch, tz := encodeTime(ex, false)
		if _, err := tx.Exec(`INSERT INTO exdates (component_rowid, value, tz) VALUES (?,?,?)`, rowid, epoch.Int64, tz); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
	}
	for _, a := range row.alarms {
		var absTime sql.NullInt64
		if !a.AbsoluteTime.IsZero() {
			absTime = sql.NullInt64{Int64: a.AbsoluteTime.UTC().Unix(), Valid: true}
		}
		if _, err := tx.Exec(`INSERT INTO alarms (component_rowid, enabled, kind, has_offset, offset_sec,
			absolute_time, repeat_count, repeat_interval_sec, program_file, program_args)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			rowid, a.Enabled, a.Kind, a.HasOffset, int64(a.StartOffset/time.Second), absTime,
			a.RepeatCount, int64(a.RepeatSpacing/time.Second), a.ProgramFile, a.ProgramArgs); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
	}
	for _, a := range row.attendees {
		if _, err := tx.Exec(`INSERT INTO attendees (component_rowid, email, name, role, status) VALUES (?,?,?,?,?)`,
			rowid, a.Email, a.Name, a.Role, a.Status); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
	}
	for k, v := range row.customProps {
		if _, err := tx.Exec(`INSERT INTO custom_properties (component_rowid, key, value) VALUES (?,?,?)`, rowid, k, v); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
		}
	}
	return nil
}
