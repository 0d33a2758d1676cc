package sqlite

// schema is the current on-disk relational shape: one row per notebook,
// one row per component (incidence occurrence, live or tombstoned),
// side tables for the multi-valued fields, and a singleton metadata row
// carrying the DB-wide transaction id.
//
// Timestamps are stored as (epoch_seconds INTEGER, tz TEXT) pairs; tz is
// "UTC", an IANA zone name, or the sentinel "floating" for all-day/
// clock-time values.
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	singleton_rowid INTEGER PRIMARY KEY CHECK (singleton_rowid = 1),
	transaction_id INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO metadata (singleton_rowid, transaction_id) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS calendars (
	uid TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	colour TEXT NOT NULL DEFAULT '',
	flags INTEGER NOT NULL DEFAULT 0,
	sync_date INTEGER,
	plugin TEXT NOT NULL DEFAULT '',
	account TEXT NOT NULL DEFAULT '',
	attachment_size INTEGER NOT NULL DEFAULT -1,
	creation_date INTEGER NOT NULL,
	modified_date INTEGER NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	shared_with TEXT NOT NULL DEFAULT '',
	sync_profile TEXT NOT NULL DEFAULT '',
	extra_map BLOB
);

-- recurrence_id = 0 is the sentinel for "series master" (no recurrence
-- id); a real exception at the Unix epoch is not representable, an
-- accepted limitation of this schema.
CREATE TABLE IF NOT EXISTS components (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	notebook_uid TEXT NOT NULL REFERENCES calendars(uid) ON DELETE CASCADE,
	uid TEXT NOT NULL,
	recurrence_id INTEGER NOT NULL DEFAULT 0,
	recurrence_id_tz TEXT NOT NULL DEFAULT '',
	type INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	dt_start INTEGER,
	dt_start_tz TEXT NOT NULL DEFAULT '',
	dt_end INTEGER,
	dt_end_tz TEXT NOT NULL DEFAULT '',
	due INTEGER,
	due_tz TEXT NOT NULL DEFAULT '',
	all_day INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	organizer TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	geo_lat REAL,
	geo_lon REAL,
	revision INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	UNIQUE (notebook_uid, uid, recurrence_id, deleted)
);

CREATE INDEX IF NOT EXISTS idx_components_live
	ON components (notebook_uid, uid) WHERE deleted = 0;
CREATE INDEX IF NOT EXISTS idx_components_notebook ON components (notebook_uid);
CREATE INDEX IF NOT EXISTS idx_components_uid ON components (uid);
CREATE INDEX IF NOT EXISTS idx_components_dates ON components (dt_start, dt_end);

CREATE TABLE IF NOT EXISTS rrules (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rrules_component ON rrules (component_rowid);

CREATE TABLE IF NOT EXISTS exdates (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	value INTEGER NOT NULL,
	tz TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_exdates_component ON exdates (component_rowid);

CREATE TABLE IF NOT EXISTS rdates (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	value INTEGER NOT NULL,
	tz TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rdates_component ON rdates (component_rowid);

CREATE TABLE IF NOT EXISTS alarms (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	enabled INTEGER NOT NULL DEFAULT 1,
	kind INTEGER NOT NULL DEFAULT 0,
	has_offset INTEGER NOT NULL DEFAULT 0,
	offset_sec INTEGER NOT NULL DEFAULT 0,
	absolute_time INTEGER,
	repeat_count INTEGER NOT NULL DEFAULT 0,
	repeat_interval_sec INTEGER NOT NULL DEFAULT 0,
	program_file TEXT NOT NULL DEFAULT '',
	program_args TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alarms_component ON alarms (component_rowid);

CREATE TABLE IF NOT EXISTS attendees (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	email TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attendees_component ON attendees (component_rowid);

CREATE TABLE IF NOT EXISTS custom_properties (
	component_rowid INTEGER NOT NULL REFERENCES components(rowid) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_custom_properties_component ON custom_properties (component_rowid);
`

// currentSchemaVersion is bumped whenever the schema changes in a way
// that requires a migration.
const currentSchemaVersion = 1
