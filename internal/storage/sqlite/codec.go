package sqlite

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/calstore/mkcal/internal/incidence"
	"github.com/calstore/mkcal/internal/incidence/memimpl"
)

// floatingTZ is the sentinel timezone label for all-day / clock-time
// values that carry no real UTC offset.
const floatingTZ = "floating"

// encodeTime splits a time.Time into the (epoch_seconds, tz) pair the
// schema stores. A zero Time encodes as a NULL epoch.
func encodeTime(t time.Time, allDay bool) (sql.NullInt64, string) {
	if t.IsZero() {
		return sql.NullInt64{}, ""
	}
	if allDay {
		return sql.NullInt64{Int64: t.Unix(), Valid: true}, floatingTZ
	}
	if name := t.Location().String(); name != "" && name != "UTC" && name != "Local" {
		if _, err := time.LoadLocation(name); err == nil {
			return sql.NullInt64{Int64: t.Unix(), Valid: true}, name
		}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}, "UTC"
}

// decodeTime reverses encodeTime. Non-UTC IANA zone names round-trip
// through time.LoadLocation; the floating sentinel and "UTC" both
// decode to a UTC-backed time.Time (the engine treats floating/all-day
// values as wall-clock, tz-less instants represented in UTC).
func decodeTime(epoch sql.NullInt64, tz string) time.Time {
	if !epoch.Valid {
		return time.Time{}
	}
	if tz == "" || tz == "UTC" || tz == floatingTZ {
		return time.Unix(epoch.Int64, 0).UTC()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Unix(epoch.Int64, 0).UTC()
	}
	return time.Unix(epoch.Int64, 0).In(loc)
}

// recurrenceIDSentinel is the on-disk value meaning "no recurrence id"
// (series master), matching schema.go's documented column convention.
const recurrenceIDSentinel int64 = 0

func encodeRecurrenceID(t time.Time) (int64, string) {
	if t.IsZero() {
		return recurrenceIDSentinel, ""
	}
	return t.UTC().Unix(), "UTC"
}

func decodeRecurrenceID(v int64, tz string) time.Time {
	if v == recurrenceIDSentinel {
		return time.Time{}
	}
	return decodeTime(sql.NullInt64{Int64: v, Valid: true}, tz)
}

// componentRow is the flat row shape for the components table plus the
// fields pulled from its side tables, used both when writing an
// incidence and when reconstituting one.
type componentRow struct {
	rowid          int64
	notebookUID    string
	uid            string
	recurrenceID   int64
	recurrenceIDTZ string
	kind           incidence.Kind
	deleted        bool
	dtStart        sql.NullInt64
	dtStartTZ      string
	dtEnd          sql.NullInt64
	dtEndTZ        string
	due            sql.NullInt64
	dueTZ          string
	allDay         bool
	summary        string
	description    string
	location       string
	status         incidence.Status
	organizer      string
	category       string
	geoLat         sql.NullFloat64
	geoLon         sql.NullFloat64
	revision       int
	created        int64
	lastModified   int64

	rrules      []string
	exdates     []time.Time
	alarms      []incidence.Alarm
	attendees   []incidence.Attendee
	customProps map[string]string
}

// rowFromIncidence flattens an incidence into the row shape ready for
// the prepared INSERT/UPDATE statements.
func rowFromIncidence(notebookUID string, inc incidence.Incidence) *componentRow {
	recID, recTZ := encodeRecurrenceID(inc.RecurrenceID())
	dtStart, dtStartTZ := encodeTime(inc.DtStart(), inc.AllDay())
	dtEnd, dtEndTZ := encodeTime(inc.DtEnd(), inc.AllDay())
	due, dueTZ := encodeTime(inc.Due(), inc.AllDay())

	row := &componentRow{
		notebookUID:    notebookUID,
		uid:            inc.UID(),
		recurrenceID:   recID,
		recurrenceIDTZ: recTZ,
		kind:           inc.Kind(),
		dtStart:        dtStart,
		dtStartTZ:      dtStartTZ,
		dtEnd:          dtEnd,
		dtEndTZ:        dtEndTZ,
		due:            due,
		dueTZ:          dueTZ,
		allDay:         inc.AllDay(),
		summary:        inc.Summary(),
		description:    inc.Description(),
		location:       inc.Location(),
		status:         inc.Status(),
		organizer:      inc.Organizer(),
		category:       strings.Join(inc.Categories(), ","),
		revision:       inc.Revision(),
		created:        inc.Created().UTC().Unix(),
		lastModified:   inc.LastModified().UTC().Unix(),
		alarms:         inc.Alarms(),
		attendees:      inc.Attendees(),
		customProps:    inc.CustomProperties(),
	}
	if lat, ok := inc.GeoLat(); ok {
		row.geoLat = sql.NullFloat64{Float64: lat, Valid: true}
	}
	if lon, ok := inc.GeoLon(); ok {
		row.geoLon = sql.NullFloat64{Float64: lon, Valid: true}
	}
	if rec := inc.Recurrence(); rec != nil {
		row.rrules = rec.Rules()
		row.exdates = rec.ExDates()
	}
	return row
}

// toIncidence reconstitutes an incidence.Incidence from a stored row.
// The recurrence engine attached is memimpl's DailyRecurrence, decoded
// from the first stored rule string ("FREQ=DAILY;INTERVAL=<seconds>;
// COUNT=<n>", the persisted form memimpl emits). Embedders with a full
// RRULE evaluator substitute their own decoding here.
func (r *componentRow) toIncidence() incidence.Incidence {
	v := &memimpl.Value{
		UIDField:          r.uid,
		RecurrenceIDField: decodeRecurrenceID(r.recurrenceID, r.recurrenceIDTZ),
		KindField:         r.kind,
		RevisionField:     r.revision,
		CreatedField:      time.Unix(r.created, 0).UTC(),
		LastModField:      time.Unix(r.lastModified, 0).UTC(),
		SummaryField:      r.summary,
		DescriptionField:  r.description,
		LocationField:     r.location,
		StatusField:       r.status,
		DtStartField:      decodeTime(r.dtStart, r.dtStartTZ),
		DtEndField:        decodeTime(r.dtEnd, r.dtEndTZ),
		DueField:          decodeTime(r.due, r.dueTZ),
		AllDayField:       r.allDay,
		OrganizerField:    r.organizer,
		AlarmsField:       r.alarms,
		AttendeesField:    r.attendees,
		CustomProps:       r.customProps,
	}
	if r.category != "" {
		v.CategoriesField = strings.Split(r.category, ",")
	}
	if r.geoLat.Valid {
		lat := r.geoLat.Float64
		v.GeoLatField = &lat
	}
	if r.geoLon.Valid {
		lon := r.geoLon.Float64
		v.GeoLonField = &lon
	}
	if len(r.rrules) > 0 {
		v.RecurrenceField = decodeRecurrence(r.rrules[0], v.DtStartField, r.exdates)
	}
	return v
}

func decodeRecurrence(rule string, start time.Time, exdates []time.Time) incidence.Recurrence {
	interval := 24 * time.Hour
	count := 0
	for _, part := range strings.Split(rule, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "INTERVAL":
			if secs, err := strconv.Atoi(kv[1]); err == nil {
				interval = time.Duration(secs) * time.Second
			}
		case "COUNT":
			if n, err := strconv.Atoi(kv[1]); err == nil {
				count = n
			}
		}
	}
	rec := memimpl.NewDailyRecurrence(start, interval, count)
	for _, ex := range exdates {
		rec.AddExDate(ex)
	}
	return rec
}

// escapeSearchPattern escapes SQL LIKE meta-characters ('\' '%' '_') so
// a literal substring search never behaves as a wildcard match.
func escapeSearchPattern(needle string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(needle) + "%"
}
