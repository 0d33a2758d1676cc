// Package notebook implements the notebook value type: a named
// calendar with policy flags packed into a bitset on disk and exposed
// in memory as a proper flag set.
package notebook

import (
	"time"

	"github.com/calstore/mkcal/internal/incidence"
)

// Flag is a bit position in the on-disk flags column.
type Flag uint32

const (
	FlagEventsAllowed Flag = 1 << iota
	FlagTodosAllowed
	FlagJournalsAllowed
	FlagShared
	FlagMaster
	FlagSynchronized
	FlagReadOnly
	FlagVisible
	FlagRuntimeOnly
	FlagShareable
)

// DefaultFlags is the state of a freshly-created notebook:
// events+todos+journals allowed, master, visible.
const DefaultFlags = FlagEventsAllowed | FlagTodosAllowed | FlagJournalsAllowed | FlagMaster | FlagVisible

// Notebook is a value type; copies returned to callers are
// independent.
type Notebook struct {
	uid              string
	name             string
	description      string
	colour           string
	created          time.Time
	lastModified     time.Time
	flags            Flag
	syncDate         time.Time
	plugin           string
	account          string
	attachmentSizeCap int64 // -1 unlimited, 0 forbid
	syncProfile      string
	sharedWith       []string
	customProps      map[string]string
}

// New creates a notebook with a random UID and default
// flags/timestamps.
func New(name string) *Notebook {
	now := time.Now().UTC()
	return &Notebook{
		uid:               incidence.NewUID(),
		name:              name,
		created:           now,
		lastModified:      now,
		flags:             DefaultFlags,
		attachmentSizeCap: -1,
		customProps:       map[string]string{},
	}
}

func (n *Notebook) UID() string          { return n.uid }
func (n *Notebook) Name() string         { return n.name }
func (n *Notebook) Description() string  { return n.description }
func (n *Notebook) Colour() string       { return n.colour }
func (n *Notebook) Created() time.Time   { return n.created }
func (n *Notebook) LastModified() time.Time { return n.lastModified }
func (n *Notebook) SyncDate() time.Time  { return n.syncDate }
func (n *Notebook) Plugin() string       { return n.plugin }
func (n *Notebook) Account() string      { return n.account }
func (n *Notebook) AttachmentSizeCap() int64 { return n.attachmentSizeCap }
func (n *Notebook) SyncProfile() string  { return n.syncProfile }
func (n *Notebook) SharedWith() []string { return append([]string(nil), n.sharedWith...) }

func (n *Notebook) Has(f Flag) bool { return n.flags&f != 0 }
func (n *Notebook) Flags() Flag     { return n.flags }

func (n *Notebook) touch() { n.lastModified = time.Now().UTC() }

// SetUID does not update last-modified: the UID is identity, not
// observable state.
func (n *Notebook) SetUID(uid string) { n.uid = uid }

// RestoreTimestamps sets created/lastModified directly, bypassing touch.
// Used only when reconstructing a notebook from a stored row, where both
// timestamps are already known and must not be reset to now.
func (n *Notebook) RestoreTimestamps(created, lastModified time.Time) {
	n.created = created
	n.lastModified = lastModified
}

func (n *Notebook) SetName(name string) {
	n.name = name
	n.touch()
}

func (n *Notebook) SetDescription(d string) {
	n.description = d
	n.touch()
}

func (n *Notebook) SetColour(c string) {
	n.colour = c
	n.touch()
}

func (n *Notebook) SetFlag(f Flag, on bool) {
	if on {
		n.flags |= f
	} else {
		n.flags &^= f
	}
	n.touch()
}

func (n *Notebook) SetSyncDate(t time.Time) {
	n.syncDate = t
	n.touch()
}

func (n *Notebook) SetPlugin(p string) {
	n.plugin = p
	n.touch()
}

func (n *Notebook) SetAccount(a string) {
	n.account = a
	n.touch()
}

func (n *Notebook) SetAttachmentSizeCap(v int64) {
	n.attachmentSizeCap = v
	n.touch()
}

func (n *Notebook) SetSyncProfile(p string) {
	n.syncProfile = p
	n.touch()
}

func (n *Notebook) SetSharedWith(ids []string) {
	n.sharedWith = append([]string(nil), ids...)
	n.touch()
}

// CustomProperty returns the stored value, or defaultValue when the
// key is absent.
func (n *Notebook) CustomProperty(key, defaultValue string) string {
	if v, ok := n.customProps[key]; ok {
		return v
	}
	return defaultValue
}

func (n *Notebook) SetCustomProperty(key, value string) {
	if n.customProps == nil {
		n.customProps = map[string]string{}
	}
	n.customProps[key] = value
	n.touch()
}

// CustomPropertyKeys enumerates custom property keys.
func (n *Notebook) CustomPropertyKeys() []string {
	keys := make([]string, 0, len(n.customProps))
	for k := range n.customProps {
		keys = append(keys, k)
	}
	return keys
}

// Clone returns an independent copy.
func (n *Notebook) Clone() *Notebook {
	c := *n
	c.sharedWith = append([]string(nil), n.sharedWith...)
	c.customProps = make(map[string]string, len(n.customProps))
	for k, v := range n.customProps {
		c.customProps[k] = v
	}
	return &c
}

// Equal compares all fields except the created and last-modified
// timestamps.
func (n *Notebook) Equal(o *Notebook) bool {
	if o == nil {
		return false
	}
	if n.uid != o.uid || n.name != o.name || n.description != o.description ||
		n.colour != o.colour || n.flags != o.flags || n.plugin != o.plugin ||
		n.account != o.account || n.attachmentSizeCap != o.attachmentSizeCap ||
		n.syncProfile != o.syncProfile {
		return false
	}
	if !n.syncDate.Equal(o.syncDate) {
		return false
	}
	if len(n.sharedWith) != len(o.sharedWith) {
		return false
	}
	for i := range n.sharedWith {
		if n.sharedWith[i] != o.sharedWith[i] {
			return false
		}
	}
	if len(n.customProps) != len(o.customProps) {
		return false
	}
	for k, v := range n.customProps {
		if o.customProps[k] != v {
			return false
		}
	}
	return true
}
