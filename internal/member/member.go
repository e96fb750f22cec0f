// Package member implements the Member Table: an insertion-ordered mapping
// from connection-id to Member record. Insertion order is load-bearing — it
// is how host reassignment picks the earliest-remaining member.
package member

import "couchsync/internal/media"

// Record is one room member.
type Record struct {
	ConnID               string
	Nickname             string
	IsHost               bool
	MediaMatch           media.MatchState
	SelectedFingerprint  *media.Descriptor
	Buffering            bool
	StartupReady         bool
	BufferAheadSeconds   float64
	ReadyState           int
	CanPlayThrough       bool
	BufferingStartedAtMs int64 // 0 when not currently buffering
	ConnectedAtMs        int64
}

// Table is the ordered member map for one room.
type Table struct {
	order []string
	byID  map[string]*Record
}

// NewTable returns an empty member table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Record)}
}

// Add inserts a new member record at the end of insertion order. It is a
// no-op (returning false) if connID is already present.
func (t *Table) Add(rec Record) bool {
	if _, exists := t.byID[rec.ConnID]; exists {
		return false
	}
	clone := rec
	t.byID[rec.ConnID] = &clone
	t.order = append(t.order, rec.ConnID)
	return true
}

// Remove deletes a member, preserving the relative order of the rest.
func (t *Table) Remove(connID string) bool {
	if _, exists := t.byID[connID]; !exists {
		return false
	}
	delete(t.byID, connID)
	for i, id := range t.order {
		if id == connID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the record for connID and whether it exists. The returned
// pointer aliases table state and must not be retained past the command
// that fetched it.
func (t *Table) Get(connID string) (*Record, bool) {
	rec, ok := t.byID[connID]
	return rec, ok
}

// Update replaces the record for connID in place. It is a no-op if the
// member is gone (e.g. a command raced a disconnect).
func (t *Table) Update(connID string, fn func(*Record)) bool {
	rec, ok := t.byID[connID]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Len returns the current member count.
func (t *Table) Len() int {
	return len(t.order)
}

// First returns the earliest-joined remaining member, used for host
// reassignment. ok is false for an empty table.
func (t *Table) First() (*Record, bool) {
	if len(t.order) == 0 {
		return nil, false
	}
	return t.byID[t.order[0]], true
}

// Snapshot returns a consistent, host-first ordered copy of every member
// record. It is always a full copy: callers never observe a table mutation
// mid-iteration.
func (t *Table) Snapshot() []Record {
	out := make([]Record, 0, len(t.order))
	var host *Record
	for _, id := range t.order {
		rec := t.byID[id]
		if rec.IsHost {
			host = rec
			continue
		}
		out = append(out, *rec)
	}
	if host != nil {
		out = append([]Record{*host}, out...)
	}
	return out
}

// Each calls fn for every member in insertion order. fn must not mutate the
// table.
func (t *Table) Each(fn func(*Record)) {
	for _, id := range t.order {
		fn(t.byID[id])
	}
}
