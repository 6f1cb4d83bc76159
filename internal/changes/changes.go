// Package changes indexes the backend's change log for one sync session.
package changes

import (
	"palmcal/internal/model"
)

// Index is the per-session lookup of pending changes. Entries keep the
// order the backend reported them in; clearing an entry hides it from
// every later NextAfter call, so each change is surfaced at most once.
type Index struct {
	order   []model.ChangeRecord
	pending map[string]model.ChangeKind
}

// Counts tallies pending changes by kind.
type Counts struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// Build indexes records. Entries for which skip returns true (archived
// events) are left out. When an event appears more than once the latest
// kind wins but the first position is kept.
func Build(records []model.ChangeRecord, skip func(eventID string) bool) *Index {
	idx := &Index{
		order:   make([]model.ChangeRecord, 0, len(records)),
		pending: make(map[string]model.ChangeKind, len(records)),
	}
	for _, rec := range records {
		if rec.EventID == "" {
			continue
		}
		if skip != nil && skip(rec.EventID) {
			continue
		}
		if _, seen := idx.pending[rec.EventID]; !seen {
			idx.order = append(idx.order, model.ChangeRecord{EventID: rec.EventID})
		}
		idx.pending[rec.EventID] = rec.Kind
	}
	return idx
}

// Cursor is a position in an Index. The zero value starts before the
// first entry.
type Cursor struct {
	next int
}

// NextAfter advances c to the next pending change and returns it. It
// returns false once the index is exhausted.
func (idx *Index) NextAfter(c *Cursor) (model.ChangeRecord, bool) {
	for c.next < len(idx.order) {
		id := idx.order[c.next].EventID
		c.next++
		if kind, ok := idx.pending[id]; ok {
			return model.ChangeRecord{EventID: id, Kind: kind}, true
		}
	}
	return model.ChangeRecord{}, false
}

// Kind returns the pending change kind of eventID.
func (idx *Index) Kind(eventID string) (model.ChangeKind, bool) {
	k, ok := idx.pending[eventID]
	return k, ok
}

// Clear marks the change for eventID consumed. It reports whether an
// entry was pending.
func (idx *Index) Clear(eventID string) bool {
	if _, ok := idx.pending[eventID]; !ok {
		return false
	}
	delete(idx.pending, eventID)
	return true
}

// Len is the number of pending entries.
func (idx *Index) Len() int {
	return len(idx.pending)
}

// Pending lists pending event ids in log order.
func (idx *Index) Pending() []string {
	out := make([]string, 0, len(idx.pending))
	for _, rec := range idx.order {
		if _, ok := idx.pending[rec.EventID]; ok {
			out = append(out, rec.EventID)
		}
	}
	return out
}

// Counts tallies the pending entries.
func (idx *Index) Counts() Counts {
	var c Counts
	for _, kind := range idx.pending {
		switch kind {
		case model.ChangeAdded:
			c.Added++
		case model.ChangeModified:
			c.Modified++
		case model.ChangeDeleted:
			c.Deleted++
		}
	}
	return c
}
