// Package backend defines the desktop calendar store consumed by the sync
// conduit.
package backend

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"palmcal/internal/model"
)

var (
	// ErrNotFound is returned when an event id is unknown to the store.
	ErrNotFound = errors.New("backend: event not found")
	// ErrClosed is returned by a connection used after Close.
	ErrClosed = errors.New("backend: connection closed")
)

// Backend opens connections to a calendar store. Open must honour ctx and
// give up once it is done.
type Backend interface {
	Open(ctx context.Context) (Connection, error)
}

// Connection is an open calendar store.
type Connection interface {
	// ListEventIDs returns every event id in store order.
	ListEventIDs(ctx context.Context) ([]string, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	// CreateEvent stores ev and returns its id. An id already set on ev is
	// kept when free.
	CreateEvent(ctx context.Context, ev model.Event) (string, error)
	UpdateEvent(ctx context.Context, ev model.Event) error
	DeleteEvent(ctx context.Context, id string) error

	// ChangesSince returns the changes since the previous call with the
	// same change-log name and advances that checkpoint. The first call
	// for a name reports every event as added.
	ChangesSince(ctx context.Context, changeLog string) ([]model.ChangeRecord, error)
	// PendingChanges returns what ChangesSince would return without
	// advancing the checkpoint.
	PendingChanges(ctx context.Context, changeLog string) ([]model.ChangeRecord, error)

	ResolveTimezone(tzid string) (*time.Location, bool)
	DefaultTimezone() (*time.Location, bool)

	Close() error
}

// Snapshot maps event id to a fingerprint of its content at a checkpoint.
type Snapshot map[string]string

// Fingerprinted is one event of the current store state.
type Fingerprinted struct {
	ID          string
	Fingerprint string
}

// Diff compares the current state against a previous checkpoint. Added and
// modified events come in current order, deleted events after them in id
// order. It also returns the snapshot to store as the new checkpoint.
func Diff(prev Snapshot, current []Fingerprinted) ([]model.ChangeRecord, Snapshot) {
	next := make(Snapshot, len(current))
	var out []model.ChangeRecord

	for _, cur := range current {
		next[cur.ID] = cur.Fingerprint
		old, known := prev[cur.ID]
		switch {
		case !known:
			out = append(out, model.ChangeRecord{EventID: cur.ID, Kind: model.ChangeAdded})
		case old != cur.Fingerprint:
			out = append(out, model.ChangeRecord{EventID: cur.ID, Kind: model.ChangeModified})
		}
	}

	var gone []string
	for id := range prev {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)
	for _, id := range gone {
		out = append(out, model.ChangeRecord{EventID: id, Kind: model.ChangeDeleted})
	}
	return out, next
}

// ResolveTZID resolves an IANA zone name. Vendor-prefixed ids such as
// "/vendor.example/Olson_2001/Europe/London" are retried with leading
// path segments stripped.
func ResolveTZID(tzid string) (*time.Location, bool) {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" {
		return nil, false
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc, true
	}
	parts := strings.Split(strings.Trim(tzid, "/"), "/")
	for i := 1; i < len(parts); i++ {
		name := strings.Join(parts[i:], "/")
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, true
		}
	}
	return nil, false
}
