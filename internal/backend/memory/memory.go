// Package memory is an in-process calendar store. It backs tests and dry
// runs; nothing is persisted.
package memory

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"palmcal/internal/backend"
	"palmcal/internal/model"
)

// Store holds events shared by every connection opened from it.
type Store struct {
	mu sync.Mutex

	order  []string
	events map[string]model.Event
	rev    map[string]uint64
	clock  uint64

	logs map[string]backend.Snapshot

	defaultTZ *time.Location

	// OpenDelay makes Open wait before connecting. A context that ends
	// first aborts the open.
	OpenDelay time.Duration
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// WriteErr, when set, is returned by every create, update and delete.
	WriteErr error
}

var _ backend.Backend = (*Store)(nil)

// New returns an empty store whose default zone is tz. A nil tz makes
// DefaultTimezone fail.
func New(tz *time.Location) *Store {
	return &Store{
		events:    make(map[string]model.Event),
		rev:       make(map[string]uint64),
		logs:      make(map[string]backend.Snapshot),
		defaultTZ: tz,
	}
}

// Open implements backend.Backend.
func (s *Store) Open(ctx context.Context) (backend.Connection, error) {
	if s.OpenDelay > 0 {
		t := time.NewTimer(s.OpenDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &conn{store: s}, nil
}

// Put stores ev directly, bypassing any connection. It creates or
// replaces the event and bumps its revision.
func (s *Store) Put(ev model.Event) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.putLocked(ev)
	return ev.ID
}

// Remove deletes an event directly.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// Get returns a copy of the stored event.
func (s *Store) Get(id string) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, false
	}
	return ev.Clone(), true
}

// Len is the number of stored events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Checkpoint marks the current state seen for changeLog without
// returning the changes.
func (s *Store) Checkpoint(changeLog string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[changeLog], _ = s.diffLocked(changeLog)
}

func (s *Store) putLocked(ev model.Event) {
	if _, ok := s.events[ev.ID]; !ok {
		s.order = append(s.order, ev.ID)
	}
	s.clock++
	s.events[ev.ID] = ev.Clone()
	s.rev[ev.ID] = s.clock
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.events[id]; !ok {
		return false
	}
	delete(s.events, id)
	delete(s.rev, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// diffLocked returns the next snapshot and the changes leading to it.
func (s *Store) diffLocked(changeLog string) (backend.Snapshot, []model.ChangeRecord) {
	cur := make([]backend.Fingerprinted, 0, len(s.order))
	for _, id := range s.order {
		cur = append(cur, backend.Fingerprinted{ID: id, Fingerprint: strconv.FormatUint(s.rev[id], 10)})
	}
	records, next := backend.Diff(s.logs[changeLog], cur)
	return next, records
}

type conn struct {
	store  *Store
	closed bool
}

func (c *conn) lock() (*Store, error) {
	c.store.mu.Lock()
	if c.closed {
		c.store.mu.Unlock()
		return nil, backend.ErrClosed
	}
	return c.store, nil
}

func (c *conn) ListEventIDs(ctx context.Context) ([]string, error) {
	s, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return slices.Clone(s.order), nil
}

func (c *conn) GetEvent(ctx context.Context, id string) (model.Event, error) {
	s, err := c.lock()
	if err != nil {
		return model.Event{}, err
	}
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, backend.ErrNotFound
	}
	return ev.Clone(), nil
}

func (c *conn) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	s, err := c.lock()
	if err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return "", s.WriteErr
	}
	if _, taken := s.events[ev.ID]; ev.ID == "" || taken {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ev.Created.IsZero() {
		ev.Created = now
	}
	ev.LastModified = now
	s.putLocked(ev)
	return ev.ID, nil
}

func (c *conn) UpdateEvent(ctx context.Context, ev model.Event) error {
	s, err := c.lock()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if _, ok := s.events[ev.ID]; !ok {
		return backend.ErrNotFound
	}
	ev.LastModified = time.Now().UTC()
	s.putLocked(ev)
	return nil
}

func (c *conn) DeleteEvent(ctx context.Context, id string) error {
	s, err := c.lock()
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if !s.removeLocked(id) {
		return backend.ErrNotFound
	}
	return nil
}

func (c *conn) ChangesSince(ctx context.Context, changeLog string) ([]model.ChangeRecord, error) {
	return c.changes(changeLog, true)
}

func (c *conn) PendingChanges(ctx context.Context, changeLog string) ([]model.ChangeRecord, error) {
	return c.changes(changeLog, false)
}

func (c *conn) changes(changeLog string, advance bool) ([]model.ChangeRecord, error) {
	if changeLog == "" {
		return nil, errors.New("memory: empty change log name")
	}
	s, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	next, records := s.diffLocked(changeLog)
	if advance {
		s.logs[changeLog] = next
	}
	return records, nil
}

func (c *conn) ResolveTimezone(tzid string) (*time.Location, bool) {
	return backend.ResolveTZID(tzid)
}

func (c *conn) DefaultTimezone() (*time.Location, bool) {
	if c.store.defaultTZ == nil {
		return nil, false
	}
	return c.store.defaultTZ, true
}

func (c *conn) Close() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.closed = true
	return nil
}
