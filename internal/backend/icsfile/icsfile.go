// Package icsfile is a calendar store backed by a single iCalendar file.
// Change logs are kept as per-name snapshots of event fingerprints in a
// SQLite database next to the sync state.
package icsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"palmcal/internal/backend"
	"palmcal/internal/config"
	appLog "palmcal/internal/log"
	"palmcal/internal/model"
)

const productID = "-//palmcal//palmcal//EN"

// Backend opens an ICS file.
type Backend struct {
	// Path is the iCalendar file. A missing file is an empty calendar.
	Path string
	// StatePath is the change-log database.
	StatePath string
	// DefaultTZ is the zone for floating times. Nil makes
	// DefaultTimezone fail.
	DefaultTZ *time.Location
}

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend for the calendar at path.
func New(path, statePath string, tz *time.Location) *Backend {
	return &Backend{Path: path, StatePath: statePath, DefaultTZ: tz}
}

// Open reads and parses the calendar file and opens the change-log
// database.
func (b *Backend) Open(ctx context.Context) (backend.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Path == "" {
		return nil, errors.New("icsfile: calendar path is empty")
	}

	c := &conn{
		path:      b.Path,
		defaultTZ: b.DefaultTZ,
		events:    make(map[string]model.Event),
	}
	if err := c.load(); err != nil {
		return nil, err
	}

	snaps, err := openSnapshots(ctx, b.StatePath)
	if err != nil {
		return nil, fmt.Errorf("icsfile: %w", err)
	}
	c.snaps = snaps

	appLog.Info("calendar opened", "path", b.Path, "event_count", len(c.order), "unparsed", len(c.raw))
	return c, nil
}

type conn struct {
	mu sync.Mutex

	path      string
	defaultTZ *time.Location

	// other holds non-VEVENT components (VTIMEZONE and friends) and the
	// calendar properties, written back unchanged.
	other []ical.Component
	props []ical.CalendarProperty
	// raw holds VEVENTs that could not be decoded; they are kept in the
	// file but not synced.
	raw []*ical.VEvent

	order  []string
	events map[string]model.Event

	snaps  *snapshotStore
	closed bool
}

func (c *conn) load() error {
	body, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("icsfile: read %s: %w", c.path, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "path", c.path)
		return fmt.Errorf("icsfile: parse %s: %w", c.path, err)
	}
	c.props = cal.CalendarProperties

	for _, comp := range cal.Components {
		ve, ok := comp.(*ical.VEvent)
		if !ok {
			c.other = append(c.other, comp)
			continue
		}
		ev, derr := decodeEvent(ve)
		if derr == nil {
			if _, dup := c.events[ev.ID]; dup {
				derr = fmt.Errorf("duplicate UID %q", ev.ID)
			}
		}
		if derr != nil {
			appLog.Error("ics vevent skipped", derr, "path", c.path)
			c.raw = append(c.raw, ve)
			continue
		}
		c.order = append(c.order, ev.ID)
		c.events[ev.ID] = ev
	}
	return nil
}

// flush rewrites the calendar file atomically.
func (c *conn) flush() error {
	cal := ical.NewCalendar()
	if len(c.props) > 0 {
		cal.CalendarProperties = slices.Clone(c.props)
	} else {
		cal.SetProductId(productID)
	}
	cal.Components = append(cal.Components, c.other...)

	stamp := time.Now()
	for _, id := range c.order {
		appendEvent(cal, c.events[id], stamp)
	}
	for _, ve := range c.raw {
		cal.Components = append(cal.Components, ve)
	}

	if err := config.WriteFileAtomic(c.path, []byte(cal.Serialize()), ".calendar-*.tmp"); err != nil {
		return fmt.Errorf("icsfile: write %s: %w", c.path, err)
	}
	return nil
}

func (c *conn) lock() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backend.ErrClosed
	}
	return nil
}

func (c *conn) ListEventIDs(ctx context.Context) ([]string, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return slices.Clone(c.order), nil
}

func (c *conn) GetEvent(ctx context.Context, id string) (model.Event, error) {
	if err := c.lock(); err != nil {
		return model.Event{}, err
	}
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return model.Event{}, backend.ErrNotFound
	}
	return ev.Clone(), nil
}

func (c *conn) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	if err := c.lock(); err != nil {
		return "", err
	}
	defer c.mu.Unlock()

	if _, taken := c.events[ev.ID]; ev.ID == "" || taken {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Second)
	if ev.Created.IsZero() {
		ev.Created = now
	}
	ev.LastModified = now

	c.order = append(c.order, ev.ID)
	c.events[ev.ID] = ev.Clone()
	if err := c.flush(); err != nil {
		c.order = c.order[:len(c.order)-1]
		delete(c.events, ev.ID)
		return "", err
	}
	return ev.ID, nil
}

func (c *conn) UpdateEvent(ctx context.Context, ev model.Event) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	prev, ok := c.events[ev.ID]
	if !ok {
		return backend.ErrNotFound
	}
	ev.LastModified = time.Now().UTC().Truncate(time.Second)
	c.events[ev.ID] = ev.Clone()
	if err := c.flush(); err != nil {
		c.events[ev.ID] = prev
		return err
	}
	return nil
}

func (c *conn) DeleteEvent(ctx context.Context, id string) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	prev, ok := c.events[id]
	if !ok {
		return backend.ErrNotFound
	}
	prevOrder := slices.Clone(c.order)
	delete(c.events, id)
	c.order = slices.DeleteFunc(c.order, func(v string) bool { return v == id })
	if err := c.flush(); err != nil {
		c.events[id] = prev
		c.order = prevOrder
		return err
	}
	return nil
}

func (c *conn) ChangesSince(ctx context.Context, changeLog string) ([]model.ChangeRecord, error) {
	return c.changes(ctx, changeLog, true)
}

func (c *conn) PendingChanges(ctx context.Context, changeLog string) ([]model.ChangeRecord, error) {
	return c.changes(ctx, changeLog, false)
}

func (c *conn) changes(ctx context.Context, changeLog string, advance bool) ([]model.ChangeRecord, error) {
	if changeLog == "" {
		return nil, errors.New("icsfile: empty change log name")
	}
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	prev, err := c.snaps.load(ctx, changeLog)
	if err != nil {
		return nil, fmt.Errorf("icsfile: %w", err)
	}
	cur := make([]backend.Fingerprinted, 0, len(c.order))
	for _, id := range c.order {
		cur = append(cur, backend.Fingerprinted{ID: id, Fingerprint: fingerprint(c.events[id])})
	}
	records, next := backend.Diff(prev, cur)
	if advance {
		if err := c.snaps.store(ctx, changeLog, next); err != nil {
			return nil, fmt.Errorf("icsfile: %w", err)
		}
	}
	appLog.Debug("change log read", "change_log", changeLog, "changes", len(records), "advance", advance)
	return records, nil
}

func (c *conn) ResolveTimezone(tzid string) (*time.Location, bool) {
	return backend.ResolveTZID(tzid)
}

func (c *conn) DefaultTimezone() (*time.Location, bool) {
	if c.defaultTZ == nil {
		return nil, false
	}
	return c.defaultTZ, true
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.snaps.close()
}
