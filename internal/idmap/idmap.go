// Package idmap persists the association between desktop event ids and
// device record ids, one file per paired device.
package idmap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"palmcal/internal/config"
	appLog "palmcal/internal/log"
)

// ErrLocked is returned by Open when another session holds the map.
var ErrLocked = errors.New("idmap: map is in use by another session")

const formatVersion = 1

// Entry is one (event id, device id, archived) triple. DeviceID 0 means
// the device has not assigned an id yet.
type Entry struct {
	EventID  string `cbor:"event_id"`
	DeviceID uint32 `cbor:"device_id"`
	Archived bool   `cbor:"archived"`
}

type fileFormat struct {
	Version int     `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

// Map is the in-memory identity map. It is not safe for concurrent use;
// a sync session owns it exclusively between Open and Close.
//
// Invariants: at most one entry per event id; at most one active
// (non-archived) entry per device id.
type Map struct {
	path string
	lock *fileLock

	byEvent  map[string]*Entry
	byDevice map[uint32]string
}

// New returns an empty map not backed by a file. Save on it fails.
func New() *Map {
	return &Map{
		byEvent:  make(map[string]*Entry),
		byDevice: make(map[uint32]string),
	}
}

// Open locks and loads the map stored at path. A missing file yields an
// empty map. An unreadable or corrupt file is logged and also yields an
// empty map: the caller then falls back to a slow sync, which rebuilds
// every mapping without touching data.
func Open(path string) (*Map, error) {
	if path == "" {
		return nil, errors.New("idmap: path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("idmap: %w", err)
	}
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	m := New()
	m.path = path
	m.lock = lock

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		appLog.Info("identity map not found; starting empty", "path", path)
		return m, nil
	case err != nil:
		lock.release()
		return nil, fmt.Errorf("idmap: read %s: %w", path, err)
	}

	var ff fileFormat
	if err := cbor.Unmarshal(data, &ff); err != nil {
		appLog.Error("identity map corrupt; starting empty", err, "path", path)
		return m, nil
	}
	if ff.Version != formatVersion {
		appLog.Error("identity map has unknown version; starting empty",
			fmt.Errorf("version %d", ff.Version), "path", path)
		return m, nil
	}
	for _, e := range ff.Entries {
		m.Insert(e.DeviceID, e.EventID, e.Archived)
	}

	appLog.Debug("identity map loaded", "path", path, "entries", m.Len())
	return m, nil
}

// Len is the number of entries, archived ones included.
func (m *Map) Len() int {
	return len(m.byEvent)
}

// Empty reports whether the map has no entries at all.
func (m *Map) Empty() bool {
	return len(m.byEvent) == 0
}

// LookupDeviceID returns the device id mapped to eventID.
func (m *Map) LookupDeviceID(eventID string) (uint32, bool) {
	e, ok := m.byEvent[eventID]
	if !ok {
		return 0, false
	}
	return e.DeviceID, true
}

// LookupEventID returns the event mapped to deviceID. An active entry is
// preferred over archived ones.
func (m *Map) LookupEventID(deviceID uint32) (string, bool) {
	if deviceID == 0 {
		return "", false
	}
	id, ok := m.byDevice[deviceID]
	return id, ok
}

// IsArchived reports whether eventID has an archived entry.
func (m *Map) IsArchived(eventID string) bool {
	e, ok := m.byEvent[eventID]
	return ok && e.Archived
}

// Insert upserts the entry for eventID. When another active entry already
// holds deviceID it is archived rather than dropped, so its history
// survives.
func (m *Map) Insert(deviceID uint32, eventID string, archived bool) {
	if eventID == "" {
		return
	}
	m.unindex(eventID)

	e := &Entry{EventID: eventID, DeviceID: deviceID, Archived: archived}
	m.byEvent[eventID] = e

	if deviceID == 0 {
		return
	}
	holderID, held := m.byDevice[deviceID]
	if !held {
		m.byDevice[deviceID] = eventID
		return
	}
	holder := m.byEvent[holderID]
	switch {
	case archived && !holder.Archived:
		// Keep pointing at the active holder.
	case !archived && !holder.Archived:
		appLog.Warn("device id reassigned; archiving previous entry",
			"device_id", deviceID, "previous_event_id", holderID, "event_id", eventID)
		holder.Archived = true
		m.byDevice[deviceID] = eventID
	default:
		m.byDevice[deviceID] = eventID
	}
}

// SetArchived updates the archived flag of eventID, keeping its device id.
// It reports false when eventID has no entry.
func (m *Map) SetArchived(eventID string, archived bool) bool {
	e, ok := m.byEvent[eventID]
	if !ok {
		return false
	}
	m.Insert(e.DeviceID, eventID, archived)
	return true
}

// RemoveByEventID deletes the entry for eventID if any.
func (m *Map) RemoveByEventID(eventID string) {
	m.unindex(eventID)
}

func (m *Map) unindex(eventID string) {
	old, ok := m.byEvent[eventID]
	if !ok {
		return
	}
	delete(m.byEvent, eventID)
	if old.DeviceID == 0 || m.byDevice[old.DeviceID] != eventID {
		return
	}
	delete(m.byDevice, old.DeviceID)
	// Hand the device id to another entry still claiming it, if any.
	for _, e := range m.byEvent {
		if e.DeviceID != old.DeviceID {
			continue
		}
		cur, taken := m.byDevice[e.DeviceID]
		if !taken || (m.byEvent[cur].Archived && !e.Archived) {
			m.byDevice[e.DeviceID] = e.EventID
		}
	}
}

// Entries returns a copy of all entries ordered by event id.
func (m *Map) Entries() []Entry {
	out := make([]Entry, 0, len(m.byEvent))
	for _, e := range m.byEvent {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.EventID, b.EventID)
	})
	return out
}

// Save writes the whole map atomically to its file.
func (m *Map) Save() error {
	if m.path == "" {
		return errors.New("idmap: map has no backing file")
	}
	data, err := cbor.Marshal(fileFormat{Version: formatVersion, Entries: m.Entries()})
	if err != nil {
		return fmt.Errorf("idmap: encode: %w", err)
	}
	if err := config.WriteFileAtomic(m.path, data, ".idmap-*.tmp"); err != nil {
		return fmt.Errorf("idmap: write %s: %w", m.path, err)
	}
	appLog.Debug("identity map saved", "path", m.path, "entries", m.Len())
	return nil
}

// Close releases the session lock. The map stays readable in memory.
func (m *Map) Close() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.release()
	m.lock = nil
	return err
}
