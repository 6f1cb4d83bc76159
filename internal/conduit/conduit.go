// Package conduit reconciles the desktop calendar with the handheld's
// datebook. A Session is driven by an external sync driver through the
// SyncConduit methods, in order: PreSync, then iteration and per-record
// reconciliation, then PostSync.
package conduit

import (
	"context"
	"errors"
	"time"

	"palmcal/internal/changes"
	"palmcal/internal/devicelink"
	"palmcal/internal/model"
	"palmcal/internal/translate"
)

var (
	// ErrWrongPhase is returned when a method is called out of order.
	ErrWrongPhase = errors.New("conduit: call not valid in this phase")
	// ErrBackend wraps failures to reach the calendar store at PreSync.
	ErrBackend = errors.New("conduit: calendar store unavailable")
	// ErrNotMapped is returned for an event without identity map entry.
	ErrNotMapped = errors.New("conduit: event has no device mapping")
)

// AppBlockReader reads the device application info block.
type AppBlockReader interface {
	ReadAppBlock(ctx context.Context) ([]byte, error)
}

// SyncConduit is the callback surface exposed to a sync driver.
type SyncConduit interface {
	PreSync(ctx context.Context, dev AppBlockReader) (Report, error)

	// NextLocal walks every desktop event (slow sync).
	NextLocal(ctx context.Context, cur *LocalCursor) (LocalRecord, bool, error)
	// NextModified walks the pending changes (fast sync).
	NextModified(ctx context.Context, cur *ModifiedCursor) (LocalRecord, bool, error)

	Match(deviceID uint32) (string, bool, error)
	Compare(local LocalRecord, remote devicelink.Record) (bool, error)
	Prepare(local LocalRecord) (devicelink.Record, error)

	Add(ctx context.Context, remote devicelink.Record) (string, error)
	Replace(ctx context.Context, eventID string, remote devicelink.Record) error
	Delete(ctx context.Context, eventID string) error
	SetDeviceID(eventID string, deviceID uint32) error
	MarkArchived(eventID string, archived bool) error
	ClearChangeStatus(eventID string) error

	PostSync(ctx context.Context) (Summary, error)
}

// Mode is the iteration strategy chosen at PreSync.
type Mode int

const (
	ModeFast Mode = iota
	ModeSlow
)

func (m Mode) String() string {
	if m == ModeSlow {
		return "slow"
	}
	return "fast"
}

// MarshalText renders the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Report is what PreSync tells the driver.
type Report struct {
	Mode   Mode           `json:"mode"`
	Counts changes.Counts `json:"counts"`
	// Total is the number of desktop events.
	Total int `json:"total"`
}

// RecordStatus is the desktop-side change state of a local record.
type RecordStatus int

const (
	RecordUnchanged RecordStatus = iota
	RecordNew
	RecordModified
	RecordDeleted
)

func (s RecordStatus) String() string {
	switch s {
	case RecordNew:
		return "new"
	case RecordModified:
		return "modified"
	case RecordDeleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

func statusOf(kind model.ChangeKind, pending bool) RecordStatus {
	if !pending {
		return RecordUnchanged
	}
	switch kind {
	case model.ChangeAdded:
		return RecordNew
	case model.ChangeModified:
		return RecordModified
	case model.ChangeDeleted:
		return RecordDeleted
	}
	return RecordUnchanged
}

// LocalRecord is a desktop event in device form. Deleted records carry
// no event and no data.
type LocalRecord struct {
	EventID  string
	DeviceID uint32
	Status   RecordStatus
	Archived bool

	Event  model.Event
	Record translate.Record
	Data   []byte
}

// LocalCursor is a position in the full event list. The zero value starts
// at the first event.
type LocalCursor struct {
	next int
}

// ModifiedCursor is a position in the change index. The zero value starts
// at the first change.
type ModifiedCursor struct {
	c changes.Cursor
}

// Status is the outcome of a session.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartial
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPartial:
		return "partial-success"
	case StatusAborted:
		return "aborted"
	default:
		return "success"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RecordError is one per-record failure.
type RecordError struct {
	Op       string `json:"op"`
	EventID  string `json:"event_id,omitempty"`
	DeviceID uint32 `json:"device_id,omitempty"`
	Message  string `json:"error"`
	Err      error  `json:"-"`
}

func (e RecordError) Error() string {
	return e.Op + ": " + e.Message
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// Summary is the final account of a session.
type Summary struct {
	Status Status `json:"status"`
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`

	Counts changes.Counts `json:"counts"`

	Added    int `json:"added"`
	Replaced int `json:"replaced"`
	Deleted  int `json:"deleted"`
	Archived int `json:"archived"`
	Mapped   int `json:"mapped"`
	Skipped  int `json:"skipped"`

	Errors []RecordError `json:"errors,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}
