// Package devicelink is the raw record channel to the handheld: one
// application info block plus records keyed by numeric id, each carrying
// attribute flags.
package devicelink

import (
	"context"
	"errors"
	"strings"
)

// ErrNoRecord is returned for an id the device does not hold.
var ErrNoRecord = errors.New("devicelink: no such record")

// Attr holds the per-record attribute bits.
type Attr uint8

const (
	AttrDeleted  Attr = 0x80
	AttrDirty    Attr = 0x40
	AttrBusy     Attr = 0x20
	AttrSecret   Attr = 0x10
	AttrArchived Attr = 0x08
)

// Has reports whether every bit of f is set.
func (a Attr) Has(f Attr) bool {
	return a&f == f
}

func (a Attr) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Attr
		name string
	}{
		{AttrDeleted, "deleted"},
		{AttrDirty, "dirty"},
		{AttrBusy, "busy"},
		{AttrSecret, "secret"},
		{AttrArchived, "archived"},
	} {
		if a.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, "|")
}

// MaxRecordID is the largest id the device can assign (24 bits).
const MaxRecordID = 0xffffff

// Record is one raw device record.
type Record struct {
	ID       uint32 `cbor:"id"`
	Attr     Attr   `cbor:"attr"`
	Category uint8  `cbor:"category"`
	Data     []byte `cbor:"data"`
}

// Link is an open channel to the device database.
type Link interface {
	ReadAppBlock(ctx context.Context) ([]byte, error)
	WriteAppBlock(ctx context.Context, data []byte) error

	// Records lists every record, deleted and archived ones included, in
	// id order.
	Records(ctx context.Context) ([]Record, error)
	ReadRecord(ctx context.Context, id uint32) (Record, error)
	// WriteRecord stores rec and returns its id. ID 0 asks the device to
	// assign one. Records written by the desktop are stored clean.
	WriteRecord(ctx context.Context, rec Record) (uint32, error)
	// DeleteRecord purges a record.
	DeleteRecord(ctx context.Context, id uint32) error

	// ResetSyncFlags clears dirty bits and purges records marked deleted
	// or archived. It ends a sync on the device side.
	ResetSyncFlags(ctx context.Context) error

	Close() error
}
