package devicelink

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"palmcal/internal/config"
	"palmcal/internal/datebook"
	appLog "palmcal/internal/log"
)

// ImageFile is the name of the database image inside the device directory.
const ImageFile = "datebook.cbor"

const imageVersion = 1

type imageFile struct {
	Version int      `cbor:"version"`
	AppInfo []byte   `cbor:"app_info"`
	NextID  uint32   `cbor:"next_id"`
	Records []Record `cbor:"records"`
}

// Image is a device database exchanged as a file in a directory. It
// implements Link for the desktop side and offers Edit and Remove for
// the handheld side.
type Image struct {
	mu sync.Mutex

	path    string
	appInfo []byte
	nextID  uint32
	records map[uint32]Record
	dirty   bool
	closed  bool
}

var _ Link = (*Image)(nil)

// OpenImage loads the image in dir. A missing image is a freshly
// initialized device.
func OpenImage(dir string) (*Image, error) {
	img := &Image{
		path:    filepath.Join(dir, ImageFile),
		nextID:  1,
		records: make(map[uint32]Record),
	}

	data, err := os.ReadFile(img.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ai, perr := datebook.PackAppInfo(datebook.DefaultAppInfo())
		if perr != nil {
			return nil, perr
		}
		img.appInfo = ai
		img.dirty = true
		appLog.Info("device image initialized", "path", img.path)
		return img, nil
	case err != nil:
		return nil, fmt.Errorf("devicelink: read %s: %w", img.path, err)
	}

	var f imageFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("devicelink: decode %s: %w", img.path, err)
	}
	if f.Version != imageVersion {
		return nil, fmt.Errorf("devicelink: %s has unsupported version %d", img.path, f.Version)
	}
	img.appInfo = f.AppInfo
	img.nextID = max(f.NextID, 1)
	for _, r := range f.Records {
		if r.ID == 0 {
			continue
		}
		img.records[r.ID] = r
		if r.ID >= img.nextID {
			img.nextID = r.ID + 1
		}
	}
	return img, nil
}

// Path is the image file location.
func (img *Image) Path() string {
	return img.path
}

func (img *Image) lock() error {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return errors.New("devicelink: image closed")
	}
	return nil
}

func (img *Image) ReadAppBlock(ctx context.Context) ([]byte, error) {
	if err := img.lock(); err != nil {
		return nil, err
	}
	defer img.mu.Unlock()
	return slices.Clone(img.appInfo), nil
}

func (img *Image) WriteAppBlock(ctx context.Context, data []byte) error {
	if err := img.lock(); err != nil {
		return err
	}
	defer img.mu.Unlock()
	img.appInfo = slices.Clone(data)
	img.dirty = true
	return nil
}

func (img *Image) Records(ctx context.Context) ([]Record, error) {
	if err := img.lock(); err != nil {
		return nil, err
	}
	defer img.mu.Unlock()
	return img.sortedLocked(), nil
}

func (img *Image) sortedLocked() []Record {
	out := make([]Record, 0, len(img.records))
	for _, r := range img.records {
		r.Data = slices.Clone(r.Data)
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return int(a.ID) - int(b.ID) })
	return out
}

func (img *Image) ReadRecord(ctx context.Context, id uint32) (Record, error) {
	if err := img.lock(); err != nil {
		return Record{}, err
	}
	defer img.mu.Unlock()
	r, ok := img.records[id]
	if !ok {
		return Record{}, ErrNoRecord
	}
	r.Data = slices.Clone(r.Data)
	return r, nil
}

func (img *Image) WriteRecord(ctx context.Context, rec Record) (uint32, error) {
	if err := img.lock(); err != nil {
		return 0, err
	}
	defer img.mu.Unlock()
	rec.Attr &^= AttrDirty | AttrDeleted | AttrBusy
	return img.putLocked(rec)
}

func (img *Image) putLocked(rec Record) (uint32, error) {
	if rec.ID == 0 {
		if img.nextID > MaxRecordID {
			return 0, errors.New("devicelink: record ids exhausted")
		}
		rec.ID = img.nextID
		img.nextID++
	} else if rec.ID > MaxRecordID {
		return 0, fmt.Errorf("devicelink: record id %d out of range", rec.ID)
	} else if rec.ID >= img.nextID {
		img.nextID = rec.ID + 1
	}
	rec.Data = slices.Clone(rec.Data)
	img.records[rec.ID] = rec
	img.dirty = true
	return rec.ID, nil
}

func (img *Image) DeleteRecord(ctx context.Context, id uint32) error {
	if err := img.lock(); err != nil {
		return err
	}
	defer img.mu.Unlock()
	if _, ok := img.records[id]; !ok {
		return ErrNoRecord
	}
	delete(img.records, id)
	img.dirty = true
	return nil
}

func (img *Image) ResetSyncFlags(ctx context.Context) error {
	if err := img.lock(); err != nil {
		return err
	}
	defer img.mu.Unlock()
	for id, r := range img.records {
		if r.Attr.Has(AttrDeleted) || r.Attr.Has(AttrArchived) {
			delete(img.records, id)
			continue
		}
		r.Attr &^= AttrDirty
		img.records[id] = r
	}
	img.dirty = true
	return nil
}

// Edit stores rec as a change made on the handheld: the record is
// marked dirty. ID 0 creates a record.
func (img *Image) Edit(rec Record) (uint32, error) {
	if err := img.lock(); err != nil {
		return 0, err
	}
	defer img.mu.Unlock()
	rec.Attr = rec.Attr&^(AttrDeleted|AttrArchived) | AttrDirty
	return img.putLocked(rec)
}

// Remove deletes a record on the handheld. With archive set the record is
// kept for the desktop to archive; otherwise its data is dropped.
func (img *Image) Remove(id uint32, archive bool) error {
	if err := img.lock(); err != nil {
		return err
	}
	defer img.mu.Unlock()
	r, ok := img.records[id]
	if !ok {
		return ErrNoRecord
	}
	r.Attr |= AttrDeleted | AttrDirty
	if archive {
		r.Attr |= AttrArchived
	} else {
		r.Data = nil
	}
	img.records[id] = r
	img.dirty = true
	return nil
}

// Flush writes the image back if it changed.
func (img *Image) Flush() error {
	if err := img.lock(); err != nil {
		return err
	}
	defer img.mu.Unlock()
	return img.flushLocked()
}

func (img *Image) flushLocked() error {
	if !img.dirty {
		return nil
	}
	data, err := cbor.Marshal(imageFile{
		Version: imageVersion,
		AppInfo: img.appInfo,
		NextID:  img.nextID,
		Records: img.sortedLocked(),
	})
	if err != nil {
		return fmt.Errorf("devicelink: encode image: %w", err)
	}
	if err := config.WriteFileAtomic(img.path, data, ".datebook-*.tmp"); err != nil {
		return fmt.Errorf("devicelink: write %s: %w", img.path, err)
	}
	img.dirty = false
	return nil
}

// Close flushes pending changes and releases the image.
func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return nil
	}
	err := img.flushLocked()
	img.closed = true
	return err
}

// Digest returns a content hash of the image file in dir, or "" when
// there is none.
func Digest(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ImageFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
