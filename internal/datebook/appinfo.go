package datebook

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// CategoryCount is the fixed number of category slots.
	CategoryCount = 16
	categoryName  = 16

	// renamed(2) + names(16×16) + ids(16) + lastUniqueID(1) + pad(3)
	categoryInfoSize = 2 + CategoryCount*categoryName + CategoryCount + 1 + 3
	// startOfWeek(1) + pad(1)
	appInfoSize = categoryInfoSize + 2
)

// AppInfo is the datebook application info block: the category table and
// the user's first day of the week.
type AppInfo struct {
	Renamed      [CategoryCount]bool
	Categories   [CategoryCount]string
	IDs          [CategoryCount]uint8
	LastUniqueID uint8
	StartOfWeek  Weekday
}

// CategoryIndex returns the slot holding name, matching exactly.
func (ai AppInfo) CategoryIndex(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for i, c := range ai.Categories {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// CategoryName returns the name of slot i, or "" when unused.
func (ai AppInfo) CategoryName(i int) string {
	if i < 0 || i >= CategoryCount {
		return ""
	}
	return ai.Categories[i]
}

// UnpackAppInfo decodes an application info block.
func UnpackAppInfo(data []byte) (AppInfo, error) {
	var ai AppInfo
	if len(data) < categoryInfoSize {
		return ai, fmt.Errorf("%w: app info is %d bytes, need %d", ErrTruncated, len(data), categoryInfoSize)
	}

	renamed := binary.BigEndian.Uint16(data[0:2])
	off := 2
	for i := 0; i < CategoryCount; i++ {
		ai.Renamed[i] = renamed&(1<<i) != 0
		raw := data[off : off+categoryName]
		if n := bytes.IndexByte(raw, 0); n >= 0 {
			raw = raw[:n]
		}
		name, err := decodeText(raw)
		if err != nil {
			return ai, fmt.Errorf("datebook: category %d: %w", i, err)
		}
		ai.Categories[i] = name
		off += categoryName
	}
	copy(ai.IDs[:], data[off:off+CategoryCount])
	off += CategoryCount
	ai.LastUniqueID = data[off]

	// Older devices omit the start-of-week trailer.
	if len(data) >= appInfoSize {
		ai.StartOfWeek = Weekday(data[categoryInfoSize])
		if ai.StartOfWeek > Saturday {
			return ai, fmt.Errorf("%w: start of week %d", ErrMalformed, data[categoryInfoSize])
		}
	}
	return ai, nil
}

// PackAppInfo encodes ai. Category names longer than 15 device bytes are
// cut so the slot stays NUL-terminated.
func PackAppInfo(ai AppInfo) ([]byte, error) {
	out := make([]byte, appInfoSize)

	var renamed uint16
	off := 2
	for i := 0; i < CategoryCount; i++ {
		if ai.Renamed[i] {
			renamed |= 1 << i
		}
		name, err := encodeText(ai.Categories[i])
		if err != nil {
			return nil, fmt.Errorf("datebook: category %d: %w", i, err)
		}
		if len(name) > categoryName-1 {
			name = name[:categoryName-1]
		}
		copy(out[off:off+categoryName], name)
		off += categoryName
	}
	binary.BigEndian.PutUint16(out[0:2], renamed)
	copy(out[off:off+CategoryCount], ai.IDs[:])
	off += CategoryCount
	out[off] = ai.LastUniqueID

	if ai.StartOfWeek > Saturday {
		return nil, fmt.Errorf("%w: start of week %d", ErrRange, ai.StartOfWeek)
	}
	out[categoryInfoSize] = uint8(ai.StartOfWeek)
	return out, nil
}

// DefaultAppInfo is what a freshly initialized device carries.
func DefaultAppInfo() AppInfo {
	ai := AppInfo{StartOfWeek: Sunday}
	ai.Categories[0] = "Unfiled"
	ai.Categories[1] = "Business"
	ai.Categories[2] = "Personal"
	for i := 0; i < 3; i++ {
		ai.IDs[i] = uint8(i)
	}
	ai.LastUniqueID = 15
	return ai
}
