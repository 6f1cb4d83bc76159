// Package datebook implements the handheld's fixed binary appointment
// record and its application info block.
//
// Record layout (big-endian):
//
//	0  begin hour    (0xff when untimed)
//	1  begin minute  (0xff when untimed)
//	2  end hour      (0xff when untimed)
//	3  end minute    (0xff when untimed)
//	4  packed date   (2 bytes, see packDate)
//	6  flags         (alarm|repeat|note|except|desc)
//	7  gap
//	8  [alarm]       advance int8, unit
//	   [repeat]      kind, pad, end date (0xffff forever), interval, on, week start, pad
//	   [exceptions]  count uint16, count × packed date
//	   [description] NUL-terminated
//	   [note]        NUL-terminated
package datebook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrTruncated is returned when a buffer ends inside a field.
	ErrTruncated = errors.New("datebook: truncated record")
	// ErrMalformed is returned for out-of-domain field values.
	ErrMalformed = errors.New("datebook: malformed record")
	// ErrRange is returned when a value cannot be represented on the device.
	ErrRange = errors.New("datebook: value out of device range")
)

const (
	flagAlarm  uint8 = 0x40
	flagRepeat uint8 = 0x20
	flagNote   uint8 = 0x10
	flagExcept uint8 = 0x08
	flagDesc   uint8 = 0x04

	untimed uint8 = 0xff

	headerSize = 8
	repeatSize = 8
)

// RepeatKind is the device repeat type.
type RepeatKind uint8

const (
	RepeatNone RepeatKind = iota
	RepeatDaily
	RepeatWeekly
	RepeatMonthlyByDay
	RepeatMonthlyByDate
	RepeatYearly
)

func (k RepeatKind) String() string {
	switch k {
	case RepeatNone:
		return "none"
	case RepeatDaily:
		return "daily"
	case RepeatWeekly:
		return "weekly"
	case RepeatMonthlyByDay:
		return "monthly-by-day"
	case RepeatMonthlyByDate:
		return "monthly-by-date"
	case RepeatYearly:
		return "yearly"
	default:
		return fmt.Sprintf("repeat(%d)", uint8(k))
	}
}

// Weekday is a device weekday, Sunday = 0.
type Weekday uint8

const (
	Sunday Weekday = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// DayMask has bit i set when Weekday(i) is active.
type DayMask uint8

// Set returns m with wd enabled.
func (m DayMask) Set(wd Weekday) DayMask {
	return m | 1<<wd
}

// Has reports whether wd is enabled.
func (m DayMask) Has(wd Weekday) bool {
	return m&(1<<wd) != 0
}

// Days lists the enabled weekdays Sunday first.
func (m DayMask) Days() []Weekday {
	var out []Weekday
	for wd := Sunday; wd <= Saturday; wd++ {
		if m.Has(wd) {
			out = append(out, wd)
		}
	}
	return out
}

// LastPosition is the monthly-by-day position meaning "last week".
const LastPosition = 5

// PackDayInMonth encodes an nth-weekday as (position << 3) | weekday.
// Position ranges 1..5, 5 meaning the last occurrence in the month.
func PackDayInMonth(position int, wd Weekday) (uint8, error) {
	if position < 1 || position > LastPosition || wd > Saturday {
		return 0, fmt.Errorf("%w: day-in-month position %d weekday %d", ErrRange, position, wd)
	}
	return uint8(position)<<3 | uint8(wd), nil
}

// UnpackDayInMonth inverts PackDayInMonth.
func UnpackDayInMonth(v uint8) (int, Weekday, error) {
	position := int(v >> 3)
	wd := Weekday(v & 0x07)
	if position < 1 || position > LastPosition || wd > Saturday {
		return 0, 0, fmt.Errorf("%w: day-in-month %#02x", ErrMalformed, v)
	}
	return position, wd, nil
}

// Repeat describes how an appointment recurs.
type Repeat struct {
	Kind     RepeatKind
	Interval uint8
	// Days is used by RepeatWeekly.
	Days DayMask
	// DayInMonth is used by RepeatMonthlyByDay, see PackDayInMonth.
	DayInMonth uint8
	// End is the last date an occurrence may fall on (inclusive). Ignored
	// when Forever is set.
	End       Civil
	Forever   bool
	WeekStart Weekday
}

// AlarmUnit scales Alarm.Advance.
type AlarmUnit uint8

const (
	AlarmMinutes AlarmUnit = iota
	AlarmHours
	AlarmDays
)

// Alarm fires Advance units before the appointment begins.
type Alarm struct {
	Advance int8
	Units   AlarmUnit
}

// Appointment is one decoded device record.
type Appointment struct {
	// AllDay marks an untimed event; only the date of Begin is kept.
	AllDay bool
	Begin  Civil
	// End shares the date of Begin on the device; only its time of day is
	// stored.
	End Civil

	Alarm      *Alarm
	Repeat     Repeat
	Exceptions []Civil

	Description string
	Note        string
}

// Pack serializes a into the device record format.
func Pack(a Appointment) ([]byte, error) {
	buf := make([]byte, headerSize, 64)

	if a.AllDay {
		buf[0], buf[1], buf[2], buf[3] = untimed, untimed, untimed, untimed
	} else {
		if err := checkClock(a.Begin); err != nil {
			return nil, err
		}
		if err := checkClock(a.End); err != nil {
			return nil, err
		}
		buf[0] = uint8(a.Begin.Hour)
		buf[1] = uint8(a.Begin.Minute)
		buf[2] = uint8(a.End.Hour)
		buf[3] = uint8(a.End.Minute)
	}

	d, err := packDate(a.Begin.Date())
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf[4:6], d)

	var flags uint8

	if a.Alarm != nil {
		if a.Alarm.Units > AlarmDays {
			return nil, fmt.Errorf("%w: alarm unit %d", ErrRange, a.Alarm.Units)
		}
		flags |= flagAlarm
		buf = append(buf, uint8(a.Alarm.Advance), uint8(a.Alarm.Units))
	}

	if a.Repeat.Kind != RepeatNone {
		rep, err := packRepeat(a.Repeat)
		if err != nil {
			return nil, err
		}
		flags |= flagRepeat
		buf = append(buf, rep...)
	}

	if len(a.Exceptions) > 0 {
		if len(a.Exceptions) > 0xffff {
			return nil, fmt.Errorf("%w: %d exceptions", ErrRange, len(a.Exceptions))
		}
		flags |= flagExcept
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Exceptions)))
		for _, ex := range a.Exceptions {
			d, err := packDate(ex.Date())
			if err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint16(buf, d)
		}
	}

	if a.Description != "" {
		txt, err := encodeText(a.Description)
		if err != nil {
			return nil, fmt.Errorf("datebook: encode description: %w", err)
		}
		flags |= flagDesc
		buf = append(append(buf, txt...), 0)
	}
	if a.Note != "" {
		txt, err := encodeText(a.Note)
		if err != nil {
			return nil, fmt.Errorf("datebook: encode note: %w", err)
		}
		flags |= flagNote
		buf = append(append(buf, txt...), 0)
	}

	buf[6] = flags
	buf[7] = 0
	return buf, nil
}

func packRepeat(r Repeat) ([]byte, error) {
	if r.Kind > RepeatYearly {
		return nil, fmt.Errorf("%w: repeat kind %d", ErrRange, r.Kind)
	}
	if r.WeekStart > Saturday {
		return nil, fmt.Errorf("%w: week start %d", ErrRange, r.WeekStart)
	}

	var on uint8
	switch r.Kind {
	case RepeatWeekly:
		if r.Days >= 1<<7 {
			return nil, fmt.Errorf("%w: weekday mask %#02x", ErrRange, r.Days)
		}
		on = uint8(r.Days)
	case RepeatMonthlyByDay:
		if _, _, err := UnpackDayInMonth(r.DayInMonth); err != nil {
			return nil, fmt.Errorf("%w: day-in-month %#02x", ErrRange, r.DayInMonth)
		}
		on = r.DayInMonth
	}

	end := foreverDate
	if !r.Forever {
		d, err := packDate(r.End.Date())
		if err != nil {
			return nil, err
		}
		end = d
	}

	out := make([]byte, repeatSize)
	out[0] = uint8(r.Kind)
	binary.BigEndian.PutUint16(out[2:4], end)
	out[4] = r.Interval
	out[5] = on
	out[6] = uint8(r.WeekStart)
	return out, nil
}

func checkClock(c Civil) error {
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("%w: time %02d:%02d", ErrRange, c.Hour, c.Minute)
	}
	return nil
}

// Unpack decodes a device record buffer.
func Unpack(data []byte) (Appointment, error) {
	var a Appointment
	if len(data) < headerSize {
		return a, fmt.Errorf("%w: %d byte header", ErrTruncated, len(data))
	}

	date, err := unpackDate(binary.BigEndian.Uint16(data[4:6]))
	if err != nil {
		return a, err
	}

	if data[0] == untimed && data[1] == untimed {
		a.AllDay = true
		a.Begin = date
	} else {
		bh, bm, eh, em := int(data[0]), int(data[1]), int(data[2]), int(data[3])
		if bh > 23 || bm > 59 || eh > 23 || em > 59 {
			return a, fmt.Errorf("%w: clock %02d:%02d-%02d:%02d", ErrMalformed, bh, bm, eh, em)
		}
		a.Begin = Civil{Year: date.Year, Month: date.Month, Day: date.Day, Hour: bh, Minute: bm}
		a.End = Civil{Year: date.Year, Month: date.Month, Day: date.Day, Hour: eh, Minute: em}
	}

	flags := data[6]
	r := &reader{b: data, off: headerSize}

	if flags&flagAlarm != 0 {
		adv, err := r.u8()
		if err != nil {
			return a, err
		}
		unit, err := r.u8()
		if err != nil {
			return a, err
		}
		if AlarmUnit(unit) > AlarmDays {
			return a, fmt.Errorf("%w: alarm unit %d", ErrMalformed, unit)
		}
		a.Alarm = &Alarm{Advance: int8(adv), Units: AlarmUnit(unit)}
	}

	if flags&flagRepeat != 0 {
		raw, err := r.take(repeatSize)
		if err != nil {
			return a, err
		}
		if a.Repeat, err = unpackRepeat(raw); err != nil {
			return a, err
		}
	}

	if flags&flagExcept != 0 {
		n, err := r.u16()
		if err != nil {
			return a, err
		}
		a.Exceptions = make([]Civil, 0, n)
		for i := 0; i < int(n); i++ {
			d, err := r.u16()
			if err != nil {
				return a, err
			}
			ex, err := unpackDate(d)
			if err != nil {
				return a, err
			}
			a.Exceptions = append(a.Exceptions, ex)
		}
	}

	if flags&flagDesc != 0 {
		if a.Description, err = r.cstring(); err != nil {
			return a, err
		}
	}
	if flags&flagNote != 0 {
		if a.Note, err = r.cstring(); err != nil {
			return a, err
		}
	}

	return a, nil
}

func unpackRepeat(raw []byte) (Repeat, error) {
	rep := Repeat{
		Kind:      RepeatKind(raw[0]),
		Interval:  raw[4],
		WeekStart: Weekday(raw[6]),
	}
	if rep.Kind > RepeatYearly {
		return Repeat{}, fmt.Errorf("%w: repeat kind %d", ErrMalformed, raw[0])
	}
	if rep.WeekStart > Saturday {
		return Repeat{}, fmt.Errorf("%w: week start %d", ErrMalformed, raw[6])
	}

	end := binary.BigEndian.Uint16(raw[2:4])
	if end == foreverDate {
		rep.Forever = true
	} else {
		d, err := unpackDate(end)
		if err != nil {
			return Repeat{}, err
		}
		rep.End = d
	}

	on := raw[5]
	switch rep.Kind {
	case RepeatWeekly:
		rep.Days = DayMask(on & 0x7f)
	case RepeatMonthlyByDay:
		if _, _, err := UnpackDayInMonth(on); err != nil {
			return Repeat{}, err
		}
		rep.DayInMonth = on
	}
	return rep, nil
}

// Equal reports whether a and b hold the same field values.
func (a Appointment) Equal(b Appointment) bool {
	if a.AllDay != b.AllDay || a.Begin != b.Begin || a.End != b.End ||
		a.Repeat != b.Repeat || a.Description != b.Description || a.Note != b.Note {
		return false
	}
	if (a.Alarm == nil) != (b.Alarm == nil) || (a.Alarm != nil && *a.Alarm != *b.Alarm) {
		return false
	}
	return slices.Equal(a.Exceptions, b.Exceptions)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.off)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) cstring() (string, error) {
	rest := r.b[r.off:]
	i := slices.Index(rest, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, r.off)
	}
	r.off += i + 1
	return decodeText(rest[:i])
}
