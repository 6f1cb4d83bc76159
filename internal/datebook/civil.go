package datebook

import (
	"fmt"
	"time"
)

// Civil is a zone-less calendar timestamp as kept by the device. The device
// clock is implicitly local; callers decide which zone that is.
type Civil struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// CivilOf returns the wall clock of t in its own location.
func CivilOf(t time.Time) Civil {
	return Civil{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// DateOf returns the date part of t, time fields zeroed.
func DateOf(t time.Time) Civil {
	return Civil{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// In places c in loc.
func (c Civil) In(loc *time.Location) time.Time {
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// Date drops the time-of-day fields.
func (c Civil) Date() Civil {
	return Civil{Year: c.Year, Month: c.Month, Day: c.Day}
}

// IsZero reports whether every field is unset.
func (c Civil) IsZero() bool {
	return c == Civil{}
}

// AddDays shifts the date by n calendar days, normalizing month/year.
func (c Civil) AddDays(n int) Civil {
	t := time.Date(c.Year, c.Month, c.Day+n, c.Hour, c.Minute, c.Second, 0, time.UTC)
	return CivilOf(t)
}

func (c Civil) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", c.Year, int(c.Month), c.Day, c.Hour, c.Minute, c.Second)
}

// Device dates are packed into 16 bits:
//
//	bits 15..9  year - 1904
//	bits  8..5  month (1..12)
//	bits  4..0  day   (1..31)
const (
	epochYear = 1904
	maxYear   = epochYear + 0x7f

	// foreverDate marks an open-ended repeat.
	foreverDate uint16 = 0xffff
)

func packDate(c Civil) (uint16, error) {
	if c.Year < epochYear || c.Year > maxYear {
		return 0, fmt.Errorf("%w: year %d outside %d..%d", ErrRange, c.Year, epochYear, maxYear)
	}
	if c.Month < time.January || c.Month > time.December || c.Day < 1 || c.Day > 31 {
		return 0, fmt.Errorf("%w: date %s", ErrRange, c)
	}
	return uint16(c.Year-epochYear)<<9 | uint16(c.Month)<<5 | uint16(c.Day), nil
}

func unpackDate(d uint16) (Civil, error) {
	c := Civil{
		Year:  int(d>>9) + epochYear,
		Month: time.Month((d >> 5) & 0x0f),
		Day:   int(d & 0x1f),
	}
	if c.Month < time.January || c.Month > time.December || c.Day < 1 {
		return Civil{}, fmt.Errorf("%w: packed date %#04x", ErrMalformed, d)
	}
	return c, nil
}
