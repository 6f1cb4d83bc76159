package translate

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"palmcal/internal/datebook"
)

// rrule weekdays indexed by device weekday (Sunday = 0).
var deviceWeekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// toDevice maps an rrule weekday (Monday = 0) to a device weekday.
func toDevice(wd rrule.Weekday) datebook.Weekday {
	return datebook.Weekday((wd.Day() + 1) % 7)
}

func fromTime(t time.Time) datebook.Weekday {
	return datebook.Weekday(t.Weekday())
}

// encodeRepeat maps opt onto the device repeat descriptor. start is the
// first occurrence in device wall clock.
func (t *Translator) encodeRepeat(opt *rrule.ROption, start time.Time) (datebook.Repeat, error) {
	var rep datebook.Repeat

	switch opt.Freq {
	case rrule.DAILY:
		rep.Kind = datebook.RepeatDaily
	case rrule.WEEKLY:
		rep.Kind = datebook.RepeatWeekly
		var mask datebook.DayMask
		for _, wd := range opt.Byweekday {
			mask = mask.Set(toDevice(wd))
		}
		if mask == 0 {
			mask = mask.Set(fromTime(start))
		}
		rep.Days = mask
	case rrule.MONTHLY:
		if len(opt.Byweekday) == 0 {
			rep.Kind = datebook.RepeatMonthlyByDate
			break
		}
		rep.Kind = datebook.RepeatMonthlyByDay
		wd := opt.Byweekday[0]
		if len(opt.Byweekday) > 1 {
			t.warn("device repeats on one weekday per month, dropping the rest",
				"weekdays", len(opt.Byweekday), "kept", int(toDevice(wd)))
		}
		pos := wd.N()
		if pos == 0 && len(opt.Bysetpos) > 0 {
			pos = opt.Bysetpos[0]
		}
		switch {
		case pos == -1:
			pos = datebook.LastPosition
		case pos == 0:
			pos = (start.Day()-1)/7 + 1
			t.warn("monthly weekday rule has no position, using the start date's week",
				"weekday", int(toDevice(wd)), "position", pos)
		case pos < 1 || pos > 4:
			return rep, fmt.Errorf("%w: monthly position %d", ErrUnsupported, pos)
		}
		packed, err := datebook.PackDayInMonth(pos, toDevice(wd))
		if err != nil {
			return rep, fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
		rep.DayInMonth = packed
	case rrule.YEARLY:
		rep.Kind = datebook.RepeatYearly
	default:
		t.warn("recurrence not representable on device, sending single occurrence", "freq", fmt.Sprint(opt.Freq))
		return datebook.Repeat{}, nil
	}

	interval := opt.Interval
	if interval <= 0 {
		interval = 1
	}
	if interval > 0xff {
		return rep, fmt.Errorf("%w: interval %d", ErrUnsupported, interval)
	}
	rep.Interval = uint8(interval)
	rep.WeekStart = toDevice(opt.Wkst)

	switch {
	case !opt.Until.IsZero():
		// The device end date is inclusive, the rule's until is not.
		rep.End = datebook.DateOf(opt.Until.In(t.Device)).AddDays(-1)
	case opt.Count > 0:
		last, err := lastOccurrence(*opt, start)
		if err != nil {
			return rep, err
		}
		rep.End = datebook.DateOf(last)
	default:
		rep.Forever = true
	}
	return rep, nil
}

// lastOccurrence expands a COUNT-bounded rule from start.
func lastOccurrence(opt rrule.ROption, start time.Time) (time.Time, error) {
	opt.Dtstart = start
	opt.Until = time.Time{}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	all := r.All()
	if len(all) == 0 {
		return start, nil
	}
	return all[len(all)-1], nil
}

// decodeRepeat is the inverse of encodeRepeat. It returns nil for a
// non-repeating appointment.
func (t *Translator) decodeRepeat(rep datebook.Repeat, begin datebook.Civil) (*rrule.ROption, error) {
	if rep.Kind == datebook.RepeatNone {
		return nil, nil
	}

	opt := &rrule.ROption{
		Interval: int(rep.Interval),
		Wkst:     deviceWeekdays[rep.WeekStart%7],
	}
	if opt.Interval == 0 {
		opt.Interval = 1
	}

	switch rep.Kind {
	case datebook.RepeatDaily:
		opt.Freq = rrule.DAILY
	case datebook.RepeatWeekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range rep.Days.Days() {
			opt.Byweekday = append(opt.Byweekday, deviceWeekdays[wd])
		}
	case datebook.RepeatMonthlyByDate:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{begin.Day}
	case datebook.RepeatMonthlyByDay:
		opt.Freq = rrule.MONTHLY
		pos, wd, err := datebook.UnpackDayInMonth(rep.DayInMonth)
		if err != nil {
			return nil, err
		}
		if pos == datebook.LastPosition {
			pos = -1
		}
		opt.Byweekday = []rrule.Weekday{deviceWeekdays[wd].Nth(pos)}
	case datebook.RepeatYearly:
		opt.Freq = rrule.YEARLY
	default:
		return nil, fmt.Errorf("%w: repeat kind %d", datebook.ErrMalformed, rep.Kind)
	}

	if !rep.Forever {
		opt.Until = rep.End.Date().AddDays(1).In(t.Device)
	}
	return opt, nil
}
