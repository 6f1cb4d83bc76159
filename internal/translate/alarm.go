package translate

import (
	"math"
	"time"

	"palmcal/internal/datebook"
	"palmcal/internal/model"
)

var alarmUnits = []struct {
	unit datebook.AlarmUnit
	size time.Duration
}{
	{datebook.AlarmDays, 24 * time.Hour},
	{datebook.AlarmHours, time.Hour},
	{datebook.AlarmMinutes, time.Minute},
}

// encodeAlarm picks the largest unit that holds the lead time exactly in a
// signed byte. Lead times no unit holds exactly are rounded up to the
// smallest unit that fits.
func encodeAlarm(a *model.Alarm) *datebook.Alarm {
	if a == nil {
		return nil
	}
	if a.Before == 0 {
		return &datebook.Alarm{Units: datebook.AlarmMinutes}
	}
	for _, u := range alarmUnits {
		if a.Before%u.size != 0 {
			continue
		}
		n := a.Before / u.size
		if n >= math.MinInt8 && n <= math.MaxInt8 {
			return &datebook.Alarm{Advance: int8(n), Units: u.unit}
		}
	}
	for i := len(alarmUnits) - 1; i >= 0; i-- {
		u := alarmUnits[i]
		n := ceilDiv(a.Before, u.size)
		if n >= math.MinInt8 && n <= math.MaxInt8 {
			return &datebook.Alarm{Advance: int8(n), Units: u.unit}
		}
	}
	if a.Before < 0 {
		return &datebook.Alarm{Advance: math.MinInt8, Units: datebook.AlarmDays}
	}
	return &datebook.Alarm{Advance: math.MaxInt8, Units: datebook.AlarmDays}
}

func ceilDiv(d, unit time.Duration) time.Duration {
	n := d / unit
	if d%unit > 0 {
		n++
	}
	return n
}

func decodeAlarm(a *datebook.Alarm) *model.Alarm {
	if a == nil {
		return nil
	}
	size := time.Minute
	for _, u := range alarmUnits {
		if u.unit == a.Units {
			size = u.size
		}
	}
	return &model.Alarm{Before: time.Duration(a.Advance) * size}
}
