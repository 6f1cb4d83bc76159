// Package translate converts desktop events to device appointments and
// back.
//
// The device clock has no zone. Event times are resolved in their own
// TZID (or the default zone for floating times) and expressed as wall
// clock in the device zone, which is the session's default zone.
package translate

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"palmcal/internal/datebook"
	"palmcal/internal/model"
)

var (
	// ErrTimezone is returned when no zone can be resolved for an event.
	ErrTimezone = errors.New("translate: time zone unresolvable")
	// ErrUnsupported is returned for event content the device cannot hold.
	ErrUnsupported = errors.New("translate: unsupported on device")
)

// Record is an appointment together with the record attributes the
// translator owns.
type Record struct {
	Appointment datebook.Appointment
	Secret      bool
	// Category is an index into the device category table; 0 is Unfiled.
	Category uint8
}

// Resolver looks up a zone by TZID.
type Resolver interface {
	ResolveTimezone(tzid string) (*time.Location, bool)
}

// Translator holds the per-session translation context.
type Translator struct {
	// Device is the zone of the device clock.
	Device *time.Location
	// Zones resolves event TZIDs. When nil or failing, Device is used.
	Zones Resolver
	// Categories is the device category table.
	Categories datebook.AppInfo
	// Warn receives non-fatal translation notes, such as a recurrence the
	// device cannot express. May be nil.
	Warn func(msg string, kv ...any)
}

// New returns a Translator for a device clock running in device.
func New(device *time.Location, zones Resolver, categories datebook.AppInfo) *Translator {
	return &Translator{Device: device, Zones: zones, Categories: categories}
}

func (t *Translator) warn(msg string, kv ...any) {
	if t.Warn != nil {
		t.Warn(msg, kv...)
	}
}

// zone resolves tzid, falling back to the device zone.
func (t *Translator) zone(tzid string) (*time.Location, error) {
	if tzid != "" && t.Zones != nil {
		if loc, ok := t.Zones.ResolveTimezone(tzid); ok {
			return loc, nil
		}
	}
	if t.Device == nil {
		if tzid == "" {
			return nil, fmt.Errorf("%w: floating time without default zone", ErrTimezone)
		}
		return nil, fmt.Errorf("%w: %q", ErrTimezone, tzid)
	}
	return t.Device, nil
}

// local converts d into device wall clock.
func (t *Translator) local(d model.DateTime) (time.Time, error) {
	loc, err := t.zone(d.TZID)
	if err != nil {
		return time.Time{}, err
	}
	return d.In(loc).In(t.Device), nil
}

// Encode translates ev into device form. It fails if ev's zone cannot be
// resolved or a field has no device representation.
func (t *Translator) Encode(ev model.Event) (Record, error) {
	var rec Record
	if t.Device == nil {
		return rec, fmt.Errorf("%w: no device zone", ErrTimezone)
	}
	if ev.Start.IsZero() {
		return rec, fmt.Errorf("%w: event has no start", ErrUnsupported)
	}

	start, err := t.local(ev.Start)
	if err != nil {
		return rec, err
	}
	begin := datebook.CivilOf(start)

	a := &rec.Appointment
	a.Begin = begin
	if ev.End.IsZero() {
		a.AllDay = true
	} else {
		end, err := t.local(ev.End)
		if err != nil {
			return rec, err
		}
		endCivil := datebook.CivilOf(end)
		if isMidnight(begin) && endCivil == begin.AddDays(1) {
			a.AllDay = true
		} else {
			a.End = endCivil
		}
	}
	if a.AllDay {
		a.Begin = begin.Date()
		a.End = datebook.Civil{}
	}

	a.Description = ev.Summary
	a.Note = ev.Description
	a.Alarm = encodeAlarm(ev.Alarm)

	if ev.RRule != nil {
		rep, err := t.encodeRepeat(ev.RRule, start)
		if err != nil {
			return rec, err
		}
		a.Repeat = rep
	}
	if a.Repeat.Kind != datebook.RepeatNone {
		for _, x := range ev.ExDates {
			a.Exceptions = append(a.Exceptions, datebook.DateOf(x))
		}
	}

	rec.Secret = ev.Class == model.ClassPrivate
	if len(ev.Categories) > 0 {
		if i, ok := t.Categories.CategoryIndex(ev.Categories[0]); ok {
			rec.Category = uint8(i)
		}
	}
	return rec, nil
}

// EncodeBytes translates ev and packs the appointment.
func (t *Translator) EncodeBytes(ev model.Event) (Record, []byte, error) {
	rec, err := t.Encode(ev)
	if err != nil {
		return rec, nil, err
	}
	data, err := datebook.Pack(rec.Appointment)
	if err != nil {
		return rec, nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return rec, data, nil
}

// Decode translates a device record into an event. When base is non-nil
// the result is a modified clone of *base: its id, zone and any fields the
// device cannot represent are kept.
func (t *Translator) Decode(rec Record, base *model.Event) (model.Event, error) {
	var ev model.Event
	if base != nil {
		ev = base.Clone()
	}
	if t.Device == nil {
		return ev, fmt.Errorf("%w: no device zone", ErrTimezone)
	}
	a := rec.Appointment

	ev.Summary = a.Description
	ev.Description = a.Note

	if a.AllDay {
		d := a.Begin.Date()
		ev.Start = model.DateTime{Value: d.In(time.UTC)}
		ev.End = model.DateTime{Value: d.AddDays(1).In(time.UTC)}
	} else {
		end := a.End
		endDay := datebook.Civil{Year: a.Begin.Year, Month: a.Begin.Month, Day: a.Begin.Day, Hour: end.Hour, Minute: end.Minute, Second: end.Second}
		if endDay.In(time.UTC).Before(a.Begin.In(time.UTC)) {
			endDay = endDay.AddDays(1)
		}
		tzid, loc := t.Device.String(), t.Device
		if base != nil && base.Start.TZID != "" && base.Start.TZID != "UTC" {
			if l, err := t.zone(base.Start.TZID); err == nil && l != t.Device {
				tzid, loc = base.Start.TZID, l
			}
		}
		ev.Start = model.DateTime{Value: wall(a.Begin.In(t.Device).In(loc)), TZID: tzid}
		ev.End = model.DateTime{Value: wall(endDay.In(t.Device).In(loc)), TZID: tzid}
	}

	ev.Alarm = decodeAlarm(a.Alarm)

	opt, err := t.decodeRepeat(a.Repeat, a.Begin)
	if err != nil {
		return ev, err
	}
	ev.RRule = opt
	ev.ExDates = nil
	if opt != nil {
		for _, x := range a.Exceptions {
			ev.ExDates = append(ev.ExDates, x.Date().In(time.UTC))
		}
	}

	switch {
	case rec.Secret:
		ev.Class = model.ClassPrivate
	case ev.Class == model.ClassPrivate:
		ev.Class = model.ClassPublic
	}

	ev.Categories = t.decodeCategory(rec.Category, ev.Categories)
	return ev, nil
}

// DecodeBytes unpacks a device buffer and decodes it.
func (t *Translator) DecodeBytes(data []byte, secret bool, category uint8, base *model.Event) (model.Event, error) {
	a, err := datebook.Unpack(data)
	if err != nil {
		if base != nil {
			return base.Clone(), err
		}
		return model.Event{}, err
	}
	return t.Decode(Record{Appointment: a, Secret: secret, Category: category}, base)
}

// decodeCategory puts the device category first in cats. Index 0 drops a
// leading category the device knows about and keeps unknown ones.
func (t *Translator) decodeCategory(idx uint8, cats []string) []string {
	var rest []string
	if len(cats) > 0 {
		if _, known := t.Categories.CategoryIndex(cats[0]); known || idx != 0 {
			rest = cats[1:]
		} else {
			return cats
		}
	}
	if idx == 0 {
		if len(rest) == 0 {
			return nil
		}
		return rest
	}
	name := t.Categories.CategoryName(int(idx))
	if name == "" {
		return rest
	}
	rest = slices.DeleteFunc(slices.Clone(rest), func(c string) bool { return strings.EqualFold(c, name) })
	return append([]string{name}, rest...)
}

func isMidnight(c datebook.Civil) bool {
	return c.Hour == 0 && c.Minute == 0 && c.Second == 0
}

// wall strips the location, keeping the wall clock.
func wall(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
