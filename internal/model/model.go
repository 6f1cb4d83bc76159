package model

import (
	"slices"
	"time"

	"github.com/teambition/rrule-go"
)

// Classification is the access class of an event.
type Classification int

const (
	ClassPublic Classification = iota
	ClassPrivate
	ClassConfidential
)

func (c Classification) String() string {
	switch c {
	case ClassPrivate:
		return "PRIVATE"
	case ClassConfidential:
		return "CONFIDENTIAL"
	default:
		return "PUBLIC"
	}
}

// ParseClassification maps an iCalendar CLASS value. Unknown values are
// treated as public.
func ParseClassification(s string) Classification {
	switch s {
	case "PRIVATE":
		return ClassPrivate
	case "CONFIDENTIAL":
		return ClassConfidential
	default:
		return ClassPublic
	}
}

// DateTime is a wall-clock time paired with the time zone it is expressed
// in. Only the year..second fields of Value are meaningful; its Location is
// ignored. An empty TZID means a floating time, interpreted in the session
// default zone.
type DateTime struct {
	Value time.Time
	TZID  string
}

// IsZero reports whether the date-time is unset.
func (d DateTime) IsZero() bool {
	return d.Value.IsZero()
}

// In interprets the wall clock of d in loc.
func (d DateTime) In(loc *time.Location) time.Time {
	v := d.Value
	return time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), 0, loc)
}

// Alarm fires Before the event start.
type Alarm struct {
	Before time.Duration
}

// Event represents a desktop calendar entry as stored by the backend.
type Event struct {
	ID string

	Summary     string
	Description string
	Categories  []string

	Start DateTime
	End   DateTime

	// RRule is the first recurrence rule of the event, if any. Dtstart is
	// not used; the rule is anchored at Start.
	RRule *rrule.ROption
	// ExDates are excluded occurrence dates (date part only).
	ExDates []time.Time

	Alarm *Alarm

	Class    Classification
	Sequence int

	Created      time.Time
	LastModified time.Time
}

// Clone returns a deep copy of e. Mutating the copy's slices or rule does
// not affect e.
func (e Event) Clone() Event {
	out := e
	out.Categories = slices.Clone(e.Categories)
	out.ExDates = slices.Clone(e.ExDates)
	if e.RRule != nil {
		r := *e.RRule
		r.Bysetpos = slices.Clone(r.Bysetpos)
		r.Bymonth = slices.Clone(r.Bymonth)
		r.Bymonthday = slices.Clone(r.Bymonthday)
		r.Byyearday = slices.Clone(r.Byyearday)
		r.Byweekno = slices.Clone(r.Byweekno)
		r.Byweekday = slices.Clone(r.Byweekday)
		r.Byhour = slices.Clone(r.Byhour)
		r.Byminute = slices.Clone(r.Byminute)
		r.Bysecond = slices.Clone(r.Bysecond)
		r.Byeaster = slices.Clone(r.Byeaster)
		out.RRule = &r
	}
	if e.Alarm != nil {
		a := *e.Alarm
		out.Alarm = &a
	}
	return out
}

// ChangeKind tags a change-log entry.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeModified
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeRecord is one entry of a backend change log.
type ChangeRecord struct {
	EventID string
	Kind    ChangeKind
}
