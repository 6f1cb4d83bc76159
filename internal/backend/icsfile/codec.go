package icsfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"palmcal/internal/model"
)

const (
	layoutUTC   = "20060102T150405Z"
	layoutLocal = "20060102T150405"
	layoutDate  = "20060102"
)

// param is a property parameter written by the encoder.
type param struct {
	key    string
	values []string
}

var _ ical.PropertyParameter = param{}

func (p param) KeyValue(_ ...interface{}) (string, []string) {
	return p.key, p.values
}

// line is one encoded property. The encoder emits lines in a fixed order so
// they double as the input of an event fingerprint.
type line struct {
	name   string
	params []param
	value  string
}

func (l line) String() string {
	var b strings.Builder
	b.WriteString(l.name)
	for _, p := range l.params {
		b.WriteByte(';')
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(strings.Join(p.values, ","))
	}
	b.WriteByte(':')
	b.WriteString(l.value)
	return b.String()
}

func (l line) parameters() []ical.PropertyParameter {
	out := make([]ical.PropertyParameter, 0, len(l.params))
	for _, p := range l.params {
		out = append(out, p)
	}
	return out
}

// decodeEvent converts a parsed VEVENT into an Event.
func decodeEvent(ve *ical.VEvent) (model.Event, error) {
	var ev model.Event

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return ev, errors.New("missing UID")
	}
	ev.ID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	for _, p := range ve.GetProperties("CATEGORIES") {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.Categories = append(ev.Categories, c)
			}
		}
	}
	if p := ve.GetProperty("CLASS"); p != nil {
		ev.Class = model.ParseClassification(strings.ToUpper(strings.TrimSpace(p.Value)))
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}
	if p := ve.GetProperty("CREATED"); p != nil {
		ev.Created, _ = time.Parse(layoutUTC, strings.TrimSpace(p.Value))
	}
	if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
		ev.LastModified, _ = time.Parse(layoutUTC, strings.TrimSpace(p.Value))
	}

	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return ev, errors.New("missing DTSTART")
	}
	start, err := parseDateTime(p.Value, p.ICalParameters)
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		end, err := parseDateTime(p.Value, p.ICalParameters)
		if err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = end
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && strings.TrimSpace(p.Value) != "" {
		opt, err := rrule.StrToROption(strings.TrimSpace(p.Value))
		if err != nil {
			return ev, fmt.Errorf("RRULE: %w", err)
		}
		ev.RRule = opt
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := parseDateTime(part, p.ICalParameters)
			if err != nil {
				return ev, fmt.Errorf("EXDATE: %w", err)
			}
			v := d.Value
			ev.ExDates = append(ev.ExDates, time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC))
		}
	}

	for _, c := range ve.Components {
		alarm, ok := c.(*ical.VAlarm)
		if !ok {
			continue
		}
		trig := alarm.GetProperty("TRIGGER")
		if trig == nil {
			continue
		}
		if rel, ok := trig.ICalParameters["VALUE"]; ok && len(rel) > 0 && strings.EqualFold(rel[0], "DATE-TIME") {
			continue
		}
		d, err := parseDuration(trig.Value)
		if err != nil {
			continue
		}
		ev.Alarm = &model.Alarm{Before: -d}
		break
	}

	return ev, nil
}

// parseDateTime reads a DATE or DATE-TIME value. UTC values carry TZID
// "UTC"; floating values and dates carry no TZID.
func parseDateTime(v string, params map[string][]string) (model.DateTime, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.DateTime{}, errors.New("empty value")
	}
	var tzid string
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		tzid = strings.Trim(tzs[0], `"`)
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(layoutUTC, v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.DateTime{Value: t, TZID: "UTC"}, nil
	case strings.Contains(v, "T"):
		t, err := time.Parse(layoutLocal, v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.DateTime{Value: t, TZID: tzid}, nil
	default:
		t, err := time.Parse(layoutDate, v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.DateTime{Value: t}, nil
	}
}

// parseDuration reads an RFC 5545 duration such as -PT15M or P1DT2H.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		n, _ := strconv.Atoi(num)
		num = ""
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("bad duration %q", s)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return sign * total, nil
}

// formatDuration writes d in RFC 5545 form using days, hours, minutes
// and seconds.
func formatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if d > 0 || days == 0 {
		b.WriteByte('T')
		h := d / time.Hour
		d -= h * time.Hour
		m := d / time.Minute
		d -= m * time.Minute
		sec := d / time.Second
		if h > 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m > 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if sec > 0 || (h == 0 && m == 0) {
			fmt.Fprintf(&b, "%dS", sec)
		}
	}
	return b.String()
}

// isDateOnly reports whether ev is written with VALUE=DATE: a floating
// midnight start and either no end or an end exactly one day later.
func isDateOnly(ev model.Event) bool {
	if ev.Start.TZID != "" {
		return false
	}
	s := ev.Start.Value
	if s.Hour() != 0 || s.Minute() != 0 || s.Second() != 0 {
		return false
	}
	if ev.End.IsZero() {
		return true
	}
	if ev.End.TZID != "" {
		return false
	}
	next := time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, time.UTC)
	return ev.End.In(time.UTC).Equal(next)
}

func dateTimeLine(name string, d model.DateTime, dateOnly bool) line {
	v := d.Value
	switch {
	case dateOnly:
		return line{name: name, params: []param{{"VALUE", []string{"DATE"}}}, value: v.Format(layoutDate)}
	case d.TZID == "UTC":
		return line{name: name, value: d.In(time.UTC).Format(layoutUTC)}
	case d.TZID == "":
		return line{name: name, value: d.In(time.UTC).Format(layoutLocal)}
	default:
		return line{name: name, params: []param{{"TZID", []string{d.TZID}}}, value: d.In(time.UTC).Format(layoutLocal)}
	}
}

// encodeEvent renders ev as property lines in a fixed order. The alarm,
// if any, is returned separately as its TRIGGER value.
func encodeEvent(ev model.Event) ([]line, string) {
	out := []line{{name: string(ical.ComponentPropertyUniqueId), value: ev.ID}}

	dateOnly := isDateOnly(ev)
	if !ev.Start.IsZero() {
		out = append(out, dateTimeLine(string(ical.ComponentPropertyDtStart), ev.Start, dateOnly))
	}
	if !ev.End.IsZero() {
		out = append(out, dateTimeLine(string(ical.ComponentPropertyDtEnd), ev.End, dateOnly))
	}
	if ev.Summary != "" {
		out = append(out, line{name: string(ical.ComponentPropertySummary), value: ev.Summary})
	}
	if ev.Description != "" {
		out = append(out, line{name: string(ical.ComponentPropertyDescription), value: ev.Description})
	}
	if len(ev.Categories) > 0 {
		out = append(out, line{name: "CATEGORIES", value: strings.Join(ev.Categories, ",")})
	}
	if ev.Class != model.ClassPublic {
		out = append(out, line{name: "CLASS", value: ev.Class.String()})
	}
	if ev.Sequence != 0 {
		out = append(out, line{name: string(ical.ComponentPropertySequence), value: strconv.Itoa(ev.Sequence)})
	}
	if ev.RRule != nil {
		out = append(out, line{name: string(ical.ComponentPropertyRrule), value: ev.RRule.RRuleString()})
	}
	for _, x := range ev.ExDates {
		d := model.DateTime{Value: time.Date(x.Year(), x.Month(), x.Day(), ev.Start.Value.Hour(), ev.Start.Value.Minute(), ev.Start.Value.Second(), 0, time.UTC), TZID: ev.Start.TZID}
		out = append(out, dateTimeLine(string(ical.ComponentPropertyExdate), d, dateOnly))
	}
	if !ev.Created.IsZero() {
		out = append(out, line{name: "CREATED", value: ev.Created.UTC().Format(layoutUTC)})
	}
	if !ev.LastModified.IsZero() {
		out = append(out, line{name: "LAST-MODIFIED", value: ev.LastModified.UTC().Format(layoutUTC)})
	}

	var trigger string
	if ev.Alarm != nil {
		trigger = formatDuration(-ev.Alarm.Before)
	}
	return out, trigger
}

// appendEvent adds ev to cal as a VEVENT.
func appendEvent(cal *ical.Calendar, ev model.Event, stamp time.Time) {
	lines, trigger := encodeEvent(ev)
	ve := cal.AddEvent(ev.ID)
	ve.SetProperty("DTSTAMP", stamp.UTC().Format(layoutUTC))
	for _, l := range lines[1:] {
		ve.AddProperty(ical.ComponentProperty(l.name), l.value, l.parameters()...)
	}
	if trigger != "" {
		alarm := ve.AddAlarm()
		alarm.SetProperty("ACTION", "DISPLAY")
		alarm.SetProperty("TRIGGER", trigger)
		alarm.SetProperty(ical.ComponentPropertyDescription, ev.Summary)
	}
}
