package icsfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"palmcal/internal/backend"
	"palmcal/internal/model"
)

const sample = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20250101T000000Z
DTSTART;TZID=Europe/Berlin:20250106T090000
DTEND;TZID=Europe/Berlin:20250106T093000
SUMMARY:Standup
DESCRIPTION:Daily sync
CATEGORIES:Business
CLASS:PRIVATE
RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE
EXDATE;TZID=Europe/Berlin:20250113T090000
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT15M
DESCRIPTION:Standup
END:VALARM
END:VEVENT
BEGIN:VEVENT
UID:holiday
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20250501
DTEND;VALUE=DATE:20250502
SUMMARY:Holiday
END:VEVENT
BEGIN:VEVENT
SUMMARY:No uid
DTSTART:20250101T100000Z
END:VEVENT
END:VCALENDAR
`

func writeSample(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calendar.ics")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(sample, "\n", "\r\n")), 0o600))
	return path, filepath.Join(dir, "state", "changes.db")
}

func open(t *testing.T, path, state string) backend.Connection {
	t.Helper()
	c, err := New(path, state, time.UTC).Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenDecodesEvents(t *testing.T) {
	ctx := context.Background()
	path, state := writeSample(t)
	c := open(t, path, state)

	ids, err := c.ListEventIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"standup", "holiday"}, ids)

	ev, err := c.GetEvent(ctx, "standup")
	require.NoError(t, err)
	assert.Equal(t, "Standup", ev.Summary)
	assert.Equal(t, "Daily sync", ev.Description)
	assert.Equal(t, []string{"Business"}, ev.Categories)
	assert.Equal(t, model.ClassPrivate, ev.Class)
	assert.Equal(t, "Europe/Berlin", ev.Start.TZID)
	assert.Equal(t, 9, ev.Start.Value.Hour())
	assert.Equal(t, 30, ev.End.Value.Minute())
	require.NotNil(t, ev.RRule)
	assert.Equal(t, rrule.WEEKLY, ev.RRule.Freq)
	assert.Equal(t, 2, ev.RRule.Interval)
	assert.Len(t, ev.RRule.Byweekday, 2)
	require.Len(t, ev.ExDates, 1)
	assert.Equal(t, time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), ev.ExDates[0])
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, 15*time.Minute, ev.Alarm.Before)

	hol, err := c.GetEvent(ctx, "holiday")
	require.NoError(t, err)
	assert.Empty(t, hol.Start.TZID)
	assert.True(t, isDateOnly(hol))

	_, err = c.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestWritePreservesContent(t *testing.T) {
	ctx := context.Background()
	path, state := writeSample(t)
	c := open(t, path, state)

	id, err := c.CreateEvent(ctx, model.Event{
		Summary: "Dentist",
		Start:   model.DateTime{Value: time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC), TZID: "UTC"},
		End:     model.DateTime{Value: time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC), TZID: "UTC"},
		Alarm:   &model.Alarm{Before: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2 := open(t, path, state)
	ids, err := c2.ListEventIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"standup", "holiday", id}, ids)

	ev, err := c2.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Dentist", ev.Summary)
	assert.Equal(t, "UTC", ev.Start.TZID)
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, time.Hour, ev.Alarm.Before)

	// The undecodable event survives the rewrite.
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "No uid")
}

func TestChangesSinceAcrossSessions(t *testing.T) {
	ctx := context.Background()
	path, state := writeSample(t)

	c := open(t, path, state)
	first, err := c.ChangesSince(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Equal(t, []model.ChangeRecord{
		{EventID: "standup", Kind: model.ChangeAdded},
		{EventID: "holiday", Kind: model.ChangeAdded},
	}, first)
	require.NoError(t, c.Close())

	c = open(t, path, state)
	none, err := c.ChangesSince(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Empty(t, none)

	ev, err := c.GetEvent(ctx, "standup")
	require.NoError(t, err)
	ev.Summary = "Standup (moved)"
	require.NoError(t, c.UpdateEvent(ctx, ev))
	require.NoError(t, c.DeleteEvent(ctx, "holiday"))

	next, err := c.ChangesSince(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Equal(t, []model.ChangeRecord{
		{EventID: "standup", Kind: model.ChangeModified},
		{EventID: "holiday", Kind: model.ChangeDeleted},
	}, next)
}

func TestPendingChangesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path, state := writeSample(t)

	c := open(t, path, state)
	pending, err := c.PendingChanges(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	require.NoError(t, c.Close())

	c = open(t, path, state)
	again, err := c.PendingChanges(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Equal(t, pending, again)

	drained, err := c.ChangesSince(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Equal(t, pending, drained)
	require.NoError(t, c.Close())

	c = open(t, path, state)
	none, err := c.PendingChanges(ctx, "pilot-sync-calendar-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	c := open(t, filepath.Join(dir, "none.ics"), filepath.Join(dir, "changes.db"))
	ids, err := c.ListEventIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestOpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("x.ics", "x.db", time.UTC).Open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuration(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want time.Duration
	}{
		{"-PT15M", -15 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"-P1D", -24 * time.Hour},
		{"-P1W", -7 * 24 * time.Hour},
		{"+P1DT2H", 26 * time.Hour},
	} {
		got, err := parseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)

		back, err := parseDuration(formatDuration(got))
		require.NoError(t, err)
		assert.Equal(t, got, back, tc.in)
	}

	_, err := parseDuration("15M")
	assert.Error(t, err)
	_, err = parseDuration("PT15")
	assert.Error(t, err)
}

func TestFingerprintStable(t *testing.T) {
	ev := model.Event{ID: "a", Summary: "A", Start: model.DateTime{Value: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}}
	assert.Equal(t, fingerprint(ev), fingerprint(ev.Clone()))

	changed := ev.Clone()
	changed.Summary = "B"
	assert.NotEqual(t, fingerprint(ev), fingerprint(changed))
}

func TestAppendEventWritesParameters(t *testing.T) {
	cal := ical.NewCalendar()
	appendEvent(cal, model.Event{
		ID:      "review",
		Summary: "Review",
		Start:   model.DateTime{Value: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), TZID: "Europe/Berlin"},
		End:     model.DateTime{Value: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC), TZID: "Europe/Berlin"},
	}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	appendEvent(cal, model.Event{
		ID:      "holiday",
		Summary: "Holiday",
		Start:   model.DateTime{Value: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
		End:     model.DateTime{Value: time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)},
	}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	out := cal.Serialize()
	assert.Contains(t, out, "DTSTART;TZID=Europe/Berlin:20250106T090000")
	assert.Contains(t, out, "DTEND;TZID=Europe/Berlin:20250106T100000")
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20250106")

	parsed, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	events := parsed.Events()
	require.Len(t, events, 2)
	ev, err := decodeEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", ev.Start.TZID)
	assert.Equal(t, 9, ev.Start.Value.Hour())
}
