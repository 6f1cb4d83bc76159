package conduit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palmcal/internal/backend"
	"palmcal/internal/backend/memory"
	"palmcal/internal/datebook"
	"palmcal/internal/devicelink"
	"palmcal/internal/idmap"
	"palmcal/internal/model"
	"palmcal/internal/translate"
)

const changeLog = "pilot-sync-calendar-7"

type appBlock []byte

func (b appBlock) ReadAppBlock(context.Context) ([]byte, error) {
	if b == nil {
		return nil, errors.New("link down")
	}
	return b, nil
}

func defaultBlock(t *testing.T) appBlock {
	t.Helper()
	b, err := datebook.PackAppInfo(datebook.DefaultAppInfo())
	require.NoError(t, err)
	return b
}

func event(id, summary string, hour int) model.Event {
	return model.Event{
		ID:      id,
		Summary: summary,
		Start:   model.DateTime{Value: time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC)},
		End:     model.DateTime{Value: time.Date(2024, 3, 1, hour+1, 0, 0, 0, time.UTC)},
	}
}

type fixture struct {
	store   *memory.Store
	mapPath string
	block   appBlock
}

func newFixture(t *testing.T, events ...model.Event) *fixture {
	t.Helper()
	store := memory.New(time.UTC)
	for _, ev := range events {
		store.Put(ev)
	}
	return &fixture{
		store:   store,
		mapPath: filepath.Join(t.TempDir(), "state", "idmap-7.cbor"),
		block:   defaultBlock(t),
	}
}

func (f *fixture) session() *Session {
	return New(Options{Backend: f.store, MapPath: f.mapPath, ChangeLog: changeLog, OpenTimeout: time.Second})
}

func (f *fixture) seedMap(t *testing.T, entries map[string]uint32) {
	t.Helper()
	m, err := idmap.Open(f.mapPath)
	require.NoError(t, err)
	for ev, dev := range entries {
		m.Insert(dev, ev, false)
	}
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())
}

func drainLocal(t *testing.T, s *Session) []LocalRecord {
	t.Helper()
	var out []LocalRecord
	var cur LocalCursor
	for {
		lr, ok, err := s.NextLocal(context.Background(), &cur)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, lr)
	}
}

func ids(recs []LocalRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.EventID)
	}
	return out
}

func TestSlowSyncWalksAllEventsOnce(t *testing.T) {
	f := newFixture(t, event("b", "B", 9), event("a", "A", 10), event("c", "C", 11))
	s := f.session()

	rep, err := s.PreSync(context.Background(), f.block)
	require.NoError(t, err)
	assert.Equal(t, ModeSlow, rep.Mode)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 3, rep.Counts.Added)

	recs := drainLocal(t, s)
	assert.Equal(t, []string{"b", "a", "c"}, ids(recs))
	for _, r := range recs {
		assert.Equal(t, RecordNew, r.Status)
		assert.NotEmpty(t, r.Data)
	}

	// The cursor is exhausted and stays so.
	var cur LocalCursor
	cur.next = 3
	_, ok, err := s.NextLocal(context.Background(), &cur)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.PostSync(context.Background())
	require.NoError(t, err)
}

func TestFastSyncIteratesPendingChanges(t *testing.T) {
	f := newFixture(t, event("a", "A", 9), event("b", "B", 10), event("c", "C", 11))
	f.store.Checkpoint(changeLog)
	f.seedMap(t, map[string]uint32{"a": 1, "b": 2, "c": 3})

	f.store.Put(event("a", "A moved", 12))
	f.store.Put(event("d", "D", 13))
	f.store.Remove("c")
	f.store.Put(event("b", "B moved", 14))

	s := f.session()
	rep, err := s.PreSync(context.Background(), f.block)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, rep.Mode)
	assert.Equal(t, 1, rep.Counts.Added)
	assert.Equal(t, 2, rep.Counts.Modified)
	assert.Equal(t, 1, rep.Counts.Deleted)

	require.NoError(t, s.ClearChangeStatus("b"))

	var cur ModifiedCursor
	var got []LocalRecord
	for {
		lr, ok, err := s.NextModified(context.Background(), &cur)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, lr)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "d", "c"}, ids(got))
	assert.Equal(t, RecordModified, got[0].Status)
	assert.Equal(t, uint32(1), got[0].DeviceID)
	assert.Equal(t, RecordNew, got[1].Status)
	assert.Zero(t, got[1].DeviceID)
	assert.Equal(t, RecordDeleted, got[2].Status)
	assert.Equal(t, uint32(3), got[2].DeviceID)
	assert.Nil(t, got[2].Data)

	_, err = s.PostSync(context.Background())
	require.NoError(t, err)
}

func TestArchivedEventsLeaveChangeIndex(t *testing.T) {
	f := newFixture(t, event("a", "A", 9), event("b", "B", 10))
	m, err := idmap.Open(f.mapPath)
	require.NoError(t, err)
	m.Insert(1, "a", true)
	m.Insert(2, "b", false)
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	s := f.session()
	rep, err := s.PreSync(context.Background(), f.block)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts.Added)

	var cur ModifiedCursor
	lr, ok, err := s.NextModified(context.Background(), &cur)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", lr.EventID)
	_, ok, _ = s.NextModified(context.Background(), &cur)
	assert.False(t, ok)

	_, err = s.PostSync(context.Background())
	require.NoError(t, err)
}

func TestWrongPhase(t *testing.T) {
	f := newFixture(t)
	s := f.session()

	_, _, err := s.Match(1)
	assert.ErrorIs(t, err, ErrWrongPhase)
	_, err = s.PostSync(context.Background())
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = s.PreSync(context.Background(), f.block)
	require.NoError(t, err)
	_, err = s.PreSync(context.Background(), f.block)
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = s.PostSync(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, s.ClearChangeStatus("x"), ErrWrongPhase)
}

func TestPreSyncFailuresAreFatal(t *testing.T) {
	t.Run("open error", func(t *testing.T) {
		f := newFixture(t)
		f.store.OpenErr = errors.New("refused")
		_, err := f.session().PreSync(context.Background(), f.block)
		assert.ErrorIs(t, err, ErrBackend)
		_, statErr := os.Stat(f.mapPath)
		assert.True(t, os.IsNotExist(statErr), "no state written")
	})

	t.Run("open timeout", func(t *testing.T) {
		f := newFixture(t)
		f.store.OpenDelay = time.Minute
		s := New(Options{Backend: f.store, MapPath: f.mapPath, ChangeLog: changeLog, OpenTimeout: 20 * time.Millisecond})
		_, err := s.PreSync(context.Background(), f.block)
		assert.ErrorIs(t, err, ErrBackend)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusAborted, s.Summary().Status)
	})

	t.Run("no default zone", func(t *testing.T) {
		f := newFixture(t)
		s := New(Options{Backend: memory.New(nil), MapPath: f.mapPath, ChangeLog: changeLog})
		_, err := s.PreSync(context.Background(), f.block)
		assert.ErrorIs(t, err, translate.ErrTimezone)
	})

	t.Run("app block", func(t *testing.T) {
		f := newFixture(t)
		s := f.session()
		_, err := s.PreSync(context.Background(), appBlock(nil))
		assert.Error(t, err)
		_, err = s.PreSync(context.Background(), appBlock{1, 2})
		assert.ErrorIs(t, err, datebook.ErrTruncated)
	})

	t.Run("map locked", func(t *testing.T) {
		f := newFixture(t)
		held, err := idmap.Open(f.mapPath)
		require.NoError(t, err)
		defer held.Close()
		_, err = f.session().PreSync(context.Background(), f.block)
		assert.ErrorIs(t, err, idmap.ErrLocked)
	})
}

func TestFailedPreSyncKeepsDesktopEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	f.seedMap(t, map[string]uint32{"a": 1})
	f.store.Checkpoint(changeLog)
	f.store.Put(event("a", "A edited", 9))

	_, err := f.session().PreSync(ctx, appBlock(nil))
	require.Error(t, err)

	s := f.session()
	rep, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, rep.Mode)
	assert.Equal(t, 1, rep.Counts.Modified)
	_, err = s.PostSync(ctx)
	require.NoError(t, err)
}

func packed(t *testing.T, tr *translate.Translator, ev model.Event) []byte {
	t.Helper()
	_, data, err := tr.EncodeBytes(ev)
	require.NoError(t, err)
	return data
}

func TestAddReplaceDelete(t *testing.T) {
	ctx := context.Background()
	base := event("keep", "Old", 9)
	base.Description = "desk note"
	base.Sequence = 3
	base.Class = model.ClassConfidential
	f := newFixture(t, base, event("drop", "Drop", 10))
	f.seedMap(t, map[string]uint32{"keep": 11, "drop": 12})

	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	tr := s.Translator()

	// Add
	remote := devicelink.Record{ID: 20, Attr: devicelink.AttrSecret | devicelink.AttrDirty, Data: packed(t, tr, event("", "From device", 15))}
	id, err := s.Add(ctx, remote)
	require.NoError(t, err)
	got, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "From device", got.Summary)
	assert.Equal(t, model.ClassPrivate, got.Class)
	matched, ok, err := s.Match(20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, matched)

	// Replace keeps mapping and desktop-only fields.
	edited := event("", "New", 9)
	edited.Description = "desk note"
	require.NoError(t, s.Replace(ctx, "keep", devicelink.Record{ID: 11, Data: packed(t, tr, edited)}))
	got, _ = f.store.Get("keep")
	assert.Equal(t, "New", got.Summary)
	assert.Equal(t, 3, got.Sequence)
	assert.Equal(t, model.ClassConfidential, got.Class)
	matched, _, _ = s.Match(11)
	assert.Equal(t, "keep", matched)

	// Delete removes the mapping and the event.
	require.NoError(t, s.Delete(ctx, "drop"))
	_, ok, _ = s.Match(12)
	assert.False(t, ok)
	conn, err := f.store.Open(ctx)
	require.NoError(t, err)
	listed, err := conn.ListEventIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, listed, "drop")

	// Deleting again is tolerated.
	require.NoError(t, s.Delete(ctx, "drop"))

	// Malformed buffers are per-record failures.
	_, err = s.Add(ctx, devicelink.Record{ID: 30, Data: []byte{0xff}})
	assert.ErrorIs(t, err, datebook.ErrTruncated)

	sum, err := s.PostSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, sum.Status)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Replaced)
	assert.Equal(t, 2, sum.Deleted)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "add", sum.Errors[0].Op)

	m, err := idmap.Open(f.mapPath)
	require.NoError(t, err)
	defer m.Close()
	dev, ok := m.LookupDeviceID(id)
	require.True(t, ok)
	assert.Equal(t, uint32(20), dev)
	_, ok = m.LookupDeviceID("drop")
	assert.False(t, ok)
}

func TestCompareAndPrepare(t *testing.T) {
	ctx := context.Background()
	ev := event("a", "A", 9)
	ev.Class = model.ClassPrivate
	f := newFixture(t, ev)
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)

	recs := drainLocal(t, s)
	require.Len(t, recs, 1)
	local := recs[0]

	prepared, err := s.Prepare(local)
	require.NoError(t, err)
	assert.True(t, prepared.Attr.Has(devicelink.AttrSecret))
	assert.Zero(t, prepared.ID)

	same, err := s.Compare(local, prepared)
	require.NoError(t, err)
	assert.True(t, same)

	prepared.Attr = 0
	same, err = s.Compare(local, prepared)
	require.NoError(t, err)
	assert.False(t, same)

	prepared.Data = append(prepared.Data, 0)
	same, err = s.Compare(local, prepared)
	require.NoError(t, err)
	assert.False(t, same)

	_, err = s.Prepare(LocalRecord{EventID: "gone", Status: RecordDeleted})
	assert.Error(t, err)

	_, err = s.PostSync(ctx)
	require.NoError(t, err)
}

func TestSetDeviceIDAndArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)

	require.NoError(t, s.SetDeviceID("a", 44))
	require.NoError(t, s.MarkArchived("a", true))
	assert.ErrorIs(t, s.MarkArchived("nope", true), ErrNotMapped)

	_, err = s.PostSync(ctx)
	require.NoError(t, err)

	m, err := idmap.Open(f.mapPath)
	require.NoError(t, err)
	defer m.Close()
	dev, _ := m.LookupDeviceID("a")
	assert.Equal(t, uint32(44), dev)
	assert.True(t, m.IsArchived("a"))
}

func TestPostSyncDrainsOwnChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	tr := s.Translator()

	_, err = s.Add(ctx, devicelink.Record{ID: 5, Data: packed(t, tr, event("", "Device", 12))})
	require.NoError(t, err)
	require.NoError(t, s.SetDeviceID("a", 6))
	_, err = s.PostSync(ctx)
	require.NoError(t, err)

	s = f.session()
	rep, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, rep.Mode)
	assert.Zero(t, rep.Counts.Added+rep.Counts.Modified+rep.Counts.Deleted)
	_, err = s.PostSync(ctx)
	require.NoError(t, err)
}

func TestPostSyncMapSaveFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	f.store.Checkpoint(changeLog)
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	require.NoError(t, s.SetDeviceID("a", 1))
	_, err = s.Add(ctx, devicelink.Record{ID: 2, Data: packed(t, s.Translator(), event("", "Device", 12))})
	require.NoError(t, err)

	dir := filepath.Dir(f.mapPath)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("in the way"), 0o600))

	sum, err := s.PostSync(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusAborted, sum.Status)

	// The change log was not drained: the event added from the device is
	// still pending.
	conn, err := f.store.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	pending, err := conn.PendingChanges(ctx, changeLog)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ChangeAdded, pending[0].Kind)
}

func TestAbortStillPersists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	require.NoError(t, s.SetDeviceID("a", 9))
	s.Abort(errors.New("cable pulled"))

	sum, err := s.PostSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, sum.Status)
	assert.Equal(t, "cable pulled", sum.Reason)

	m, err := idmap.Open(f.mapPath)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1, m.Len())
}

func TestAbortedSessionLeavesChangesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("a", "A", 9))
	f.seedMap(t, map[string]uint32{"a": 1})
	f.store.Checkpoint(changeLog)
	f.store.Put(event("a", "A edited", 9))

	s := f.session()
	rep, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Counts.Modified)
	s.Abort(errors.New("cable pulled"))
	sum, err := s.PostSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, sum.Status)

	s = f.session()
	rep, err = s.PreSync(ctx, f.block)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts.Modified)
	_, err = s.PostSync(ctx)
	require.NoError(t, err)

	// A completed session advances the log.
	s = f.session()
	rep, err = s.PreSync(ctx, f.block)
	require.NoError(t, err)
	assert.Zero(t, rep.Counts.Modified)
	_, err = s.PostSync(ctx)
	require.NoError(t, err)
}

func TestStoreWriteFailureSkipsRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, event("keep", "Keep", 9))
	f.seedMap(t, map[string]uint32{"keep": 11})
	s := f.session()
	_, err := s.PreSync(ctx, f.block)
	require.NoError(t, err)
	tr := s.Translator()

	writeErr := errors.New("disk full")
	f.store.WriteErr = writeErr
	_, err = s.Add(ctx, devicelink.Record{ID: 20, Data: packed(t, tr, event("", "From device", 15))})
	assert.ErrorIs(t, err, writeErr)
	err = s.Replace(ctx, "keep", devicelink.Record{ID: 11, Data: packed(t, tr, event("", "Changed", 10))})
	assert.ErrorIs(t, err, writeErr)
	_, ok, err := s.Match(20)
	require.NoError(t, err)
	assert.False(t, ok)
	f.store.WriteErr = nil

	sum, err := s.PostSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, sum.Status)
	assert.Equal(t, 2, sum.Skipped)
	assert.Zero(t, sum.Added+sum.Replaced)
	require.Len(t, sum.Errors, 2)
	assert.ErrorIs(t, sum.Errors[0], writeErr)
}

func TestTranslationFailureSkipsRecord(t *testing.T) {
	bad := model.Event{ID: "bad", Summary: "No start"}
	f := newFixture(t, event("a", "A", 9), bad, event("c", "C", 11))
	s := f.session()
	_, err := s.PreSync(context.Background(), f.block)
	require.NoError(t, err)

	recs := drainLocal(t, s)
	assert.Equal(t, []string{"a", "c"}, ids(recs))

	sum, err := s.PostSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, sum.Status)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Errors, 1)
	assert.ErrorIs(t, sum.Errors[0], translate.ErrUnsupported)
}

var _ backend.Backend = (*memory.Store)(nil)
