package conduit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"palmcal/internal/backend"
	"palmcal/internal/changes"
	"palmcal/internal/compare"
	"palmcal/internal/datebook"
	"palmcal/internal/devicelink"
	"palmcal/internal/idmap"
	appLog "palmcal/internal/log"
	"palmcal/internal/translate"
)

// Options configures a Session.
type Options struct {
	Backend backend.Backend
	// MapPath is the identity map file of the paired device.
	MapPath string
	// ChangeLog is the backend change-log name of the paired device.
	ChangeLog string
	// OpenTimeout bounds Backend.Open. Zero means no bound beyond ctx.
	OpenTimeout time.Duration
}

type phase int

const (
	phaseIdle phase = iota
	phaseIterating
)

// Session is one sync of one device. It is driven by a single caller and
// is not safe for concurrent use.
type Session struct {
	opts Options

	phase phase

	conn  backend.Connection
	idmap *idmap.Map
	index *changes.Index
	tr    *translate.Translator
	ids   []string

	summary Summary
}

var _ SyncConduit = (*Session)(nil)

// New returns an idle session.
func New(opts Options) *Session {
	return &Session{opts: opts}
}

// Mode is the strategy chosen by the last PreSync.
func (s *Session) Mode() Mode {
	return s.summary.Mode
}

// Translator is the session translator, nil outside a session.
func (s *Session) Translator() *translate.Translator {
	return s.tr
}

// Summary returns the running account of the session.
func (s *Session) Summary() Summary {
	out := s.summary
	out.Errors = append([]RecordError(nil), s.summary.Errors...)
	return out
}

// PreSync opens the calendar store, loads the identity map and the pending
// changes, reads the device category table and picks slow or fast sync.
// Any failure aborts the session without writing state.
func (s *Session) PreSync(ctx context.Context, dev AppBlockReader) (Report, error) {
	if s.phase != phaseIdle {
		return Report{}, fmt.Errorf("%w: PreSync", ErrWrongPhase)
	}
	s.summary = Summary{Started: time.Now()}

	rep, err := s.preSync(ctx, dev)
	if err != nil {
		s.abort(err)
		s.release()
		appLog.Error("pre-sync failed", err, "change_log", s.opts.ChangeLog)
		return Report{}, err
	}
	s.phase = phaseIterating
	appLog.Info("sync session started",
		"mode", rep.Mode.String(),
		"events", rep.Total,
		"added", rep.Counts.Added,
		"modified", rep.Counts.Modified,
		"deleted", rep.Counts.Deleted,
	)
	return rep, nil
}

func (s *Session) preSync(ctx context.Context, dev AppBlockReader) (Report, error) {
	if s.opts.Backend == nil {
		return Report{}, fmt.Errorf("%w: no backend configured", ErrBackend)
	}

	octx := ctx
	if s.opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, s.opts.OpenTimeout)
		defer cancel()
	}
	conn, err := s.opts.Backend.Open(octx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	s.conn = conn

	tz, ok := conn.DefaultTimezone()
	if !ok {
		return Report{}, fmt.Errorf("%w: no default time zone", translate.ErrTimezone)
	}

	if dev == nil {
		return Report{}, errors.New("conduit: no device link")
	}
	block, err := dev.ReadAppBlock(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("conduit: read app block: %w", err)
	}
	ai, err := datebook.UnpackAppInfo(block)
	if err != nil {
		return Report{}, fmt.Errorf("conduit: decode app block: %w", err)
	}

	m, err := idmap.Open(s.opts.MapPath)
	if err != nil {
		return Report{}, err
	}
	s.idmap = m

	ids, err := conn.ListEventIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: list events: %w", ErrBackend, err)
	}
	s.ids = ids

	// The checkpoint only moves at PostSync, so an aborted session leaves
	// these changes pending for the next one.
	records, err := conn.PendingChanges(ctx, s.opts.ChangeLog)
	if err != nil {
		return Report{}, fmt.Errorf("%w: change log: %w", ErrBackend, err)
	}
	s.index = changes.Build(records, m.IsArchived)

	s.tr = translate.New(tz, conn, ai)
	s.tr.Warn = appLog.Warn

	mode := ModeFast
	if m.Empty() {
		mode = ModeSlow
	}
	s.summary.Mode = mode
	s.summary.Counts = s.index.Counts()

	return Report{Mode: mode, Counts: s.summary.Counts, Total: len(ids)}, nil
}

func (s *Session) iterating(op string) error {
	if s.phase != phaseIterating {
		return fmt.Errorf("%w: %s", ErrWrongPhase, op)
	}
	return nil
}

// fail records a per-record error and returns it.
func (s *Session) fail(op, eventID string, deviceID uint32, err error) error {
	re := RecordError{Op: op, EventID: eventID, DeviceID: deviceID, Message: err.Error(), Err: err}
	s.summary.Errors = append(s.summary.Errors, re)
	appLog.Error("record "+op+" failed", err, "event_id", eventID, "device_id", deviceID)
	return re
}

func (s *Session) abort(err error) {
	s.summary.Status = StatusAborted
	s.summary.Reason = err.Error()
}

// Abort marks the running session aborted. PostSync must still be called
// to persist what was reconciled so far.
func (s *Session) Abort(reason error) {
	if reason == nil {
		reason = errors.New("aborted by driver")
	}
	s.abort(reason)
	appLog.Warn("sync session aborted by driver", "reason", reason.Error())
}

// local builds the device form of a desktop event. Events that vanished
// since the listing are reported as deleted.
func (s *Session) local(ctx context.Context, eventID string) (LocalRecord, error) {
	kind, pending := s.index.Kind(eventID)
	lr := LocalRecord{
		EventID:  eventID,
		Status:   statusOf(kind, pending),
		Archived: s.idmap.IsArchived(eventID),
	}
	lr.DeviceID, _ = s.idmap.LookupDeviceID(eventID)
	if lr.Status == RecordDeleted {
		return lr, nil
	}

	ev, err := s.conn.GetEvent(ctx, eventID)
	if errors.Is(err, backend.ErrNotFound) {
		lr.Status = RecordDeleted
		return lr, nil
	}
	if err != nil {
		return lr, err
	}
	rec, data, err := s.tr.EncodeBytes(ev)
	if err != nil {
		return lr, err
	}
	lr.Event = ev
	lr.Record = rec
	lr.Data = data
	return lr, nil
}

// NextLocal yields the next desktop event in backend list order. Events
// that fail to translate are skipped and counted.
func (s *Session) NextLocal(ctx context.Context, cur *LocalCursor) (LocalRecord, bool, error) {
	if err := s.iterating("NextLocal"); err != nil {
		return LocalRecord{}, false, err
	}
	for cur.next < len(s.ids) {
		id := s.ids[cur.next]
		cur.next++

		lr, err := s.local(ctx, id)
		if err != nil {
			s.summary.Skipped++
			_ = s.fail("translate", id, lr.DeviceID, err)
			continue
		}
		if lr.Status == RecordDeleted {
			// Gone since PreSync; nothing to push in a full walk.
			continue
		}
		return lr, true, nil
	}
	return LocalRecord{}, false, nil
}

// NextModified yields the next pending change that has not been cleared.
func (s *Session) NextModified(ctx context.Context, cur *ModifiedCursor) (LocalRecord, bool, error) {
	if err := s.iterating("NextModified"); err != nil {
		return LocalRecord{}, false, err
	}
	for {
		rec, ok := s.index.NextAfter(&cur.c)
		if !ok {
			return LocalRecord{}, false, nil
		}
		lr, err := s.local(ctx, rec.EventID)
		if err != nil {
			s.summary.Skipped++
			_ = s.fail("translate", rec.EventID, lr.DeviceID, err)
			continue
		}
		return lr, true, nil
	}
}

// Match resolves a device record id to its event.
func (s *Session) Match(deviceID uint32) (string, bool, error) {
	if err := s.iterating("Match"); err != nil {
		return "", false, err
	}
	id, ok := s.idmap.LookupEventID(deviceID)
	return id, ok, nil
}

// Compare reports whether local still encodes to exactly remote.
func (s *Session) Compare(local LocalRecord, remote devicelink.Record) (bool, error) {
	if err := s.iterating("Compare"); err != nil {
		return false, err
	}
	if local.Status == RecordDeleted || local.Data == nil {
		return false, nil
	}
	same, err := compare.Record(s.tr, local.Event, remote.Data, remote.Attr.Has(devicelink.AttrSecret))
	if err != nil {
		return false, s.fail("compare", local.EventID, remote.ID, err)
	}
	return same, nil
}

// Prepare turns a local record into the device record to write.
func (s *Session) Prepare(local LocalRecord) (devicelink.Record, error) {
	if err := s.iterating("Prepare"); err != nil {
		return devicelink.Record{}, err
	}
	if local.Data == nil {
		return devicelink.Record{}, s.fail("prepare", local.EventID, local.DeviceID, errors.New("no device data"))
	}
	var attr devicelink.Attr
	if local.Record.Secret {
		attr |= devicelink.AttrSecret
	}
	if local.Archived {
		attr |= devicelink.AttrArchived
	}
	return devicelink.Record{
		ID:       local.DeviceID,
		Attr:     attr,
		Category: local.Record.Category,
		Data:     append([]byte(nil), local.Data...),
	}, nil
}

// Add creates a desktop event from a device record and maps the two.
func (s *Session) Add(ctx context.Context, remote devicelink.Record) (string, error) {
	if err := s.iterating("Add"); err != nil {
		return "", err
	}
	ev, err := s.tr.DecodeBytes(remote.Data, remote.Attr.Has(devicelink.AttrSecret), remote.Category, nil)
	if err != nil {
		s.summary.Skipped++
		return "", s.fail("add", "", remote.ID, err)
	}
	id, err := s.conn.CreateEvent(ctx, ev)
	if err != nil {
		s.summary.Skipped++
		return "", s.fail("add", "", remote.ID, err)
	}
	s.idmap.Insert(remote.ID, id, remote.Attr.Has(devicelink.AttrArchived))
	s.summary.Added++
	appLog.Debug("event added from device", "event_id", id, "device_id", remote.ID)
	return id, nil
}

// Replace overwrites a desktop event with a device record, keeping the
// fields the device cannot carry.
func (s *Session) Replace(ctx context.Context, eventID string, remote devicelink.Record) error {
	if err := s.iterating("Replace"); err != nil {
		return err
	}
	base, err := s.conn.GetEvent(ctx, eventID)
	if err != nil {
		s.summary.Skipped++
		return s.fail("replace", eventID, remote.ID, err)
	}
	ev, err := s.tr.DecodeBytes(remote.Data, remote.Attr.Has(devicelink.AttrSecret), remote.Category, &base)
	if err != nil {
		s.summary.Skipped++
		return s.fail("replace", eventID, remote.ID, err)
	}
	if err := s.conn.UpdateEvent(ctx, ev); err != nil {
		s.summary.Skipped++
		return s.fail("replace", eventID, remote.ID, err)
	}
	if _, ok := s.idmap.LookupDeviceID(eventID); !ok {
		s.idmap.Insert(remote.ID, eventID, remote.Attr.Has(devicelink.AttrArchived))
	}
	s.summary.Replaced++
	appLog.Debug("event replaced from device", "event_id", eventID, "device_id", remote.ID)
	return nil
}

// Delete drops the mapping and the desktop event. An event already gone
// from the store is not an error.
func (s *Session) Delete(ctx context.Context, eventID string) error {
	if err := s.iterating("Delete"); err != nil {
		return err
	}
	deviceID, _ := s.idmap.LookupDeviceID(eventID)
	s.idmap.RemoveByEventID(eventID)
	if err := s.conn.DeleteEvent(ctx, eventID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return s.fail("delete", eventID, deviceID, err)
	}
	s.summary.Deleted++
	appLog.Debug("event deleted", "event_id", eventID, "device_id", deviceID)
	return nil
}

// SetDeviceID records the id the device assigned to a pushed event.
func (s *Session) SetDeviceID(eventID string, deviceID uint32) error {
	if err := s.iterating("SetDeviceID"); err != nil {
		return err
	}
	s.idmap.Insert(deviceID, eventID, s.idmap.IsArchived(eventID))
	s.summary.Mapped++
	return nil
}

// MarkArchived sets the archived flag of a mapped event.
func (s *Session) MarkArchived(eventID string, archived bool) error {
	if err := s.iterating("MarkArchived"); err != nil {
		return err
	}
	if !s.idmap.SetArchived(eventID, archived) {
		return s.fail("archive", eventID, 0, fmt.Errorf("%w: %s", ErrNotMapped, eventID))
	}
	if archived {
		s.summary.Archived++
	}
	return nil
}

// ClearChangeStatus marks the change for eventID consumed for the rest of
// the session.
func (s *Session) ClearChangeStatus(eventID string) error {
	if err := s.iterating("ClearChangeStatus"); err != nil {
		return err
	}
	s.index.Clear(eventID)
	return nil
}

// PostSync persists the identity map, advances the change log and closes
// the store. An aborted session or a failure to save the map leaves the
// change log untouched so the next session sees the same changes.
func (s *Session) PostSync(ctx context.Context) (Summary, error) {
	if err := s.iterating("PostSync"); err != nil {
		return s.Summary(), err
	}
	defer s.release()

	if err := s.idmap.Save(); err != nil {
		err = fmt.Errorf("conduit: save identity map: %w", err)
		s.abort(err)
		s.finish()
		appLog.Error("post-sync failed", err, "change_log", s.opts.ChangeLog)
		return s.Summary(), err
	}

	if s.summary.Status == StatusAborted {
		appLog.Warn("session aborted, change log left pending", "change_log", s.opts.ChangeLog)
	} else if drained, err := s.conn.ChangesSince(ctx, s.opts.ChangeLog); err != nil {
		_ = s.fail("drain", "", 0, err)
	} else {
		appLog.Debug("change log drained", "change_log", s.opts.ChangeLog, "changes", len(drained))
	}

	s.finish()
	sum := s.Summary()
	appLog.Info("sync session finished",
		"status", sum.Status.String(),
		"mode", sum.Mode.String(),
		"added", sum.Added,
		"replaced", sum.Replaced,
		"deleted", sum.Deleted,
		"archived", sum.Archived,
		"skipped", sum.Skipped,
		"errors", len(sum.Errors),
	)
	return sum, nil
}

func (s *Session) finish() {
	s.summary.Finished = time.Now()
	if s.summary.Status != StatusAborted && len(s.summary.Errors) > 0 {
		s.summary.Status = StatusPartial
	}
}

// release closes the store and the map and returns to idle.
func (s *Session) release() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			appLog.Error("close calendar store", err)
		}
	}
	if s.idmap != nil {
		if err := s.idmap.Close(); err != nil {
			appLog.Error("close identity map", err)
		}
	}
	if s.summary.Finished.IsZero() {
		s.summary.Finished = time.Now()
	}
	s.conn = nil
	s.idmap = nil
	s.index = nil
	s.tr = nil
	s.ids = nil
	s.phase = phaseIdle
}
