// Package hotsync drives one complete sync of a device link through the
// conduit callback surface. It plays the part the handheld sync manager
// plays on a desktop: it walks the device records, asks the conduit to
// reconcile each one, pushes desktop changes back and closes the session.
package hotsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"palmcal/internal/conduit"
	"palmcal/internal/devicelink"
	appLog "palmcal/internal/log"
)

// Policy decides which side wins when a record changed on both.
type Policy int

const (
	PreferDevice Policy = iota
	PreferDesktop
)

func (p Policy) String() string {
	if p == PreferDesktop {
		return "desktop"
	}
	return "device"
}

// ParsePolicy maps a config value to a Policy. Empty means device.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return PreferDevice, nil
	case "desktop":
		return PreferDesktop, nil
	}
	return PreferDevice, fmt.Errorf("hotsync: unknown conflict policy %q", s)
}

// aborter is implemented by conduits that can be told the driver gave up
// mid-session.
type aborter interface {
	Abort(reason error)
}

// Driver runs sync sessions. It holds no per-session state.
type Driver struct {
	Policy Policy
}

// run is the state of one Sync call.
type run struct {
	ctx    context.Context
	c      conduit.SyncConduit
	link   devicelink.Link
	policy Policy
	mode   conduit.Mode

	locals []conduit.LocalRecord
	byID   map[string]int
	// done holds events whose side effect is applied.
	done map[string]bool
	// onDevice holds ids present on the device at the start of the run.
	onDevice map[uint32]bool
}

// Sync reconciles link with the desktop behind c. The link is left open;
// the caller closes it. The error is that of PreSync or PostSync; a failing
// device pass shows up as an aborted summary.
func (d *Driver) Sync(ctx context.Context, c conduit.SyncConduit, link devicelink.Link) (conduit.Summary, error) {
	rep, err := c.PreSync(ctx, link)
	if err != nil {
		return conduit.Summary{Status: conduit.StatusAborted, Reason: err.Error()}, err
	}

	r := &run{
		ctx:      ctx,
		c:        c,
		link:     link,
		policy:   d.Policy,
		mode:     rep.Mode,
		byID:     make(map[string]int),
		done:     make(map[string]bool),
		onDevice: make(map[uint32]bool),
	}

	if err := r.execute(); err != nil {
		if a, ok := c.(aborter); ok {
			a.Abort(err)
		}
		appLog.Error("device pass failed", err, "mode", rep.Mode.String())
	}

	return c.PostSync(ctx)
}

func (r *run) execute() error {
	if err := r.collectLocal(); err != nil {
		return err
	}
	records, err := r.link.Records(r.ctx)
	if err != nil {
		return fmt.Errorf("hotsync: list device records: %w", err)
	}
	for _, rec := range records {
		r.onDevice[rec.ID] = true
	}
	for _, rec := range records {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if r.mode == conduit.ModeFast && !rec.Attr.Has(devicelink.AttrDirty) && !rec.Attr.Has(devicelink.AttrDeleted) {
			continue
		}
		if err := r.remote(rec); err != nil {
			return err
		}
	}
	for i := range r.locals {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := r.push(r.locals[i]); err != nil {
			return err
		}
	}
	if err := r.link.ResetSyncFlags(r.ctx); err != nil {
		return fmt.Errorf("hotsync: reset sync flags: %w", err)
	}
	return nil
}

// collectLocal reads the desktop side once, through the cursor that fits
// the session mode.
func (r *run) collectLocal() error {
	var next func() (conduit.LocalRecord, bool, error)
	if r.mode == conduit.ModeSlow {
		var cur conduit.LocalCursor
		next = func() (conduit.LocalRecord, bool, error) { return r.c.NextLocal(r.ctx, &cur) }
	} else {
		var cur conduit.ModifiedCursor
		next = func() (conduit.LocalRecord, bool, error) { return r.c.NextModified(r.ctx, &cur) }
	}
	for {
		lr, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		r.byID[lr.EventID] = len(r.locals)
		r.locals = append(r.locals, lr)
	}
}

func (r *run) localOf(eventID string) (conduit.LocalRecord, bool) {
	i, ok := r.byID[eventID]
	if !ok {
		return conduit.LocalRecord{}, false
	}
	return r.locals[i], true
}

// settle marks eventID applied. Per-record conduit errors are already in
// the session summary, so they only end handling of that record.
func (r *run) settle(eventID string) {
	if eventID == "" {
		return
	}
	r.done[eventID] = true
	if err := r.c.ClearChangeStatus(eventID); err != nil {
		appLog.Warn("clear change status", "event_id", eventID, "error", err.Error())
	}
}

// remote reconciles one device record.
func (r *run) remote(rec devicelink.Record) error {
	eventID, mapped, err := r.c.Match(rec.ID)
	if err != nil {
		return err
	}
	deleted := rec.Attr.Has(devicelink.AttrDeleted)
	archived := rec.Attr.Has(devicelink.AttrArchived)

	if !mapped {
		if deleted && !archived {
			return nil
		}
		if id, ok := r.adopt(rec); ok {
			r.settle(id)
			return nil
		}
		if id, err := r.c.Add(r.ctx, rec); err == nil {
			r.settle(id)
		}
		return nil
	}

	// A mapped event found among the collected locals changed on the
	// desktop too.
	local, changed := r.localOf(eventID)

	switch {
	case deleted && archived:
		if err := r.c.MarkArchived(eventID, true); err == nil {
			r.settle(eventID)
		}
	case deleted:
		if changed && local.Status != conduit.RecordDeleted && r.policy == PreferDesktop {
			// Desktop edit survives; it goes back as a new record.
			r.locals[r.byID[eventID]].DeviceID = 0
			delete(r.onDevice, rec.ID)
			return nil
		}
		if err := r.c.Delete(r.ctx, eventID); err == nil {
			r.settle(eventID)
		}
	case changed && local.Status == conduit.RecordDeleted:
		if r.policy == PreferDesktop {
			return nil
		}
		// The device edit brings the event back.
		_ = r.c.Delete(r.ctx, eventID)
		if id, err := r.c.Add(r.ctx, rec); err == nil {
			r.settle(id)
		}
		r.settle(eventID)
	case changed:
		same, err := r.c.Compare(local, rec)
		if err != nil {
			return nil
		}
		if same {
			r.settle(eventID)
			return nil
		}
		if r.policy == PreferDesktop {
			return nil
		}
		if err := r.c.Replace(r.ctx, eventID, rec); err == nil {
			r.settle(eventID)
		}
	default:
		if err := r.c.Replace(r.ctx, eventID, rec); err == nil {
			r.settle(eventID)
		}
	}
	return nil
}

// adopt pairs an unmapped device record with an unmapped desktop event
// that encodes to the same bytes. It only applies in slow sync, where an
// empty map would otherwise duplicate every record on both sides.
func (r *run) adopt(rec devicelink.Record) (string, bool) {
	if r.mode != conduit.ModeSlow || rec.Attr.Has(devicelink.AttrDeleted) {
		return "", false
	}
	for i, lr := range r.locals {
		if lr.DeviceID != 0 || r.done[lr.EventID] {
			continue
		}
		same, err := r.c.Compare(lr, rec)
		if err != nil || !same {
			continue
		}
		if err := r.c.SetDeviceID(lr.EventID, rec.ID); err != nil {
			return "", false
		}
		r.locals[i].DeviceID = rec.ID
		return lr.EventID, true
	}
	return "", false
}

// push applies one desktop change to the device.
func (r *run) push(lr conduit.LocalRecord) error {
	if r.done[lr.EventID] {
		return nil
	}
	if lr.Status == conduit.RecordDeleted {
		if lr.DeviceID != 0 {
			err := r.link.DeleteRecord(r.ctx, lr.DeviceID)
			if err != nil && !errors.Is(err, devicelink.ErrNoRecord) {
				return fmt.Errorf("hotsync: delete device record %d: %w", lr.DeviceID, err)
			}
		}
		if err := r.c.Delete(r.ctx, lr.EventID); err == nil {
			r.settle(lr.EventID)
		}
		return nil
	}
	if lr.Archived {
		r.settle(lr.EventID)
		return nil
	}
	if r.mode == conduit.ModeFast && lr.Status == conduit.RecordUnchanged {
		return nil
	}

	rec, err := r.c.Prepare(lr)
	if err != nil {
		return nil
	}
	if rec.ID != 0 && !r.onDevice[rec.ID] {
		rec.ID = 0
	}
	id, err := r.link.WriteRecord(r.ctx, rec)
	if err != nil {
		return fmt.Errorf("hotsync: write device record for %s: %w", lr.EventID, err)
	}
	if err := r.c.SetDeviceID(lr.EventID, id); err != nil {
		return nil
	}
	r.settle(lr.EventID)
	appLog.Debug("event pushed to device", "event_id", lr.EventID, "device_id", id)
	return nil
}
