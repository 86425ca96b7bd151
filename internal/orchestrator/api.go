package orchestrator

import (
	"context"
	"time"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/mlo"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// Operator surface. Every call that changes lifecycle state goes through
// the device's queue; the rest are snapshot reads.

func (e *Engine) postSync(ctx context.Context, h consts.Handle, kind consts.EventKind, payload any) error {
	_, err := e.Post(ctx, h, kind, payload, consts.SyncUninterruptible)
	return err
}

func (e *Engine) PowerUp(ctx context.Context, h consts.Handle) error {
	return e.postSync(ctx, h, consts.EventPowerUp, nil)
}

func (e *Engine) PowerDown(ctx context.Context, h consts.Handle) error {
	return e.postSync(ctx, h, consts.EventPowerDown, nil)
}

func (e *Engine) IdleRestart(ctx context.Context, h consts.Handle) error {
	return e.postSync(ctx, h, consts.EventIdleRestart, nil)
}

// IdleShutdown first waits, bounded, for an in-flight recovery to end.
func (e *Engine) IdleShutdown(ctx context.Context, h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	if err := e.waitRecoveryIdle(ctx, d, "IdleShutdown"); err != nil {
		return err
	}
	return e.postSync(ctx, h, consts.EventIdleShutdown, nil)
}

func (e *Engine) waitRecoveryIdle(ctx context.Context, d *device.Device, op string) error {
	wait := e.cfg.Timeouts.IdleShutdownWaitTimeout()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-d.RecoveryIdle():
		return nil
	case <-timer.C:
		d.Log.Warn("Engine: recovery still running", "op", op, "waited", wait)
		return errors.Newf(errors.ErrCodeBusy, op, "%s still recovering after %s", d.Name, wait)
	case <-ctx.Done():
		return errors.New(errors.ErrCodeInterrupted, op, "wait for recovery cancelled", ctx.Err())
	}
}

// RegisterClient binds the host driver to h and brings the firmware up for
// its probe. It returns once the event ran; the probe itself happens when
// firmware reports ready.
func (e *Engine) RegisterClient(ctx context.Context, h consts.Handle, c device.Client) error {
	return e.postSync(ctx, h, consts.EventRegisterClient, c)
}

// UnregisterClient waits like IdleShutdown before removing the driver.
func (e *Engine) UnregisterClient(ctx context.Context, h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	if err := e.waitRecoveryIdle(ctx, d, "UnregisterClient"); err != nil {
		return err
	}
	return e.postSync(ctx, h, consts.EventUnregisterClient, nil)
}

// ForceFirmwareAssert crashes the firmware on purpose. It does nothing on a
// device that is down or already recovering.
func (e *Engine) ForceFirmwareAssert(ctx context.Context, h consts.Handle) error {
	return e.postSync(ctx, h, consts.EventForceFirmwareAssert, nil)
}

// ForceCollectRddm asserts the firmware and waits until the resulting
// recovery, dump included, has finished.
func (e *Engine) ForceCollectRddm(ctx context.Context, h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	if d.Flags().Test(device.FlagRecovering) || d.Status() == consts.StatusFirmwareDown ||
		d.Power.State() == consts.PowerOff || d.Power.InCrash() {
		d.Log.Info("Engine: rddm collection skipped", "status", d.Status(), "power", d.Power.State())
		return nil
	}

	done := d.AddRddmWaiter()
	if err := e.postSync(ctx, h, consts.EventForceFirmwareAssert, nil); err != nil {
		return err
	}
	wait := e.cfg.Timeouts.RddmTimeout()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.Newf(errors.ErrCodeTimeout, "ForceCollectRddm", "%s: no dump within %s", d.Name, wait)
	case <-ctx.Done():
		return errors.New(errors.ErrCodeInterrupted, "ForceCollectRddm", "wait cancelled", ctx.Err())
	}
}

// Recover queues a recovery request as a transport crash report would.
func (e *Engine) Recover(ctx context.Context, h consts.Handle, reason consts.ResetReason) error {
	if reason == "" {
		reason = consts.ReasonDefault
	}
	return e.NotifyCrash(h, reason)
}

func (e *Engine) SetRecoveryEnabled(h consts.Handle, on bool) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	d.SetRecoveryEnabled(on)
	d.Log.Info("Engine: recovery setting changed", "enabled", on)
	return nil
}

func (e *Engine) DriverMode() consts.DriverMode {
	return e.mode.Load().(consts.DriverMode)
}

// SetDriverMode changes the mode sent to firmware on its next ready report.
func (e *Engine) SetDriverMode(mode consts.DriverMode) error {
	if !mode.Valid() {
		return errors.Newf(errors.ErrCodeConfigInvalid, "SetDriverMode", "unknown driver mode %q", mode)
	}
	e.mode.Store(mode)
	e.log.Info("Engine: driver mode set", "mode", mode)
	return nil
}

// Suspend parks a running device. It is refused while events are queued
// or a crash is being handled.
func (e *Engine) Suspend(h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	e.pmMu.Lock()
	defer e.pmMu.Unlock()

	f := d.Flags()
	if d.Wake.Held() || f.Test(device.FlagRecovering) || d.Power.InCrash() {
		return errors.Newf(errors.ErrCodeBusy, "Suspend", "%s is busy", d.Name)
	}
	f.Set(device.FlagInSuspendResume)
	defer f.Clear(device.FlagInSuspendResume)

	from := d.Power.State()
	if err := d.Power.Suspend(); err != nil {
		return err
	}
	e.suspendedFrom[h] = from
	d.Log.Info("Engine: suspended", "from", from)
	return nil
}

// Resume returns a suspended device to the state it was suspended from.
func (e *Engine) Resume(h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	e.pmMu.Lock()
	defer e.pmMu.Unlock()

	f := d.Flags()
	f.Set(device.FlagInSuspendResume)
	defer f.Clear(device.FlagInSuspendResume)

	from, ok := e.suspendedFrom[h]
	if err := d.Power.Resume(!ok || from == consts.PowerMissionMode); err != nil {
		return err
	}
	delete(e.suspendedFrom, h)
	d.Log.Info("Engine: resumed", "to", d.Power.State())
	return nil
}

func (e *Engine) ConfigureGroup(id, maxChips int, members []protocol.GroupMemberConfig) error {
	specs := make([]mlo.MemberSpec, 0, len(members))
	for _, m := range members {
		d, err := e.reg.ByName(m.Device)
		if err != nil {
			return err
		}
		specs = append(specs, mlo.MemberSpec{Device: d, ChipID: m.ChipID, LinkIDs: m.LinkIDs})
	}
	if err := e.groups.Configure(id, maxChips, specs); err != nil {
		return err
	}
	e.log.Info("Engine: group configured", "group", id, "members", len(specs))
	return nil
}

func (e *Engine) ResetGroup(id int) error {
	if err := e.groups.Reset(id); err != nil {
		return err
	}
	e.log.Info("Engine: group reset", "group", id)
	return nil
}

// SetLinkRemap records whether h's links have been remapped and returns
// its group afterwards. Members with remap pending are preferred as primary.
func (e *Engine) SetLinkRemap(h consts.Handle, applied bool) (mlo.Info, error) {
	d, err := e.reg.Get(h)
	if err != nil {
		return mlo.Info{}, err
	}
	if err := e.groups.SetRemapApplied(h, applied); err != nil {
		return mlo.Info{}, err
	}
	info, err := e.groups.Info(d.Group())
	if err != nil {
		return mlo.Info{}, err
	}
	d.Log.Info("Engine: link remap updated", "group", info.ID, "applied", applied, "primary", info.Primary)
	return info, nil
}

func (e *Engine) GroupInfo(id int) (mlo.Info, error) { return e.groups.Info(id) }

func (e *Engine) Groups() []int { return e.groups.Groups() }

func (e *Engine) Status(h consts.Handle) (device.Snapshot, error) {
	d, err := e.reg.Get(h)
	if err != nil {
		return device.Snapshot{}, err
	}
	return d.Snapshot(), nil
}

func (e *Engine) Statuses() []device.Snapshot {
	all := e.reg.All()
	out := make([]device.Snapshot, 0, len(all))
	for _, d := range all {
		out = append(out, d.Snapshot())
	}
	return out
}

// Lookup resolves a device name, or failing that a bus address, to its
// handle.
func (e *Engine) Lookup(name string) (consts.Handle, error) {
	d, err := e.reg.ByName(name)
	if err != nil {
		if name == "" {
			return 0, err
		}
		var aerr error
		if d, aerr = e.reg.ByBusAddress(name); aerr != nil {
			return 0, err
		}
	}
	return d.Handle, nil
}

// Device returns the attached device h.
func (e *Engine) Device(h consts.Handle) (*device.Device, error) { return e.reg.Get(h) }

// Personal.AI order the ending
