package orchestrator

import (
	"context"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/eventq"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/recovery"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
)

// Flags describing a live firmware session; dropped whenever power goes.
const sessionFlags = device.FlagFirmwareReady | device.FlagFirmwareMemoryReady |
	device.FlagQmiConnected | device.FlagColdBootCalibrating

// handler returns the queue handler of d. It runs on d's worker only.
func (e *Engine) handler(d *device.Device) eventq.Handler {
	return func(ctx context.Context, ev *eventq.Event) error {
		d.Log.Debug("Engine: handling event", "event", ev.Kind, "seq", ev.Seq, "mode", ev.Mode)
		f := d.Flags()

		switch ev.Kind {
		case consts.EventServerArrive:
			f.Set(device.FlagQmiConnected)
			_, err := d.Queue.Enqueue(consts.EventRequestMemory, nil, consts.FireAndForget)
			return err
		case consts.EventServerExit:
			f.Clear(device.FlagQmiConnected)
			return nil
		case consts.EventRequestMemory:
			return errors.Transport("RequestMemory", e.backend.RequestMemory(ctx, d.Target()))
		case consts.EventFirmwareMemoryReady:
			f.Set(device.FlagFirmwareMemoryReady)
			return nil
		case consts.EventFirmwareReady:
			return e.firmwareReady(ctx, d)
		case consts.EventColdBootCalStart:
			return e.calibrationStart(ctx, d)
		case consts.EventColdBootCalDone:
			return e.calibrationDone(ctx, d)
		case consts.EventRegisterClient:
			return e.registerClient(ctx, d, ev.Payload)
		case consts.EventUnregisterClient:
			return e.unregisterClient(ctx, d)
		case consts.EventRecovery:
			req, _ := ev.Payload.(recovery.Request)
			if req.Phase == recovery.PhaseRequest && req.Reason == "" {
				req.Reason = consts.ReasonDefault
			}
			return e.recov.Handle(ctx, d, req)
		case consts.EventForceFirmwareAssert:
			return e.forceAssert(ctx, d)
		case consts.EventPowerUp:
			return e.powerUp(ctx, d)
		case consts.EventPowerDown:
			return e.powerDown(ctx, d)
		case consts.EventIdleRestart:
			return e.idleRestart(ctx, d)
		case consts.EventIdleShutdown:
			return e.idleShutdown(ctx, d)
		case consts.EventDebugTraceRequestMemory:
			segs, _ := ev.Payload.([]transport.Segment)
			d.SetTrace(segs)
			f.Set(device.FlagDebugTraceStarted)
			return nil
		case consts.EventDebugTraceSave:
			return e.collect(ctx, d, "qdss", d.Trace())
		case consts.EventDebugTraceFree:
			d.SetTrace(nil)
			f.Clear(device.FlagDebugTraceStarted)
			return nil
		case consts.EventDebugTraceRequestData:
			segs, _ := ev.Payload.([]transport.Segment)
			return e.collect(ctx, d, "qdss-data", segs)
		case consts.EventDumpUploadRequest:
			if !d.Power.DumpValid() {
				return errors.Newf(errors.ErrCodeInvalidTransition, "DumpUpload", "%s has no valid dump", d.Name)
			}
			return e.collect(ctx, d, "ramdump-upload", d.Power.Segments())
		case consts.EventRamdumpDone:
			monitor.DumpCollections.WithLabelValues(d.Name, "uploaded").Inc()
			return nil
		}
		return errors.Newf(errors.ErrCodeInvalidEvent, "Handle", "no handler for %s", ev.Kind)
	}
}

func (e *Engine) collect(ctx context.Context, d *device.Device, kind string, segs []transport.Segment) error {
	if e.collector == nil {
		d.Log.Debug("Engine: no collector, dropping segments", "kind", kind, "segments", len(segs))
		return nil
	}
	return e.collector.Collect(ctx, d.Target(), kind, segs)
}

func (e *Engine) firmwareReady(ctx context.Context, d *device.Device) error {
	if d.Power.InCrash() || d.Power.State() == consts.PowerOff {
		d.Log.Debug("Engine: stale firmware ready ignored", "power", d.Power.State())
		return nil
	}
	f := d.Flags()
	f.Set(device.FlagFirmwareReady)
	d.MarkReady()

	if d.Caps.ColdBootCal && !f.Test(device.FlagColdBootCalDone) {
		_, err := d.Queue.Enqueue(consts.EventColdBootCalStart, nil, consts.FireAndForget)
		return err
	}
	if mode := e.DriverMode(); mode != consts.ModeOff {
		if err := e.backend.SendMode(ctx, d.Target(), mode); err != nil {
			return errors.Transport("SendMode", err)
		}
	}
	if f.Test(device.FlagLoading) {
		return e.probe(ctx, d)
	}
	return nil
}

func (e *Engine) probe(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	defer f.Clear(device.FlagLoading)

	c := d.Client()
	if c == nil {
		d.SetStatus(consts.StatusUninitialized)
		return errors.Newf(errors.ErrCodeInvalidTransition, "Probe", "%s has no client", d.Name)
	}
	if err := c.Probe(ctx, d.Handle); err != nil {
		d.Log.Error("Engine: client probe failed", "err", err)
		d.SetClient(nil)
		f.Clear(device.FlagClientRegistered)
		d.SetStatus(consts.StatusUninitialized)
		return errors.Transport("Probe", err)
	}
	f.Set(device.FlagProbed)
	d.SetStatus(consts.StatusInitialized)
	d.Log.Info("Engine: client probed")
	return nil
}

func (e *Engine) calibrationStart(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	f.Set(device.FlagColdBootCalibrating)
	if err := e.backend.SendMode(ctx, d.Target(), consts.ModeCalibration); err != nil {
		f.Clear(device.FlagColdBootCalibrating)
		return errors.Transport("SendMode", err)
	}
	h := d.Handle
	timeout := e.cfg.Timeouts.ColdBootCalTimeout()
	d.ArmCalibration(timeout, func() {
		d.Log.Error("Engine: cold boot calibration timed out", "timeout", timeout)
		if err := e.Submit(h, consts.EventRecovery, recovery.Request{Reason: consts.ReasonTimeout}); err != nil {
			d.Log.Error("Engine: calibration timeout recovery not queued", "err", err)
		}
	})
	d.Log.Info("Engine: cold boot calibration started", "timeout", timeout)
	return nil
}

func (e *Engine) calibrationDone(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	if !f.Test(device.FlagColdBootCalibrating) {
		d.Log.Debug("Engine: stale calibration done ignored")
		return nil
	}
	d.StopCalibration()
	f.Clear(device.FlagColdBootCalibrating)
	f.Set(device.FlagColdBootCalDone)
	d.Log.Info("Engine: cold boot calibration done")

	err := d.Power.PowerOff(ctx)
	f.Clear(sessionFlags)
	if err != nil {
		return err
	}
	if f.Test(device.FlagLoading) {
		_, err = d.Queue.Enqueue(consts.EventPowerUp, nil, consts.FireAndForget)
	}
	return err
}

func (e *Engine) registerClient(ctx context.Context, d *device.Device, payload any) error {
	c, ok := payload.(device.Client)
	if !ok || c == nil {
		return errors.Newf(errors.ErrCodeInvalidEvent, "RegisterClient", "payload %T is not a client", payload)
	}
	f := d.Flags()
	if d.Client() != nil {
		return errors.Newf(errors.ErrCodeBusy, "RegisterClient", "%s already has a client", d.Name)
	}
	if f.Test(device.FlagRecovering) {
		return errors.Newf(errors.ErrCodeBusy, "RegisterClient", "%s is recovering", d.Name)
	}
	if d.Status() == consts.StatusFirmwareDown {
		d.Log.Info("Engine: re-probe of firmware-down device")
		if err := d.Power.PowerOff(ctx); err != nil {
			d.Log.Warn("Engine: power off before re-probe failed", "err", err)
		}
		f.Clear(sessionFlags | device.FlagProbed)
		d.SetStatus(consts.StatusInitialized)
	}

	d.SetClient(c)
	f.Clear(device.FlagWaitingForDriverAfterRecovery)
	f.Set(device.FlagLoading | device.FlagClientRegistered)
	d.SetStatus(consts.StatusLoadUnload)

	switch {
	case f.Test(device.FlagColdBootCalibrating):
		// calibrationDone powers the chip back up for the probe.
		return nil
	case f.Test(device.FlagFirmwareReady) && d.Power.Running():
		return e.probe(ctx, d)
	}
	if err := d.Power.PowerOn(ctx); err != nil {
		f.Clear(device.FlagLoading | device.FlagClientRegistered)
		d.SetClient(nil)
		d.SetStatus(consts.StatusUninitialized)
		return err
	}
	f.Clear(device.FlagIdleShutdown)
	return nil
}

func (e *Engine) unregisterClient(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	if f.Test(device.FlagRecovering) {
		return errors.Newf(errors.ErrCodeBusy, "UnregisterClient", "%s is recovering", d.Name)
	}
	f.Clear(device.FlagLoading)
	f.Set(device.FlagUnloading)
	defer f.Clear(device.FlagUnloading)

	if c := d.Client(); c != nil && f.Test(device.FlagProbed) {
		if err := c.Remove(ctx, d.Handle); err != nil {
			d.Log.Warn("Engine: client remove failed", "err", err)
		}
	}
	d.SetClient(nil)
	f.Clear(device.FlagProbed | device.FlagClientRegistered | device.FlagWaitingForDriverAfterRecovery)

	err := d.Power.PowerOff(ctx)
	f.Clear(sessionFlags)
	if d.Status() != consts.StatusFirmwareDown {
		d.SetStatus(consts.StatusInitialized)
	}
	d.Log.Info("Engine: client unregistered")
	return err
}

func (e *Engine) forceAssert(ctx context.Context, d *device.Device) error {
	if d.Flags().Test(device.FlagRecovering) || d.Status() == consts.StatusFirmwareDown ||
		d.Power.InCrash() || d.Power.State() == consts.PowerOff {
		d.Log.Info("Engine: force assert skipped", "status", d.Status(), "power", d.Power.State())
		return nil
	}
	d.Log.Warn("Engine: forcing firmware assert")
	return errors.Transport("ForceAssert", e.backend.ForceAssert(ctx, d.Target()))
}

func (e *Engine) powerUp(ctx context.Context, d *device.Device) error {
	if err := e.operational(d, "PowerUp"); err != nil {
		return err
	}
	if err := d.Power.PowerOn(ctx); err != nil {
		return err
	}
	d.Flags().Clear(device.FlagIdleShutdown)
	return nil
}

func (e *Engine) powerDown(ctx context.Context, d *device.Device) error {
	if d.Flags().Test(device.FlagRecovering) {
		return errors.Newf(errors.ErrCodeBusy, "PowerDown", "%s is recovering", d.Name)
	}
	err := d.Power.PowerOff(ctx)
	d.StopCalibration()
	d.Flags().Clear(sessionFlags)
	return err
}

func (e *Engine) idleRestart(ctx context.Context, d *device.Device) error {
	if err := e.operational(d, "IdleRestart"); err != nil {
		return err
	}
	f := d.Flags()
	f.Set(device.FlagIdleRestart)
	defer f.Clear(device.FlagIdleRestart)

	if err := d.Power.PowerOn(ctx); err != nil {
		return err
	}
	f.Clear(device.FlagIdleShutdown)
	if c := d.Client(); c != nil && f.Test(device.FlagProbed) {
		if err := c.IdleRestart(ctx, d.Handle); err != nil {
			return errors.Transport("IdleRestart", err)
		}
	}
	d.Log.Info("Engine: idle restart complete")
	return nil
}

// idleShutdown leaves IdleShutdown set until the next power up, so a crash
// reported while idle is treated as teardown.
func (e *Engine) idleShutdown(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	if f.Test(device.FlagRecovering) {
		return errors.Newf(errors.ErrCodeBusy, "IdleShutdown", "%s is recovering", d.Name)
	}
	if f.Test(device.FlagIdleShutdown) {
		return nil
	}
	f.Set(device.FlagIdleShutdown)
	if c := d.Client(); c != nil && f.Test(device.FlagProbed) {
		if err := c.IdleShutdown(ctx, d.Handle); err != nil {
			d.Log.Warn("Engine: client idle shutdown failed", "err", err)
		}
	}
	err := d.Power.PowerOff(ctx)
	d.StopCalibration()
	f.Clear(sessionFlags)
	d.Log.Info("Engine: idle shutdown complete")
	return err
}

func (e *Engine) operational(d *device.Device, op string) error {
	if d.Status() == consts.StatusFirmwareDown {
		return errors.Newf(errors.ErrCodeBusy, op, "%s firmware is down until re-probed", d.Name)
	}
	if d.Flags().Test(device.FlagRecovering) {
		return errors.Newf(errors.ErrCodeBusy, op, "%s is recovering", d.Name)
	}
	return nil
}

// Personal.AI order the ending
