// Package recovery decides and runs the recovery of a crashed device:
// self-recovery for legacy parts, firmware-down when recovery is disabled,
// and otherwise a dump-then-restart sequence that waits on MLO siblings
// for dump-class crashes.
package recovery

import (
	"context"
	stderrors "errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/mlo"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/power"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
)

// Phase distinguishes a fresh recovery request from its continuations.
type Phase int

const (
	PhaseRequest Phase = iota
	// PhaseResume continues a restart deferred at the group barrier.
	PhaseResume
	// PhaseFinish reports the result of a background restart.
	PhaseFinish
)

// Request is the payload of a Recovery event.
type Request struct {
	Reason consts.ResetReason
	Phase  Phase
	// Force marks a resume sent by the deferral timer rather than by the
	// sibling that completed the barrier.
	Force bool
	Err   error
}

// Poster feeds continuations back into a device's own queue.
type Poster interface {
	Submit(h consts.Handle, kind consts.EventKind, payload any) error
}

// Dependents resolves the devices whose firmware domain a root device hosts.
type Dependents interface {
	Dependents(h consts.Handle) []*device.Device
}

type Config struct {
	MaxAttempts     int
	RecoveryTimeout time.Duration // Bound on waiting at the group barrier
	DumpOnDisabled  bool
}

// Orchestrator runs on the worker of the device it is recovering. Only
// background restarts of asynchronous devices leave the worker, and they
// report back through PhaseFinish so flags stay worker-owned.
type Orchestrator struct {
	cfg       Config
	groups    *mlo.Coordinator
	deps      Dependents
	poster    Poster
	collector transport.Collector
	log       logger.Logger
	onFatal   func(d *device.Device, err error)
}

func New(cfg Config, groups *mlo.Coordinator, deps Dependents, poster Poster, collector transport.Collector) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = consts.DefaultMaxRecoveryAttempts
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = consts.DefaultRecoveryTimeout
	}
	return &Orchestrator{
		cfg:       cfg,
		groups:    groups,
		deps:      deps,
		poster:    poster,
		collector: collector,
		log:       logger.Log.With("component", "recovery"),
	}
}

// OnFatal installs a hook called when recovery is requested during teardown.
func (o *Orchestrator) OnFatal(fn func(d *device.Device, err error)) {
	o.onFatal = fn
}

// Handle processes one Recovery event for d.
func (o *Orchestrator) Handle(ctx context.Context, d *device.Device, req Request) error {
	switch req.Phase {
	case PhaseResume:
		return o.resume(ctx, d, req.Force)
	case PhaseFinish:
		return o.finish(ctx, d, req.Err)
	}
	return o.request(ctx, d, req.Reason)
}

func (o *Orchestrator) request(ctx context.Context, d *device.Device, reason consts.ResetReason) error {
	f := d.Flags()
	if f.Any(device.FlagUnloading | device.FlagIdleShutdown) {
		err := errors.Newf(errors.ErrCodeFatal, "Recovery", "%s: recovery requested while tearing down (%s)", d.Name, f.Load())
		d.Log.Error("Recovery: requested during teardown", "fatal", true, "reason", reason, "flags", f.Load().String())
		if o.onFatal != nil {
			o.onFatal(d, err)
		}
		return err
	}
	if f.Test(device.FlagRecovering) {
		d.Log.Info("Recovery: already in progress", "reason", reason)
		return errors.Newf(errors.ErrCodeBusy, "Recovery", "%s is already recovering", d.Name)
	}
	if d.Status() == consts.StatusFirmwareDown {
		d.Log.Debug("Recovery: firmware is down, ignoring", "reason", reason)
		return errors.Newf(errors.ErrCodeBusy, "Recovery", "%s firmware is down", d.Name)
	}

	kind := consts.CrashSubordinatePD
	if len(o.deps.Dependents(d.Handle)) > 0 {
		kind = consts.CrashRootPD
	}
	d.RecordCrash(reason, kind)

	if d.Caps.SelfRecovery {
		return o.selfRecover(ctx, d, reason)
	}
	if !d.RecoveryEnabled() {
		return o.firmwareDown(ctx, d, reason)
	}

	o.begin(d, reason)
	return o.dispatch(ctx, d, func(ctx context.Context) (bool, error) {
		return o.advance(ctx, d, reason)
	})
}

func (o *Orchestrator) begin(d *device.Device, reason consts.ResetReason) {
	f := d.Flags()
	f.Set(device.FlagRecovering)
	f.Clear(device.FlagFirmwareReady | device.FlagFirmwareMemoryReady | device.FlagQmiConnected | device.FlagColdBootCalibrating)
	if !d.EverReady() {
		f.Set(device.FlagFirmwareBootRecovery)
	}
	d.StopCalibration()
	d.EnterRecovery()
	d.Power.Crash(reason)
	monitor.RecoveriesTotal.WithLabelValues(d.Name, string(reason)).Inc()

	_, kind := d.Crash()
	d.Log.Warn("Recovery: started", "reason", reason, "crash_kind", kind, "mode", d.Caps.Recovery,
		"boot_recovery", f.Test(device.FlagFirmwareBootRecovery), "count", d.Recoveries())
}

func (o *Orchestrator) selfRecover(ctx context.Context, d *device.Device, reason consts.ResetReason) error {
	o.begin(d, reason)
	d.Power.SkipDump()
	return o.finish(ctx, d, o.run(ctx, d))
}

func (o *Orchestrator) firmwareDown(ctx context.Context, d *device.Device, reason consts.ResetReason) error {
	d.Log.Warn("Recovery: disabled, marking firmware down", "reason", reason)
	d.Power.Crash(reason)
	if o.cfg.DumpOnDisabled {
		o.collect(ctx, d, false)
	} else {
		d.Power.SkipDump()
	}
	d.Flags().Clear(device.FlagFirmwareReady | device.FlagFirmwareMemoryReady | device.FlagQmiConnected)
	d.ClearCrash()
	d.MarkFirmwareDown()
	d.CompleteRddmWaiters(nil)
	return nil
}

// dispatch runs step synchronously on the worker, or in the background for
// asynchronous devices. step reports whether the restart ran; a deferred
// restart finishes later through PhaseResume.
func (o *Orchestrator) dispatch(ctx context.Context, d *device.Device, step func(context.Context) (bool, error)) error {
	if d.Caps.Recovery != consts.RecoveryAsynchronous {
		ran, err := step(ctx)
		if !ran {
			return nil
		}
		return o.finish(ctx, d, err)
	}

	h := d.Handle
	started := d.Go(ctx, func(ctx context.Context) {
		ran, err := step(ctx)
		if !ran {
			return
		}
		if ctx.Err() != nil {
			d.Log.Info("Recovery: background restart abandoned", "err", err)
			return
		}
		if perr := o.poster.Submit(h, consts.EventRecovery, Request{Phase: PhaseFinish, Err: err}); perr != nil {
			d.Log.Error("Recovery: could not report background restart", "err", perr, "restart_err", err)
		}
	})
	if !started {
		return errors.Newf(errors.ErrCodeUnknownDevice, "Recovery", "%s is detaching", d.Name)
	}
	return nil
}

// advance collects the dump, waits at the group barrier for dump-class
// crashes, and restarts.
func (o *Orchestrator) advance(ctx context.Context, d *device.Device, reason consts.ResetReason) (bool, error) {
	o.collect(ctx, d, false)

	gid := d.Group()
	if gid != device.NoGroup && reason.DumpClass() && d.Caps.SupportsMLO {
		// The timer is armed before the device is marked deferred, so
		// whoever claims the deferral also finds the timer to stop.
		o.armDeferral(d)
		d.SetDeferred(true)
		if !o.groups.AllMembersDumped(gid) {
			d.Log.Info("Recovery: waiting for group members to finish dumping", "group", gid, "timeout", o.cfg.RecoveryTimeout)
			return false, nil
		}
		if !d.ClaimDeferred() {
			return false, nil
		}
		d.StopDeferral()
		o.releaseSiblings(d, gid)
	}
	return true, o.run(ctx, d)
}

func (o *Orchestrator) armDeferral(d *device.Device) {
	h := d.Handle
	d.ArmDeferral(o.cfg.RecoveryTimeout, func() {
		if err := o.poster.Submit(h, consts.EventRecovery, Request{Phase: PhaseResume, Force: true}); err != nil {
			d.Log.Error("Recovery: deferral expiry not delivered", "err", err)
		}
	})
}

// releaseSiblings resumes group members deferred at the barrier.
func (o *Orchestrator) releaseSiblings(d *device.Device, gid int) {
	for _, s := range o.groups.Siblings(d.Handle) {
		if !s.Deferred() {
			continue
		}
		d.Log.Info("Recovery: group barrier passed, releasing sibling", "group", gid, "sibling", s.Name)
		if err := o.poster.Submit(s.Handle, consts.EventRecovery, Request{Phase: PhaseResume}); err != nil {
			d.Log.Error("Recovery: release not delivered", "sibling", s.Name, "err", err)
		}
	}
}

func (o *Orchestrator) resume(ctx context.Context, d *device.Device, force bool) error {
	if !d.Flags().Test(device.FlagRecovering) || !d.ClaimDeferred() {
		return nil
	}
	d.StopDeferral()
	if force {
		d.Log.Warn("Recovery: group barrier timed out, restarting alone", "group", d.Group())
	}
	return o.dispatch(ctx, d, func(ctx context.Context) (bool, error) {
		return true, o.run(ctx, d)
	})
}

func (o *Orchestrator) collect(ctx context.Context, d *device.Device, inPanic bool) {
	if !d.Caps.SupportsDump {
		d.Power.SkipDump()
		return
	}
	segs, err := d.Power.CollectDump(ctx, inPanic)
	outcome := "collected"
	switch {
	case stderrors.Is(err, power.ErrDumpSkipped):
		outcome = "skipped"
	case err != nil:
		outcome = "failed"
		d.Log.Warn("Recovery: dump collection failed", "err", err)
	case o.collector != nil:
		if cerr := o.collector.Collect(ctx, d.Target(), "ramdump", segs); cerr != nil {
			d.Log.Error("Recovery: dump collector failed", "err", cerr)
		}
	}
	monitor.DumpCollections.WithLabelValues(d.Name, outcome).Inc()
}

// run is the restart sequence: quiesce the client, stop the device, stop
// and dump dependents of a root crash, start dependents, start the device.
func (o *Orchestrator) run(ctx context.Context, d *device.Device) error {
	f := d.Flags()
	boot := f.Test(device.FlagFirmwareBootRecovery)
	if c := d.Client(); c != nil && !boot && f.Test(device.FlagProbed) {
		if err := c.Shutdown(ctx, d.Handle); err != nil {
			d.Log.Warn("Recovery: client shutdown failed", "err", err)
		}
	}
	if err := d.Power.PowerOff(ctx); err != nil {
		d.Log.Warn("Recovery: power off failed", "err", err)
	}

	reason, kind := d.Crash()
	if kind == consts.CrashRootPD {
		deps := o.deps.Dependents(d.Handle)
		if err := o.stopDependents(ctx, deps, reason); err != nil {
			d.Log.Warn("Recovery: stopping dependents failed", "err", err)
		}
		o.startDependents(ctx, deps)
	}
	return o.powerUp(ctx, d)
}

func (o *Orchestrator) stopDependents(ctx context.Context, deps []*device.Device, reason consts.ResetReason) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			dep.Power.Crash(reason)
			if c := dep.Client(); c != nil && dep.Flags().Test(device.FlagProbed) {
				if err := c.Shutdown(gctx, dep.Handle); err != nil {
					dep.Log.Warn("Recovery: dependent client shutdown failed", "err", err)
				}
			}
			o.collect(gctx, dep, false)
			return dep.Power.PowerOff(gctx)
		})
	}
	return g.Wait()
}

// startDependents brings dependents back. A dependent that fails to start
// gets its own recovery request.
func (o *Orchestrator) startDependents(ctx context.Context, deps []*device.Device) {
	var g errgroup.Group
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dep.CountRecovery()
			if err := dep.Power.PowerOn(ctx); err != nil {
				dep.Log.Error("Recovery: dependent restart failed", "err", err)
				if perr := o.poster.Submit(dep.Handle, consts.EventRecovery, Request{Reason: consts.ReasonDefault}); perr != nil {
					dep.Log.Error("Recovery: dependent recovery not queued", "err", perr)
				}
				return err
			}
			if c := dep.Client(); c != nil && dep.Flags().Test(device.FlagProbed) {
				if err := c.Reinit(ctx, dep.Handle); err != nil {
					dep.Log.Warn("Recovery: dependent client reinit failed", "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) powerUp(ctx context.Context, d *device.Device) error {
	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.New(errors.ErrCodeInterrupted, "Recovery", d.Name+" restart cancelled", cerr)
		}
		if err = d.Power.PowerOn(ctx); err == nil {
			return nil
		}
		d.Log.Warn("Recovery: restart attempt failed", "attempt", attempt, "max", o.cfg.MaxAttempts, "err", err)
		if perr := d.Power.PowerOff(ctx); perr != nil {
			d.Log.Debug("Recovery: power off after failed attempt", "err", perr)
		}
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, d *device.Device, err error) error {
	f := d.Flags()
	if !f.Test(device.FlagRecovering) {
		return nil
	}
	d.StopDeferral()
	d.SetDeferred(false)
	f.Clear(device.FlagRecovering | device.FlagFirmwareBootRecovery)
	d.ClearCrash()

	took := d.LeaveRecovery(err == nil)
	if err != nil {
		monitor.RecoveryDuration.WithLabelValues(d.Name, "failed").Observe(took.Seconds())
		d.Log.Error("Recovery: failed, firmware down", "err", err, "took", took)
		d.CompleteRddmWaiters(err)
		return errors.Transport("Recovery", err)
	}
	monitor.RecoveryDuration.WithLabelValues(d.Name, "ok").Observe(took.Seconds())
	// Fresh firmware has lost any link remap.
	if d.Group() != device.NoGroup {
		if rerr := o.groups.SetRemapApplied(d.Handle, false); rerr != nil {
			d.Log.Debug("Recovery: remap state not reset", "err", rerr)
		}
	}

	switch c := d.Client(); {
	case c == nil:
		f.Set(device.FlagWaitingForDriverAfterRecovery)
	case f.Test(device.FlagProbed):
		if rerr := c.Reinit(ctx, d.Handle); rerr != nil {
			d.Log.Error("Recovery: client reinit failed", "err", rerr)
		}
	}
	d.CompleteRddmWaiters(nil)
	d.Log.Info("Recovery: complete", "took", took, "count", d.Recoveries())
	return nil
}

// Personal.AI order the ending
