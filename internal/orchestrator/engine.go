// Package orchestrator wires the lifecycle core together: it attaches
// devices, owns their event queues, dispatches events to handlers and
// exposes the operator surface and the transport notifier.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/eventq"
	"github.com/turtacn/Vigil/internal/mlo"
	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/power"
	"github.com/turtacn/Vigil/internal/recovery"
	"github.com/turtacn/Vigil/internal/registry"
	"github.com/turtacn/Vigil/internal/supervisor"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// EventHook observes every finished event on the worker that ran it.
type EventHook func(d *device.Device, ev *eventq.Event)

type Engine struct {
	cfg       *protocol.Config
	backend   transport.Backend
	collector transport.Collector
	reg       *registry.Registry
	groups    *mlo.Coordinator
	recov     *recovery.Orchestrator
	helper    *supervisor.ProcessManager
	log       logger.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool

	// daemonMu serializes helper state changes. DaemonConnected is the one
	// flag written outside the device worker; it is only ever written
	// under this lock.
	daemonMu sync.Mutex
	daemonUp bool

	mode    atomic.Value // consts.DriverMode
	onFatal func(d *device.Device, err error)
	hooks   []EventHook

	pmMu          sync.Mutex
	suspendedFrom map[consts.Handle]consts.PowerState
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCollector sets where crash and trace memory descriptors go.
func WithCollector(c transport.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithFatalHandler is called when a contract violation is detected.
func WithFatalHandler(fn func(d *device.Device, err error)) Option {
	return func(e *Engine) { e.onFatal = fn }
}

// WithEventHook adds an observer of finished events.
func WithEventHook(fn EventHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// NewEngine builds an engine around backend and binds itself as the
// backend's producer. cfg must already carry defaults.
func NewEngine(cfg *protocol.Config, backend transport.Backend, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		backend:       backend,
		reg:           registry.New(cfg.Platform.MaxDevices),
		groups:        mlo.New(cfg.Platform.MaxChipsPerGroup),
		log:           logger.Log.With("component", "engine"),
		ctx:           ctx,
		cancel:        cancel,
		suspendedFrom: make(map[consts.Handle]consts.PowerState),
	}
	mode := consts.DriverMode(cfg.Platform.DriverMode)
	if !mode.Valid() {
		mode = consts.ModeMission
	}
	e.mode.Store(mode)
	for _, opt := range opts {
		opt(e)
	}

	e.recov = recovery.New(recovery.Config{
		MaxAttempts:     cfg.Platform.MaxRecoveryAttempts,
		RecoveryTimeout: cfg.Timeouts.RecoveryTimeout(),
		DumpOnDisabled:  cfg.Dump.OnRecoveryDisabled,
	}, e.groups, e.reg, e, e.collector)
	e.recov.OnFatal(func(d *device.Device, err error) {
		if e.onFatal != nil {
			e.onFatal(d, err)
		}
	})

	backend.Bind(e)
	return e
}

// Start attaches the configured devices, resolves dependencies, sets up
// static groups and launches the helper daemon.
func (e *Engine) Start(ctx context.Context) error {
	e.log.Info("Engine: starting", "devices", len(e.cfg.Devices), "groups", len(e.cfg.Groups), "mode", e.DriverMode())
	if ctx != nil {
		e.stopParent = context.AfterFunc(ctx, e.cancel)
	}

	// 1. Attach
	for _, dc := range e.cfg.Devices {
		if _, err := e.Attach(dc); err != nil {
			return err
		}
	}

	// 2. Root/dependent links
	for _, dc := range e.cfg.Devices {
		if dc.DependsOn == "" {
			continue
		}
		root, err := e.reg.ByName(dc.DependsOn)
		if err != nil {
			return errors.New(errors.ErrCodeConfigInvalid, "Start", "depends_on "+dc.DependsOn, err)
		}
		d, err := e.reg.ByName(dc.Name)
		if err != nil {
			return err
		}
		d.DependsOn = root.Handle
	}

	// 3. Static MLO groups
	for _, gc := range e.cfg.Groups {
		if err := e.ConfigureGroup(gc.ID, gc.MaxChips, gc.Members); err != nil {
			return err
		}
	}

	// 4. Helper daemon
	if len(e.cfg.Platform.HelperDaemon) > 0 {
		e.helper = supervisor.New(e.cfg.Platform.HelperDaemon, nil)
		go e.helper.Supervise(e.ctx, e.setDaemonConnected)
	}
	return nil
}

// Close detaches every device and stops the helper daemon.
func (e *Engine) Close() {
	for _, d := range e.reg.All() {
		if err := e.Detach(d.Handle); err != nil {
			e.log.Warn("Engine: detach failed", "device", d.Name, "err", err)
		}
	}
	e.cancel()
	if e.stopParent != nil {
		e.stopParent()
	}
	if e.helper != nil {
		_ = e.helper.Stop()
	}
	e.log.Info("Engine: stopped")
}

// Attach creates a device, its power machine and its queue, and starts
// the queue worker.
func (e *Engine) Attach(dc protocol.DeviceConfig) (*device.Device, error) {
	d := device.New(device.Config{
		Name:            dc.Name,
		ChipID:          dc.ChipID,
		BusAddress:      dc.BusAddress,
		ServiceID:       dc.ServiceID,
		RecoveryEnabled: dc.Recoverable(),
	})
	h, err := e.reg.Add(d)
	if err != nil {
		return nil, err
	}
	d.Log = logger.Log.With("device", d.Name, "handle", h)
	d.Wake = eventq.NewWakeSource(d.Name)

	t := e.cfg.Timeouts
	d.Power = power.New(d.Target(), e.backend, power.Config{
		BootTimeout:  t.FirmwareBootTimeout(),
		CrashTimeout: t.RecoveryTimeout(),
		DumpTimeout:  t.RddmTimeout(),
		DumpEnabled:  e.cfg.Dump.DumpEnabled() && d.Caps.SupportsDump,
	}, func(reason consts.ResetReason) { e.onTimeout(h, reason) })
	d.Power.Observe(func(_, to consts.PowerState) { monitor.SetPowerState(d.Name, to) })
	monitor.SetPowerState(d.Name, d.Power.State())

	d.Queue = eventq.New(e.handler(d), eventq.Options{
		Name:     d.Name,
		Depth:    e.cfg.Platform.QueueDepth,
		Liveness: d.Wake,
		Logger:   d.Log,
		OnDone: func(ev *eventq.Event, took time.Duration) {
			e.eventDone(d, ev, took)
		},
	})
	d.Queue.Start(e.ctx)
	d.SetStatus(consts.StatusInitialized)
	e.daemonMu.Lock()
	markDaemon(d, e.daemonUp)
	e.daemonMu.Unlock()
	d.Log.Info("Engine: device attached", "family", d.Caps.Family, "chip_id", d.ChipID,
		"bus", d.Caps.Bus, "recovery", d.Caps.Recovery, "recovery_enabled", d.RecoveryEnabled())

	// Chips needing calibration run it once at attach, then wait for a client.
	if d.Caps.ColdBootCal && e.DriverMode() != consts.ModeOff {
		if err := e.Submit(h, consts.EventPowerUp, nil); err != nil {
			d.Log.Warn("Engine: calibration boot not queued", "err", err)
		}
	}
	return d, nil
}

// Detach drains the device's queue before tearing it down.
func (e *Engine) Detach(h consts.Handle) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	d.Queue.Close()
	// Background restarts must not outlive the device.
	d.Halt()
	e.groups.Forget(h)
	if err := d.Power.PowerOff(context.WithoutCancel(e.ctx)); err != nil {
		d.Log.Warn("Engine: power off on detach failed", "err", err)
	}
	if _, err := e.reg.Remove(h); err != nil {
		return err
	}
	d.Close()
	d.CompleteRddmWaiters(errors.Newf(errors.ErrCodeUnknownDevice, "Detach", "%s detached", d.Name))
	e.pmMu.Lock()
	delete(e.suspendedFrom, h)
	e.pmMu.Unlock()
	monitor.Forget(d.Name)
	d.Log.Info("Engine: device detached")
	return nil
}

// Post submits an event to device h. Synchronous modes wait for the
// worker; see eventq.Queue.Post.
func (e *Engine) Post(ctx context.Context, h consts.Handle, kind consts.EventKind, payload any, mode consts.SubmissionMode) (*eventq.Event, error) {
	d, err := e.reg.Get(h)
	if err != nil {
		return nil, err
	}
	ev, err := d.Queue.Post(ctx, kind, payload, mode)
	monitor.QueueDepth.WithLabelValues(d.Name).Set(float64(d.Queue.Len()))
	return ev, err
}

// Submit is a fire-and-forget Post. It never blocks.
func (e *Engine) Submit(h consts.Handle, kind consts.EventKind, payload any) error {
	_, err := e.Post(e.ctx, h, kind, payload, consts.FireAndForget)
	return err
}

func (e *Engine) eventDone(d *device.Device, ev *eventq.Event, took time.Duration) {
	monitor.EventsTotal.WithLabelValues(d.Name, string(ev.Kind), strconv.Itoa(ev.Result())).Inc()
	monitor.QueueDepth.WithLabelValues(d.Name).Set(float64(d.Queue.Len()))
	d.Log.Debug("Engine: event done", "event", ev.Kind, "seq", ev.Seq, "result", ev.Result(), "took", took)

	f := d.Flags()
	if f.Test(device.FlagLoading | device.FlagUnloading) {
		d.Log.Error("Engine: loading and unloading both set", "event", ev.Kind, "flags", f.Load().String())
	}
	if f.Test(device.FlagRecovering) && f.Any(device.FlagUnloading|device.FlagIdleShutdown) {
		d.Log.Error("Engine: recovering while tearing down", "event", ev.Kind, "flags", f.Load().String())
	}
	for _, hook := range e.hooks {
		hook(d, ev)
	}
}

// onTimeout turns an expired power machine wait into a Recovery event.
// A running recovery owns its own retries.
func (e *Engine) onTimeout(h consts.Handle, reason consts.ResetReason) {
	d, err := e.reg.Get(h)
	if err != nil {
		return
	}
	if d.Flags().Test(device.FlagRecovering) {
		d.Log.Debug("Engine: timeout during recovery left to the orchestrator", "reason", reason)
		return
	}
	if err := e.Submit(h, consts.EventRecovery, recovery.Request{Reason: reason}); err != nil {
		d.Log.Error("Engine: timeout recovery not queued", "err", err)
	}
}

func (e *Engine) setDaemonConnected(up bool) {
	e.daemonMu.Lock()
	defer e.daemonMu.Unlock()
	e.daemonUp = up
	for _, d := range e.reg.All() {
		markDaemon(d, up)
	}
	e.log.Info("Engine: helper daemon state", "connected", up)
}

func markDaemon(d *device.Device, up bool) {
	if up {
		d.Flags().Set(device.FlagDaemonConnected)
	} else {
		d.Flags().Clear(device.FlagDaemonConnected)
	}
}

// Personal.AI order the ending
