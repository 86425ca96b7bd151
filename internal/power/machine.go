package power

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/fsm"
	"github.com/turtacn/Vigil/pkg/logger"
)

const (
	evPowerOn       fsm.Event = "power_on"
	evHandshake     fsm.Event = "handshake"
	evMissionMode   fsm.Event = "mission_mode"
	evSuspend       fsm.Event = "suspend"
	evResume        fsm.Event = "resume"
	evResumePowered fsm.Event = "resume_powered"
	evCrash         fsm.Event = "crash"
	evDumpStart     fsm.Event = "dump_start"
	evDumpDone      fsm.Event = "dump_done"
	evDumpAbort     fsm.Event = "dump_abort"
	evPowerOff      fsm.Event = "power_off"
)

func st(s consts.PowerState) fsm.State { return fsm.State(s) }

// Config bounds every wait of the machine.
type Config struct {
	BootTimeout  time.Duration // Initializing -> MissionMode
	CrashTimeout time.Duration // CrashDetected left unattended
	DumpTimeout  time.Duration
	DumpEnabled  bool
}

// TimeoutFunc is called, without locks held, when a bounded wait expires.
type TimeoutFunc func(reason consts.ResetReason)

// Machine drives one device's firmware through power-on, mission mode,
// suspend and the crash to dump-collected pipeline.
type Machine struct {
	target    transport.Target
	bus       transport.Bus
	cfg       Config
	log       logger.Logger
	fsm       *fsm.StateMachine
	onTimeout TimeoutFunc

	mu            sync.Mutex
	transitioning bool
	bootWait      chan error
	bootTimer     *time.Timer
	crashTimer    *time.Timer
	crashReason   consts.ResetReason
	crashTime     time.Time
	segments      []transport.Segment

	dumpInFlight atomic.Bool
	dumpValid    atomic.Bool
	dumped       atomic.Bool
}

// New builds a machine in the Off state.
func New(target transport.Target, bus transport.Bus, cfg Config, onTimeout TimeoutFunc) *Machine {
	m := &Machine{
		target:    target,
		bus:       bus,
		cfg:       cfg,
		log:       logger.Log.With("device", target.Name, "component", "power"),
		fsm:       fsm.New(st(consts.PowerOff)),
		onTimeout: onTimeout,
	}
	m.setupFSM()
	return m
}

func (m *Machine) setupFSM() {
	m.fsm.AddTransition(st(consts.PowerOff), st(consts.PowerInitializing), evPowerOn, nil)
	m.fsm.AddTransition(st(consts.PowerInitializing), st(consts.PowerOn), evHandshake, nil)
	m.fsm.AddTransition(st(consts.PowerOn), st(consts.PowerMissionMode), evMissionMode, nil)

	m.fsm.AddTransition(st(consts.PowerOn), st(consts.PowerSuspended), evSuspend, nil)
	m.fsm.AddTransition(st(consts.PowerMissionMode), st(consts.PowerSuspended), evSuspend, nil)
	m.fsm.AddTransition(st(consts.PowerSuspended), st(consts.PowerMissionMode), evResume, nil)
	m.fsm.AddTransition(st(consts.PowerSuspended), st(consts.PowerOn), evResumePowered, nil)

	// Crash pipeline
	m.fsm.AddTransition(fsm.Any, st(consts.PowerCrashDetected), evCrash, nil)
	m.fsm.AddTransition(st(consts.PowerCrashDetected), st(consts.PowerDumpCollecting), evDumpStart, nil)
	m.fsm.AddTransition(st(consts.PowerDumpCollecting), st(consts.PowerDumpCollected), evDumpDone, nil)
	m.fsm.AddTransition(st(consts.PowerDumpCollecting), st(consts.PowerCrashDetected), evDumpAbort, nil)

	m.fsm.AddTransition(fsm.Any, st(consts.PowerOff), evPowerOff, nil)
}

// Observe forwards every committed transition to fn.
func (m *Machine) Observe(fn func(from, to consts.PowerState)) {
	m.fsm.Observe(func(from, to fsm.State, _ fsm.Event) {
		fn(consts.PowerState(from), consts.PowerState(to))
	})
}

func (m *Machine) State() consts.PowerState { return consts.PowerState(m.fsm.Current()) }

func (m *Machine) Target() transport.Target { return m.target }

// InCrash reports whether the machine is anywhere in the crash pipeline.
func (m *Machine) InCrash() bool {
	return m.fsm.Is(st(consts.PowerCrashDetected), st(consts.PowerDumpCollecting), st(consts.PowerDumpCollected))
}

// Running reports whether firmware is up (handshake done or mission mode).
func (m *Machine) Running() bool {
	return m.fsm.Is(st(consts.PowerOn), st(consts.PowerMissionMode))
}

// PowerOn runs Off -> Initializing -> PoweredOn -> MissionMode and returns
// once mission mode is reached, the boot deadline expires, or a crash is
// reported meanwhile. A machine already running returns nil.
func (m *Machine) PowerOn(ctx context.Context) error {
	m.mu.Lock()
	if m.transitioning {
		m.mu.Unlock()
		return errors.Newf(errors.ErrCodeBusy, "PowerOn", "%s is mid-transition", m.target.Name)
	}
	if m.Running() {
		m.mu.Unlock()
		return nil
	}
	if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerOff)}, evPowerOn); err != nil {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidTransition, "PowerOn", m.target.Name+" is not off", err)
	}
	m.transitioning = true
	wait := make(chan error, 1)
	m.bootWait = wait
	m.dumped.Store(false)
	m.bootTimer = time.AfterFunc(m.cfg.BootTimeout, m.bootExpired)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.transitioning = false
		m.mu.Unlock()
	}()

	m.log.Info("Power: bringing up firmware", "boot_timeout", m.cfg.BootTimeout)
	if err := m.bus.PowerUp(ctx, m.target); err != nil {
		m.mu.Lock()
		m.stopBootLocked()
		m.mu.Unlock()
		_, _ = m.fsm.FireIf([]fsm.State{st(consts.PowerInitializing)}, evPowerOff)
		m.log.Error("Power: bus power up failed", "err", err)
		return errors.Transport("PowerUp", err)
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		m.stopBootLocked()
		m.mu.Unlock()
		return errors.New(errors.ErrCodeInterrupted, "PowerOn", "wait for mission mode cancelled", ctx.Err())
	}
}

// stopBootLocked disarms the boot timer and drops the boot waiter.
func (m *Machine) stopBootLocked() {
	if m.bootTimer != nil {
		m.bootTimer.Stop()
		m.bootTimer = nil
	}
	m.bootWait = nil
}

func (m *Machine) finishBootLocked(err error) {
	if m.bootWait != nil {
		m.bootWait <- err
	}
	m.stopBootLocked()
}

func (m *Machine) bootExpired() {
	m.mu.Lock()
	if m.bootWait == nil || !m.fsm.Is(st(consts.PowerInitializing), st(consts.PowerOn)) {
		m.mu.Unlock()
		return
	}
	m.log.Error("Power: firmware boot timed out", "state", m.State())
	m.crashLocked(consts.ReasonTimeout, errors.Newf(errors.ErrCodeTimeout, "PowerOn", "%s did not reach mission mode within %s", m.target.Name, m.cfg.BootTimeout))
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout(consts.ReasonTimeout)
	}
}

// HandleStatus applies an execution-environment report from the transport.
func (m *Machine) HandleStatus(s transport.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s {
	case transport.StatusHandshake:
		if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerInitializing)}, evHandshake); err != nil {
			m.log.Debug("Power: ignoring handshake", "state", m.State())
		}
	case transport.StatusMissionMode:
		if m.fsm.Is(st(consts.PowerInitializing)) {
			_ = m.fsm.Fire(evHandshake)
		}
		if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerOn)}, evMissionMode); err != nil {
			m.log.Debug("Power: ignoring mission mode", "state", m.State())
			return
		}
		m.log.Info("Power: firmware reached mission mode")
		m.finishBootLocked(nil)
	}
}

// Crash moves the machine to CrashDetected and records reason. It returns
// false when a crash is already being handled.
func (m *Machine) Crash(reason consts.ResetReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashLocked(reason, errors.Newf(errors.ErrCodeTransportFailure, "PowerOn", "firmware crashed during boot: %s", reason))
}

// crashLocked commits the crash before waking a pending PowerOn with bootErr.
func (m *Machine) crashLocked(reason consts.ResetReason, bootErr error) bool {
	if m.InCrash() {
		return false
	}
	if err := m.fsm.Fire(evCrash); err != nil {
		return false
	}
	m.crashReason = reason
	m.crashTime = time.Now()
	m.dumped.Store(false)
	m.log.Warn("Power: crash detected", "reason", reason)

	m.finishBootLocked(bootErr)
	if m.crashTimer != nil {
		m.crashTimer.Stop()
	}
	m.crashTimer = time.AfterFunc(m.cfg.CrashTimeout, m.crashExpired)
	return true
}

func (m *Machine) crashExpired() {
	if !m.fsm.Is(st(consts.PowerCrashDetected)) || m.dumpInFlight.Load() {
		return
	}
	m.log.Error("Power: crash left unhandled", "timeout", m.cfg.CrashTimeout)
	if m.onTimeout != nil {
		m.onTimeout(consts.ReasonTimeout)
	}
}

func (m *Machine) stopCrashTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crashTimer != nil {
		m.crashTimer.Stop()
		m.crashTimer = nil
	}
}

// ErrDumpSkipped is returned by CollectDump when collection is disabled.
var ErrDumpSkipped = stderrors.New("dump collection disabled")

// CollectDump runs CrashDetected -> DumpCollecting -> DumpCollected.
// Only one collection may be in flight. A failed transfer returns the
// machine to CrashDetected; either way the dump phase of the current crash
// is considered finished.
func (m *Machine) CollectDump(ctx context.Context, inPanic bool) ([]transport.Segment, error) {
	if !m.cfg.DumpEnabled {
		m.dumped.Store(true)
		return nil, ErrDumpSkipped
	}
	if m.State() == consts.PowerDumpCollected {
		return m.Segments(), nil
	}
	if !m.dumpInFlight.CompareAndSwap(false, true) {
		return nil, errors.Newf(errors.ErrCodeBusy, "CollectDump", "dump already in progress on %s", m.target.Name)
	}
	defer m.dumpInFlight.Store(false)

	if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerCrashDetected)}, evDumpStart); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidTransition, "CollectDump", "no crash recorded", err)
	}
	m.stopCrashTimer()
	m.dumpValid.Store(false)

	if err := m.bus.CheckLinkStatus(ctx, m.target); err != nil {
		_ = m.fsm.Fire(evDumpAbort)
		m.dumped.Store(true)
		m.log.Warn("Power: link down, skipping dump", "err", err)
		return nil, errors.Transport("CheckLinkStatus", err)
	}

	m.log.Info("Power: collecting crash dump", "in_panic", inPanic)
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DumpTimeout)
	defer cancel()
	segs, err := m.bus.CollectDump(dctx, m.target, inPanic)
	if err != nil {
		_ = m.fsm.Fire(evDumpAbort)
		m.dumped.Store(true)
		if dctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeTimeout, "CollectDump", "dump transfer timed out", err)
		}
		return nil, errors.Transport("CollectDump", err)
	}

	m.mu.Lock()
	m.segments = segs
	m.mu.Unlock()
	_ = m.fsm.Fire(evDumpDone)
	m.dumpValid.Store(true)
	m.dumped.Store(true)
	m.log.Info("Power: crash dump collected", "segments", len(segs))
	return segs, nil
}

// SkipDump finishes the dump phase of the current crash without collecting.
func (m *Machine) SkipDump() {
	m.stopCrashTimer()
	m.dumped.Store(true)
}

// PowerOff brings the device to Off from any state. The dump-valid marker
// survives so a later recovery path can still upload it.
func (m *Machine) PowerOff(ctx context.Context) error {
	m.mu.Lock()
	m.finishBootLocked(errors.Newf(errors.ErrCodeInterrupted, "PowerOn", "%s powered off during boot", m.target.Name))
	if m.crashTimer != nil {
		m.crashTimer.Stop()
		m.crashTimer = nil
	}
	m.mu.Unlock()

	if m.State() == consts.PowerOff {
		return nil
	}
	if err := m.bus.CheckLinkStatus(ctx, m.target); err != nil {
		m.log.Warn("Power: link check failed before power down", "err", err)
	}
	err := m.bus.PowerDown(ctx, m.target)
	_ = m.fsm.Fire(evPowerOff)
	if err != nil {
		m.log.Error("Power: bus power down failed", "err", err)
		return errors.Transport("PowerDown", err)
	}
	m.log.Info("Power: firmware powered off")
	return nil
}

// Suspend is allowed from PoweredOn or MissionMode only.
func (m *Machine) Suspend() error {
	if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerOn), st(consts.PowerMissionMode)}, evSuspend); err != nil {
		return errors.New(errors.ErrCodeBusy, "Suspend", "device not in a suspendable state", err)
	}
	return nil
}

func (m *Machine) Resume(toMission bool) error {
	ev := evResumePowered
	if toMission {
		ev = evResume
	}
	if _, err := m.fsm.FireIf([]fsm.State{st(consts.PowerSuspended)}, ev); err != nil {
		return errors.New(errors.ErrCodeInvalidTransition, "Resume", "device not suspended", err)
	}
	return nil
}

// DumpValid reports whether a collected dump is available for upload.
func (m *Machine) DumpValid() bool { return m.dumpValid.Load() }

// Dumped reports whether the dump phase of the current crash episode has
// finished. It is cleared only by a new crash or a new power-on.
func (m *Machine) Dumped() bool { return m.dumped.Load() }

func (m *Machine) Segments() []transport.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Segment(nil), m.segments...)
}

// CrashInfo returns the last recorded crash reason and time.
func (m *Machine) CrashInfo() (consts.ResetReason, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashReason, m.crashTime
}

// Release drops the dump and disarms timers; used when the device detaches.
func (m *Machine) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopBootLocked()
	if m.crashTimer != nil {
		m.crashTimer.Stop()
		m.crashTimer = nil
	}
	m.segments = nil
	m.dumpValid.Store(false)
}

// Personal.AI order the ending
