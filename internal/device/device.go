// Package device holds the per-SoC state: identity, flags, the coarse
// status and the bookkeeping recovery needs. Flags and status are mutated
// by the device's queue worker; everything here is safe to read from any
// goroutine.
package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/internal/eventq"
	"github.com/turtacn/Vigil/internal/power"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/logger"
)

// NoGroup is the group id of a device outside any MLO group.
const NoGroup = -1

// Client is the WLAN host driver bound to a device.
type Client interface {
	Probe(ctx context.Context, h consts.Handle) error
	Remove(ctx context.Context, h consts.Handle) error
	// Shutdown quiesces the driver before a recovery power cycle.
	Shutdown(ctx context.Context, h consts.Handle) error
	// Reinit brings the driver back after recovery.
	Reinit(ctx context.Context, h consts.Handle) error
	IdleRestart(ctx context.Context, h consts.Handle) error
	IdleShutdown(ctx context.Context, h consts.Handle) error
}

// Config is the identity a device is attached with.
type Config struct {
	Name            string
	ChipID          uint32
	BusAddress      string
	ServiceID       int
	RecoveryEnabled bool
}

type Device struct {
	Handle     consts.Handle
	Name       string
	ChipID     uint32
	BusAddress string
	ServiceID  int
	Caps       Capability
	DependsOn  consts.Handle // Root device sharing the firmware domain, 0 if none

	Power *power.Machine
	Queue *eventq.Queue
	Wake  *eventq.WakeSource
	Log   logger.Logger

	flags           Flags
	recoveryEnabled atomic.Bool
	recoveries      atomic.Int64
	group           atomic.Int32
	everReady       atomic.Bool
	deferred        atomic.Bool

	mu            sync.Mutex
	status        consts.DeviceStatus
	resumeStatus  consts.DeviceStatus
	crashKind     consts.CrashKind
	crashReason   consts.ResetReason
	recoveryStart time.Time
	idle          chan struct{}
	client        Client
	rddmWaiters   []chan error
	deferTimer    *time.Timer
	calTimer      *time.Timer
	trace         []transport.Segment

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	halted bool
	life   context.Context
	halt   context.CancelFunc
}

func New(cfg Config) *Device {
	caps, _ := LookupCapability(cfg.ChipID)
	d := &Device{
		Name:       cfg.Name,
		ChipID:     cfg.ChipID,
		BusAddress: cfg.BusAddress,
		ServiceID:  cfg.ServiceID,
		Caps:       caps,
		Log:        logger.Log.With("device", cfg.Name),
		status:     consts.StatusUninitialized,
		idle:       make(chan struct{}),
	}
	close(d.idle)
	d.life, d.halt = context.WithCancel(context.Background())
	d.group.Store(NoGroup)
	d.recoveryEnabled.Store(cfg.RecoveryEnabled)
	return d
}

// Target is the transport identity of the device.
func (d *Device) Target() transport.Target {
	return transport.Target{
		Handle:     d.Handle,
		Name:       d.Name,
		ChipID:     d.ChipID,
		BusAddress: d.BusAddress,
		Bus:        d.Caps.Bus,
	}
}

func (d *Device) Flags() *Flags { return &d.flags }

func (d *Device) Status() consts.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) SetStatus(s consts.DeviceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != s {
		d.Log.Debug("Device: status change", "from", d.status, "to", s)
	}
	d.status = s
}

// EnterRecovery moves the status to Recovery, remembering the operational
// status to return to, and counts the attempt.
func (d *Device) EnterRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != consts.StatusRecovery {
		d.resumeStatus = d.status
	}
	d.status = consts.StatusRecovery
	d.recoveryStart = time.Now()
	d.idle = make(chan struct{})
	d.recoveries.Add(1)
}

// LeaveRecovery ends the recovery episode and returns its duration. On
// success the pre-crash status is restored, otherwise the device is marked
// FirmwareDown.
func (d *Device) LeaveRecovery(ok bool) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !ok:
		d.status = consts.StatusFirmwareDown
	case d.resumeStatus == consts.StatusLoadUnload:
		d.status = consts.StatusLoadUnload
	default:
		d.status = consts.StatusInitialized
	}
	d.closeIdleLocked()
	return time.Since(d.recoveryStart)
}

// MarkFirmwareDown parks the device until it is re-probed.
func (d *Device) MarkFirmwareDown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = consts.StatusFirmwareDown
	d.closeIdleLocked()
}

func (d *Device) closeIdleLocked() {
	select {
	case <-d.idle:
	default:
		close(d.idle)
	}
}

// RecoveryIdle is closed whenever no recovery episode is open.
func (d *Device) RecoveryIdle() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *Device) RecordCrash(reason consts.ResetReason, kind consts.CrashKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crashReason = reason
	d.crashKind = kind
}

func (d *Device) ClearCrash() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crashKind = consts.CrashNone
}

func (d *Device) Crash() (consts.ResetReason, consts.CrashKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashReason, d.crashKind
}

func (d *Device) RecoveryEnabled() bool      { return d.recoveryEnabled.Load() }
func (d *Device) SetRecoveryEnabled(on bool) { d.recoveryEnabled.Store(on) }

// Recoveries counts recovery episodes since attach.
func (d *Device) Recoveries() int64 { return d.recoveries.Load() }

// CountRecovery is used for dependents restarted as part of a root crash.
func (d *Device) CountRecovery() { d.recoveries.Add(1) }

func (d *Device) Group() int         { return int(d.group.Load()) }
func (d *Device) SetGroup(id int)    { d.group.Store(int32(id)) }
func (d *Device) EverReady() bool    { return d.everReady.Load() }
func (d *Device) MarkReady()         { d.everReady.Store(true) }
func (d *Device) Deferred() bool     { return d.deferred.Load() }
func (d *Device) SetDeferred(b bool) { d.deferred.Store(b) }

// ClaimDeferred ends a deferral exactly once; only the caller that gets
// true may continue the restart.
func (d *Device) ClaimDeferred() bool { return d.deferred.CompareAndSwap(true, false) }

// ArmDeferral schedules fn unless the deferral is stopped first.
func (d *Device) ArmDeferral(after time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deferTimer != nil {
		d.deferTimer.Stop()
	}
	d.deferTimer = time.AfterFunc(after, fn)
}

// DeferralArmed reports whether a deferral timer is pending.
func (d *Device) DeferralArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deferTimer != nil
}

func (d *Device) StopDeferral() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deferTimer != nil {
		d.deferTimer.Stop()
		d.deferTimer = nil
	}
}

// ArmCalibration bounds a cold boot calibration pass.
func (d *Device) ArmCalibration(after time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calTimer != nil {
		d.calTimer.Stop()
	}
	d.calTimer = time.AfterFunc(after, fn)
}

func (d *Device) StopCalibration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calTimer != nil {
		d.calTimer.Stop()
		d.calTimer = nil
	}
}

func (d *Device) Client() Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *Device) SetClient(c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.client = c
}

// AddRddmWaiter registers a waiter completed when the next recovery
// episode ends.
func (d *Device) AddRddmWaiter() <-chan error {
	ch := make(chan error, 1)
	d.mu.Lock()
	d.rddmWaiters = append(d.rddmWaiters, ch)
	d.mu.Unlock()
	return ch
}

func (d *Device) CompleteRddmWaiters(err error) {
	d.mu.Lock()
	waiters := d.rddmWaiters
	d.rddmWaiters = nil
	d.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

func (d *Device) SetTrace(segs []transport.Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = segs
}

func (d *Device) Trace() []transport.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Segment(nil), d.trace...)
}

// Go runs fn off the worker. fn's context ends with ctx or when the device
// is halted, whichever comes first. Go reports false once the device is
// halted.
func (d *Device) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	d.bgMu.Lock()
	if d.halted {
		d.bgMu.Unlock()
		return false
	}
	d.bg.Add(1)
	d.bgMu.Unlock()

	go func() {
		defer d.bg.Done()
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(d.life, cancel)
		defer stop()
		fn(cctx)
	}()
	return true
}

// Halt cancels background work started with Go and waits for it to return.
func (d *Device) Halt() {
	d.bgMu.Lock()
	d.halted = true
	d.bgMu.Unlock()
	d.halt()
	d.bg.Wait()
}

// Close halts background work and stops every timer the device owns.
func (d *Device) Close() {
	d.Halt()
	d.StopDeferral()
	d.StopCalibration()
	if d.Power != nil {
		d.Power.Release()
	}
}

// Snapshot is a point-in-time view of a device for operators.
type Snapshot struct {
	Handle          consts.Handle       `json:"handle" yaml:"handle"`
	Name            string              `json:"name" yaml:"name"`
	Family          string              `json:"family" yaml:"family"`
	ChipID          uint32              `json:"chip_id" yaml:"chip_id"`
	BusAddress      string              `json:"bus_address" yaml:"bus_address"`
	Status          consts.DeviceStatus `json:"status" yaml:"status"`
	Flags           []string            `json:"flags" yaml:"flags"`
	Power           consts.PowerState   `json:"power" yaml:"power"`
	CrashReason     consts.ResetReason  `json:"crash_reason,omitempty" yaml:"crash_reason,omitempty"`
	CrashKind       consts.CrashKind    `json:"crash_kind,omitempty" yaml:"crash_kind,omitempty"`
	Recoveries      int64               `json:"recoveries" yaml:"recoveries"`
	RecoveryEnabled bool                `json:"recovery_enabled" yaml:"recovery_enabled"`
	Group           int                 `json:"group" yaml:"group"`
	DumpValid       bool                `json:"dump_valid" yaml:"dump_valid"`
}

func (d *Device) Snapshot() Snapshot {
	reason, kind := d.Crash()
	s := Snapshot{
		Handle:          d.Handle,
		Name:            d.Name,
		Family:          d.Caps.Family,
		ChipID:          d.ChipID,
		BusAddress:      d.BusAddress,
		Status:          d.Status(),
		Flags:           d.flags.Load().Names(),
		CrashReason:     reason,
		CrashKind:       kind,
		Recoveries:      d.Recoveries(),
		RecoveryEnabled: d.RecoveryEnabled(),
		Group:           d.Group(),
	}
	if d.Power != nil {
		s.Power = d.Power.State()
		s.DumpValid = d.Power.DumpValid()
	}
	return s
}

// Personal.AI order the ending
