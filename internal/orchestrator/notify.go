package orchestrator

import (
	"github.com/turtacn/Vigil/internal/recovery"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
)

// The Engine is the transport.Producer every backend reports into. None of
// these block: each one only enqueues.
var _ transport.Producer = (*Engine)(nil)

// NotifyStatus feeds execution-environment changes straight to the power
// machine, which a PowerOn on the worker may be waiting on.
func (e *Engine) NotifyStatus(h consts.Handle, s transport.Status) {
	d, err := e.reg.Get(h)
	if err != nil {
		e.log.Debug("Engine: status for unknown device", "handle", h, "status", s)
		return
	}
	d.Power.HandleStatus(s)
}

// NotifyCrash records the crash on the power machine right away, so a boot
// in progress fails fast, and queues the Recovery event.
func (e *Engine) NotifyCrash(h consts.Handle, reason consts.ResetReason) error {
	d, err := e.reg.Get(h)
	if err != nil {
		return err
	}
	d.Log.Warn("Engine: crash reported", "reason", reason, "power", d.Power.State())
	if d.Status() != consts.StatusFirmwareDown && d.Power.State() != consts.PowerOff {
		d.Power.Crash(reason)
	}
	return e.Submit(h, consts.EventRecovery, recovery.Request{Reason: reason})
}

func (e *Engine) NotifyFirmwareReady(h consts.Handle) error {
	return e.Submit(h, consts.EventFirmwareReady, nil)
}

func (e *Engine) NotifyMemoryReady(h consts.Handle) error {
	return e.Submit(h, consts.EventFirmwareMemoryReady, nil)
}

func (e *Engine) NotifyServerArrive(h consts.Handle, payload any) error {
	return e.Submit(h, consts.EventServerArrive, payload)
}

func (e *Engine) NotifyServerExit(h consts.Handle, payload any) error {
	return e.Submit(h, consts.EventServerExit, payload)
}

func (e *Engine) NotifyEvent(h consts.Handle, kind consts.EventKind, payload any) error {
	return e.Submit(h, kind, payload)
}

// Personal.AI order the ending
