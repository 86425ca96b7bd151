package device

import (
	"strings"
	"sync/atomic"
)

// Flag is one independent device state bit.
type Flag uint32

const (
	FlagLoading Flag = 1 << iota
	FlagUnloading
	FlagProbed
	FlagRecovering
	FlagFirmwareReady
	FlagFirmwareMemoryReady
	FlagColdBootCalibrating
	FlagColdBootCalDone
	FlagIdleRestart
	FlagIdleShutdown
	FlagDaemonConnected
	FlagQmiConnected
	FlagInSuspendResume
	FlagWaitingForDriverAfterRecovery
	FlagFirmwareBootRecovery
	FlagDebugTraceStarted
	FlagClientRegistered
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagLoading, "LOADING"},
	{FlagUnloading, "UNLOADING"},
	{FlagProbed, "PROBED"},
	{FlagRecovering, "RECOVERING"},
	{FlagFirmwareReady, "FW_READY"},
	{FlagFirmwareMemoryReady, "FW_MEM_READY"},
	{FlagColdBootCalibrating, "COLD_BOOT_CAL"},
	{FlagColdBootCalDone, "COLD_BOOT_CAL_DONE"},
	{FlagIdleRestart, "IDLE_RESTART"},
	{FlagIdleShutdown, "IDLE_SHUTDOWN"},
	{FlagDaemonConnected, "DAEMON_CONNECTED"},
	{FlagQmiConnected, "QMI_CONNECTED"},
	{FlagInSuspendResume, "IN_SUSPEND_RESUME"},
	{FlagWaitingForDriverAfterRecovery, "WAITING_FOR_DRIVER"},
	{FlagFirmwareBootRecovery, "FW_BOOT_RECOVERY"},
	{FlagDebugTraceStarted, "QDSS_STARTED"},
	{FlagClientRegistered, "CLIENT_REGISTERED"},
}

// String renders the set bits as NAME|NAME, or "NONE".
func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Names lists the set bits.
func (f Flag) Names() []string {
	if f == 0 {
		return nil
	}
	return strings.Split(f.String(), "|")
}

// Flags is the atomically readable flag set of a device. Set and Clear are
// idempotent.
type Flags struct {
	v atomic.Uint32
}

func (s *Flags) Set(f Flag) {
	for {
		old := s.v.Load()
		if s.v.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (s *Flags) Clear(f Flag) {
	for {
		old := s.v.Load()
		if s.v.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Test reports whether every bit of f is set.
func (s *Flags) Test(f Flag) bool { return Flag(s.v.Load())&f == f }

// Any reports whether at least one bit of f is set.
func (s *Flags) Any(f Flag) bool { return Flag(s.v.Load())&f != 0 }

func (s *Flags) Load() Flag { return Flag(s.v.Load()) }

// Personal.AI order the ending
