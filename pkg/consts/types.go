package consts

import "time"

// Handle is the stable identity of an attached device. Zero is never assigned.
type Handle uint32

// DriverMode is the firmware operating mode requested from every attached SoC.
type DriverMode string

const (
	ModeMission     DriverMode = "mission"
	ModeFTM         DriverMode = "ftm"     // Factory test mode
	ModeEpping      DriverMode = "epping"  // Endpoint ping loopback
	ModeWalTest     DriverMode = "waltest" // WAL unit tests inside firmware
	ModeCalibration DriverMode = "calibration"
	ModeOff         DriverMode = "off"
)

// Valid reports whether m is one of the known driver modes.
func (m DriverMode) Valid() bool {
	switch m {
	case ModeMission, ModeFTM, ModeEpping, ModeWalTest, ModeCalibration, ModeOff:
		return true
	}
	return false
}

// DeviceStatus is the coarse lifecycle status of an attached SoC.
// Exactly one value holds at a time.
type DeviceStatus string

const (
	StatusUninitialized DeviceStatus = "UNINITIALIZED"
	StatusInitialized   DeviceStatus = "INITIALIZED"
	StatusLoadUnload    DeviceStatus = "LOAD_UNLOAD"   // Client probe/remove in progress
	StatusRecovery      DeviceStatus = "RECOVERY"      // Recovery accepted and running
	StatusFirmwareDown  DeviceStatus = "FIRMWARE_DOWN" // Terminal until re-probe
)

// EventKind is the closed set of lifecycle events a device queue accepts.
type EventKind string

const (
	EventServerArrive            EventKind = "SERVER_ARRIVE"
	EventServerExit              EventKind = "SERVER_EXIT"
	EventRequestMemory           EventKind = "REQUEST_MEMORY"
	EventFirmwareMemoryReady     EventKind = "FW_MEM_READY"
	EventFirmwareReady           EventKind = "FW_READY"
	EventColdBootCalStart        EventKind = "COLD_BOOT_CAL_START"
	EventColdBootCalDone         EventKind = "COLD_BOOT_CAL_DONE"
	EventRegisterClient          EventKind = "REGISTER_CLIENT"
	EventUnregisterClient        EventKind = "UNREGISTER_CLIENT"
	EventRecovery                EventKind = "RECOVERY"
	EventForceFirmwareAssert     EventKind = "FORCE_FW_ASSERT"
	EventPowerUp                 EventKind = "POWER_UP"
	EventPowerDown               EventKind = "POWER_DOWN"
	EventIdleRestart             EventKind = "IDLE_RESTART"
	EventIdleShutdown            EventKind = "IDLE_SHUTDOWN"
	EventDebugTraceRequestMemory EventKind = "DEBUG_TRACE_REQ_MEM"
	EventDebugTraceSave          EventKind = "DEBUG_TRACE_SAVE"
	EventDebugTraceFree          EventKind = "DEBUG_TRACE_FREE"
	EventDumpUploadRequest       EventKind = "DUMP_UPLOAD_REQ"
	EventDebugTraceRequestData   EventKind = "DEBUG_TRACE_REQ_DATA"
	EventRamdumpDone             EventKind = "RAMDUMP_DONE"
)

// EventKinds lists every valid event kind in declaration order.
var EventKinds = []EventKind{
	EventServerArrive, EventServerExit, EventRequestMemory, EventFirmwareMemoryReady,
	EventFirmwareReady, EventColdBootCalStart, EventColdBootCalDone, EventRegisterClient,
	EventUnregisterClient, EventRecovery, EventForceFirmwareAssert, EventPowerUp,
	EventPowerDown, EventIdleRestart, EventIdleShutdown, EventDebugTraceRequestMemory,
	EventDebugTraceSave, EventDebugTraceFree, EventDumpUploadRequest,
	EventDebugTraceRequestData, EventRamdumpDone,
}

// Valid reports whether k belongs to the closed event set.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SubmissionMode selects how a producer waits for its event.
type SubmissionMode int

const (
	FireAndForget SubmissionMode = iota
	SyncInterruptible
	SyncUninterruptible
)

func (m SubmissionMode) String() string {
	switch m {
	case FireAndForget:
		return "fire-and-forget"
	case SyncInterruptible:
		return "sync-interruptible"
	case SyncUninterruptible:
		return "sync-uninterruptible"
	}
	return "unknown"
}

// ResetReason records why a device entered the crash pipeline.
type ResetReason string

const (
	ReasonDefault              ResetReason = "DEFAULT"
	ReasonLinkDown             ResetReason = "LINK_DOWN"
	ReasonFirmwareCrashDump    ResetReason = "RDDM"
	ReasonTimeout              ResetReason = "TIMEOUT"
	ReasonFatalShutdownPrepare ResetReason = "FATAL_SHUTDOWN_PREPARE"
)

// DumpClass reports whether the reason is a hardware RDDM/fatal-shutdown
// class crash, the class for which MLO group members wait on each other.
func (r ResetReason) DumpClass() bool {
	return r == ReasonFirmwareCrashDump || r == ReasonFatalShutdownPrepare
}

func (r ResetReason) Valid() bool {
	switch r {
	case ReasonDefault, ReasonLinkDown, ReasonFirmwareCrashDump, ReasonTimeout, ReasonFatalShutdownPrepare:
		return true
	}
	return false
}

// CrashKind identifies which firmware domain crashed.
type CrashKind string

const (
	CrashNone          CrashKind = ""
	CrashSubordinatePD CrashKind = "USER_PD"
	CrashRootPD        CrashKind = "ROOT_PD"
)

// RecoveryKind is fixed per device at attach time from its chip family.
type RecoveryKind string

const (
	RecoverySynchronous  RecoveryKind = "sync"
	RecoveryAsynchronous RecoveryKind = "async"
)

// BusKind is how a SoC is attached to the host.
type BusKind string

const (
	BusPCI    BusKind = "pci"
	BusOnChip BusKind = "ahb"
)

// PowerState is a state of the bus power state machine.
type PowerState string

const (
	PowerOff            PowerState = "OFF"
	PowerInitializing   PowerState = "INITIALIZING"
	PowerOn             PowerState = "POWERED_ON"
	PowerMissionMode    PowerState = "MISSION_MODE"
	PowerSuspended      PowerState = "SUSPENDED"
	PowerCrashDetected  PowerState = "CRASH_DETECTED"
	PowerDumpCollecting PowerState = "DUMP_COLLECTING"
	PowerDumpCollected  PowerState = "DUMP_COLLECTED"
)

// PowerStates lists the power states in pipeline order. The index is
// exported as the power state gauge value.
var PowerStates = []PowerState{
	PowerOff, PowerInitializing, PowerOn, PowerMissionMode, PowerSuspended,
	PowerCrashDetected, PowerDumpCollecting, PowerDumpCollected,
}

// Platform defaults
const (
	DefaultMaxDevices          = 4
	DefaultMaxChipsPerGroup    = 3
	DefaultQueueDepth          = 64
	DefaultMaxRecoveryAttempts = 1
	DefaultFirmwareBootTimeout = 15 * time.Second
	DefaultRecoveryTimeout     = 30 * time.Second
	DefaultRddmTimeout         = 20 * time.Second
	DefaultColdBootCalTimeout  = 60 * time.Second
	DefaultControlSocket       = "/run/vigil.sock"
	DefaultDumpDir             = "/var/lib/vigil/dumps"
)

// Environment handed to dump collector hooks.
const (
	EnvDumpManifest = "VIGIL_DUMP_MANIFEST"
	EnvDumpDevice   = "VIGIL_DUMP_DEVICE"
	EnvDumpKind     = "VIGIL_DUMP_KIND"
)

// Personal.AI order the ending
