package transport

import (
	"context"

	"github.com/turtacn/Vigil/pkg/consts"
)

// Target identifies the device a transport call acts on.
type Target struct {
	Handle     consts.Handle
	Name       string
	ChipID     uint32
	BusAddress string
	Bus        consts.BusKind
}

// Segment describes one region of firmware memory. The core never looks
// inside; it only hands segments to a Collector.
type Segment struct {
	Name    string `yaml:"name"`
	Address uint64 `yaml:"address"`
	Size    uint64 `yaml:"size"`
}

// Bus is the low-level transport the core drives. Retries, register
// windowing and link training belong to the implementation.
type Bus interface {
	PowerUp(ctx context.Context, t Target) error
	PowerDown(ctx context.Context, t Target) error
	// CollectDump transfers crash memory. inPanic asks for the fastest
	// possible path because the host itself is going down.
	CollectDump(ctx context.Context, t Target, inPanic bool) ([]Segment, error)
	CheckLinkStatus(ctx context.Context, t Target) error
	SendMode(ctx context.Context, t Target, mode consts.DriverMode) error
	RequestMemory(ctx context.Context, t Target) error
	ForceAssert(ctx context.Context, t Target) error
}

// Status is an execution-environment change reported by the bus.
type Status string

const (
	StatusHandshake   Status = "HANDSHAKE"
	StatusMissionMode Status = "MISSION_MODE"
)

// Producer is the single event producer interface every backend reports
// into. Implementations must not block; they enqueue work.
type Producer interface {
	NotifyStatus(h consts.Handle, s Status)
	NotifyCrash(h consts.Handle, reason consts.ResetReason) error
	NotifyFirmwareReady(h consts.Handle) error
	NotifyMemoryReady(h consts.Handle) error
	NotifyServerArrive(h consts.Handle, payload any) error
	NotifyServerExit(h consts.Handle, payload any) error
	// NotifyEvent carries the less common firmware-originated events
	// (calibration, debug trace and upload requests).
	NotifyEvent(h consts.Handle, kind consts.EventKind, payload any) error
}

// Backend is a Bus that reports back through a Producer.
type Backend interface {
	Bus
	Bind(p Producer)
}

// Collector receives crash and trace memory descriptors for emission.
type Collector interface {
	Collect(ctx context.Context, t Target, kind string, segs []Segment) error
}

// Personal.AI order the ending
