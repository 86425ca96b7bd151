// Package sim is an in-process SoC transport. It answers power, dump and
// control calls the way firmware would, reporting back through the bound
// Producer from its own goroutines. The daemon uses it when no hardware
// backend is configured and the tests use it to script failures.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/logger"
)

// ErrLinkDown is returned by CheckLinkStatus after an injected link failure.
var ErrLinkDown = errors.New("sim: pci link down")

// ErrNotPowered is returned by calls that need a running chip.
var ErrNotPowered = errors.New("sim: chip not powered")

// Behavior scripts how one chip responds.
type Behavior struct {
	FailPowerUp     error
	FailPowerDown   error
	FailDump        error
	HangBoot        bool // never reach mission mode
	HangCalibration bool
	NoFirmwareReady bool // reach mission mode but never announce the server
	DumpDelay       time.Duration
}

type chip struct {
	behavior   Behavior
	powered    bool
	linkDown   bool
	generation int
	mode       consts.DriverMode

	powerUps   int
	powerDowns int
	dumps      int
	asserts    int
}

// Backend implements transport.Backend.
type Backend struct {
	// BootDelay is the time between PowerUp and the handshake report.
	BootDelay time.Duration
	// CalibrationDelay is the time a calibration pass takes.
	CalibrationDelay time.Duration
	// Segments is what CollectDump returns.
	Segments []transport.Segment

	mu       sync.Mutex
	producer transport.Producer
	chips    map[consts.Handle]*chip
}

// New returns a backend with short, test-friendly delays.
func New() *Backend {
	return &Backend{
		BootDelay:        5 * time.Millisecond,
		CalibrationDelay: 5 * time.Millisecond,
		Segments: []transport.Segment{
			{Name: "DDR", Address: 0x4b000000, Size: 0x3f00000},
			{Name: "PAGING", Address: 0x4ef00000, Size: 0x100000},
		},
		chips: make(map[consts.Handle]*chip),
	}
}

func (b *Backend) Bind(p transport.Producer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producer = p
}

// SetBehavior replaces the script for handle h.
func (b *Backend) SetBehavior(h consts.Handle, bh Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chipLocked(h).behavior = bh
}

func (b *Backend) chipLocked(h consts.Handle) *chip {
	c, ok := b.chips[h]
	if !ok {
		c = &chip{}
		b.chips[h] = c
	}
	return c
}

func (b *Backend) PowerUp(ctx context.Context, t transport.Target) error {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	c.powerUps++
	if err := c.behavior.FailPowerUp; err != nil {
		b.mu.Unlock()
		return err
	}
	c.powered = true
	c.linkDown = false
	c.generation++
	gen := c.generation
	bh := c.behavior
	b.mu.Unlock()

	go b.boot(t.Handle, gen, bh)
	return nil
}

func (b *Backend) boot(h consts.Handle, gen int, bh Behavior) {
	time.Sleep(b.BootDelay)
	if bh.HangBoot || !b.current(h, gen) {
		return
	}
	p := b.getProducer()
	if p == nil {
		return
	}
	p.NotifyStatus(h, transport.StatusHandshake)
	p.NotifyStatus(h, transport.StatusMissionMode)
	if bh.NoFirmwareReady {
		return
	}
	if err := p.NotifyServerArrive(h, nil); err != nil {
		logger.Log.Debug("sim: server arrive not delivered", "handle", h, "err", err)
	}
}

func (b *Backend) current(h consts.Handle, gen int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.chipLocked(h)
	return c.powered && c.generation == gen
}

func (b *Backend) getProducer() transport.Producer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.producer
}

func (b *Backend) PowerDown(ctx context.Context, t transport.Target) error {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	c.powerDowns++
	if err := c.behavior.FailPowerDown; err != nil {
		b.mu.Unlock()
		return err
	}
	wasPowered := c.powered
	c.powered = false
	c.generation++
	p := b.producer
	b.mu.Unlock()

	if wasPowered && p != nil {
		_ = p.NotifyServerExit(t.Handle, nil)
	}
	return nil
}

func (b *Backend) CollectDump(ctx context.Context, t transport.Target, inPanic bool) ([]transport.Segment, error) {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	c.dumps++
	bh := c.behavior
	segs := append([]transport.Segment(nil), b.Segments...)
	b.mu.Unlock()

	if bh.DumpDelay > 0 && !inPanic {
		select {
		case <-time.After(bh.DumpDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if bh.FailDump != nil {
		return nil, bh.FailDump
	}
	return segs, nil
}

func (b *Backend) CheckLinkStatus(ctx context.Context, t transport.Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chipLocked(t.Handle).linkDown {
		return ErrLinkDown
	}
	return nil
}

func (b *Backend) SendMode(ctx context.Context, t transport.Target, mode consts.DriverMode) error {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	if !c.powered {
		b.mu.Unlock()
		return ErrNotPowered
	}
	c.mode = mode
	gen := c.generation
	bh := c.behavior
	b.mu.Unlock()

	if mode == consts.ModeCalibration && !bh.HangCalibration {
		go func() {
			time.Sleep(b.CalibrationDelay)
			if !b.current(t.Handle, gen) {
				return
			}
			if p := b.getProducer(); p != nil {
				_ = p.NotifyEvent(t.Handle, consts.EventColdBootCalDone, nil)
			}
		}()
	}
	return nil
}

func (b *Backend) RequestMemory(ctx context.Context, t transport.Target) error {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	if !c.powered {
		b.mu.Unlock()
		return ErrNotPowered
	}
	gen := c.generation
	b.mu.Unlock()

	go func() {
		p := b.getProducer()
		if p == nil || !b.current(t.Handle, gen) {
			return
		}
		_ = p.NotifyMemoryReady(t.Handle)
		_ = p.NotifyFirmwareReady(t.Handle)
	}()
	return nil
}

func (b *Backend) ForceAssert(ctx context.Context, t transport.Target) error {
	b.mu.Lock()
	c := b.chipLocked(t.Handle)
	if !c.powered {
		b.mu.Unlock()
		return ErrNotPowered
	}
	c.asserts++
	b.mu.Unlock()

	go func() {
		if p := b.getProducer(); p != nil {
			_ = p.NotifyCrash(t.Handle, consts.ReasonFirmwareCrashDump)
		}
	}()
	return nil
}

// InjectCrash reports a crash as if the firmware or the link failed.
func (b *Backend) InjectCrash(h consts.Handle, reason consts.ResetReason) error {
	b.mu.Lock()
	if reason == consts.ReasonLinkDown {
		b.chipLocked(h).linkDown = true
	}
	p := b.producer
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.NotifyCrash(h, reason)
}

// Stats is a snapshot of the calls a chip has seen.
type Stats struct {
	Powered    bool
	Mode       consts.DriverMode
	PowerUps   int
	PowerDowns int
	Dumps      int
	Asserts    int
}

func (b *Backend) Stats(h consts.Handle) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.chipLocked(h)
	return Stats{
		Powered:    c.powered,
		Mode:       c.mode,
		PowerUps:   c.powerUps,
		PowerDowns: c.powerDowns,
		Dumps:      c.dumps,
		Asserts:    c.asserts,
	}
}

// Personal.AI order the ending
