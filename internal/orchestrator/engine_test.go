package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/eventq"
	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/internal/transport/sim"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

func init() {
	logger.SetOutput(io.Discard)
}

const wait = 3 * time.Second

type fakeClient struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeClient) record(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
	return nil
}
func (c *fakeClient) Probe(context.Context, consts.Handle) error        { return c.record("probe") }
func (c *fakeClient) Remove(context.Context, consts.Handle) error       { return c.record("remove") }
func (c *fakeClient) Shutdown(context.Context, consts.Handle) error     { return c.record("shutdown") }
func (c *fakeClient) Reinit(context.Context, consts.Handle) error       { return c.record("reinit") }
func (c *fakeClient) IdleRestart(context.Context, consts.Handle) error  { return c.record("idle_restart") }
func (c *fakeClient) IdleShutdown(context.Context, consts.Handle) error { return c.record("idle_shutdown") }

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type collected struct {
	kind string
	segs []transport.Segment
}

type recordingCollector struct {
	mu  sync.Mutex
	got []collected
}

func (r *recordingCollector) Collect(_ context.Context, _ transport.Target, kind string, segs []transport.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, collected{kind: kind, segs: segs})
	return nil
}

func (r *recordingCollector) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.got {
		out = append(out, c.kind)
	}
	return out
}

func dev(name string, chip uint32) protocol.DeviceConfig {
	return protocol.DeviceConfig{Name: name, ChipID: chip, BusAddress: "pci:" + name}
}

func testConfig(devs ...protocol.DeviceConfig) *protocol.Config {
	cfg := &protocol.Config{Devices: devs}
	cfg.Timeouts = protocol.TimeoutConfig{FirmwareBoot: "500ms", Recovery: "2s", Rddm: "1s", ColdBootCal: "1s"}
	cfg.ApplyDefaults()
	return cfg
}

func startEngine(t *testing.T, cfg *protocol.Config, opts ...Option) (*Engine, *sim.Backend) {
	t.Helper()
	bus := sim.New()
	e := NewEngine(cfg, bus, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e, bus
}

func lookup(t *testing.T, e *Engine, name string) (consts.Handle, *device.Device) {
	t.Helper()
	h, err := e.Lookup(name)
	require.NoError(t, err)
	d, err := e.Device(h)
	require.NoError(t, err)
	return h, d
}

// settled reports whether d finished every queued event and any recovery.
func settled(d *device.Device) bool {
	return !d.Wake.Held() && !d.Flags().Test(device.FlagRecovering)
}

func TestPowerUpHappyPath(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")

	require.NoError(t, e.PowerUp(context.Background(), h))
	assert.Equal(t, consts.StatusInitialized, d.Status())
	assert.Equal(t, consts.PowerMissionMode, d.Power.State())

	require.Eventually(t, func() bool {
		return d.Flags().Test(device.FlagFirmwareReady|device.FlagFirmwareMemoryReady|device.FlagQmiConnected)
	}, wait, time.Millisecond)
	assert.Equal(t, consts.ModeMission, bus.Stats(h).Mode)

	require.NoError(t, e.PowerDown(context.Background(), h))
	assert.Equal(t, consts.PowerOff, d.Power.State())
	assert.False(t, d.Flags().Any(device.FlagFirmwareReady|device.FlagQmiConnected))
}

func TestSelfRecoveryChip(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x003e)))
	h, d := lookup(t, e, "wlan0")
	require.NoError(t, e.PowerUp(context.Background(), h))

	require.NoError(t, bus.InjectCrash(h, consts.ReasonDefault))
	require.Eventually(t, func() bool {
		return d.Recoveries() == 1 && settled(d) && d.Power.State() == consts.PowerMissionMode
	}, wait, time.Millisecond)
	assert.Equal(t, consts.StatusInitialized, d.Status())
	assert.Equal(t, 2, bus.Stats(h).PowerUps)
	assert.Zero(t, bus.Stats(h).Dumps)
}

func TestGroupMembersRestartTogether(t *testing.T) {
	cfg := testConfig(dev("wlan0", 0x1109), dev("wlan1", 0x1109))
	cfg.Groups = []protocol.GroupConfig{{ID: 0, Members: []protocol.GroupMemberConfig{
		{Device: "wlan0", ChipID: 0, LinkIDs: []int{0}},
		{Device: "wlan1", ChipID: 1, LinkIDs: []int{1}},
	}}}
	e, bus := startEngine(t, cfg)
	ha, a := lookup(t, e, "wlan0")
	hb, b := lookup(t, e, "wlan1")
	ctx := context.Background()
	require.NoError(t, e.PowerUp(ctx, ha))
	require.NoError(t, e.PowerUp(ctx, hb))

	require.NoError(t, bus.InjectCrash(ha, consts.ReasonFirmwareCrashDump))
	require.Eventually(t, a.Deferred, wait, time.Millisecond)
	assert.Equal(t, consts.PowerDumpCollected, a.Power.State())
	assert.Equal(t, consts.StatusRecovery, a.Status())
	assert.Equal(t, consts.PowerMissionMode, b.Power.State(), "the sibling is left alone until it crashes")

	info, err := e.GroupInfo(0)
	require.NoError(t, err)
	assert.True(t, info.Members[0].Dumped)
	assert.False(t, info.Members[1].Dumped)

	require.NoError(t, bus.InjectCrash(hb, consts.ReasonFirmwareCrashDump))
	require.Eventually(t, func() bool {
		return settled(a) && settled(b) &&
			a.Power.State() == consts.PowerMissionMode && b.Power.State() == consts.PowerMissionMode
	}, wait, time.Millisecond)
	for _, d := range []*device.Device{a, b} {
		assert.Equal(t, consts.StatusInitialized, d.Status(), d.Name)
		assert.EqualValues(t, 1, d.Recoveries(), d.Name)
		assert.False(t, d.Deferred(), d.Name)
		assert.Equal(t, 1, bus.Stats(d.Handle).Dumps, d.Name)
	}
}

func TestIdleShutdownWaitsForRecovery(t *testing.T) {
	cfg := testConfig(dev("wlan0", 0x1109))
	cfg.Timeouts.IdleShutdownWait = "3s"
	e, bus := startEngine(t, cfg)
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()
	require.NoError(t, e.PowerUp(ctx, h))

	bus.SetBehavior(h, sim.Behavior{DumpDelay: 200 * time.Millisecond})
	require.NoError(t, bus.InjectCrash(h, consts.ReasonDefault))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagRecovering) }, wait, time.Millisecond)

	require.NoError(t, e.IdleShutdown(ctx, h))
	assert.EqualValues(t, 1, d.Recoveries())
	assert.Equal(t, consts.StatusInitialized, d.Status())
	assert.Equal(t, consts.PowerOff, d.Power.State())
	assert.True(t, d.Flags().Test(device.FlagIdleShutdown))

	require.NoError(t, e.IdleShutdown(ctx, h), "repeated idle shutdown is a no-op")
	require.NoError(t, e.IdleRestart(ctx, h))
	assert.False(t, d.Flags().Test(device.FlagIdleShutdown))
	assert.Equal(t, consts.PowerMissionMode, d.Power.State())
}

func TestIdleShutdownBusyWhenRecoveryOutlastsWait(t *testing.T) {
	cfg := testConfig(dev("wlan0", 0x1109))
	cfg.Timeouts.IdleShutdownWait = "50ms"
	cfg.Timeouts.Rddm = "2s"
	e, bus := startEngine(t, cfg)
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()
	require.NoError(t, e.PowerUp(ctx, h))

	bus.SetBehavior(h, sim.Behavior{DumpDelay: 500 * time.Millisecond})
	require.NoError(t, bus.InjectCrash(h, consts.ReasonDefault))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagRecovering) }, wait, time.Millisecond)

	assert.ErrorIs(t, e.IdleShutdown(ctx, h), errors.ErrBusy)
	assert.False(t, d.Flags().Test(device.FlagIdleShutdown))

	require.Eventually(t, func() bool { return settled(d) }, wait, time.Millisecond)
	assert.Equal(t, consts.StatusInitialized, d.Status())
}

func TestRecoveryDisabledThenReregister(t *testing.T) {
	cfg := testConfig(dev("wlan0", 0x1109))
	cfg.Dump.OnRecoveryDisabled = true
	e, bus := startEngine(t, cfg)
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()

	client := &fakeClient{}
	require.NoError(t, e.RegisterClient(ctx, h, client))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagProbed) }, wait, time.Millisecond)
	assert.Equal(t, consts.StatusInitialized, d.Status())

	require.NoError(t, e.SetRecoveryEnabled(h, false))
	require.NoError(t, e.Recover(ctx, h, consts.ReasonFirmwareCrashDump))
	require.Eventually(t, func() bool { return d.Status() == consts.StatusFirmwareDown }, wait, time.Millisecond)
	assert.Equal(t, 1, bus.Stats(h).Dumps)
	assert.Zero(t, d.Recoveries())

	assert.ErrorIs(t, e.PowerUp(ctx, h), errors.ErrBusy)
	assert.ErrorIs(t, e.IdleRestart(ctx, h), errors.ErrBusy)

	require.NoError(t, e.UnregisterClient(ctx, h))
	assert.Equal(t, consts.StatusFirmwareDown, d.Status(), "only a new registration re-probes")
	assert.Equal(t, []string{"probe", "remove"}, client.Calls())

	again := &fakeClient{}
	require.NoError(t, e.RegisterClient(ctx, h, again))
	require.Eventually(t, func() bool {
		return d.Flags().Test(device.FlagProbed) && d.Status() == consts.StatusInitialized
	}, wait, time.Millisecond)
	assert.NoError(t, e.PowerUp(ctx, h))
	assert.Equal(t, []string{"probe"}, again.Calls())
}

func TestRecoveryAfterClientBindReinitsClient(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()
	client := &fakeClient{}
	require.NoError(t, e.RegisterClient(ctx, h, client))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagProbed) }, wait, time.Millisecond)

	require.NoError(t, bus.InjectCrash(h, consts.ReasonLinkDown))
	require.Eventually(t, func() bool { return d.Recoveries() == 1 && settled(d) }, wait, time.Millisecond)
	assert.Equal(t, consts.StatusInitialized, d.Status())
	assert.Equal(t, []string{"probe", "shutdown", "reinit"}, client.Calls())
	assert.Zero(t, bus.Stats(h).Dumps, "a down link is not dumped")
}

func TestPostBoundaries(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()

	_, err := e.Post(ctx, 99, consts.EventPowerUp, nil, consts.SyncUninterruptible)
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)
	assert.ErrorIs(t, e.Submit(99, consts.EventPowerUp, nil), errors.ErrUnknownDevice)
	assert.ErrorIs(t, e.PowerUp(ctx, 99), errors.ErrUnknownDevice)

	_, err = e.Post(ctx, h, consts.EventKind("BOGUS"), nil, consts.FireAndForget)
	assert.ErrorIs(t, err, errors.ErrInvalidEvent)
	assert.Equal(t, consts.PowerOff, d.Power.State(), "rejected posts have no side effects")

	_, err = e.Post(ctx, h, consts.EventRegisterClient, "not a client", consts.SyncUninterruptible)
	assert.ErrorIs(t, err, errors.ErrInvalidEvent)
}

func TestInterruptedPostStillRuns(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, _ := lookup(t, e, "wlan0")
	bus.SetBehavior(h, sim.Behavior{HangBoot: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ev, err := e.Post(ctx, h, consts.EventPowerUp, nil, consts.SyncInterruptible)
	require.ErrorIs(t, err, errors.ErrInterrupted)
	require.NotNil(t, ev)
	assert.True(t, ev.Abandoned())

	require.Eventually(t, func() bool { return ev.Result() != eventq.Pending }, wait, time.Millisecond)
	assert.Equal(t, int(errors.ErrCodeTimeout), ev.Result())
}

func TestForceCollectRddm(t *testing.T) {
	rec := &recordingCollector{}
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1109)), WithCollector(rec))
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()

	require.NoError(t, e.ForceCollectRddm(ctx, h), "powered off: nothing to collect")
	assert.Zero(t, bus.Stats(h).Asserts)

	require.NoError(t, e.PowerUp(ctx, h))
	require.NoError(t, e.ForceCollectRddm(ctx, h))
	assert.Equal(t, 1, bus.Stats(h).Asserts)
	assert.Equal(t, 1, bus.Stats(h).Dumps)
	assert.True(t, d.Power.DumpValid())
	assert.EqualValues(t, 1, d.Recoveries())
	assert.Contains(t, rec.kinds(), "ramdump")

	require.Eventually(t, func() bool { return settled(d) }, wait, time.Millisecond)
	require.NoError(t, e.postSync(ctx, h, consts.EventDumpUploadRequest, nil))
	assert.Contains(t, rec.kinds(), "ramdump-upload")
}

func TestDebugTraceForwardedToCollector(t *testing.T) {
	rec := &recordingCollector{}
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109)), WithCollector(rec))
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()
	segs := []transport.Segment{{Name: "ETR", Address: 0x1000, Size: 0x400}}

	require.NoError(t, e.postSync(ctx, h, consts.EventDebugTraceRequestMemory, segs))
	assert.True(t, d.Flags().Test(device.FlagDebugTraceStarted))
	require.NoError(t, e.postSync(ctx, h, consts.EventDebugTraceSave, nil))
	require.NoError(t, e.postSync(ctx, h, consts.EventDebugTraceRequestData, segs))
	require.NoError(t, e.postSync(ctx, h, consts.EventDebugTraceFree, nil))
	assert.False(t, d.Flags().Test(device.FlagDebugTraceStarted))
	assert.Empty(t, d.Trace())
	assert.Equal(t, []string{"qdss", "qdss-data"}, rec.kinds())

	err := e.postSync(ctx, h, consts.EventDumpUploadRequest, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "no dump collected yet")
	require.NoError(t, e.postSync(ctx, h, consts.EventRamdumpDone, nil))
}

func TestColdBootCalibrationAtAttach(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1103)))
	h, d := lookup(t, e, "wlan0")

	require.Eventually(t, func() bool {
		return d.Flags().Test(device.FlagColdBootCalDone) && d.Power.State() == consts.PowerOff && settled(d)
	}, wait, time.Millisecond)
	assert.Equal(t, consts.ModeCalibration, bus.Stats(h).Mode)
	assert.False(t, d.Flags().Test(device.FlagColdBootCalibrating))

	client := &fakeClient{}
	require.NoError(t, e.RegisterClient(context.Background(), h, client))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagProbed) }, wait, time.Millisecond)
	assert.Equal(t, consts.ModeMission, bus.Stats(h).Mode)
	assert.Equal(t, consts.PowerMissionMode, d.Power.State())
	assert.Equal(t, consts.StatusInitialized, d.Status())
	assert.Equal(t, 2, bus.Stats(h).PowerUps)
}

func TestSuspendResume(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")

	assert.ErrorIs(t, e.Suspend(h), errors.ErrBusy, "nothing to suspend while off")

	require.NoError(t, e.PowerUp(context.Background(), h))
	require.Eventually(t, func() bool {
		return d.Flags().Test(device.FlagFirmwareReady) && settled(d)
	}, wait, time.Millisecond)

	require.NoError(t, e.Suspend(h))
	assert.Equal(t, consts.PowerSuspended, d.Power.State())
	assert.False(t, d.Flags().Test(device.FlagInSuspendResume))
	require.NoError(t, e.Resume(h))
	assert.Equal(t, consts.PowerMissionMode, d.Power.State())
	assert.ErrorIs(t, e.Resume(h), errors.ErrInvalidTransition)
}

func TestDriverModeAndRecoverySettings(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")

	assert.ErrorIs(t, e.SetDriverMode("turbo"), errors.ErrConfigInvalid)
	require.NoError(t, e.SetDriverMode(consts.ModeFTM))
	assert.Equal(t, consts.ModeFTM, e.DriverMode())

	require.NoError(t, e.PowerUp(context.Background(), h))
	require.Eventually(t, func() bool { return bus.Stats(h).Mode == consts.ModeFTM }, wait, time.Millisecond)

	require.NoError(t, e.SetRecoveryEnabled(h, false))
	assert.False(t, d.RecoveryEnabled())
	assert.ErrorIs(t, e.SetRecoveryEnabled(42, true), errors.ErrUnknownDevice)
}

func TestGroupManagement(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109), dev("wlan1", 0x1109), dev("wlan2", 0x1109)))
	members := []protocol.GroupMemberConfig{
		{Device: "wlan0", ChipID: 0}, {Device: "wlan1", ChipID: 1}, {Device: "wlan2", ChipID: 2},
	}
	require.NoError(t, e.ConfigureGroup(3, 0, members))
	info, err := e.GroupInfo(3)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", info.Primary)
	assert.Equal(t, []int{2, 1}, info.Members[0].Adjacent)
	assert.Equal(t, []int{3}, e.Groups())

	assert.ErrorIs(t, e.ConfigureGroup(4, 0, []protocol.GroupMemberConfig{{Device: "nope"}}), errors.ErrUnknownDevice)
	require.NoError(t, e.ResetGroup(3))
	require.NoError(t, e.ResetGroup(3))
	_, err = e.GroupInfo(3)
	assert.ErrorIs(t, err, errors.ErrUnknownGroup)
}

func TestLinkRemapMovesPrimary(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109), dev("wlan1", 0x1109), dev("wlan2", 0x1109)))
	require.NoError(t, e.ConfigureGroup(0, 2, []protocol.GroupMemberConfig{
		{Device: "wlan0", ChipID: 0}, {Device: "wlan1", ChipID: 1},
	}))
	h0, _ := lookup(t, e, "wlan0")
	h1, _ := lookup(t, e, "wlan1")
	h2, _ := lookup(t, e, "wlan2")

	info, err := e.SetLinkRemap(h0, true)
	require.NoError(t, err)
	assert.Equal(t, "wlan1", info.Primary)
	assert.True(t, info.Members[0].RemapApplied)

	info, err = e.SetLinkRemap(h1, true)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", info.Primary, "member 0 once every remap is applied")

	info, err = e.SetLinkRemap(h0, false)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", info.Primary)

	_, err = e.SetLinkRemap(h2, true)
	assert.ErrorIs(t, err, errors.ErrUnknownGroup)
	_, err = e.SetLinkRemap(42, true)
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)
}

func TestStatusSnapshots(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109), dev("wifi0", 0x5332)))
	all := e.Statuses()
	require.Len(t, all, 2)
	assert.Equal(t, "wlan0", all[0].Name)
	assert.Equal(t, consts.StatusInitialized, all[1].Status)

	_, err := e.Status(9)
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)
	_, err = e.Lookup("absent")
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)
	_, err = e.Lookup("")
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)

	byName, err := e.Lookup("wifi0")
	require.NoError(t, err)
	byAddr, err := e.Lookup("pci:wifi0")
	require.NoError(t, err)
	assert.Equal(t, byName, byAddr)
}

func TestDetachDrainsQueue(t *testing.T) {
	e, _ := startEngine(t, testConfig(dev("wlan0", 0x1109)))
	h, d := lookup(t, e, "wlan0")
	ctx := context.Background()
	require.NoError(t, e.PowerUp(ctx, h))

	ev, err := e.Post(ctx, h, consts.EventPowerDown, nil, consts.FireAndForget)
	require.NoError(t, err)
	require.NoError(t, e.Detach(h))
	assert.Equal(t, 0, ev.Result(), "queued work runs before the device goes away")
	assert.Equal(t, consts.PowerOff, d.Power.State())
	assert.ErrorIs(t, e.PowerUp(ctx, h), errors.ErrUnknownDevice)
	assert.ErrorIs(t, e.Detach(h), errors.ErrUnknownDevice)
}

func TestDetachStopsBackgroundRecovery(t *testing.T) {
	e, bus := startEngine(t, testConfig(dev("wlan0", 0x1104)))
	h, d := lookup(t, e, "wlan0")
	require.NoError(t, e.PowerUp(context.Background(), h))
	bus.SetBehavior(h, sim.Behavior{DumpDelay: 300 * time.Millisecond})

	require.NoError(t, bus.InjectCrash(h, consts.ReasonFirmwareCrashDump))
	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagRecovering) }, wait, time.Millisecond)
	require.NoError(t, e.Detach(h))

	st := bus.Stats(h)
	assert.False(t, st.Powered)
	assert.Equal(t, 1, st.PowerUps)

	time.Sleep(800 * time.Millisecond)
	st = bus.Stats(h)
	assert.False(t, st.Powered, "a detached device stays down")
	assert.Equal(t, 1, st.PowerUps)
	assert.Equal(t, consts.PowerOff, d.Power.State())
}

func TestHelperDaemonStateReachesDevices(t *testing.T) {
	cfg := testConfig(dev("wlan0", 0x1109))
	cfg.Platform.HelperDaemon = []string{"sleep", "10"}
	e, _ := startEngine(t, cfg)
	_, d := lookup(t, e, "wlan0")

	require.Eventually(t, func() bool { return d.Flags().Test(device.FlagDaemonConnected) }, wait, time.Millisecond)

	late, err := e.Attach(dev("wlan1", 0x1109))
	require.NoError(t, err)
	assert.True(t, late.Flags().Test(device.FlagDaemonConnected), "devices attached while the helper runs see it")
}

func TestStartContextStopsEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(testConfig(dev("wlan0", 0x1109)), sim.New())
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Close)
	h, _ := lookup(t, e, "wlan0")
	require.NoError(t, e.PowerUp(context.Background(), h))

	cancel()
	require.Eventually(t, func() bool {
		return stderrors.Is(e.Submit(h, consts.EventPowerDown, nil), errors.ErrUnknownDevice)
	}, wait, time.Millisecond, "queues close with the start context")
}

func TestConcurrentProducersKeepFlagInvariants(t *testing.T) {
	var violations, overlaps atomic.Int32
	inHook := map[consts.Handle]*atomic.Int32{1: {}, 2: {}}
	hook := func(d *device.Device, _ *eventq.Event) {
		n := inHook[d.Handle]
		if n.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer n.Add(-1)
		f := d.Flags()
		if f.Test(device.FlagLoading | device.FlagUnloading) {
			violations.Add(1)
		}
		if f.Test(device.FlagRecovering) && f.Any(device.FlagUnloading|device.FlagIdleShutdown) {
			violations.Add(1)
		}
	}
	cfg := testConfig(dev("wlan0", 0x1109), dev("wlan1", 0x003e))
	cfg.Timeouts.IdleShutdownWait = "200ms"
	e, bus := startEngine(t, cfg, WithEventHook(hook), WithFatalHandler(func(*device.Device, error) {}))
	ctx := context.Background()

	ops := []func(h consts.Handle) error{
		func(h consts.Handle) error { return e.PowerUp(ctx, h) },
		func(h consts.Handle) error { return e.PowerDown(ctx, h) },
		func(h consts.Handle) error { return e.IdleRestart(ctx, h) },
		func(h consts.Handle) error { return e.IdleShutdown(ctx, h) },
		func(h consts.Handle) error { return e.RegisterClient(ctx, h, &fakeClient{}) },
		func(h consts.Handle) error { return e.UnregisterClient(ctx, h) },
		func(h consts.Handle) error { return e.ForceFirmwareAssert(ctx, h) },
		func(h consts.Handle) error { return bus.InjectCrash(h, consts.ReasonDefault) },
	}

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				h := consts.Handle(1 + r.Intn(2))
				_ = ops[r.Intn(len(ops))](h)
			}
		}(int64(g))
	}
	wg.Wait()

	for _, name := range []string{"wlan0", "wlan1"} {
		_, d := lookup(t, e, name)
		require.Eventually(t, func() bool { return settled(d) }, 2*wait, 5*time.Millisecond, name)
	}
	assert.Zero(t, violations.Load())
	assert.Zero(t, overlaps.Load())
}
