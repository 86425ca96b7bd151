package mlo

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/power"
	"github.com/turtacn/Vigil/internal/transport/sim"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

func newDevices(t *testing.T, chip uint32, names ...string) []*device.Device {
	t.Helper()
	bus := sim.New()
	var out []*device.Device
	for i, name := range names {
		d := device.New(device.Config{Name: name, ChipID: chip})
		d.Handle = consts.Handle(i + 1)
		d.Power = power.New(d.Target(), bus, power.Config{
			BootTimeout:  time.Second,
			CrashTimeout: time.Minute,
			DumpTimeout:  time.Second,
			DumpEnabled:  true,
		}, nil)
		t.Cleanup(d.Close)
		out = append(out, d)
	}
	return out
}

func specs(devs []*device.Device) []MemberSpec {
	var out []MemberSpec
	for i, d := range devs {
		out = append(out, MemberSpec{Device: d, ChipID: i, LinkIDs: []int{i * 2, i*2 + 1}})
	}
	return out
}

func TestConfigure_RingAdjacency(t *testing.T) {
	c := New(4)
	cases := []struct {
		n    int
		want [][]int
	}{
		{1, [][]int{nil}},
		{2, [][]int{{1}, {0}}},
		{3, [][]int{{2, 1}, {0, 2}, {1, 0}}},
		{4, [][]int{{3, 1}, {0, 2}, {1, 3}, {2, 0}}},
	}
	for _, tc := range cases {
		names := []string{"a", "b", "c", "d"}[:tc.n]
		devs := newDevices(t, 0x1109, names...)
		require.NoError(t, c.Configure(tc.n, 0, specs(devs)))
		info, err := c.Info(tc.n)
		require.NoError(t, err)
		for i, m := range info.Members {
			if tc.want[i] == nil {
				assert.Empty(t, m.Adjacent)
				continue
			}
			assert.Equal(t, tc.want[i], m.Adjacent, "n=%d member %d", tc.n, i)
		}
		require.NoError(t, c.Reset(tc.n))
	}
}

func TestConfigure_Limits(t *testing.T) {
	c := New(2)
	devs := newDevices(t, 0x1109, "a", "b", "c")
	assert.ErrorIs(t, c.Configure(1, 0, specs(devs)), errors.ErrGroupFull)
	assert.ErrorIs(t, c.Configure(1, 5, specs(devs)), errors.ErrGroupFull, "per-group max is capped by the platform")

	require.NoError(t, c.Configure(1, 2, specs(devs[:2])))
	err := c.Configure(2, 2, []MemberSpec{{Device: devs[1]}, {Device: devs[2]}})
	assert.ErrorIs(t, err, errors.ErrBusy, "a device belongs to at most one group")
	assert.Equal(t, device.NoGroup, devs[2].Group())
}

func TestConfigure_GroupBusyWhileRecovering(t *testing.T) {
	c := New(3)
	devs := newDevices(t, 0x1109, "a", "b")
	require.NoError(t, c.Configure(7, 0, specs(devs)))

	devs[0].Flags().Set(device.FlagRecovering)
	assert.ErrorIs(t, c.Configure(7, 0, specs(devs)), errors.ErrGroupBusy)
	assert.ErrorIs(t, c.Reset(7), errors.ErrGroupBusy)

	devs[0].Flags().Clear(device.FlagRecovering)
	require.NoError(t, c.Reset(7))
}

func TestConfigureThenResetRestoresNoGroup(t *testing.T) {
	c := New(3)
	devs := newDevices(t, 0x1109, "a", "b", "c")
	require.NoError(t, c.Configure(1, 3, specs(devs)))
	for _, d := range devs {
		assert.Equal(t, 1, d.Group())
	}

	require.NoError(t, c.Reset(1))
	require.NoError(t, c.Reset(1), "reset is idempotent")
	for _, d := range devs {
		assert.Equal(t, device.NoGroup, d.Group())
		_, ok := c.GroupOf(d.Handle)
		assert.False(t, ok)
	}
	_, err := c.Info(1)
	assert.ErrorIs(t, err, errors.ErrUnknownGroup)
	assert.Empty(t, c.Groups())
}

func TestDesignatePrimary(t *testing.T) {
	c := New(3)
	devs := newDevices(t, 0x1109, "a", "b", "c")
	require.NoError(t, c.Configure(1, 0, specs(devs)))

	p, err := c.DesignatePrimary(1)
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name)

	require.NoError(t, c.SetRemapApplied(devs[0].Handle, true))
	p, _ = c.DesignatePrimary(1)
	assert.Equal(t, "b", p.Name)

	for _, d := range devs {
		require.NoError(t, c.SetRemapApplied(d.Handle, true))
	}
	p, _ = c.DesignatePrimary(1)
	assert.Equal(t, "a", p.Name, "all remapped falls back to member 0")

	_, err = c.DesignatePrimary(9)
	assert.ErrorIs(t, err, errors.ErrUnknownGroup)
}

func TestAllMembersDumped_MonotoneWithinEpisode(t *testing.T) {
	c := New(3)
	devs := newDevices(t, 0x1109, "a", "b")
	legacy := newDevices(t, 0x1104, "x")[0]
	legacy.Handle = 9
	require.NoError(t, c.Configure(1, 0, append(specs(devs), MemberSpec{Device: legacy})))
	ctx := context.Background()

	assert.False(t, c.AllMembersDumped(1))

	devs[0].Power.Crash(consts.ReasonFirmwareCrashDump)
	_, err := devs[0].Power.CollectDump(ctx, false)
	require.NoError(t, err)
	assert.False(t, c.AllMembersDumped(1))

	devs[1].Power.Crash(consts.ReasonFirmwareCrashDump)
	_, err = devs[1].Power.CollectDump(ctx, false)
	require.NoError(t, err)
	assert.True(t, c.AllMembersDumped(1), "non-capable members are not waited on")

	// Powering off keeps the marker; only a new crash clears it.
	require.NoError(t, devs[0].Power.PowerOff(ctx))
	assert.True(t, c.AllMembersDumped(1))
	devs[0].Power.Crash(consts.ReasonDefault)
	assert.False(t, c.AllMembersDumped(1))
}

func TestSiblingsAndForget(t *testing.T) {
	c := New(3)
	devs := newDevices(t, 0x1109, "a", "b", "c")
	require.NoError(t, c.Configure(1, 0, specs(devs)))

	sib := c.Siblings(devs[0].Handle)
	require.Len(t, sib, 2)
	assert.Equal(t, "b", sib[0].Name)

	c.Forget(devs[1].Handle)
	assert.Len(t, c.Siblings(devs[0].Handle), 1)
	assert.Equal(t, device.NoGroup, devs[1].Group())

	c.Forget(devs[0].Handle)
	c.Forget(devs[2].Handle)
	assert.Empty(t, c.Groups())
}
