package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) NotifyStatus(h consts.Handle, s transport.Status) { r.add(string(s)) }
func (r *recorder) NotifyCrash(h consts.Handle, reason consts.ResetReason) error {
	r.add("crash:" + string(reason))
	return nil
}
func (r *recorder) NotifyFirmwareReady(h consts.Handle) error { r.add("fw_ready"); return nil }
func (r *recorder) NotifyMemoryReady(h consts.Handle) error   { r.add("mem_ready"); return nil }
func (r *recorder) NotifyServerArrive(h consts.Handle, payload any) error {
	r.add("arrive")
	return nil
}
func (r *recorder) NotifyServerExit(h consts.Handle, payload any) error {
	r.add("exit")
	return nil
}
func (r *recorder) NotifyEvent(h consts.Handle, kind consts.EventKind, payload any) error {
	r.add(string(kind))
	return nil
}

var target = transport.Target{Handle: 1, Name: "wlan0"}

func TestBackend_BootSequence(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Bind(rec)
	ctx := context.Background()

	require.NoError(t, b.PowerUp(ctx, target))
	require.Eventually(t, func() bool { return len(rec.events()) >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"HANDSHAKE", "MISSION_MODE", "arrive"}, rec.events()[:3])

	require.NoError(t, b.RequestMemory(ctx, target))
	require.Eventually(t, func() bool { return len(rec.events()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"mem_ready", "fw_ready"}, rec.events()[3:])

	require.NoError(t, b.PowerDown(ctx, target))
	assert.Equal(t, "exit", rec.events()[5])
	assert.Equal(t, Stats{PowerUps: 1, PowerDowns: 1}, b.Stats(1))
}

func TestBackend_FailuresAndLinkDown(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Bind(rec)
	ctx := context.Background()

	boom := errors.New("regulator fault")
	b.SetBehavior(1, Behavior{FailPowerUp: boom, FailDump: boom})
	assert.ErrorIs(t, b.PowerUp(ctx, target), boom)
	_, err := b.CollectDump(ctx, target, false)
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, b.ForceAssert(ctx, target), ErrNotPowered)

	require.NoError(t, b.InjectCrash(1, consts.ReasonLinkDown))
	assert.ErrorIs(t, b.CheckLinkStatus(ctx, target), ErrLinkDown)
	assert.Contains(t, rec.events(), "crash:LINK_DOWN")
}

func TestBackend_Calibration(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Bind(rec)
	ctx := context.Background()

	b.SetBehavior(1, Behavior{NoFirmwareReady: true})
	require.NoError(t, b.PowerUp(ctx, target))
	require.NoError(t, b.SendMode(ctx, target, consts.ModeCalibration))
	require.Eventually(t, func() bool {
		for _, e := range rec.events() {
			if e == string(consts.EventColdBootCalDone) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, consts.ModeCalibration, b.Stats(1).Mode)
}
