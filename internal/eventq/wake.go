package eventq

import "sync/atomic"

// WakeSource is a counted liveness token. While held, the device must not
// enter a low-power state.
type WakeSource struct {
	name  string
	count atomic.Int32
	total atomic.Int64
}

func NewWakeSource(name string) *WakeSource {
	return &WakeSource{name: name}
}

func (w *WakeSource) Hold() {
	w.count.Add(1)
	w.total.Add(1)
}

func (w *WakeSource) Release() {
	if w.count.Add(-1) < 0 {
		w.count.Store(0)
	}
}

// Held reports whether any holder is active.
func (w *WakeSource) Held() bool { return w.count.Load() > 0 }

// Acquisitions counts every Hold since creation.
func (w *WakeSource) Acquisitions() int64 { return w.total.Load() }

func (w *WakeSource) Name() string { return w.name }

// Personal.AI order the ending
