// Package registry is the bounded table of attached devices.
package registry

import (
	"sort"
	"sync"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
)

// Registry assigns stable handles and serves lookups. Handles are never
// reused, so removing one device does not shift another's identity.
type Registry struct {
	mu      sync.RWMutex
	max     int
	next    consts.Handle
	devices map[consts.Handle]*device.Device
}

func New(max int) *Registry {
	if max <= 0 {
		max = consts.DefaultMaxDevices
	}
	return &Registry{
		max:     max,
		devices: make(map[consts.Handle]*device.Device),
	}
}

// Add assigns d a handle. Names and bus addresses must be unique.
func (r *Registry) Add(d *device.Device) (consts.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) >= r.max {
		return 0, errors.Newf(errors.ErrCodeOutOfMemory, "Attach", "device table full (%d)", r.max)
	}
	for _, other := range r.devices {
		if other.Name == d.Name {
			return 0, errors.Newf(errors.ErrCodeBusy, "Attach", "device name %q already attached", d.Name)
		}
		if d.BusAddress != "" && other.BusAddress == d.BusAddress {
			return 0, errors.Newf(errors.ErrCodeBusy, "Attach", "bus address %s already attached", d.BusAddress)
		}
	}
	r.next++
	d.Handle = r.next
	r.devices[d.Handle] = d
	return d.Handle, nil
}

func (r *Registry) Remove(h consts.Handle) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[h]
	if !ok {
		return nil, unknown(h)
	}
	delete(r.devices, h)
	return d, nil
}

func (r *Registry) Get(h consts.Handle) (*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.devices[h]; ok {
		return d, nil
	}
	return nil, unknown(h)
}

func unknown(h consts.Handle) error {
	return errors.Newf(errors.ErrCodeUnknownDevice, "Lookup", "no device with handle %d", h)
}

func (r *Registry) find(match func(*device.Device) bool) *device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if match(d) {
			return d
		}
	}
	return nil
}

func (r *Registry) ByName(name string) (*device.Device, error) {
	if d := r.find(func(d *device.Device) bool { return d.Name == name }); d != nil {
		return d, nil
	}
	return nil, errors.Newf(errors.ErrCodeUnknownDevice, "Lookup", "no device named %q", name)
}

// ByBusAddress finds the device attached at a bus address.
func (r *Registry) ByBusAddress(addr string) (*device.Device, error) {
	if d := r.find(func(d *device.Device) bool { return d.BusAddress == addr }); d != nil {
		return d, nil
	}
	return nil, errors.Newf(errors.ErrCodeUnknownDevice, "Lookup", "no device at %s", addr)
}

// Dependents returns the devices whose firmware domain is hosted by h.
func (r *Registry) Dependents(h consts.Handle) []*device.Device {
	return r.filter(func(d *device.Device) bool { return d.DependsOn == h })
}

// All returns every device in handle order.
func (r *Registry) All() []*device.Device {
	return r.filter(func(*device.Device) bool { return true })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) filter(match func(*device.Device) bool) []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if match(d) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Personal.AI order the ending
