// Package mlo tracks Multi-Link Operation groups: which devices share a
// link-aggregation domain, who leads it, and whether every member has
// finished dumping after a crash.
package mlo

import (
	"sort"
	"sync"

	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
)

// MemberSpec describes one chip joining a group.
type MemberSpec struct {
	Device  *device.Device
	ChipID  int
	LinkIDs []int
}

type member struct {
	dev          *device.Device
	chipID       int
	linkIDs      []int
	adjacent     []int // chip ids of ring neighbours
	capable      bool
	remapApplied bool
}

type group struct {
	id       int
	maxChips int
	members  []*member
}

// MemberInfo is the read-only view of a member.
type MemberInfo struct {
	Device       string        `json:"device" yaml:"device"`
	Handle       consts.Handle `json:"handle" yaml:"handle"`
	ChipID       int           `json:"chip_id" yaml:"chip_id"`
	LinkIDs      []int         `json:"link_ids" yaml:"link_ids"`
	Adjacent     []int         `json:"adjacent" yaml:"adjacent"`
	Capable      bool          `json:"capable" yaml:"capable"`
	RemapApplied bool          `json:"remap_applied" yaml:"remap_applied"`
	Dumped       bool          `json:"dumped" yaml:"dumped"`
}

// Info is the read-only view of a group.
type Info struct {
	ID       int          `json:"id" yaml:"id"`
	MaxChips int          `json:"max_chips" yaml:"max_chips"`
	Primary  string       `json:"primary" yaml:"primary"`
	Members  []MemberInfo `json:"members" yaml:"members"`
}

// Coordinator owns every group. All mutation happens under one short lock;
// the barrier check is a snapshot read of each member's power machine.
type Coordinator struct {
	mu       sync.RWMutex
	maxChips int
	groups   map[int]*group
	byDevice map[consts.Handle]int
}

// New returns a coordinator enforcing maxChips per group.
func New(maxChips int) *Coordinator {
	if maxChips <= 0 {
		maxChips = consts.DefaultMaxChipsPerGroup
	}
	return &Coordinator{
		maxChips: maxChips,
		groups:   make(map[int]*group),
		byDevice: make(map[consts.Handle]int),
	}
}

func recovering(d *device.Device) bool {
	return d.Flags().Test(device.FlagRecovering)
}

// Configure creates or replaces group id. maxChips of zero uses the
// platform limit. It fails with GroupBusy while any current or prospective
// member is mid-recovery.
func (c *Coordinator) Configure(id, maxChips int, specs []MemberSpec) error {
	if maxChips <= 0 || maxChips > c.maxChips {
		maxChips = c.maxChips
	}
	if len(specs) == 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "ConfigureGroup", "group %d has no members", id)
	}
	if len(specs) > maxChips {
		return errors.Newf(errors.ErrCodeGroupFull, "ConfigureGroup", "group %d: %d members exceed max %d", id, len(specs), maxChips)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[consts.Handle]bool, len(specs))
	for _, s := range specs {
		if s.Device == nil {
			return errors.Newf(errors.ErrCodeUnknownDevice, "ConfigureGroup", "group %d: nil member", id)
		}
		h := s.Device.Handle
		if seen[h] {
			return errors.Newf(errors.ErrCodeConfigInvalid, "ConfigureGroup", "group %d: %s listed twice", id, s.Device.Name)
		}
		seen[h] = true
		if other, ok := c.byDevice[h]; ok && other != id {
			return errors.Newf(errors.ErrCodeBusy, "ConfigureGroup", "%s already belongs to group %d", s.Device.Name, other)
		}
		if recovering(s.Device) {
			return errors.Newf(errors.ErrCodeGroupBusy, "ConfigureGroup", "%s is recovering", s.Device.Name)
		}
	}
	if old, ok := c.groups[id]; ok {
		for _, m := range old.members {
			if recovering(m.dev) {
				return errors.Newf(errors.ErrCodeGroupBusy, "ConfigureGroup", "%s is recovering", m.dev.Name)
			}
		}
		c.clearLocked(old)
	}

	g := &group{id: id, maxChips: maxChips}
	for _, s := range specs {
		g.members = append(g.members, &member{
			dev:     s.Device,
			chipID:  s.ChipID,
			linkIDs: append([]int(nil), s.LinkIDs...),
			capable: s.Device.Caps.SupportsMLO,
		})
	}
	n := len(g.members)
	for i, m := range g.members {
		switch {
		case n == 2:
			m.adjacent = []int{g.members[1-i].chipID}
		case n > 2:
			m.adjacent = []int{g.members[(i+n-1)%n].chipID, g.members[(i+1)%n].chipID}
		}
	}
	for _, m := range g.members {
		c.byDevice[m.dev.Handle] = id
		m.dev.SetGroup(id)
	}
	c.groups[id] = g
	return nil
}

func (c *Coordinator) clearLocked(g *group) {
	for _, m := range g.members {
		delete(c.byDevice, m.dev.Handle)
		m.dev.SetGroup(device.NoGroup)
	}
	delete(c.groups, g.id)
}

// Reset dissolves group id. Resetting an unknown group is a no-op.
func (c *Coordinator) Reset(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	if !ok {
		return nil
	}
	for _, m := range g.members {
		if recovering(m.dev) {
			return errors.Newf(errors.ErrCodeGroupBusy, "ResetGroup", "%s is recovering", m.dev.Name)
		}
	}
	c.clearLocked(g)
	return nil
}

// Forget drops h from its group, dissolving groups left empty. Used when a
// device detaches.
func (c *Coordinator) Forget(h consts.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byDevice[h]
	if !ok {
		return
	}
	delete(c.byDevice, h)
	g := c.groups[id]
	kept := g.members[:0]
	for _, m := range g.members {
		if m.dev.Handle == h {
			m.dev.SetGroup(device.NoGroup)
			continue
		}
		kept = append(kept, m)
	}
	g.members = kept
	if len(kept) == 0 {
		delete(c.groups, id)
	}
}

func (c *Coordinator) primaryLocked(g *group) *member {
	for _, m := range g.members {
		if !m.remapApplied {
			return m
		}
	}
	return g.members[0]
}

// DesignatePrimary returns the first member whose link remap is not yet
// applied, or member 0 when every remap is applied.
func (c *Coordinator) DesignatePrimary(id int) (*device.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok || len(g.members) == 0 {
		return nil, errors.Newf(errors.ErrCodeUnknownGroup, "DesignatePrimary", "no group %d", id)
	}
	return c.primaryLocked(g).dev, nil
}

// SetRemapApplied records the link-remap state of h within its group.
func (c *Coordinator) SetRemapApplied(h consts.Handle, applied bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byDevice[h]
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownGroup, "SetRemapApplied", "handle %d is not grouped", h)
	}
	for _, m := range c.groups[id].members {
		if m.dev.Handle == h {
			m.remapApplied = applied
		}
	}
	return nil
}

// AllMembersDumped reports whether every group-capable member has finished
// the dump phase of its current crash.
func (c *Coordinator) AllMembersDumped(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return true
	}
	for _, m := range g.members {
		if !m.capable {
			continue
		}
		if m.dev.Power == nil || !m.dev.Power.Dumped() {
			return false
		}
	}
	return true
}

// GroupOf returns the group holding h.
func (c *Coordinator) GroupOf(h consts.Handle) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byDevice[h]
	return id, ok
}

// Siblings returns the other members of h's group.
func (c *Coordinator) Siblings(h consts.Handle) []*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byDevice[h]
	if !ok {
		return nil
	}
	var out []*device.Device
	for _, m := range c.groups[id].members {
		if m.dev.Handle != h {
			out = append(out, m.dev)
		}
	}
	return out
}

func (c *Coordinator) Info(id int) (Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return Info{}, errors.Newf(errors.ErrCodeUnknownGroup, "GroupInfo", "no group %d", id)
	}
	info := Info{ID: g.id, MaxChips: g.maxChips}
	if len(g.members) > 0 {
		info.Primary = c.primaryLocked(g).dev.Name
	}
	for _, m := range g.members {
		mi := MemberInfo{
			Device:       m.dev.Name,
			Handle:       m.dev.Handle,
			ChipID:       m.chipID,
			LinkIDs:      append([]int(nil), m.linkIDs...),
			Adjacent:     append([]int(nil), m.adjacent...),
			Capable:      m.capable,
			RemapApplied: m.remapApplied,
		}
		if m.dev.Power != nil {
			mi.Dumped = m.dev.Power.Dumped()
		}
		info.Members = append(info.Members, mi)
	}
	return info, nil
}

// Groups lists configured group ids in ascending order.
func (c *Coordinator) Groups() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Personal.AI order the ending
