// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ifaddr tracks the IPv4 addresses configured on local interfaces
// and hands them out through scoped, reference-counted views.
package ifaddr

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
)

// ErrNoConfig is returned by Acquire when the device has no address
// configuration at all.
var ErrNoConfig = errors.New(errors.KindNotFound, "device has no address configuration")

// Address is one address configured on an interface.
type Address struct {
	Local  netip.Addr
	Prefix netip.Prefix
	Label  string
}

// Source hands out address views per device.
type Source interface {
	Acquire(dev conntrack.Device) (*View, error)
}

type snapshot struct {
	device conntrack.Device
	addrs  []Address
}

// View is a read-only, point-in-time list of a device's addresses. It must
// be released exactly once; Addresses returns nil after Release.
type View struct {
	snap     *snapshot
	owner    *Table
	released atomic.Bool
}

// Device returns the device the view was acquired for.
func (v *View) Device() conntrack.Device {
	return v.snap.device
}

// Addresses returns the configured addresses in kernel order.
func (v *View) Addresses() []Address {
	if v.released.Load() {
		return nil
	}
	return v.snap.addrs
}

// Release returns the view to its table. Extra calls are no-ops.
func (v *View) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.owner.held.Add(-1)
	}
}

// Table is an in-memory Source. Updates replace a device's snapshot as a
// whole so views already handed out are never mutated.
type Table struct {
	mu      sync.RWMutex
	byIndex map[int]*snapshot
	byName  map[string]int

	held atomic.Int64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		byIndex: make(map[int]*snapshot),
		byName:  make(map[string]int),
	}
}

// Set replaces the addresses of dev.
func (t *Table) Set(dev conntrack.Device, addrs []Address) {
	cp := make([]Address, len(addrs))
	copy(cp, addrs)

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byIndex[dev.Index]; ok && old.device.Name != dev.Name {
		delete(t.byName, old.device.Name)
	}
	t.byIndex[dev.Index] = &snapshot{device: dev, addrs: cp}
	if dev.Name != "" {
		t.byName[dev.Name] = dev.Index
	}
}

// Remove forgets the device with the given index.
func (t *Table) Remove(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byIndex[index]; ok {
		delete(t.byName, old.device.Name)
		delete(t.byIndex, index)
	}
}

// Acquire returns a view of dev's addresses. The device is looked up by
// index, falling back to its name when the index is unknown or zero.
func (t *Table) Acquire(dev conntrack.Device) (*View, error) {
	t.mu.RLock()
	snap, ok := t.byIndex[dev.Index]
	if !ok && dev.Name != "" {
		if idx, found := t.byName[dev.Name]; found {
			snap, ok = t.byIndex[idx]
		}
	}
	t.mu.RUnlock()

	if !ok {
		err := errors.Wrapf(ErrNoConfig, errors.KindNotFound, "acquire %s", dev)
		return nil, errors.Attr(err, "device", dev.String())
	}
	t.held.Add(1)
	return &View{snap: snap, owner: t}, nil
}

// Held returns the number of views acquired and not yet released.
func (t *Table) Held() int64 {
	return t.held.Load()
}

// Devices lists the known devices.
func (t *Table) Devices() []conntrack.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]conntrack.Device, 0, len(t.byIndex))
	for _, s := range t.byIndex {
		out = append(out, s.device)
	}
	return out
}

// Device returns the device with the given index. Unknown indexes yield a
// Device without a name.
func (t *Table) Device(index int) conntrack.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.byIndex[index]; ok {
		return s.device
	}
	return conntrack.Device{Index: index}
}
