// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package match implements the algorithm that pairs persisted use-entries
// to currently-present devices (spec.md §4.3), the post-scan PVID
// validator, and the renamed-device search (spec.md §4.4).
package match

import (
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

// StatRdev resolves the major:minor device number a path currently
// refers to, used only for the device-mapper name-equivalence kludge
// (spec.md §4.3: "the only case in which the matcher dereferences a
// path from the file").
type StatRdev func(path string) (major, minor int, ok bool)

// Matcher pairs use-entries in a registry to devices in a device cache.
//
// No device I/O is performed by Matcher: only sysfs reads (via the
// cache's SysfsReader) and the one StatRdev name-equivalence check.
type Matcher struct {
	Cache   *devcache.Cache
	ScanLVs bool
	Logger  *zap.Logger

	// StatRdev backs the device-mapper name-equivalence rule; nil
	// disables that rule entirely (an implementer may omit it if DM
	// names are canonicalised on read, per spec.md §9's Design Note).
	StatRdev StatRdev
}

func (m *Matcher) logger() *zap.Logger {
	if m.Logger != nil {
		return m.Logger
	}

	return zap.NewNop()
}

// matchEntryToDevice implements _match_du_to_dev: it checks the major
// compatibility table, the partition index, and then either a cached
// identity or a fresh sysfs read, with the device-mapper name
// equivalence and negative caching as described in spec.md §4.3.
func (m *Matcher) matchEntryToDevice(u *registry.UseEntry, dev *devcache.Device) bool {
	if u.IDName == nil || u.IDType == identity.KindNone {
		return false
	}

	if !u.IDType.CompatibleWithMajor(dev.Major(), m.Cache.Majors()) {
		return false
	}

	if dev.Part() != u.Part {
		return false
	}

	if cached, ok := dev.CachedIdentity(u.IDType); ok {
		if cached.Negative() {
			return false
		}

		return m.compareIdentity(u, dev, cached)
	}

	var (
		idname string
		found  bool
	)

	if u.IDType == identity.KindDevname {
		idname, found = dev.Name(), true
	} else {
		idname, found = identity.Read(m.Cache.SysfsReader(), sysfsName(dev), u.IDType)

		if found && u.IDType == identity.KindLVMUUID && !m.ScanLVs {
			found = false
		}
	}

	if !found {
		dev.CacheIdentity(registry.DeviceIdentity{IDType: u.IDType})

		return false
	}

	idnameCopy := idname
	dev.CacheIdentity(registry.DeviceIdentity{IDType: u.IDType, IDName: &idnameCopy})

	return m.compareIdentity(u, dev, registry.DeviceIdentity{IDType: u.IDType, IDName: &idnameCopy})
}

func (m *Matcher) compareIdentity(u *registry.UseEntry, dev *devcache.Device, id registry.DeviceIdentity) bool {
	if id.IDType == identity.KindDevname && m.matchDMDevnames(u, dev, id) {
		u.SetMatch(dev)
		m.logger().Debug("matched by dm name equivalence", zap.String("idname", u.IDNameValue()), zap.String("dev", dev.Name()))

		return true
	}

	if id.IDName != nil && *id.IDName == u.IDNameValue() {
		u.SetMatch(dev)
		m.logger().Debug("matched", zap.String("idtype", u.IDType.String()), zap.String("idname", u.IDNameValue()), zap.String("dev", dev.Name()))

		return true
	}

	return false
}

// matchDMDevnames implements _match_dm_devnames: dm devices can have
// differing names (e.g. /dev/dm-3 vs /dev/mapper/foo) that still refer
// to the same device.
func (m *Matcher) matchDMDevnames(u *registry.UseEntry, dev *devcache.Device, id registry.DeviceIdentity) bool {
	if dev.Major() != m.Cache.Majors().DeviceMapper {
		return false
	}

	if id.IDName != nil && u.IDName != nil && *id.IDName == *u.IDName {
		return true
	}

	if u.IDNameValue() == dev.Name() {
		return true
	}

	if u.IDName == nil || m.StatRdev == nil {
		return false
	}

	idname := *u.IDName
	if !strings.HasPrefix(idname, "/dev/dm-") && !strings.HasPrefix(idname, "/dev/mapper/") {
		return false
	}

	major, minor, ok := m.StatRdev(idname)
	if !ok {
		return false
	}

	return major == m.Cache.Majors().DeviceMapper && minor == dev.Minor()
}

// MatchDevice implements device_ids_match_dev: tries the devname-hinted
// entry first, then every entry in the registry, against a single
// device. It returns true if a match was made.
func (m *Matcher) MatchDevice(reg *registry.Registry, dev *devcache.Device) bool {
	if u := reg.FindByDevName(dev.Name()); u != nil {
		if m.matchEntryToDevice(u, dev) {
			return true
		}
	}

	for _, u := range reg.Entries {
		if u.Matched() {
			continue
		}

		if m.matchEntryToDevice(u, dev) {
			return true
		}
	}

	return false
}

// HotplugAdd implements the udev "device added" event path: it adds
// sysName to the device cache and immediately tries to pair it against
// an unmatched use-entry via MatchDevice, the single-device fast path
// that avoids a full MatchAll rescan on every hotplug event.
func (m *Matcher) HotplugAdd(reg *registry.Registry, sysName string) (*devcache.Device, bool) {
	dev, ok := m.Cache.AddDevice(sysName)
	if !ok {
		return nil, false
	}

	return dev, m.MatchDevice(reg, dev)
}

// MatchAll implements device_ids_match / device_ids_match_device_list:
// pairs every use-entry in the registry against the device cache.
//
// In list mode (spec.md §4.3's "List-mode variant"), pairing is by name
// lookup only and no identity computation is performed.
func (m *Matcher) MatchAll(reg *registry.Registry) {
	if reg.ListMode() {
		m.matchDeviceList(reg)

		return
	}

	for _, u := range reg.Entries {
		if u.Matched() {
			continue
		}

		if u.DevNameValue() != "" {
			if dev, ok := m.Cache.GetExisting(u.DevNameValue()); ok {
				if m.matchEntryToDevice(u, dev) {
					continue
				}
			}
		}

		for _, dev := range m.Cache.All() {
			if dev.Matched() {
				continue
			}

			if m.matchEntryToDevice(u, dev) {
				break
			}
		}
	}
}

func (m *Matcher) matchDeviceList(reg *registry.Registry) {
	for _, u := range reg.Entries {
		if u.Matched() {
			continue
		}

		dev, ok := m.Cache.GetExisting(u.DevNameValue())
		if !ok {
			m.logger().Warn("device not found for list entry", zap.String("devname", u.DevNameValue()))

			continue
		}

		u.SetMatch(dev)
	}
}

// sysfsName returns the sysfs leaf name for a device's current path,
// e.g. "/dev/sdb" -> "sdb".
func sysfsName(dev *devcache.Device) string {
	name := dev.Name()
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}

	return name
}
