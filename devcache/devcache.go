// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package devcache implements the minimal device-cache collaborator the
// device-identity registry's matcher, validator, and rename search are
// designed to sit behind (spec.md §6 "Imports from collaborators").
//
// It is not part of the core's load-bearing policy: a real deployment
// may already have a fuller block-device cache (enumerating partitions,
// tracking aliases, applying filter chains) and need only satisfy the
// same narrow contract this package implements. Device enumeration is
// grounded on blockdevice/util/disk's /sys/block walk; per-device
// identity reads are grounded on the identity package.
package devcache

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	glob "github.com/ryanuber/go-glob"

	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

// Device is one entry in the device cache: a block device the matcher
// can try to pair against a UseEntry.
//
//nolint:govet
type Device struct {
	name    string // current kernel-assigned path, e.g. "/dev/sdb1"
	sysName string // sysfs leaf name, e.g. "sdb1"
	major   int
	minor   int
	part    int // partition index, 0 for whole-disk
	primary *Device

	// ids caches every (kind, name) this device has already been
	// queried for, including negative results, so the matcher never
	// repeats a sysfs read.
	ids []registry.DeviceIdentity

	// PVID is set by the label-scan collaborator once the device has
	// been read; ScanNotRead/Excluded record why it might be absent.
	PVID        string
	ScanNotRead bool
	Excluded    bool
	ExcludeWhy  string

	// Aliases records the earlier devnames this device was known by
	// during this run, mirroring dev->aliases: SetName appends the old
	// name whenever the name changes. Empty means the name has never
	// changed; the current name is not included.
	Aliases []string

	matched bool
}

// Name implements registry.MatchedDevice.
func (d *Device) Name() string { return d.name }

// SetMatched implements registry.MatchedDevice.
func (d *Device) SetMatched(m bool) { d.matched = m }

// Matched reports the matched-by-identity flag's current value.
func (d *Device) Matched() bool { return d.matched }

// Major returns the device's kernel major number.
func (d *Device) Major() int { return d.major }

// Minor returns the device's kernel minor number.
func (d *Device) Minor() int { return d.minor }

// Part returns the device's partition index (0 for whole-disk).
func (d *Device) Part() int { return d.part }

// SysName returns the device's sysfs leaf name, e.g. "sdb1" or "dm-3".
func (d *Device) SysName() string { return d.sysName }

// Primary returns the whole-disk device this partition belongs to, or
// the device itself if it is already a whole disk.
func (d *Device) Primary() *Device {
	if d.primary != nil {
		return d.primary
	}

	return d
}

// CachedIdentity returns a previously-cached (kind, name) lookup for
// this device, if any, including negative-cache entries.
func (d *Device) CachedIdentity(kind identity.Kind) (registry.DeviceIdentity, bool) {
	for _, id := range d.ids {
		if id.IDType == kind {
			return id, true
		}
	}

	return registry.DeviceIdentity{}, false
}

// CacheIdentity records a (possibly negative) identity lookup result for
// this device so future matcher passes can skip the sysfs read.
func (d *Device) CacheIdentity(id registry.DeviceIdentity) {
	for i, existing := range d.ids {
		if existing.IDType == id.IDType {
			d.ids[i] = id

			return
		}
	}

	d.ids = append(d.ids, id)
}

// SetName updates the device's current path, recording the previous
// name as an alias when the new name differs from it.
func (d *Device) SetName(name string) {
	if d.name != "" && d.name != name {
		d.Aliases = append(d.Aliases, d.name)
	}

	d.name = name
}

// Cache is the in-memory device cache: every block device currently
// visible on the host, keyed by path.
type Cache struct {
	sysfsDir string
	devDir   string
	majors   identity.Majors
	sysfs    identity.SysfsReader

	byName map[string]*Device
	order  []*Device
}

// New returns an empty Cache configured for the given sysfs/dev roots
// and kernel major numbers.
func New(sysfsDir, devDir string, majors identity.Majors) *Cache {
	if sysfsDir == "" {
		sysfsDir = "/sys"
	}

	if devDir == "" {
		devDir = "/dev"
	}

	return &Cache{
		sysfsDir: sysfsDir,
		devDir:   devDir,
		majors:   majors,
		sysfs:    identity.DefaultSysfsReader(sysfsDir),
		byName:   make(map[string]*Device),
	}
}

// SysfsReader returns the reader this cache uses for identity lookups,
// so the identity package's Read/SelectKind can be driven consistently.
func (c *Cache) SysfsReader() identity.SysfsReader {
	return c.sysfs
}

// Majors returns the major-number table this cache was configured with.
func (c *Cache) Majors() identity.Majors {
	return c.majors
}

// SysfsReaderHolders lists the kernel names under
// "<sysfsDir>/class/block/<name>/holders/", the set of device-mapper
// devices stacked directly on top of name. Used by the multipath
// detector's sysfs-holders strategy.
func (c *Cache) SysfsReaderHolders(name string) ([]string, bool) {
	entries, err := os.ReadDir(filepath.Join(c.sysfsDir, "class", "block", name, "holders"))
	if err != nil {
		return nil, false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, true
}

// SlavesWWID returns the device/wwid sysfs value of the first slave of
// the device-mapper device backing sysName, giving the representative
// WWID of a multipath group.
func (c *Cache) SlavesWWID(sysName string) (string, bool) {
	entries, err := os.ReadDir(filepath.Join(c.sysfsDir, "class", "block", sysName, "slaves"))
	if err != nil || len(entries) == 0 {
		return "", false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return c.sysfs(names[0], "device/wwid")
}

// Scan enumerates every block device under "<sysfsDir>/class/block",
// building a Device record for each. Devices that are slaves of a
// whole disk (partitions) get their primary field populated.
//
// Grounded on blockdevice/util/disk.List's /sys/block walk, generalised
// to surface major:minor and partition linkage rather than disk-model
// metadata.
func (c *Cache) Scan() error {
	entries, err := os.ReadDir(filepath.Join(c.sysfsDir, "class", "block"))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		if err := c.addDevice(name); err != nil {
			continue
		}
	}

	// second pass: link partitions to their primary whole-disk device.
	for _, dev := range c.order {
		if dev.part == 0 {
			continue
		}

		primaryName := primaryNameFor(dev.sysName)
		if primary, ok := c.byName[c.devPath(primaryName)]; ok {
			dev.primary = primary
		}
	}

	return nil
}

func (c *Cache) devPath(sysName string) string {
	return filepath.Join(c.devDir, sysName)
}

func (c *Cache) addDevice(sysName string) error {
	devno, err := os.ReadFile(filepath.Join(c.sysfsDir, "class", "block", sysName, "dev"))
	if err != nil {
		return err
	}

	major, minor, ok := parseDevno(strings.TrimSpace(string(devno)))
	if !ok {
		return nil //nolint:nilnil
	}

	part := 0

	if data, err := os.ReadFile(filepath.Join(c.sysfsDir, "class", "block", sysName, "partition")); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			part = n
		}
	}

	dev := &Device{
		sysName: sysName,
		major:   major,
		minor:   minor,
		part:    part,
	}
	dev.SetName(c.devPath(sysName))

	c.byName[dev.name] = dev
	c.order = append(c.order, dev)

	return nil
}

func parseDevno(s string) (major, minor int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	maj, err1 := strconv.Atoi(parts[0])
	min, err2 := strconv.Atoi(parts[1])

	if err1 != nil || err2 != nil {
		return 0, 0, false
	}

	return maj, min, true
}

// primaryNameFor strips a trailing partition suffix the way the kernel
// names them: "sdb1" -> "sdb", "nvme0n1p1" -> "nvme0n1".
func primaryNameFor(sysName string) string {
	i := len(sysName)
	for i > 0 && sysName[i-1] >= '0' && sysName[i-1] <= '9' {
		i--
	}

	base := sysName[:i]

	if strings.HasPrefix(sysName, "nvme") && strings.HasSuffix(base, "p") {
		base = strings.TrimSuffix(base, "p")
	}

	return base
}

// AddDevice implements the udev "device added" hotplug path: it adds a
// single device to the cache by its sysfs leaf name and links it to its
// already-known primary whole-disk device, without re-walking the whole
// /sys/block tree the way Scan does.
func (c *Cache) AddDevice(sysName string) (*Device, bool) {
	if _, ok := c.byName[c.devPath(sysName)]; ok {
		return c.byName[c.devPath(sysName)], true
	}

	if err := c.addDevice(sysName); err != nil {
		return nil, false
	}

	dev, ok := c.byName[c.devPath(sysName)]
	if !ok {
		return nil, false
	}

	if dev.part != 0 {
		if primary, ok := c.byName[c.devPath(primaryNameFor(dev.sysName))]; ok {
			dev.primary = primary
		}
	}

	return dev, true
}

// GetExisting looks up a device by its current path without touching
// sysfs, the cheap check the matcher tries first (spec.md §4.3 step 1,
// "Try the device named by u.devname first").
func (c *Cache) GetExisting(name string) (*Device, bool) {
	d, ok := c.byName[name]

	return d, ok
}

// FindByGlob returns every device whose current path, sysfs name, or
// cached WWID matches pattern, using shell-glob semantics. Grounded on
// blockdevice/util/disk's Matcher family, which uses the same library
// to let an operator select devices by name, serial, or WWID pattern
// rather than an exact match.
func (c *Cache) FindByGlob(pattern string) []*Device {
	var out []*Device

	for _, d := range c.order {
		if glob.Glob(pattern, d.name) || glob.Glob(pattern, d.sysName) {
			out = append(out, d)

			continue
		}

		if wwid, ok := d.CachedIdentity(identity.KindWWID); ok && !wwid.Negative() && glob.Glob(pattern, *wwid.IDName) {
			out = append(out, d)
		}
	}

	return out
}

// All returns every device in the cache, in enumeration order.
func (c *Cache) All() []*Device {
	return c.order
}

// Unmatched returns every device that does not currently carry the
// matched-by-identity flag.
func (c *Cache) Unmatched() []*Device {
	var out []*Device

	for _, d := range c.order {
		if !d.matched {
			out = append(out, d)
		}
	}

	return out
}

// Drop removes a device from the cache entirely, mirroring
// lvmcache_del_dev / filter->wipe for a device found to be an impostor.
func (c *Cache) Drop(d *Device) {
	delete(c.byName, d.name)

	for i, existing := range c.order {
		if existing == d {
			c.order = append(c.order[:i], c.order[i+1:]...)

			return
		}
	}
}
