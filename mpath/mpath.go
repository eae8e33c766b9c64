// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mpath

import (
	"bufio"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
)

// minorMemo caches whether a dm minor number has already been checked,
// mirroring the source's hash table keyed by dm minor: true means
// positive, false means negative, absence means "not yet checked".
type minorMemo struct {
	result map[int]bool
}

func newMinorMemo() *minorMemo {
	return &minorMemo{result: make(map[int]bool)}
}

func (m *minorMemo) lookup(minor int) (bool, bool) {
	v, ok := m.result[minor]

	return v, ok
}

func (m *minorMemo) store(minor int, positive bool) {
	m.result[minor] = positive
}

// ExternalInfoSource is the external_device_info_source configuration
// value (spec.md §6).
type ExternalInfoSource string

const (
	ExternalInfoNone ExternalInfoSource = "none"
	ExternalInfoUdev ExternalInfoSource = "udev"
)

// UdevLookup resolves whether a device's udev properties mark it as a
// multipath member directly (spec.md §4.5 strategy 3). Left as a
// collaborator seam since reading udev properties is outside this
// module's scope.
type UdevLookup func(dev *devcache.Device) (bool, bool)

// Detector implements the three multipath-component detection
// strategies of spec.md §4.5, first hit wins.
//
//nolint:govet
type Detector struct {
	Cache  *devcache.Cache
	Majors identity.Majors

	// IsSCSIOrNVMEMajor restricts strategy 1 to SCSI/NVME majors, per
	// spec.md §4.5 ("Only for SCSI/NVME majors"); nil accepts every
	// major (suitable for tests against a synthetic cache).
	IsSCSIOrNVMEMajor func(major int) bool

	// StatRdev resolves a holder's /dev/<holder> path to major:minor,
	// typically match.DefaultStatRdev.
	StatRdev func(path string) (major, minor int, ok bool)

	// DevDir is the directory holder paths are resolved under, e.g.
	// "/dev".
	DevDir string

	WWIDs              map[string]struct{} // loaded from multipath_wwids_file, pruned by Blacklist
	ExternalInfoSource ExternalInfoSource
	UdevLookup         UdevLookup

	Logger *zap.Logger

	minors *minorMemo
}

func (d *Detector) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return zap.NewNop()
}

func (d *Detector) memo() *minorMemo {
	if d.minors == nil {
		d.minors = newMinorMemo()
	}

	return d.minors
}

// LoadWWIDs reads the multipath_wwids_file and prunes it against the
// given blacklist, populating d.WWIDs. An empty path disables WWID-based
// detection entirely, per spec.md §6.
func (d *Detector) LoadWWIDs(wwidsFile string, bl *Blacklist) error {
	d.WWIDs = nil

	if wwidsFile == "" || wwidsFile[0] != '/' {
		return nil
	}

	f, err := os.Open(wwidsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}
	defer f.Close() //nolint:errcheck

	set := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		wwid, ok := parseWWIDLine(line)
		if !ok {
			continue
		}

		if bl == nil || bl.Allowed(wwid, true) {
			set[wwid] = struct{}{}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	d.WWIDs = set

	return nil
}

// parseWWIDLine parses one /etc/multipath/wwids line, of the form
// "/3<wwid>/", stripping the optional leading slash and the mandatory
// SCSI type-3 prefix.
func parseWWIDLine(line string) (string, bool) {
	wwid := strings.TrimPrefix(line, "/")
	wwid = strings.TrimPrefix(wwid, "3")

	if idx := strings.IndexByte(wwid, '/'); idx >= 0 {
		wwid = wwid[:idx]
	}

	if len(wwid) < 8 {
		return "", false
	}

	return wwid, true
}

// IsComponent reports whether dev is a multipath component and must be
// filtered out of the device cache, trying the sysfs-holders, WWID, and
// udev strategies in order (spec.md §4.5).
func (d *Detector) IsComponent(dev *devcache.Device) bool {
	if d.sysfsHolders(dev) {
		return true
	}

	if d.wwidMatch(dev) {
		return true
	}

	if d.ExternalInfoSource == ExternalInfoUdev && d.UdevLookup != nil {
		if positive, ok := d.UdevLookup(dev); ok {
			return positive
		}
	}

	return false
}

// sysfsHolders implements strategy 1: walk
// /sys/block/<primary>/holders/ and check whether any holder is a dm
// device whose DM UUID has the mpath- prefix.
func (d *Detector) sysfsHolders(dev *devcache.Device) bool {
	if d.IsSCSIOrNVMEMajor != nil && !d.IsSCSIOrNVMEMajor(dev.Major()) {
		return false
	}

	primary := dev.Primary()

	holders, ok := d.Cache.SysfsReaderHolders(primary.SysName())
	if !ok {
		return false
	}

	for _, holderName := range holders {
		major, minor, ok := d.statHolder(holderName)
		if !ok || major != d.Majors.DeviceMapper {
			continue
		}

		if positive, known := d.memo().lookup(minor); known {
			if positive {
				return true
			}

			continue
		}

		positive := d.holderIsMpath(holderName)
		d.memo().store(minor, positive)

		if positive {
			return true
		}
	}

	return false
}

func (d *Detector) statHolder(holderName string) (major, minor int, ok bool) {
	if d.StatRdev == nil {
		return 0, 0, false
	}

	devDir := d.DevDir
	if devDir == "" {
		devDir = "/dev"
	}

	return d.StatRdev(devDir + "/" + holderName)
}

func (d *Detector) holderIsMpath(holderName string) bool {
	raw, ok := d.Cache.SysfsReader()(holderName, "dm/uuid")
	if !ok {
		return false
	}

	kind, ok := identity.DMUUIDKind(raw)

	return ok && kind == identity.KindMpathUUID
}

// GroupWWID returns the representative WWID of dev's multipath group,
// read from the first slave's device/wwid sysfs attribute.
func (d *Detector) GroupWWID(dev *devcache.Device) (string, bool) {
	raw, ok := d.Cache.SlavesWWID(dev.SysName())
	if !ok {
		return "", false
	}

	idx := strings.IndexByte(raw, '.')
	if idx < 0 {
		return raw, true
	}

	return raw[idx+1:], true
}

// wwidMatch implements strategy 2: read the device's sysfs WWID, strip
// the "<typestr>." prefix, and look it up in the pruned multipath wwids
// set.
func (d *Detector) wwidMatch(dev *devcache.Device) bool {
	if len(d.WWIDs) == 0 {
		return false
	}

	raw, ok := d.Cache.SysfsReader()(dev.SysName(), "device/wwid")
	if !ok {
		return false
	}

	idx := strings.IndexByte(raw, '.')
	if idx < 0 {
		return false
	}

	wwid := raw[idx+1:]
	_, found := d.WWIDs[wwid]

	if found {
		d.logger().Debug("device is multipath component by wwid", zap.String("dev", dev.Name()), zap.String("wwid", wwid))
	}

	return found
}
