// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package match

import (
	"go.uber.org/zap"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

// ScanResult is the per-device verdict the label-scan collaborator hands
// back to the validator, mirroring spec.md §4.4's precondition that
// validation runs only after label scanning has populated each device's
// PVID field.
type ScanResult struct {
	// Scanned is false if the device was never actually read (e.g. the
	// scan was interrupted); such devices are skipped outright.
	Scanned bool

	// Excluded is true if a downstream filter stage dropped the device
	// before its header could be trusted; validation still runs but
	// warns that the entry may be stale.
	Excluded bool

	// PVID is the physical-volume identifier read from the device's
	// on-disk header, or "" if none was found.
	PVID string
}

// Validator reconciles persisted UseEntry metadata against what the
// label scan actually observed on disk (spec.md §4.4).
type Validator struct {
	Cache *devcache.Cache
	Scan  func(dev *devcache.Device) ScanResult

	// IsStartup suppresses devname updates for stable-kind entries: a
	// startup command should not silently rewrite the hint before the
	// operator has had a chance to see the prior value.
	IsStartup bool

	Logger *zap.Logger
}

func (v *Validator) logger() *zap.Logger {
	if v.Logger != nil {
		return v.Logger
	}

	return zap.NewNop()
}

// Dropped is the set of devices the validator decided to unmatch and
// wipe from the downstream filter/lvmcache during one Validate call.
type Dropped struct {
	Device *devcache.Device
}

// Validate implements both validation passes of spec.md §4.4 over every
// matched entry in the registry, returning the devices that were
// unmatched and must be dropped from the downstream filter and lvmcache.
func (v *Validator) Validate(reg *registry.Registry) []Dropped {
	var dropped []Dropped

	for _, u := range reg.Entries {
		if !u.Matched() {
			continue
		}

		dev, ok := u.Dev().(*devcache.Device)
		if !ok {
			continue
		}

		result, ok := v.scanResult(dev)
		if !ok {
			continue
		}

		if result.Excluded {
			v.logger().Warn("validating against excluded device, entry may be stale",
				zap.String("idname", u.IDNameValue()), zap.String("dev", dev.Name()))
		}

		if u.IDType == identity.KindDevname {
			if v.validateDevname(reg, u, dev, result) {
				dropped = append(dropped, Dropped{Device: dev})
			}

			continue
		}

		v.validateStable(reg, u, dev, result)
	}

	return dropped
}

func (v *Validator) scanResult(dev *devcache.Device) (ScanResult, bool) {
	if v.Scan == nil {
		return ScanResult{}, false
	}

	result := v.Scan(dev)
	if !result.Scanned {
		return ScanResult{}, false
	}

	return result, true
}

// validateStable implements the "stable kinds" pass: the disk is
// authoritative for PVID, and the devname hint tracks the current name
// unless this is a startup command.
func (v *Validator) validateStable(reg *registry.Registry, u *registry.UseEntry, dev *devcache.Device, result ScanResult) {
	switch {
	case result.PVID == "" && u.PVIDValue() != "":
		u.PVID = nil
		reg.Dirty = true
	case result.PVID != "" && result.PVID != u.PVIDValue():
		setPVID(u, result.PVID)
		reg.Dirty = true
	}

	if !v.IsStartup && u.DevNameValue() != dev.Name() {
		setDevName(u, dev.Name())
		reg.Dirty = true
	}
}

// validateDevname implements the "device-name kind" pass: PVID is the
// tie-breaker since the kind itself proves nothing. It returns true if
// the entry was unmatched and its device must be dropped.
func (v *Validator) validateDevname(reg *registry.Registry, u *registry.UseEntry, dev *devcache.Device, result ScanResult) bool {
	if u.PVIDValue() == "" {
		// No pvid was ever recorded for this entry, so there is nothing
		// to contradict: stay matched.
		return false
	}

	if result.PVID != "" && result.PVID == u.PVIDValue() {
		if u.DevNameValue() != dev.Name() {
			setDevName(u, dev.Name())
			reg.Dirty = true
		}

		return false
	}

	v.logger().Warn("device no longer matches recorded pvid, unmatching",
		zap.String("dev", dev.Name()), zap.String("wanted_pvid", u.PVIDValue()), zap.String("got_pvid", result.PVID))

	u.Unmatch()
	u.IDName = nil
	reg.Dirty = true

	return true
}

func setPVID(u *registry.UseEntry, pvid string) {
	v := pvid
	u.PVID = &v
}

func setDevName(u *registry.UseEntry, name string) {
	v := name
	u.DevName = &v
}
