// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package match

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

// SearchMode is the search_for_devnames configuration value (spec.md
// §6's Configuration list).
type SearchMode string

const (
	SearchNone SearchMode = "none"
	SearchAuto SearchMode = "auto"
	SearchAll  SearchMode = "all"
)

// sentinelName is the zero-length marker file that suppresses repeated
// fruitless rename searches against the system devices file (spec.md §6).
const sentinelName = "searched_devnames"

// RenameSearch re-pairs device-name-kinded entries that lost their
// device to a name change, by reading headers off unmatched candidates
// and comparing PVIDs (spec.md §4.4's "Rename search").
//
//nolint:govet
type RenameSearch struct {
	Cache *devcache.Cache

	// RunDir holds the searched_devnames sentinel; required only when
	// IsSystemFile is true.
	RunDir string

	// Mode is the configured search scope. Per spec.md §9's Open
	// Questions decision, the recommended default is SearchNone, with
	// SearchAll as the explicit opt-in for non-system files.
	Mode SearchMode

	// IsSystemFile restricts the sentinel optimisation to the system
	// devices file, per spec.md §6 ("not alternate files").
	IsSystemFile bool

	// ReadHeader extracts a PVID from a device's on-disk header,
	// typically devcache.ReadPVID.
	ReadHeader func(devicePath string) (pvid string, ok bool)

	// CandidateFilter is the restricted, sysfs-only filter subset
	// candidates must pass (spec.md §4.4 step 2); nil accepts every
	// unmatched device.
	CandidateFilter func(dev *devcache.Device) bool

	Logger *zap.Logger
}

func (r *RenameSearch) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}

	return zap.NewNop()
}

// RenameReport lists devices newly matched by a rename search, for the
// caller to re-run scanning on (spec.md §6's "Rename report" export),
// plus any duplicate-PVID ambiguities encountered along the way.
type RenameReport struct {
	Matched   []*devcache.Device
	Ambiguous map[string][]*devcache.Device
}

func (r *RenameSearch) sentinelPath() string {
	return filepath.Join(r.RunDir, sentinelName)
}

// sentinelPresent reports whether a prior search already found nothing.
func (r *RenameSearch) sentinelPresent() bool {
	if !r.IsSystemFile || r.RunDir == "" {
		return false
	}

	_, err := os.Stat(r.sentinelPath())

	return err == nil
}

func (r *RenameSearch) touchSentinel() {
	if !r.IsSystemFile || r.RunDir == "" {
		return
	}

	f, err := os.OpenFile(r.sentinelPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger().Warn("failed to create searched_devnames sentinel", zap.Error(err))

		return
	}

	f.Close() //nolint:errcheck
}

// InvalidateSentinel removes the searched_devnames sentinel, to be
// called by whatever collaborator notices a new device has appeared
// (spec.md §6: "removed on any edit that invalidates prior searches").
func InvalidateSentinel(runDir string) error {
	err := os.Remove(filepath.Join(runDir, sentinelName))
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}

// wantedEntries returns devname-kinded, unmatched entries that still
// carry a PVID: the search's targets.
func wantedEntries(reg *registry.Registry) map[string]*registry.UseEntry {
	wanted := make(map[string]*registry.UseEntry)

	for _, u := range reg.Entries {
		if u.Matched() || u.IDType != identity.KindDevname {
			continue
		}

		if pvid := u.PVIDValue(); pvid != "" {
			wanted[pvid] = u
		}
	}

	return wanted
}

// stableIdentityAvailable reports whether a device already has a stable
// (non-devname) identity determinable from sysfs, making it an unlikely
// rename candidate in auto mode (spec.md §4.4 step 3).
func stableIdentityAvailable(cache *devcache.Cache, dev *devcache.Device) bool {
	stableKinds := []identity.Kind{
		identity.KindWWID, identity.KindSCSISerial,
		identity.KindMpathUUID, identity.KindCryptUUID, identity.KindLVMUUID,
		identity.KindMDUUID, identity.KindLoopFile,
	}

	for _, k := range stableKinds {
		if !k.CompatibleWithMajor(dev.Major(), cache.Majors()) {
			continue
		}

		if cached, ok := dev.CachedIdentity(k); ok {
			if !cached.Negative() {
				return true
			}

			continue
		}

		if _, ok := identity.Read(cache.SysfsReader(), sysfsName(dev), k); ok {
			return true
		}
	}

	return false
}

// Search implements spec.md §4.4's rename search in full: sentinel
// short-circuit, candidate-set construction, header reads, and
// duplicate-PVID detection. The caller is responsible for holding the
// registry's edit lock before calling Search, since a successful search
// mutates matched entries.
func (r *RenameSearch) Search(reg *registry.Registry) RenameReport {
	report := RenameReport{Ambiguous: make(map[string][]*devcache.Device)}

	if r.Mode == SearchNone || r.Mode == "" {
		return report
	}

	wanted := wantedEntries(reg)
	if len(wanted) == 0 {
		return report
	}

	if r.sentinelPresent() {
		return report
	}

	found := make(map[string][]*devcache.Device)

	for _, dev := range r.Cache.Unmatched() {
		if r.CandidateFilter != nil && !r.CandidateFilter(dev) {
			continue
		}

		if r.Mode == SearchAuto && stableIdentityAvailable(r.Cache, dev) {
			continue
		}

		if r.ReadHeader == nil {
			continue
		}

		pvid, ok := r.ReadHeader(dev.Name())
		if !ok {
			continue
		}

		if _, isWanted := wanted[pvid]; !isWanted {
			continue
		}

		found[pvid] = append(found[pvid], dev)
	}

	for pvid, devs := range found {
		u := wanted[pvid]

		switch len(devs) {
		case 0:
			continue
		case 1:
			r.rematch(reg, u, devs[0], pvid)
			report.Matched = append(report.Matched, devs[0])
		default:
			report.Ambiguous[pvid] = devs
			r.logger().Warn("rename search found pvid on multiple devices, not rematching",
				zap.String("pvid", pvid), zap.Int("count", len(devs)))
		}
	}

	if len(report.Matched) == 0 && len(report.Ambiguous) == 0 {
		r.touchSentinel()
	}

	return report
}

func (r *RenameSearch) rematch(reg *registry.Registry, u *registry.UseEntry, dev *devcache.Device, pvid string) {
	name := dev.Name()
	u.IDName = &name
	u.DevName = &name
	u.Part = dev.Part()

	idnameCopy := name
	dev.CacheIdentity(registry.DeviceIdentity{IDType: identity.KindDevname, IDName: &idnameCopy})
	dev.SetName(name)

	u.SetMatch(dev)
	reg.Dirty = true

	r.logger().Info("rename search rematched entry", zap.String("pvid", pvid), zap.String("dev", name))
}
