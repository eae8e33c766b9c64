// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package registry implements the device-identity registry: the
// persistent file format, its in-memory mirror, and the operations that
// keep them in sync.
//
// How the devices file and device identities are used by an ordinary
// command: Load() populates a Registry with one UseEntry per persisted
// line; a device cache is matched against those entries (see the match
// package); once devices are scanned, validation reconciles recorded
// PVIDs against what was actually read from disk; Save() writes the
// result back under the advisory lock.
package registry

import (
	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-blockdevice/v2/identity"
)

// UseEntry is one persisted row: a device the registry has been told it
// may use, plus the identity it was last known by.
//
//nolint:govet
type UseEntry struct {
	// IDType is the identity scheme this entry is keyed on.
	IDType identity.Kind

	// IDName is the kind-specific identifier string, or nil meaning
	// "identity lost" (only possible for IDType == KindDevname after an
	// impostor is detected).
	IDName *string

	// DevName is the last-known device path. It is a hint only: never
	// used to establish identity, just to make the common case of
	// matching fast and to give the operator a historical clue.
	DevName *string

	// PVID is the 32-byte physical-volume identifier last observed on
	// disk for this entry, or nil if none has been observed.
	PVID *string

	// Part is the partition index, 0 for a whole-disk device.
	Part int

	// dev is the non-owning back-reference to the matched device, set
	// by the matcher/validator/rename-search. It is absent (nil) until
	// a match is made.
	dev MatchedDevice
}

// MatchedDevice is the minimal view of a device-cache record the
// registry needs: enough to read back its current name and toggle its
// matched-by-identity flag. The real type lives in the devcache package;
// this interface is the seam spec.md's Design Notes call for.
type MatchedDevice interface {
	// Name is the device's current kernel-assigned path, e.g. "/dev/sdb".
	Name() string
	// SetMatched sets or clears this device's matched-by-identity flag.
	SetMatched(matched bool)
}

// Dev returns the device this entry is currently matched to, or nil.
func (u *UseEntry) Dev() MatchedDevice {
	return u.dev
}

// Matched reports whether this entry has a matched device.
func (u *UseEntry) Matched() bool {
	return u.dev != nil
}

// SetMatch links the entry and the device together, toggling both
// halves of the matched-flag invariant atomically (spec.md §3 invariant:
// "If UseEntry is matched, its dev is set and the device has its
// matched-by-identity flag set; the two are toggled together").
func (u *UseEntry) SetMatch(dev MatchedDevice) {
	if u.dev != nil && u.dev != dev {
		u.dev.SetMatched(false)
	}

	u.dev = dev

	if dev != nil {
		dev.SetMatched(true)
	}
}

// Unmatch clears the match, toggling the device's flag off too.
func (u *UseEntry) Unmatch() {
	if u.dev != nil {
		u.dev.SetMatched(false)
	}

	u.dev = nil
}

// IDNameValue returns the idname, or "" if absent.
func (u *UseEntry) IDNameValue() string {
	return pointer.SafeDeref(u.IDName)
}

// DevNameValue returns the devname hint, or "" if absent.
func (u *UseEntry) DevNameValue() string {
	return pointer.SafeDeref(u.DevName)
}

// PVIDValue returns the PVID, or "" if absent.
func (u *UseEntry) PVIDValue() string {
	return pointer.SafeDeref(u.PVID)
}

// Clone returns a deep copy of the entry, excluding the match (a clone
// starts unmatched).
func (u *UseEntry) Clone() *UseEntry {
	clone := &UseEntry{
		IDType: u.IDType,
		Part:   u.Part,
	}

	if u.IDName != nil {
		clone.IDName = pointer.To(*u.IDName)
	}

	if u.DevName != nil {
		clone.DevName = pointer.To(*u.DevName)
	}

	if u.PVID != nil {
		clone.PVID = pointer.To(*u.PVID)
	}

	return clone
}

// DeviceIdentity is a cached (kind, name) pair attached to a device
// record by the matcher, to avoid repeated sysfs reads.
//
// An entry with IDType set and IDName nil is a valid negative cache:
// "this kind was checked and is not available here" (spec.md §3).
type DeviceIdentity struct {
	IDType identity.Kind
	IDName *string
}

// Negative reports whether this is a negative-cache entry.
func (d DeviceIdentity) Negative() bool {
	return d.IDName == nil
}

// Version is the devices-file header's major.minor.counter version.
type Version struct {
	Major   uint32
	Minor   uint32
	Counter uint32
}

// SupportedMajor is the highest devices-file major version this
// implementation understands. A file with a higher major aborts writes
// to avoid corruption by an older implementation (spec.md §3 invariant).
const SupportedMajor = 1

// CurrentMinor is the minor version this implementation writes.
const CurrentMinor = 1

// TooNew reports whether this version's major exceeds what this
// implementation supports.
func (v Version) TooNew() bool {
	return v.Major > SupportedMajor
}

// Registry is the process-scoped (not global, per spec.md §9's design
// note) in-memory mirror of one persisted devices file.
//
//nolint:govet
type Registry struct {
	// Entries is the ordered sequence of UseEntry, insertion order
	// preserving file order for readability.
	Entries []*UseEntry

	// SystemID is the file header's SYSTEMID field, or "" if absent.
	SystemID string

	// Version is the file header's parsed VERSION field.
	Version Version

	// Path is the devices-file path this registry was loaded from /
	// will be saved to.
	Path string

	// Dirty is set whenever an operation mutates the registry in a way
	// that requires a rewrite.
	Dirty bool

	// listMode indicates the registry was built from an explicit list
	// of device paths rather than a file; in that mode the matcher only
	// does name lookups (spec.md §4.3 "List-mode variant") and Save
	// is a no-op.
	listMode bool
}

// New returns an empty registry for the given path.
func New(path string) *Registry {
	return &Registry{Path: path}
}

// NewFromDeviceList builds a list-mode registry: one devname-kinded,
// already-notional entry per path, with no identity computation.
func NewFromDeviceList(paths []string) *Registry {
	r := &Registry{listMode: true}

	for _, p := range paths {
		r.Entries = append(r.Entries, &UseEntry{
			IDType:  identity.KindDevname,
			IDName:  pointer.To(p),
			DevName: pointer.To(p),
		})
	}

	return r
}

// ListMode reports whether this registry was built from an explicit
// device list rather than a devices file.
func (r *Registry) ListMode() bool {
	return r.listMode
}

// FindByDevName returns the entry whose devname hint matches the given
// path, or nil.
func (r *Registry) FindByDevName(devname string) *UseEntry {
	for _, u := range r.Entries {
		if u.DevNameValue() == devname {
			return u
		}
	}

	return nil
}

// FindByPVID returns the entry with the given PVID, or nil.
func (r *Registry) FindByPVID(pvid string) *UseEntry {
	for _, u := range r.Entries {
		if u.PVIDValue() == pvid {
			return u
		}
	}

	return nil
}

// FindByIdentity returns the entry with the given (kind, name), or nil.
func (r *Registry) FindByIdentity(kind identity.Kind, idname string) *UseEntry {
	for _, u := range r.Entries {
		if u.IDType == kind && u.IDNameValue() == idname {
			return u
		}
	}

	return nil
}

// Add appends a new entry and marks the registry dirty. It returns
// ErrIdentityConflict if an entry already exists for the same identity
// or PVID, unless the collision is a different partition of the same
// primary device (in which case it is accepted silently), matching
// spec.md §7's IdentityConflict rule.
func (r *Registry) Add(kind identity.Kind, idname, devname, pvid string, part int) (*UseEntry, error) {
	if kind.Unsupported() {
		return nil, ErrUnsupportedKind
	}

	if existing := r.FindByIdentity(kind, idname); existing != nil && existing.Part == part {
		return nil, ErrIdentityConflict
	}

	if pvid != "" {
		if existing := r.FindByPVID(pvid); existing != nil && existing.Part == part {
			return nil, ErrIdentityConflict
		}
	}

	u := &UseEntry{
		IDType: kind,
		Part:   part,
	}

	if idname != "" {
		u.IDName = pointer.To(idname)
	}

	if devname != "" {
		u.DevName = pointer.To(devname)
	}

	if pvid != "" {
		u.PVID = pointer.To(pvid)
	}

	r.Entries = append(r.Entries, u)
	r.Dirty = true

	return u, nil
}

// Remove deletes the given entry from the registry, unmatching it first.
func (r *Registry) Remove(u *UseEntry) {
	for i, e := range r.Entries {
		if e == u {
			e.Unmatch()
			r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
			r.Dirty = true

			return
		}
	}
}

// Orphans returns entries that have no matched device, for reporting
// per spec.md §7's OrphanEntry error kind (retained, reported, never
// auto-removed).
func (r *Registry) Orphans() []*UseEntry {
	var out []*UseEntry

	for _, u := range r.Entries {
		if !u.Matched() {
			out = append(out, u)
		}
	}

	return out
}
