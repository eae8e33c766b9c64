// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package identity defines the closed set of stable-identity schemes the
// device-identity registry can record for a block device, and the policy
// for picking one when a device is first added.
package identity

import "strings"

// Kind is a stable-identity scheme for a block device.
//
// The zero value is KindNone, meaning "no identity".
type Kind uint16

// The closed enumeration of identity kinds. This order is not the order
// SelectKind tries them in.
const (
	// KindNone means no identity kind is recorded (an UseEntry that has
	// lost its identity carries this).
	KindNone Kind = iota
	// KindWWID is a SCSI/NVMe world-wide identifier read from sysfs.
	KindWWID
	// KindSCSISerial is a SCSI serial number read from sysfs.
	KindSCSISerial
	// KindMpathUUID is a device-mapper multipath DM UUID (mpath- prefix).
	KindMpathUUID
	// KindCryptUUID is a device-mapper crypt DM UUID (CRYPT- prefix).
	KindCryptUUID
	// KindLVMUUID is a device-mapper logical-volume DM UUID (LVM- prefix).
	KindLVMUUID
	// KindMDUUID is a Linux software-RAID (md) array UUID.
	KindMDUUID
	// KindLoopFile is the backing-file path of a loop device.
	KindLoopFile
	// KindDevname is the kernel-assigned device name, the unstable
	// last-resort fallback that the rename search exists to repair.
	KindDevname
	// KindDrbd is reserved but unsupported: DRBD devices are recognised
	// as a kind so they round-trip through the file format, but no
	// add/select operation will ever produce or accept one.
	KindDrbd
)

// tags are the stable textual tags used in the persisted file's IDTYPE field.
var tags = map[Kind]string{
	KindNone:       ".",
	KindWWID:       "sys_wwid",
	KindSCSISerial: "sys_serial",
	KindMpathUUID:  "mpath_uuid",
	KindCryptUUID:  "crypt_uuid",
	KindLVMUUID:    "lvmlv_uuid",
	KindMDUUID:     "md_uuid",
	KindLoopFile:   "loop_file",
	KindDevname:    "devname",
	KindDrbd:       "drbd_uuid",
}

var tagsReverse = func() map[string]Kind {
	m := make(map[string]Kind, len(tags))
	for k, v := range tags {
		m[v] = k
	}

	return m
}()

// String returns the stable textual tag for the kind, as written to the
// IDTYPE field of the persisted file.
func (k Kind) String() string {
	if tag, ok := tags[k]; ok {
		return tag
	}

	return "."
}

// FromString parses a persisted IDTYPE tag back into a Kind.
//
// An unrecognised tag yields KindNone, mirroring the source's tolerant
// parse-continues-with-warning behaviour for malformed entry lines.
func FromString(s string) Kind {
	if k, ok := tagsReverse[s]; ok {
		return k
	}

	return KindNone
}

// Unsupported reports whether operations must reject this kind outright.
func (k Kind) Unsupported() bool {
	return k == KindDrbd
}

// Stable reports whether the kind is a reliable device identity, i.e.
// every kind except KindDevname and KindNone.
func (k Kind) Stable() bool {
	return k != KindDevname && k != KindNone
}

// Majors bundles the handful of major numbers the compatibility table in
// CompatibleWithMajor needs to know about; callers (typically the
// devcache package) resolve these once for the host.
type Majors struct {
	DeviceMapper int
	MD           int
	Loop         int
}

// CompatibleWithMajor implements the idtype/major compatibility table
// used by the matcher to skip entries that could never apply to a device.
func (k Kind) CompatibleWithMajor(major int, m Majors) bool {
	switch k {
	case KindDevname:
		return true
	case KindMpathUUID, KindCryptUUID, KindLVMUUID:
		return major == m.DeviceMapper
	case KindMDUUID:
		return major == m.MD
	case KindLoopFile:
		return major == m.Loop
	}

	switch major {
	case m.DeviceMapper:
		return false // only the DM kinds above and devname are compatible with DM major.
	case m.MD:
		return false
	case m.Loop:
		return false
	}

	return true
}

// SanitizeIdentifier replaces whitespace, tabs, and control characters in
// a raw sysfs-read identifier with underscores, per spec.md §4.1.
func SanitizeIdentifier(raw string) string {
	var b strings.Builder

	b.Grow(len(raw))

	for _, r := range raw {
		if r <= 0x20 || r == 0x7f {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// isQEMUPlaceholderWWID reports whether a WWID value is QEMU's
// non-unique emulated-disk identifier, which must never be recorded.
func isQEMUPlaceholderWWID(wwid string) bool {
	return strings.Contains(wwid, "QEMU HARDDISK")
}

// CleanWWID sanitizes a raw WWID and discards it if it is the QEMU
// placeholder value, returning ("", false) in that case.
func CleanWWID(raw string) (string, bool) {
	if isQEMUPlaceholderWWID(raw) {
		return "", false
	}

	clean := SanitizeIdentifier(strings.TrimSpace(raw))
	if clean == "" {
		return "", false
	}

	return clean, true
}
