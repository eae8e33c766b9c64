// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package identity

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsReader reads a single sysfs attribute for a device, given its
// kernel name (e.g. "sda", "dm-3"). It returns ("", false) when the
// attribute does not exist or is empty, which the caller records as a
// negative cache entry rather than an error.
type SysfsReader func(name, suffix string) (string, bool)

// DefaultSysfsReader reads from the real /sys tree.
func DefaultSysfsReader(sysfsDir string) SysfsReader {
	if sysfsDir == "" {
		sysfsDir = "/sys"
	}

	return func(name, suffix string) (string, bool) {
		data, err := os.ReadFile(filepath.Join(sysfsDir, "class", "block", name, suffix))
		if err != nil {
			data, err = os.ReadFile(filepath.Join(sysfsDir, "block", name, suffix))
			if err != nil {
				return "", false
			}
		}

		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", false
		}

		return v, true
	}
}

// dmUUIDStripPartPrefix strips a kpartx "partN-" prefix before testing a DM UUID
// prefix, mirroring _dm_uuid_has_prefix in the source.
func dmUUIDStripPartPrefix(uuid string) string {
	if !strings.HasPrefix(uuid, "part") {
		return uuid
	}

	if idx := strings.IndexByte(uuid, '-'); idx >= 0 {
		rest := uuid[idx+1:]
		// confirm the stripped prefix really was digits, e.g. "part1-"
		digits := uuid[4:idx]
		if digits != "" {
			if _, err := strconv.Atoi(digits); err == nil {
				return rest
			}
		}
	}

	return uuid
}

// DMUUIDKind classifies a raw "dm/uuid" sysfs value into the DM-backed
// identity kind it belongs to, per the selection policy's prefix tests:
// mpath-, then CRYPT-, then LVM-.
func DMUUIDKind(rawUUID string) (Kind, bool) {
	stripped := dmUUIDStripPartPrefix(rawUUID)

	switch {
	case strings.HasPrefix(stripped, "mpath-"):
		return KindMpathUUID, true
	case strings.HasPrefix(stripped, "CRYPT-"):
		return KindCryptUUID, true
	case strings.HasPrefix(stripped, "LVM-"):
		return KindLVMUUID, true
	default:
		return KindNone, false
	}
}

// CleanLoopBackingFile validates a loop device's backing-file path, read
// from /sys/block/loopN/loop/backing_file. A path ending in the kernel's
// "(deleted)" marker for an unlinked backing file is discarded.
func CleanLoopBackingFile(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	if strings.HasSuffix(raw, "(deleted)") {
		return "", false
	}

	return raw, true
}

// Read resolves the identity of the given kind for a device, using the
// supplied sysfs reader. It returns ("", false) as a valid negative
// result (this kind of identity is not available for this device),
// never an error, matching device_id_system_read's tri-state behaviour.
func Read(read SysfsReader, name string, kind Kind) (string, bool) {
	switch kind {
	case KindWWID:
		raw, ok := read(name, "device/wwid")
		if !ok {
			raw, ok = read(name, "wwid")
		}

		if !ok {
			return "", false
		}

		return CleanWWID(raw)

	case KindSCSISerial:
		raw, ok := read(name, "device/serial")
		if !ok {
			return "", false
		}

		clean := SanitizeIdentifier(strings.TrimSpace(raw))
		if clean == "" {
			return "", false
		}

		return clean, true

	case KindMpathUUID, KindCryptUUID, KindLVMUUID:
		raw, ok := read(name, "dm/uuid")
		if !ok {
			return "", false
		}

		gotKind, ok := DMUUIDKind(raw)
		if !ok || gotKind != kind {
			return "", false
		}

		return SanitizeIdentifier(dmUUIDStripPartPrefix(raw)), true

	case KindMDUUID:
		raw, ok := read(name, "md/uuid")
		if !ok {
			return "", false
		}

		return SanitizeIdentifier(raw), true

	case KindLoopFile:
		raw, ok := read(name, "loop/backing_file")
		if !ok {
			return "", false
		}

		return CleanLoopBackingFile(raw)

	case KindDevname:
		// devname identity is resolved by the caller from the device
		// cache's current path, not from sysfs.
		return "", false

	default:
		return "", false
	}
}

// SelectKind applies the selection policy of spec.md §4.1 in order,
// returning the first identity kind (and value) available for the
// device, or (KindDevname, "") if nothing stable was found (the caller
// fills in the current device name for the devname fallback).
//
// callerKind/callerName let an explicit add-operation override the
// policy with a caller-supplied kind and name (steps 1-2); pass
// KindNone/"" when there is no caller override.
func SelectKind(read SysfsReader, name string, major int, majors Majors, scanLVs bool, callerKind Kind, callerName string) (Kind, string) {
	if callerKind != KindNone && callerName != "" {
		if got, ok := Read(read, name, callerKind); ok && got == callerName {
			return callerKind, got
		}
	}

	if callerKind != KindNone {
		if got, ok := Read(read, name, callerKind); ok {
			return callerKind, got
		}
	}

	if major == majors.DeviceMapper {
		if raw, ok := read(name, "dm/uuid"); ok {
			if k, ok := DMUUIDKind(raw); ok {
				if k == KindLVMUUID && !scanLVs {
					// fall through to devname: LV-backed identities are
					// opt-in via scan_lvs.
				} else {
					return k, SanitizeIdentifier(dmUUIDStripPartPrefix(raw))
				}
			}
		}
	}

	if major == majors.Loop {
		if v, ok := Read(read, name, KindLoopFile); ok {
			return KindLoopFile, v
		}

		return KindDevname, ""
	}

	if major == majors.MD {
		if v, ok := Read(read, name, KindMDUUID); ok {
			return KindMDUUID, v
		}

		return KindDevname, ""
	}

	if v, ok := Read(read, name, KindWWID); ok {
		return KindWWID, v
	}

	if v, ok := Read(read, name, KindSCSISerial); ok {
		return KindSCSISerial, v
	}

	return KindDevname, ""
}
