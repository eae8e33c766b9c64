// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package devcache

import (
	"strings"

	"github.com/siderolabs/go-blockdevice/v2/blkid"
)

// ReadPVID implements the "label_read_pvid(dev) -> (ok, has_pvid)"
// collaborator contract of spec.md §6, backed by the in-repo blkid
// package's lvm2-pv prober instead of a second hand-rolled header
// parser (see SPEC_FULL.md's Domain Stack section).
//
// blkid.ProbePath reads a magic buffer sized for every prober in its
// chain (at least MaxMagicSize bytes, over 32 KiB) before the lvm2
// prober runs, so the read is not limited to the first 4 KiB of the
// device. It returns the 32-character PVID with any formatting hyphens
// stripped, matching the devices-file PVID field's hex32 form.
func ReadPVID(devicePath string) (pvid string, ok bool) {
	info, err := blkid.ProbePath(devicePath)
	if err != nil || info == nil {
		return "", false
	}

	if info.Name != "lvm2-pv" || info.Label == nil {
		return "", false
	}

	return strings.ReplaceAll(*info.Label, "-", ""), true
}
