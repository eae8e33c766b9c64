// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package match

import (
	"os"

	"golang.org/x/sys/unix"
)

// DefaultStatRdev stats a path and reports the major:minor of the
// device it currently refers to, backing the device-mapper
// name-equivalence rule (spec.md §4.3).
func DefaultStatRdev(path string) (major, minor int, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}

	sys, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return 0, 0, false
	}

	return int(unix.Major(uint64(sys.Rdev))), int(unix.Minor(uint64(sys.Rdev))), true
}
