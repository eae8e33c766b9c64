// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package match

// DefaultStatRdev is unavailable outside Linux; the device-mapper
// name-equivalence rule is simply disabled.
func DefaultStatRdev(path string) (major, minor int, ok bool) {
	return 0, 0, false
}
