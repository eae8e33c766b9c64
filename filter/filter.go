// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package filter is the narrow surface the core exports to the
// surrounding scan pipeline (spec.md §6 "Exports to collaborators"):
// the identity filter predicate, metadata hints for volume-group
// writers, and the rename report. It holds no policy of its own.
package filter

import (
	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/match"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

// Matched is the minimal view of a device the identity filter needs:
// whether it carries the matched-by-identity flag. devcache.Device
// satisfies this.
type Matched interface {
	Matched() bool
}

// IsListed implements the identity filter predicate: true iff dev
// carries the matched-by-identity flag, meaning some UseEntry in the
// registry claims it.
func IsListed(dev Matched) bool {
	return dev.Matched()
}

// MetadataHint is the (idtype-tag, idname) pair suitable for embedding
// in volume-group metadata.
type MetadataHint struct {
	IDType string
	IDName string
}

// Hint returns the metadata hint for an entry's identity, or
// (MetadataHint{}, false) if the entry's kind is unstable (device-name)
// and therefore unsuitable for persisting into volume-group metadata.
func Hint(u *registry.UseEntry) (MetadataHint, bool) {
	if !u.IDType.Stable() || u.IDType == identity.KindNone {
		return MetadataHint{}, false
	}

	return MetadataHint{IDType: u.IDType.String(), IDName: u.IDNameValue()}, true
}

// SelectByGlob resolves an operator-supplied device name/serial/WWID
// glob pattern (e.g. an "lvmdevices --adddev" argument) to the devices
// it currently matches in the cache, the selection surface a
// device-management command sits on top of.
func SelectByGlob(cache *devcache.Cache, pattern string) []string {
	matches := cache.FindByGlob(pattern)

	names := make([]string, 0, len(matches))
	for _, d := range matches {
		names = append(names, d.Name())
	}

	return names
}

// RenameReport is re-exported from the match package: the list of
// devices a rename search newly matched, for the caller to re-run
// scanning on.
type RenameReport = match.RenameReport
