// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package match_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/match"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

func TestRenameSearchRematchesByPVID(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()
	runDir := t.TempDir()

	cache := newCache(t, sysfsDir, devDir, identity.Majors{}, map[string]string{"sdg": "8:96"})

	reg := registry.New("")
	u, err := reg.Add(identity.KindDevname, "/dev/sdc", "/dev/sdc", "PX", 0)
	require.NoError(t, err)

	r := &match.RenameSearch{
		Cache:        cache,
		RunDir:       runDir,
		Mode:         match.SearchAll,
		IsSystemFile: true,
		ReadHeader: func(path string) (string, bool) {
			if path == filepath.Join(devDir, "sdg") {
				return "PX", true
			}

			return "", false
		},
	}

	report := r.Search(reg)

	require.Len(t, report.Matched, 1)
	assert.True(t, u.Matched())
	assert.Equal(t, filepath.Join(devDir, "sdg"), u.IDNameValue())
	assert.Equal(t, filepath.Join(devDir, "sdg"), u.DevNameValue())
	assert.True(t, reg.Dirty)

	_, err = os.Stat(filepath.Join(runDir, "searched_devnames"))
	assert.True(t, os.IsNotExist(err), "sentinel must not be written when a match was found")
}

func TestRenameSearchDuplicatePVIDReportsAmbiguity(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()
	runDir := t.TempDir()

	cache := newCache(t, sysfsDir, devDir, identity.Majors{}, map[string]string{
		"sdh": "8:112",
		"sdi": "8:128",
	})

	reg := registry.New("")
	u, err := reg.Add(identity.KindDevname, "/dev/sde", "/dev/sde", "PD", 0)
	require.NoError(t, err)

	r := &match.RenameSearch{
		Cache:        cache,
		RunDir:       runDir,
		Mode:         match.SearchAll,
		IsSystemFile: true,
		ReadHeader: func(path string) (string, bool) {
			return "PD", true
		},
	}

	report := r.Search(reg)

	assert.Empty(t, report.Matched)
	require.Contains(t, report.Ambiguous, "PD")
	assert.Len(t, report.Ambiguous["PD"], 2)
	assert.False(t, u.Matched())
}

func TestRenameSearchSentinelSuppressesRepeat(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()
	runDir := t.TempDir()

	cache := newCache(t, sysfsDir, devDir, identity.Majors{}, map[string]string{"sdg": "8:96"})

	reg := registry.New("")
	_, err := reg.Add(identity.KindDevname, "/dev/sdc", "/dev/sdc", "PX", 0)
	require.NoError(t, err)

	calls := 0
	r := &match.RenameSearch{
		Cache:        cache,
		RunDir:       runDir,
		Mode:         match.SearchAll,
		IsSystemFile: true,
		ReadHeader: func(path string) (string, bool) {
			calls++

			return "", false
		},
	}

	r.Search(reg)
	assert.Equal(t, 1, calls)

	_, err = os.Stat(filepath.Join(runDir, "searched_devnames"))
	require.NoError(t, err, "sentinel must be written after a fruitless search")

	r.Search(reg)
	assert.Equal(t, 1, calls, "second search must be suppressed by the sentinel")

	require.NoError(t, match.InvalidateSentinel(runDir))
	r.Search(reg)
	assert.Equal(t, 2, calls, "search resumes once the sentinel is invalidated")
}

func TestRenameSearchNoneModeNoOp(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	cache := newCache(t, sysfsDir, devDir, identity.Majors{}, map[string]string{"sdg": "8:96"})

	reg := registry.New("")
	_, err := reg.Add(identity.KindDevname, "/dev/sdc", "/dev/sdc", "PX", 0)
	require.NoError(t, err)

	calls := 0
	r := &match.RenameSearch{
		Cache: cache,
		Mode:  match.SearchNone,
		ReadHeader: func(path string) (string, bool) {
			calls++

			return "", false
		},
	}

	r.Search(reg)
	assert.Equal(t, 0, calls)
}
