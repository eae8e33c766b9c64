// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mpath_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/mpath"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newScanned(t *testing.T, sysfsDir, devDir string, majors identity.Majors, devs map[string]string) *devcache.Cache {
	t.Helper()

	for name, devno := range devs {
		writeFile(t, filepath.Join(sysfsDir, "class", "block", name, "dev"), devno+"\n")
	}

	c := devcache.New(sysfsDir, devDir, majors)
	require.NoError(t, c.Scan())

	return c
}

func TestDetectorSysfsHoldersPositive(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	majors := identity.Majors{DeviceMapper: 253}
	cache := newScanned(t, sysfsDir, devDir, majors, map[string]string{
		"sda":  "8:0",
		"dm-1": "253:1",
	})

	writeFile(t, filepath.Join(sysfsDir, "class", "block", "sda", "holders", "dm-1"), "")
	writeFile(t, filepath.Join(sysfsDir, "class", "block", "dm-1", "dm", "uuid"), "mpath-abc\n")

	dev, ok := cache.GetExisting(filepath.Join(devDir, "sda"))
	require.True(t, ok)

	det := &mpath.Detector{
		Cache:  cache,
		Majors: majors,
		DevDir: devDir,
		StatRdev: func(path string) (int, int, bool) {
			if path == filepath.Join(devDir, "dm-1") {
				return 253, 1, true
			}

			return 0, 0, false
		},
	}

	assert.True(t, det.IsComponent(dev))
}

func TestDetectorSysfsHoldersMemoized(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	majors := identity.Majors{DeviceMapper: 253}
	cache := newScanned(t, sysfsDir, devDir, majors, map[string]string{
		"sda":  "8:0",
		"sdb":  "8:16",
		"dm-2": "253:2",
	})

	writeFile(t, filepath.Join(sysfsDir, "class", "block", "sda", "holders", "dm-2"), "")
	writeFile(t, filepath.Join(sysfsDir, "class", "block", "sdb", "holders", "dm-2"), "")
	writeFile(t, filepath.Join(sysfsDir, "class", "block", "dm-2", "dm", "uuid"), "mpath-def\n")

	calls := 0
	det := &mpath.Detector{
		Cache:  cache,
		Majors: majors,
		DevDir: devDir,
		StatRdev: func(path string) (int, int, bool) {
			calls++

			return 253, 2, true
		},
	}

	sda, ok := cache.GetExisting(filepath.Join(devDir, "sda"))
	require.True(t, ok)
	sdb, ok := cache.GetExisting(filepath.Join(devDir, "sdb"))
	require.True(t, ok)

	assert.True(t, det.IsComponent(sda))
	assert.True(t, det.IsComponent(sdb))
	assert.Equal(t, 2, calls, "stat is still called once per holder, but the uuid read is memoized")
}

func TestDetectorWWIDMatch(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	cache := newScanned(t, sysfsDir, devDir, identity.Majors{}, map[string]string{"sdc": "8:32"})
	writeFile(t, filepath.Join(sysfsDir, "class", "block", "sdc", "device", "wwid"), "naa.600000000\n")

	dev, ok := cache.GetExisting(filepath.Join(devDir, "sdc"))
	require.True(t, ok)

	det := &mpath.Detector{
		Cache:  cache,
		WWIDs:  map[string]struct{}{"600000000": {}},
		DevDir: devDir,
	}

	assert.True(t, det.IsComponent(dev))
}

func TestDetectorNoMatchWhenNoHoldersOrWWID(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	cache := newScanned(t, sysfsDir, devDir, identity.Majors{}, map[string]string{"sdd": "8:48"})

	dev, ok := cache.GetExisting(filepath.Join(devDir, "sdd"))
	require.True(t, ok)

	det := &mpath.Detector{Cache: cache}

	assert.False(t, det.IsComponent(dev))
}

func TestLoadWWIDsPrunedByBlacklist(t *testing.T) {
	sysfsDir := t.TempDir()
	wwidsPath := filepath.Join(sysfsDir, "wwids")
	writeFile(t, wwidsPath, "# comment\n/3600000000000000000e00000000000001/\n/3600000000000000000e00000000000002/\n")

	confPath := filepath.Join(sysfsDir, "multipath.conf")
	writeFile(t, confPath, "blacklist {\n\twwid \"600000000000000000e00000000000001\"\n}\n")

	bl, err := mpath.LoadBlacklist(confPath, "")
	require.NoError(t, err)

	det := &mpath.Detector{}
	require.NoError(t, det.LoadWWIDs(wwidsPath, bl))

	_, blocked := det.WWIDs["600000000000000000e00000000000001"]
	assert.False(t, blocked)

	_, allowed := det.WWIDs["600000000000000000e00000000000002"]
	assert.True(t, allowed)
}

func TestLoadBlacklistExceptionOverridesBlacklist(t *testing.T) {
	confPath := filepath.Join(t.TempDir(), "multipath.conf")
	writeFile(t, confPath, `
blacklist {
	wwid "600000000000000000e00000000000001"
}
blacklist_exceptions {
	wwid "600000000000000000e00000000000001"
}
`)

	bl, err := mpath.LoadBlacklist(confPath, "")
	require.NoError(t, err)

	assert.True(t, bl.Allowed("600000000000000000e00000000000001", true))
}
