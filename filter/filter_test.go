// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package filter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-blockdevice/v2/devcache"
	"github.com/siderolabs/go-blockdevice/v2/filter"
	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

type fakeDevice struct{ matched bool }

func (f *fakeDevice) Name() string      { return "/dev/fake" }
func (f *fakeDevice) SetMatched(m bool) { f.matched = m }
func (f *fakeDevice) Matched() bool     { return f.matched }

func TestIsListed(t *testing.T) {
	dev := &fakeDevice{}
	assert.False(t, filter.IsListed(dev))

	dev.SetMatched(true)
	assert.True(t, filter.IsListed(dev))
}

func TestHintStableKind(t *testing.T) {
	reg := registry.New("")
	u, err := reg.Add(identity.KindWWID, "naa.1", "/dev/sdb", "P1", 0)
	require.NoError(t, err)

	hint, ok := filter.Hint(u)
	require.True(t, ok)
	assert.Equal(t, "sys_wwid", hint.IDType)
	assert.Equal(t, "naa.1", hint.IDName)
}

func TestHintUnstableKindAbsent(t *testing.T) {
	reg := registry.New("")
	u, err := reg.Add(identity.KindDevname, "/dev/sdc", "/dev/sdc", "P2", 0)
	require.NoError(t, err)

	_, ok := filter.Hint(u)
	assert.False(t, ok)
}

func TestSelectByGlob(t *testing.T) {
	sysfsDir := t.TempDir()
	devDir := t.TempDir()

	for _, name := range []string{"sdb", "sdc"} {
		dir := filepath.Join(sysfsDir, "class", "block", name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dev"), []byte("8:16\n"), 0o644))
	}

	cache := devcache.New(sysfsDir, devDir, identity.Majors{})
	require.NoError(t, cache.Scan())

	names := filter.SelectByGlob(cache, filepath.Join(devDir, "sd*"))
	assert.Len(t, names, 2)
}
