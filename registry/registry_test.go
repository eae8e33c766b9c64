// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-blockdevice/v2/identity"
	"github.com/siderolabs/go-blockdevice/v2/registry"
)

func TestRoundTrip(t *testing.T) {
	reg := registry.New("")
	reg.SystemID = "hostA"
	reg.Version = registry.Version{Major: 1, Minor: 1, Counter: 3}

	_, err := reg.Add(identity.KindWWID, "naa.500a1", "/dev/sdb", "P0000000000000000000000000000001", 0)
	require.NoError(t, err)

	_, err = reg.Add(identity.KindDevname, "/dev/sdc", "/dev/sdc", "", 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, registry.Serialize(reg, &buf, ""))

	parsed, err := registry.Parse(&buf, nil)
	require.NoError(t, err)

	assert.Equal(t, reg.SystemID, parsed.SystemID)
	assert.Equal(t, reg.Version, parsed.Version)
	require.Len(t, parsed.Entries, 2)
	assert.Equal(t, identity.KindWWID, parsed.Entries[0].IDType)
	assert.Equal(t, "naa.500a1", parsed.Entries[0].IDNameValue())
	assert.Equal(t, "/dev/sdb", parsed.Entries[0].DevNameValue())
	assert.Equal(t, "P0000000000000000000000000000001", parsed.Entries[0].PVIDValue())
}

func TestParseFieldsAnyOrder(t *testing.T) {
	data := "PVID=P001 DEVNAME=/dev/sdb IDNAME=naa.1 IDTYPE=sys_wwid\n"

	reg, err := registry.Parse(bytes.NewBufferString(data), nil)
	require.NoError(t, err)
	require.Len(t, reg.Entries, 1)

	e := reg.Entries[0]
	assert.Equal(t, identity.KindWWID, e.IDType)
	assert.Equal(t, "naa.1", e.IDNameValue())
	assert.Equal(t, "/dev/sdb", e.DevNameValue())
	assert.Equal(t, "P001", e.PVIDValue())
}

func TestParseSkipsEntryWithoutIDNameOrType(t *testing.T) {
	data := "IDTYPE=sys_wwid DEVNAME=/dev/sdb PVID=P001\n" + // missing IDNAME
		"IDNAME=naa.1 DEVNAME=/dev/sdc PVID=P002\n" // missing IDTYPE

	reg, err := registry.Parse(bytes.NewBufferString(data), nil)
	require.NoError(t, err)
	assert.Empty(t, reg.Entries)
}

func TestParseAbsentMarker(t *testing.T) {
	data := "IDTYPE=devname IDNAME=/dev/sdc DEVNAME=. PVID=.\n"

	reg, err := registry.Parse(bytes.NewBufferString(data), nil)
	require.NoError(t, err)
	require.Len(t, reg.Entries, 1)
	assert.Nil(t, reg.Entries[0].DevName)
	assert.Nil(t, reg.Entries[0].PVID)
}

func TestSaveRefusesTooNewMajor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.devices")

	reg := registry.New(path)
	reg.Version = registry.Version{Major: 99, Minor: 0, Counter: 1}

	err := reg.Save(registry.SaveOptions{AllowImplicitCreate: true})
	require.ErrorIs(t, err, registry.ErrVersionTooNew)
}

func TestSaveRefusesImplicitCreateByDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.devices")

	reg := registry.New(path)

	err := reg.Save(registry.SaveOptions{})
	require.ErrorIs(t, err, registry.ErrFileMissing)
}

func TestSaveIncrementsCounterAndAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.devices")

	reg := registry.New(path)
	_, err := reg.Add(identity.KindWWID, "naa.1", "/dev/sdb", "P001", 0)
	require.NoError(t, err)

	require.NoError(t, reg.Save(registry.SaveOptions{SystemID: "hostA", AllowImplicitCreate: true}))
	assert.Equal(t, uint32(1), reg.Version.Counter)

	// temp file must not be left behind
	_, err = os.Stat(path + "_new")
	assert.True(t, os.IsNotExist(err))

	loaded, err := registry.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), loaded.Version.Counter)

	require.NoError(t, loaded.Save(registry.SaveOptions{SystemID: "hostA", FileExists: true}))
	assert.Equal(t, uint32(2), loaded.Version.Counter)

	reparsed, err := registry.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), reparsed.Version.Counter)
}

func TestAddIdentityConflict(t *testing.T) {
	reg := registry.New("")

	_, err := reg.Add(identity.KindWWID, "naa.1", "/dev/sdb", "P001", 0)
	require.NoError(t, err)

	_, err = reg.Add(identity.KindWWID, "naa.1", "/dev/sdb2", "P001", 0)
	require.ErrorIs(t, err, registry.ErrIdentityConflict)
}

func TestAddAllowsSiblingPartitions(t *testing.T) {
	reg := registry.New("")

	_, err := reg.Add(identity.KindWWID, "naa.1", "/dev/sdb1", "P001", 1)
	require.NoError(t, err)

	_, err = reg.Add(identity.KindWWID, "naa.1", "/dev/sdb2", "P002", 2)
	require.NoError(t, err)

	assert.Len(t, reg.Entries, 2)
}

func TestAddRejectsUnsupportedKind(t *testing.T) {
	reg := registry.New("")

	_, err := reg.Add(identity.KindDrbd, "x", "/dev/drbd0", "", 0)
	require.ErrorIs(t, err, registry.ErrUnsupportedKind)
}

func TestOrphans(t *testing.T) {
	reg := registry.New("")

	u1, err := reg.Add(identity.KindWWID, "naa.1", "/dev/sdb", "P001", 0)
	require.NoError(t, err)
	_, err = reg.Add(identity.KindWWID, "naa.2", "/dev/sdc", "P002", 0)
	require.NoError(t, err)

	fake := &fakeDevice{name: "/dev/sdb"}
	u1.SetMatch(fake)

	orphans := reg.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "naa.2", orphans[0].IDNameValue())
}

type fakeDevice struct {
	name    string
	matched bool
}

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) SetMatched(m bool) { f.matched = m }
