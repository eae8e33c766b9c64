// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import "errors"

// Error kinds the registry surfaces, per spec.md §7.
var (
	// ErrFileMissing is returned when the devices file is absent and
	// required; by default this means "feature disabled" on this host.
	ErrFileMissing = errors.New("devices file missing")

	// ErrFileUnparseable is returned by Parse and Load, together with the
	// parsed registry, when the VERSION line cannot be parsed; reading
	// still proceeds entry-wise with warnings. WithEditLock, WithReadLock
	// and WithValidationUpdateLock return it without calling their
	// callback. Registry.Save does not check for it: a direct Save of
	// such a registry writes the file.
	ErrFileUnparseable = errors.New("devices file header is unparseable")

	// ErrVersionTooNew is returned when the file's major version is
	// greater than this implementation supports; reads proceed, writes
	// are refused.
	ErrVersionTooNew = errors.New("devices file version is newer than supported")

	// ErrLockBusy names the busy-lock condition. No function in this
	// package returns it: Lock.Acquire returns the wrapped flock error on
	// failure, and Lock.TryAcquire reports a busy lock as ok == false,
	// which WithValidationUpdateLock treats as "skip update".
	ErrLockBusy = errors.New("devices file lock is busy")

	// ErrIdentityConflict is returned when a new add collides with an
	// existing entry on PVID or identity, for a partition index that is
	// not a sibling partition of the same primary device.
	ErrIdentityConflict = errors.New("identity conflicts with an existing devices file entry")

	// ErrRenameAmbiguous names the case of a wanted PVID seen on more
	// than one device during a rename search. The match package's rename
	// search does not return it: it lists such PVIDs in its report's
	// Ambiguous field and rematches none of them.
	ErrRenameAmbiguous = errors.New("PVID found on more than one device")

	// ErrUnsupportedKind is returned when an operation is asked to use
	// an identity kind that is reserved but not implemented (DRBD).
	ErrUnsupportedKind = errors.New("identity kind is not supported")
)
