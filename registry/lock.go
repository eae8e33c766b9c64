// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockMode selects whether a Lock is held shared or exclusive, mirroring
// block.Device's Lock/TryLock pair but applied to the devices-file
// lockfile descriptor instead of a block device fd.
type LockMode int

const (
	// LockShared allows concurrent readers, excludes LockExclusive.
	LockShared LockMode = iota
	// LockExclusive excludes every other lock holder.
	LockExclusive
)

// Lock is the advisory whole-file lock on the sibling lockfile named
// "D_<basename>" in the configured lock directory (spec.md §4.2).
//
// Re-entering Acquire at the same mode while already held is permitted;
// the held return value tells the caller the nested Release should be a
// no-op, matching lock_devices_file's `held` out-parameter.
type Lock struct {
	path  string
	f     *os.File
	mode  LockMode
	depth int
}

// LockPath returns the sibling lockfile path for a devices-file path,
// e.g. "/etc/lvm/devices/system.devices" -> "<lockDir>/D_system.devices".
func LockPath(lockDir, devicesFilePath string) string {
	return filepath.Join(lockDir, "D_"+filepath.Base(devicesFilePath))
}

// NewLock returns a Lock bound to the sibling lockfile for the given
// devices-file path.
func NewLock(lockDir, devicesFilePath string) *Lock {
	return &Lock{path: LockPath(lockDir, devicesFilePath)}
}

func (l *Lock) open() error {
	if l.f != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	l.f = f

	return nil
}

// Acquire blocks until the lock is held at the given mode. held reports
// whether the lock was already held (at any mode) by this Lock value,
// in which case Acquire is a cheap no-op and Release must not actually
// unlock until the matching number of Release calls have been made.
func (l *Lock) Acquire(mode LockMode) (held bool, err error) {
	if l.depth > 0 {
		l.depth++

		return true, nil
	}

	if err := l.open(); err != nil {
		return false, err
	}

	flag := unix.LOCK_SH
	if mode == LockExclusive {
		flag = unix.LOCK_EX
	}

	for {
		err := unix.Flock(int(l.f.Fd()), flag)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return false, fmt.Errorf("flock %s: %w", l.path, err)
		}

		break
	}

	l.mode = mode
	l.depth = 1

	return false, nil
}

// TryAcquire attempts a non-blocking lock at the given mode. ok is false
// (with no error) if the lock is currently held elsewhere, which callers
// must treat as ErrLockBusy / "skip this update", never as a fatal
// error.
func (l *Lock) TryAcquire(mode LockMode) (ok bool, held bool, err error) {
	if l.depth > 0 {
		l.depth++

		return true, true, nil
	}

	if err := l.open(); err != nil {
		return false, false, err
	}

	flag := unix.LOCK_NB
	if mode == LockExclusive {
		flag |= unix.LOCK_EX
	} else {
		flag |= unix.LOCK_SH
	}

	for {
		err := unix.Flock(int(l.f.Fd()), flag)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return false, false, nil
		}

		if err != nil {
			return false, false, fmt.Errorf("flock %s: %w", l.path, err)
		}

		break
	}

	l.mode = mode
	l.depth = 1

	return true, false, nil
}

// Release decrements the reentrancy depth and, once it reaches zero,
// actually releases the flock and closes the lockfile descriptor.
func (l *Lock) Release() error {
	if l.depth == 0 {
		return nil
	}

	l.depth--
	if l.depth > 0 {
		return nil
	}

	if l.f == nil {
		return nil
	}

	var unlockErr error

	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		unlockErr = err

		break
	}

	closeErr := l.f.Close()
	l.f = nil

	if unlockErr != nil {
		return unlockErr
	}

	return closeErr
}

// Mode reports the mode this Lock is currently held at (meaningless if
// not held).
func (l *Lock) Mode() LockMode {
	return l.mode
}
